package resource

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const meminfoPath = "/proc/meminfo"

// Conservative fallback used when memory introspection is unavailable.
// Deliberately small so a blind batch underschedules rather than thrashes.
const (
	fallbackTotalMemMiB = 8192
	fallbackAvailMemMiB = 6144
)

// Probe inspects the host and returns the budget for one batch. shares is
// the number of batches expected to run side by side on this host; each
// invocation divides the undivided host totals by shares independently,
// batches never discover each other's allocation. shares < 1 is treated
// as 1.
func Probe(shares int) Budget {
	totalMiB, availMiB, err := readMemInfo(meminfoPath)
	if err != nil {
		log.WithFields(log.Fields{
			"error":        err,
			"fallbackMiB":  fallbackAvailMemMiB,
			"fallbackPath": meminfoPath,
		}).Warn("Memory introspection unavailable, using conservative defaults")
		totalMiB, availMiB = fallbackTotalMemMiB, fallbackAvailMemMiB
	}
	return budgetFrom(runtime.NumCPU(), totalMiB, availMiB, shares)
}

// budgetFrom derives usable CPU and memory from raw host totals. Split out
// from Probe so the derivation is testable without a real host.
func budgetFrom(totalCPU, totalMemMiB, availMemMiB, shares int) Budget {
	if shares < 1 {
		shares = 1
	}

	cpuShare := totalCPU / shares
	if cpuShare < 1 {
		cpuShare = 1
	}
	usableCPU := cpuShare - cpuReserve(cpuShare)
	if usableCPU < 2 {
		usableCPU = 2
	}

	memShare := availMemMiB / shares
	usableMem := memShare - memReserveMiB(memShare)
	if usableMem < 1 {
		usableMem = 1
	}

	return Budget{
		TotalCPU:        totalCPU,
		UsableCPU:       usableCPU,
		TotalMemMiB:     totalMemMiB,
		AvailableMemMiB: availMemMiB,
		UsableMemMiB:    usableMem,
	}
}

func readMemInfo(path string) (totalMiB, availMiB int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return parseMemInfo(f)
}

// parseMemInfo extracts MemTotal and MemAvailable (kB) from /proc/meminfo
// content. Older kernels without MemAvailable fall back to MemFree.
func parseMemInfo(r io.Reader) (totalMiB, availMiB int, err error) {
	var totalKB, availKB, freeKB int
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, convErr := strconv.Atoi(fields[1])
		if convErr != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		case "MemFree:":
			freeKB = v
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	if totalKB == 0 {
		return 0, 0, errors.New("MemTotal not found in meminfo")
	}
	if availKB == 0 {
		availKB = freeKB
	}
	if availKB == 0 {
		return 0, 0, errors.New("neither MemAvailable nor MemFree found in meminfo")
	}
	return totalKB / 1024, availKB / 1024, nil
}
