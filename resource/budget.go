// Package resource probes host CPU/memory and estimates per-job cost.
// The Budget snapshot is computed once per batch invocation and treated
// as immutable for the duration of the run; transient drift in real host
// load is intentionally not tracked.
package resource

import "fmt"

// Budget is the host-wide resource snapshot a batch schedules against.
// Usable values already account for the safety reserve and, when several
// batches run side by side, this batch's share of the host.
type Budget struct {
	TotalCPU  int
	UsableCPU int

	TotalMemMiB     int
	AvailableMemMiB int
	UsableMemMiB    int
}

func (b Budget) String() string {
	return fmt.Sprintf("cpu=%d/%d usableMemMiB=%d (avail=%d total=%d)",
		b.UsableCPU, b.TotalCPU, b.UsableMemMiB, b.AvailableMemMiB, b.TotalMemMiB)
}

// cpuReserve leaves headroom for interactive use and for the orchestration
// process itself. Small machines can't spare a core.
func cpuReserve(cpus int) int {
	switch {
	case cpus <= 4:
		return 0
	case cpus <= 8:
		return 1
	default:
		return 2
	}
}

// memReserveMiB holds back a sliver of the share so jobs never claim 100%
// of available memory.
func memReserveMiB(shareMiB int) int {
	r := shareMiB / 20
	if r < 512 {
		r = 512
	}
	return r
}
