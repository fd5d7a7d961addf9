package resource

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// CostModel holds the heuristic knobs used to size one job. The values are
// hand-tuned bands, kept behind this type so they can be adjusted from
// configuration without touching the scheduler state machine.
type CostModel struct {
	// PerThreadMiB is the working-set estimate added per job thread.
	PerThreadMiB int

	// IndexExpansionFactor converts an index's on-disk size to its expected
	// resident footprint. In-memory representation exceeds the serialized
	// form.
	IndexExpansionFactor float64

	// Clamp band for the index footprint estimate, MiB.
	IndexMinMiB int
	IndexMaxMiB int

	// ThreadBands maps usable CPU to the standard per-job thread count.
	// Zero value uses DefaultThreadBands.
	ThreadBands []ThreadBand
}

// ThreadBand assigns a thread count to hosts with up to MaxCPU usable CPUs.
// Bands are checked in order; the last band's Threads applies beyond the
// final MaxCPU.
type ThreadBand struct {
	MaxCPU  int
	Threads int
}

var DefaultThreadBands = []ThreadBand{
	{MaxCPU: 4, Threads: 2},
	{MaxCPU: 8, Threads: 4},
	{MaxCPU: 16, Threads: 6},
	{MaxCPU: 0, Threads: 8}, // anything larger
}

// DefaultCostModel returns the tuning that has worked on 8-64 core hosts.
func DefaultCostModel() CostModel {
	return CostModel{
		PerThreadMiB:         350,
		IndexExpansionFactor: 1.6,
		IndexMinMiB:          2048,
		IndexMaxMiB:          49152,
		ThreadBands:          DefaultThreadBands,
	}
}

// ThreadsPerJob picks the standard thread count for one job, scaling in
// coarse bands and capped well below usable CPU on large machines so one
// job never monopolizes the host.
func (c CostModel) ThreadsPerJob(usableCPU int) int {
	bands := c.ThreadBands
	if len(bands) == 0 {
		bands = DefaultThreadBands
	}
	for _, b := range bands {
		if b.MaxCPU > 0 && usableCPU <= b.MaxCPU {
			return b.Threads
		}
	}
	return bands[len(bands)-1].Threads
}

// MemoryRequiredMiB estimates the memory one job instance needs: any fixed
// overhead (e.g. a resident index) plus a per-thread working-set term.
func (c CostModel) MemoryRequiredMiB(threads, fixedOverheadMiB int) int {
	if threads < 1 {
		threads = 1
	}
	return fixedOverheadMiB + threads*c.PerThreadMiB
}

// IndexOverheadMiB estimates the resident footprint of a shared on-disk
// resource (an index directory or file) by expanding its disk size and
// clamping to a sane band. Best effort: a stat failure returns the clamp
// minimum, since underestimation is recovered by later retry tiers rather
// than by precise accounting.
func (c CostModel) IndexOverheadMiB(path string) int {
	sizeMiB, err := diskUsageMiB(path)
	if err != nil {
		log.WithFields(log.Fields{
			"path":  path,
			"error": err,
			"clamp": c.IndexMinMiB,
		}).Warn("Could not size shared index, assuming clamp minimum")
		return c.IndexMinMiB
	}
	est := int(float64(sizeMiB) * c.IndexExpansionFactor)
	if est < c.IndexMinMiB {
		est = c.IndexMinMiB
	}
	if est > c.IndexMaxMiB {
		est = c.IndexMaxMiB
	}
	return est
}

func diskUsageMiB(path string) (int, error) {
	var bytes int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			bytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(bytes / (1 << 20)), nil
}
