// Package plan computes safe per-tier parallelism from a resource budget
// and a per-job cost estimate.
package plan

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Binding names the constraint that decided the parallel job count.
// Diagnostic only; control flow never branches on it.
type Binding int

const (
	BoundByCPU Binding = iota
	BoundByMemory
	BoundByPending
)

func (b Binding) String() string {
	switch b {
	case BoundByCPU:
		return "cpu"
	case BoundByMemory:
		return "memory"
	case BoundByPending:
		return "pending"
	default:
		panic(fmt.Sprintf("unexpected Binding %d", int(b)))
	}
}

// Plan is the concurrency decision for one tier: how many jobs run at once
// and with how many threads each. Logged for diagnosis.
type Plan struct {
	Threads  int
	Parallel int
	Binding  Binding
}

func (p Plan) String() string {
	return fmt.Sprintf("parallel=%d threads=%d bound-by=%s", p.Parallel, p.Threads, p.Binding)
}

// MemFunc reports the estimated memory (MiB) one job needs at a given
// thread count. Used to keep single-job thread re-expansion inside the
// memory bound.
type MemFunc func(threads int) int

// Compute picks the number of concurrently runnable jobs as the minimum of
// a CPU bound, a memory bound, and the pending job count.
//
// If the result is exactly one job, threads are re-expanded toward
// usableCPU (capped by maxThreads) so a lone job uses the parallelism that
// would otherwise sit idle; the expansion never re-violates the memory
// bound. pending == 0 yields Parallel 0 (the tier is a no-op).
func Compute(pending, threadsPerJob, usableCPU, usableMemMiB, memPerJobMiB int, maxThreads int, memFor MemFunc) Plan {
	if threadsPerJob < 1 {
		threadsPerJob = 1
	}
	if memPerJobMiB < 1 {
		memPerJobMiB = 1
	}

	cpuBound := usableCPU / threadsPerJob
	if cpuBound < 1 {
		cpuBound = 1
	}
	memBound := usableMemMiB / memPerJobMiB
	if memBound < 1 {
		memBound = 1
	}

	p := Plan{Threads: threadsPerJob, Parallel: cpuBound, Binding: BoundByCPU}
	if memBound < p.Parallel {
		p.Parallel = memBound
		p.Binding = BoundByMemory
	}
	if pending < p.Parallel {
		p.Parallel = pending
		p.Binding = BoundByPending
	}
	if p.Parallel < 1 {
		// Zero pending jobs: nothing to run, nothing to expand.
		p.Parallel = 0
		return p
	}

	if p.Parallel == 1 {
		p.Threads = expandThreads(p.Threads, usableCPU, usableMemMiB, maxThreads, memFor)
	}

	log.WithFields(log.Fields{
		"pending":      pending,
		"usableCPU":    usableCPU,
		"usableMemMiB": usableMemMiB,
		"memPerJobMiB": memPerJobMiB,
		"plan":         p.String(),
	}).Info("Planned tier concurrency")
	return p
}

// expandThreads raises the thread count toward usableCPU for a lone job,
// stopping at maxThreads or where the estimated memory would exceed the
// budget.
func expandThreads(threads, usableCPU, usableMemMiB, maxThreads int, memFor MemFunc) int {
	limit := usableCPU
	if maxThreads > 0 && maxThreads < limit {
		limit = maxThreads
	}
	best := threads
	for t := threads + 1; t <= limit; t++ {
		if memFor != nil && memFor(t) > usableMemMiB {
			break
		}
		best = t
	}
	return best
}
