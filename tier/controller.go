// Package tier drives jobs through the three retry tiers: computed
// parallelism first, then one-at-a-time with maximal resources, then a
// minimal-footprint degraded configuration. Tiers are strictly sequential;
// a tier is entered only if the prior one left failures behind.
package tier

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/seqbatch/seqbatch/common/stats"
	"github.com/seqbatch/seqbatch/plan"
	"github.com/seqbatch/seqbatch/progress"
	"github.com/seqbatch/seqbatch/resource"
	"github.com/seqbatch/seqbatch/runner"
	"github.com/seqbatch/seqbatch/stage"
)

const defaultHeartbeat = 2 * time.Minute

// Controller runs all pending jobs of one stage through the tier state
// machine, recording every attempt in the progress store.
type Controller struct {
	st     stage.Stage
	run    runner.Runner
	store  progress.Store
	budget resource.Budget
	cost   resource.CostModel
	stat   stats.StatsReceiver

	logDir      string
	scratchRoot string
	heartbeat   time.Duration

	mu sync.Mutex // serializes store writes from the tier-1 pool
}

func NewController(st stage.Stage, run runner.Runner, store progress.Store,
	budget resource.Budget, cost resource.CostModel, stat stats.StatsReceiver,
	logDir, scratchRoot string) *Controller {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Controller{
		st:          st,
		run:         run,
		store:       store,
		budget:      budget,
		cost:        cost,
		stat:        stat,
		logDir:      logDir,
		scratchRoot: scratchRoot,
		heartbeat:   defaultHeartbeat,
	}
}

// Run drives jobs through tiers 1-3. Jobs that succeed leave the pending
// set; jobs that fail a tier carry to the next; tier-3 failures are
// terminal. Returns the first store error or the context error; individual
// job failures are recorded, not returned.
func (c *Controller) Run(ctx context.Context, jobs []stage.Job) error {
	pending := jobs
	for t := 1; t <= progress.FinalTier; t++ {
		if len(pending) == 0 {
			// A tier with zero input jobs is a no-op.
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		failed, err := c.runTier(ctx, t, pending)
		if err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"stage":  c.st.Name(),
			"tier":   t,
			"input":  len(pending),
			"failed": len(failed),
		}).Info("Tier complete")
		pending = failed
	}
	return nil
}

// tierConfig computes the concurrency and per-job resources for one tier.
func (c *Controller) tierConfig(t, pendingCount int) (parallel int, cfg runner.Config) {
	overhead := c.st.FixedOverheadMiB(c.cost)
	cfg = runner.Config{
		Tier:        t,
		Fidelity:    stage.FullFidelity,
		LogDir:      c.logDir,
		ScratchRoot: c.scratchRoot,
	}

	switch t {
	case 1:
		threads := c.cost.ThreadsPerJob(c.budget.UsableCPU)
		memPerJob := c.cost.MemoryRequiredMiB(threads, overhead)
		p := plan.Compute(pendingCount, threads, c.budget.UsableCPU,
			c.budget.UsableMemMiB, memPerJob, c.st.MaxThreads(),
			func(th int) int { return c.cost.MemoryRequiredMiB(th, overhead) })
		c.stat.Gauge(stats.PlannedParallelism).Update(int64(p.Parallel))
		c.stat.Gauge(stats.PlannedThreads).Update(int64(p.Threads))
		parallel = p.Parallel
		cfg.Threads = p.Threads
		// Each concurrent job may claim an equal share of the budget.
		if parallel > 0 {
			cfg.MemCeilingMiB = c.budget.UsableMemMiB / parallel
		}
	case 2:
		// Isolation with maximal resources: most tier-1 failures are
		// contention artifacts of concurrent execution.
		parallel = 1
		cfg.Threads = min(c.budget.UsableCPU, c.st.MaxThreads())
		cfg.MemCeilingMiB = c.budget.UsableMemMiB
	default:
		// Minimal footprint, reduced fidelity: completion over accuracy.
		parallel = 1
		cfg.Threads = c.st.MinThreads()
		cfg.Fidelity = stage.DegradedFidelity
		cfg.MemCeilingMiB = c.budget.UsableMemMiB
	}
	return parallel, cfg
}

// runTier executes one tier over its pending jobs and returns the jobs that
// failed it, preserving input order.
func (c *Controller) runTier(ctx context.Context, t int, pending []stage.Job) ([]stage.Job, error) {
	parallel, cfg := c.tierConfig(t, len(pending))
	log.WithFields(log.Fields{
		"stage":         c.st.Name(),
		"tier":          t,
		"jobs":          len(pending),
		"parallel":      parallel,
		"threads":       cfg.Threads,
		"memCeilingMiB": cfg.MemCeilingMiB,
		"fidelity":      cfg.Fidelity.String(),
	}).Info("Entering tier")

	hb := newHeartbeat(c.st.Name(), t, c.heartbeat)
	defer hb.stop()

	sem := make(chan struct{}, parallel)
	results := make([]*runner.Result, len(pending))
	var wg sync.WaitGroup
	var storeErr error

	for i, job := range pending {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(i int, job stage.Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			hb.add(job.ID)
			defer hb.remove(job.ID)
			res := c.run.Run(ctx, job, cfg)
			results[i] = &res

			c.mu.Lock()
			defer c.mu.Unlock()
			err := c.store.Append(progress.AttemptRecord{
				JobID:      job.ID,
				Tier:       t,
				Threads:    cfg.Threads,
				Outcome:    res.Outcome,
				PeakMemMiB: res.PeakMemMiB,
			})
			if err != nil && storeErr == nil {
				storeErr = err
			}
			c.observe(t, job, res)
		}(i, job)
	}

	// Join barrier: the tier is fully resolved before any later tier
	// starts, since later tiers reallocate the entire freed budget.
	wg.Wait()

	if storeErr != nil {
		return nil, errors.Wrap(storeErr, "recording attempt")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var failed []stage.Job
	for i, job := range pending {
		if results[i] == nil || results[i].Outcome != progress.OutcomeSuccess {
			failed = append(failed, job)
		}
	}
	return failed, nil
}

func (c *Controller) observe(t int, job stage.Job, res runner.Result) {
	scope := c.stat.Scope("tier" + strconv.Itoa(t))
	scope.Counter(stats.TierJobAttempts).Inc(1)
	switch res.Outcome {
	case progress.OutcomeSuccess:
		scope.Counter(stats.TierJobSuccesses).Inc(1)
		log.WithFields(log.Fields{
			"stage":      c.st.Name(),
			"jobID":      job.ID,
			"tier":       t,
			"peakMemMiB": res.PeakMemMiB,
		}).Info("Job attempt succeeded")
	default:
		scope.Counter(stats.TierJobFailures).Inc(1)
		log.WithFields(log.Fields{
			"stage": c.st.Name(),
			"jobID": job.ID,
			"tier":  t,
			"log":   res.LogPath,
			"error": res.Err,
		}).Warn("Job attempt failed")
	}
}

