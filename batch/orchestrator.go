package batch

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/seqbatch/seqbatch/common/stats"
	"github.com/seqbatch/seqbatch/progress"
	"github.com/seqbatch/seqbatch/resource"
	"github.com/seqbatch/seqbatch/runner"
	"github.com/seqbatch/seqbatch/stage"
	"github.com/seqbatch/seqbatch/tier"
)

// Exit codes reported to calling automation, so incomplete batches are
// detectable without parsing the report.
const (
	ExitOK             = 0
	ExitPartialFailure = 3
)

// Orchestrator runs one stage's batch end to end: tool precheck, skip scan,
// tier controller, summary.
type Orchestrator struct {
	Stage  stage.Stage
	Runner runner.Runner
	Store  progress.Store
	Budget resource.Budget
	Cost   resource.CostModel
	Stat   stats.StatsReceiver

	LogDir      string
	ScratchRoot string
}

// Options for one invocation.
type Options struct {
	// AllowList restricts the batch to these job ids; empty runs all.
	AllowList []string

	// Force re-runs jobs even when a completed-output marker exists.
	Force bool
}

// Report is the end-of-run result of one batch.
type Report struct {
	InvocationID string
	Stage        string
	Budget       resource.Budget
	Summary      progress.Summary
	LogDir       string
	Started      time.Time
	Finished     time.Time
}

// ExitCode distinguishes a fully resolved batch from one with terminal
// failures; degraded tier-3 successes count as resolved.
func (r Report) ExitCode() int {
	if len(r.Summary.Failed) > 0 {
		return ExitPartialFailure
	}
	return ExitOK
}

// Run executes the batch over jobs. Infrastructure errors (missing tool,
// store failure) are returned before any job runs; per-job failures are
// reflected in the report, never as an error.
func (o *Orchestrator) Run(ctx context.Context, jobs []stage.Job, opts Options) (Report, error) {
	report := Report{
		InvocationID: uuid.New().String(),
		Stage:        o.Stage.Name(),
		Budget:       o.Budget,
		LogDir:       o.LogDir,
		Started:      time.Now(),
	}
	if o.Stat == nil {
		o.Stat = stats.NilStatsReceiver()
	}

	if err := CheckTool(o.Stage.Tool()); err != nil {
		return report, err
	}

	jobs = filterAllowed(jobs, opts.AllowList)
	if len(jobs) == 0 {
		return report, errors.New("no jobs to run (empty manifest selection)")
	}
	for _, job := range jobs {
		if len(job.Runs) == 0 {
			return report, errors.Errorf("job %s has no runs", job.ID)
		}
	}
	log.WithFields(log.Fields{
		"invocation": report.InvocationID,
		"stage":      o.Stage.Name(),
		"jobs":       len(jobs),
		"budget":     o.Budget.String(),
		"force":      opts.Force,
	}).Info("Batch starting")

	if opts.Force {
		if err := o.Store.Reset(); err != nil {
			return report, errors.Wrap(err, "resetting progress for forced run")
		}
	}

	// Disk state is authoritative for "already done": a valid completed
	// output marker means Succeeded without re-running, before the append
	// log is consulted.
	if !opts.Force {
		for _, job := range jobs {
			if o.Store.Resolved(job.ID) {
				continue
			}
			if markerComplete(o.Stage.PrimaryOutput(job)) {
				if err := o.Store.MarkSkipped(job.ID); err != nil {
					return report, errors.Wrap(err, "recording skip")
				}
				o.Stat.Counter(stats.BatchJobsSkipped).Inc(1)
				log.WithFields(log.Fields{
					"jobID": job.ID,
					"stage": o.Stage.Name(),
				}).Info("Output already complete, skipping")
			}
		}
	}

	ids := make([]string, len(jobs))
	byID := map[string]stage.Job{}
	for i, job := range jobs {
		ids[i] = job.ID
		byID[job.ID] = job
	}
	pendingIDs := o.Store.Pending(ids)
	if err := o.Store.MarkPending(pendingIDs); err != nil {
		return report, errors.Wrap(err, "recording pending set")
	}

	pending := make([]stage.Job, len(pendingIDs))
	for i, id := range pendingIDs {
		pending[i] = byID[id]
	}

	ctl := tier.NewController(o.Stage, o.Runner, o.Store, o.Budget, o.Cost,
		o.Stat, o.LogDir, o.ScratchRoot)
	if err := ctl.Run(ctx, pending); err != nil {
		return report, err
	}

	report.Summary = o.Store.Summary()
	report.Finished = time.Now()
	o.Stat.Counter(stats.BatchJobsSucceeded).Inc(int64(len(report.Summary.Succeeded)))
	o.Stat.Counter(stats.BatchJobsDegraded).Inc(int64(len(report.Summary.SucceededDegraded)))
	o.Stat.Counter(stats.BatchJobsFailed).Inc(int64(len(report.Summary.Failed)))
	return report, nil
}

// CheckTool verifies the stage's executable exists before any job runs; a
// missing external dependency fails the whole batch at start.
func CheckTool(tool string) error {
	if strings.ContainsRune(tool, os.PathSeparator) {
		if _, err := os.Stat(tool); err != nil {
			return errors.Wrapf(err, "required tool %s not found", tool)
		}
		return nil
	}
	if _, err := exec.LookPath(tool); err != nil {
		return errors.Wrapf(err, "required tool %s not found on PATH", tool)
	}
	return nil
}

func filterAllowed(jobs []stage.Job, allow []string) []stage.Job {
	if len(allow) == 0 {
		return jobs
	}
	allowed := map[string]bool{}
	for _, id := range allow {
		allowed[id] = true
	}
	var out []stage.Job
	for _, job := range jobs {
		if allowed[job.ID] {
			out = append(out, job)
		}
	}
	return out
}

// markerComplete reports whether the primary output artifact exists and is
// non-empty.
func markerComplete(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}
