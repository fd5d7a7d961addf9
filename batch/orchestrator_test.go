package batch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqbatch/seqbatch/progress"
	"github.com/seqbatch/seqbatch/resource"
	"github.com/seqbatch/seqbatch/runner"
	"github.com/seqbatch/seqbatch/stage"
)

// markerStage's primary output is a plain marker file in the job dir.
type markerStage struct{ tool string }

func (s markerStage) Name() string { return "marker" }

func (s markerStage) Tool() string {
	if s.tool != "" {
		return s.tool
	}
	return "true"
}

func (s markerStage) Argv(job stage.Job, threads int, fidelity stage.Fidelity, scratchDir string) []string {
	return []string{"true"}
}

func (s markerStage) PrimaryOutput(job stage.Job) string {
	return filepath.Join(job.OutDir, "out.txt")
}

func (s markerStage) FixedOverheadMiB(resource.CostModel) int { return 0 }

func (s markerStage) MaxThreads() int { return 8 }

func (s markerStage) MinThreads() int { return 2 }

// writingRunner succeeds by materializing the stage's primary output, like
// a real tool would, so skip scans on later invocations find the marker.
type writingRunner struct {
	failIDs  map[string]bool // jobs that fail every tier
	degraded map[string]bool // jobs that only succeed in tier 3

	mu    sync.Mutex
	calls int
}

func (w *writingRunner) Run(ctx context.Context, job stage.Job, cfg runner.Config) runner.Result {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()

	if w.failIDs[job.ID] {
		return runner.Result{Outcome: progress.OutcomeFailure, PeakMemMiB: progress.PeakMemUnknown}
	}
	if w.degraded[job.ID] && cfg.Fidelity != stage.DegradedFidelity {
		return runner.Result{Outcome: progress.OutcomeFailure, PeakMemMiB: progress.PeakMemUnknown}
	}
	if err := os.MkdirAll(job.OutDir, 0777); err != nil {
		return runner.Result{Outcome: progress.OutcomeFailure, Err: err}
	}
	if err := os.WriteFile(filepath.Join(job.OutDir, "out.txt"), []byte("data"), 0666); err != nil {
		return runner.Result{Outcome: progress.OutcomeFailure, Err: err}
	}
	return runner.Result{Outcome: progress.OutcomeSuccess, PeakMemMiB: 100}
}

func (w *writingRunner) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type fixture struct {
	orch *Orchestrator
	run  *writingRunner
	jobs []stage.Job
	root string
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	st := markerStage{}
	run := &writingRunner{failIDs: map[string]bool{}, degraded: map[string]bool{}}
	store, err := progress.OpenFileStore(filepath.Join(root, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var jobs []stage.Job
	for _, id := range ids {
		jobs = append(jobs, stage.Job{
			ID:     id,
			Runs:   []stage.Run{{Accession: id + "_R1"}},
			OutDir: stage.OutDirFor(filepath.Join(root, "out"), id),
		})
	}
	orch := &Orchestrator{
		Stage:       st,
		Runner:      run,
		Store:       store,
		Budget:      resource.Budget{TotalCPU: 8, UsableCPU: 8, TotalMemMiB: 32000, AvailableMemMiB: 32000, UsableMemMiB: 30000},
		Cost:        resource.DefaultCostModel(),
		LogDir:      filepath.Join(root, "logs"),
		ScratchRoot: filepath.Join(root, "scratch"),
	}
	return &fixture{orch: orch, run: run, jobs: jobs, root: root}
}

func TestBatchAllSucceed(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	report, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)
	assert.Equal(t, ExitOK, report.ExitCode())
	assert.Len(t, report.Summary.Succeeded, 3)
	assert.Equal(t, 3, f.run.callCount())
}

func TestBatchIdempotentSecondInvocation(t *testing.T) {
	f := newFixture(t, "a", "b")
	_, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, f.run.callCount())

	// Unchanged inputs: the second invocation performs zero executions.
	report, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.run.callCount(), "no job may re-run")
	assert.Equal(t, ExitOK, report.ExitCode())
}

func TestBatchSkipsFromDiskMarkerWithFreshStore(t *testing.T) {
	f := newFixture(t, "a", "b")
	_, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)

	// New progress store, same output dirs: disk state alone is
	// authoritative for "already done".
	freshStore, err := progress.OpenFileStore(filepath.Join(f.root, "state2"))
	require.NoError(t, err)
	defer freshStore.Close()
	f.orch.Store = freshStore

	report, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, f.run.callCount(), "disk markers must prevent re-runs")
	assert.Len(t, report.Summary.Skipped, 2, spew.Sdump(report.Summary))
}

func TestBatchForceReruns(t *testing.T) {
	f := newFixture(t, "a")
	_, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, f.run.callCount())

	_, err = f.orch.Run(context.Background(), f.jobs, Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, f.run.callCount(), "force must bypass the idempotent skip")
}

func TestBatchAllowListFilters(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	report, err := f.orch.Run(context.Background(), f.jobs, Options{AllowList: []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, 1, f.run.callCount())
	assert.Equal(t, []string{"b"}, report.Summary.Succeeded)
}

func TestBatchPartialFailureExitCode(t *testing.T) {
	f := newFixture(t, "good", "bad")
	f.run.failIDs["bad"] = true

	report, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err, "per-job failures are reported, not returned")
	assert.Equal(t, ExitPartialFailure, report.ExitCode())
	assert.Equal(t, []string{"bad"}, report.Summary.Failed)
	assert.Equal(t, []string{"good"}, report.Summary.Succeeded)
	// The failed job burned one attempt per tier.
	assert.Equal(t, 1+3, f.run.callCount())
}

func TestBatchDegradedSuccessReportedSeparately(t *testing.T) {
	f := newFixture(t, "fragile")
	f.run.degraded["fragile"] = true

	report, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)
	assert.Equal(t, ExitOK, report.ExitCode(), "degraded successes still resolve the batch")
	assert.Equal(t, []string{"fragile"}, report.Summary.SucceededDegraded)
	assert.Empty(t, report.Summary.Succeeded)

	rendered := report.Render()
	assert.Contains(t, rendered, "degraded")
	assert.Contains(t, rendered, "fragile")
}

func TestBatchZeroRunJobIsFatalBeforeAnyJob(t *testing.T) {
	f := newFixture(t, "a")
	f.jobs = append(f.jobs, stage.Job{
		ID:     "empty",
		OutDir: stage.OutDirFor(filepath.Join(f.root, "out"), "empty"),
	})

	_, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
	assert.Equal(t, 0, f.run.callCount(), "malformed jobs abort before any job runs")
}

func TestBatchMissingToolIsFatalBeforeAnyJob(t *testing.T) {
	f := newFixture(t, "a")
	f.orch.Stage = markerStage{tool: "definitely-not-a-real-tool-xyz"}

	_, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.Error(t, err)
	assert.Equal(t, 0, f.run.callCount(), "infrastructure errors abort before any job runs")
}

func TestBatchSummaryWritten(t *testing.T) {
	f := newFixture(t, "a")
	report, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)

	path, err := report.WriteSummary()
	require.NoError(t, err)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "succeeded:           1")
	assert.Contains(t, string(content), report.InvocationID)
}

func TestEveryJobInExactlyOneCategory(t *testing.T) {
	f := newFixture(t, "ok", "deg", "dead")
	f.run.degraded["deg"] = true
	f.run.failIDs["dead"] = true

	report, err := f.orch.Run(context.Background(), f.jobs, Options{})
	require.NoError(t, err)

	seen := map[string]int{}
	for _, id := range report.Summary.Succeeded {
		seen[id]++
	}
	for _, id := range report.Summary.SucceededDegraded {
		seen[id]++
	}
	for _, id := range report.Summary.Failed {
		seen[id]++
	}
	for _, id := range report.Summary.Skipped {
		seen[id]++
	}
	for _, id := range []string{"ok", "deg", "dead"} {
		assert.Equal(t, 1, seen[id], "job %s must be in exactly one category: %s",
			id, spew.Sdump(report.Summary))
	}
}
