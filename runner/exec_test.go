package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seqbatch/seqbatch/progress"
	"github.com/seqbatch/seqbatch/resource"
	"github.com/seqbatch/seqbatch/stage"
)

// scriptStage runs an inline shell script; the test double for real tool
// stages.
type scriptStage struct {
	script  string // may reference job.OutDir via %[1]s and scratch via %[2]s
	primary string // path relative to the job's output dir
}

func (s scriptStage) Name() string { return "script" }
func (s scriptStage) Tool() string { return "/bin/sh" }

func (s scriptStage) Argv(job stage.Job, threads int, fidelity stage.Fidelity, scratchDir string) []string {
	script := strings.NewReplacer("%[1]s", job.OutDir, "%[2]s", scratchDir).Replace(s.script)
	return []string{"/bin/sh", "-c", script}
}

func (s scriptStage) PrimaryOutput(job stage.Job) string {
	return filepath.Join(job.OutDir, s.primary)
}

func (s scriptStage) FixedOverheadMiB(resource.CostModel) int { return 0 }

func (s scriptStage) MaxThreads() int { return 8 }

func (s scriptStage) MinThreads() int { return 1 }

type fixedSampler struct{ miB int }

func (f fixedSampler) SampleMiB(int) (int, error) { return f.miB, nil }

func testJobAndCfg(t *testing.T) (stage.Job, Config) {
	t.Helper()
	root := t.TempDir()
	job := stage.Job{
		ID:     "J1",
		Runs:   []stage.Run{{Accession: "R1"}},
		OutDir: filepath.Join(root, "out", "J1"),
	}
	cfg := Config{
		Threads:     2,
		Tier:        1,
		LogDir:      filepath.Join(root, "logs"),
		ScratchRoot: filepath.Join(root, "scratch"),
	}
	return job, cfg
}

func TestRunSuccess(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	r := NewExecRunner(scriptStage{script: "echo data > %[1]s/out.txt", primary: "out.txt"}, nil, nil)

	res := r.Run(context.Background(), job, cfg)
	require.NoError(t, res.Err)
	assert.Equal(t, progress.OutcomeSuccess, res.Outcome)
	assert.Equal(t, progress.PeakMemUnknown, res.PeakMemMiB, "no sampler means peak unknown")

	// No degraded marker on a full-fidelity success.
	_, err := os.Stat(filepath.Join(job.OutDir, DegradedMarkerFile))
	assert.True(t, os.IsNotExist(err))
}

func TestRunExitZeroWithoutOutputFails(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	r := NewExecRunner(scriptStage{script: "true", primary: "out.txt"}, nil, nil)

	res := r.Run(context.Background(), job, cfg)
	assert.Equal(t, progress.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Err.Error(), "missing or empty")
}

func TestRunEmptyOutputFails(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	r := NewExecRunner(scriptStage{script: "touch %[1]s/out.txt", primary: "out.txt"}, nil, nil)

	res := r.Run(context.Background(), job, cfg)
	assert.Equal(t, progress.OutcomeFailure, res.Outcome)
}

func TestRunFailureRemovesPartialOutput(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	// Writes a partial artifact, then fails.
	r := NewExecRunner(scriptStage{script: "echo partial > %[1]s/out.txt && exit 1", primary: "out.txt"}, nil, nil)

	res := r.Run(context.Background(), job, cfg)
	assert.Equal(t, progress.OutcomeFailure, res.Outcome)
	_, err := os.Stat(job.OutDir)
	assert.True(t, os.IsNotExist(err), "failed attempt must leave no partial output dir")
}

func TestRunClearsStaleOutputBeforeRetry(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	require.NoError(t, os.MkdirAll(job.OutDir, 0777))
	stale := filepath.Join(job.OutDir, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("leftover"), 0666))

	r := NewExecRunner(scriptStage{script: "echo data > %[1]s/out.txt", primary: "out.txt"}, nil, nil)
	res := r.Run(context.Background(), job, cfg)
	require.NoError(t, res.Err)

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "pre-existing partial output must be removed before a retry")
}

func TestRunDegradedSuccessWritesMarker(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	cfg.Fidelity = stage.DegradedFidelity
	cfg.Tier = 3
	r := NewExecRunner(scriptStage{script: "echo data > %[1]s/out.txt", primary: "out.txt"}, nil, nil)

	res := r.Run(context.Background(), job, cfg)
	require.NoError(t, res.Err)
	content, err := os.ReadFile(filepath.Join(job.OutDir, DegradedMarkerFile))
	require.NoError(t, err)
	assert.Contains(t, string(content), "tier 3")
}

func TestRunScratchReclaimed(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	// The job drops a file in scratch; it must be gone afterwards.
	r := NewExecRunner(scriptStage{script: "echo tmp > %[2]s/tmpfile && echo data > %[1]s/out.txt", primary: "out.txt"}, nil, nil)

	res := r.Run(context.Background(), job, cfg)
	require.NoError(t, res.Err)
	_, err := os.Stat(filepath.Join(cfg.ScratchRoot, job.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestRunCapturesToolLog(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	r := NewExecRunner(scriptStage{script: "echo oops >&2; exit 2", primary: "out.txt"}, nil, nil)

	res := r.Run(context.Background(), job, cfg)
	assert.Equal(t, progress.OutcomeFailure, res.Outcome)
	content, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "oops")
	// The failure reason carries the log tail for diagnosis.
	assert.Contains(t, res.Err.Error(), "oops")
}

func TestRunAbort(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	r := NewExecRunner(scriptStage{script: "sleep 30", primary: "out.txt"}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	res := r.Run(ctx, job, cfg)
	assert.Equal(t, progress.OutcomeFailure, res.Outcome)
	assert.Less(t, time.Since(start), 10*time.Second, "abort must not wait for natural exit")
	_, err := os.Stat(job.OutDir)
	assert.True(t, os.IsNotExist(err), "aborted attempt must clean its partial output")
}

func TestRunMemCeilingKillsProcess(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	cfg.MemCeilingMiB = 100
	r := NewExecRunner(scriptStage{script: "sleep 30", primary: "out.txt"}, fixedSampler{miB: 500}, nil)
	r.sampleInterval = 20 * time.Millisecond

	start := time.Now()
	res := r.Run(context.Background(), job, cfg)
	assert.Equal(t, progress.OutcomeFailure, res.Outcome)
	assert.Contains(t, res.Err.Error(), "exceeded ceiling")
	assert.Equal(t, 500, res.PeakMemMiB)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunRecordsPeakMemory(t *testing.T) {
	job, cfg := testJobAndCfg(t)
	cfg.MemCeilingMiB = 10000
	r := NewExecRunner(scriptStage{script: "sleep 0.2 && echo data > %[1]s/out.txt", primary: "out.txt"}, fixedSampler{miB: 1234}, nil)
	r.sampleInterval = 20 * time.Millisecond

	res := r.Run(context.Background(), job, cfg)
	require.NoError(t, res.Err)
	assert.Equal(t, 1234, res.PeakMemMiB)
}
