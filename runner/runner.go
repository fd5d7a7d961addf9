// Package runner executes one job attempt as an external process: spawns
// the stage's command with a thread count and memory ceiling, captures its
// output into a per-attempt log, verifies the primary output artifact, and
// reports observed peak memory.
package runner

import (
	"context"
	"fmt"

	"github.com/seqbatch/seqbatch/progress"
	"github.com/seqbatch/seqbatch/stage"
)

// Config is the resource/fidelity configuration for one attempt.
type Config struct {
	Threads       int
	MemCeilingMiB int
	Fidelity      stage.Fidelity
	Tier          int

	// LogDir receives the per-job/tier log file.
	LogDir string

	// ScratchRoot holds job-exclusive temporary space, namespaced by job id
	// and reclaimed on every exit path.
	ScratchRoot string
}

// Result of one attempt. PeakMemMiB is progress.PeakMemUnknown when no
// measuring facility was available.
type Result struct {
	Outcome    progress.Outcome
	PeakMemMiB int
	LogPath    string

	// Err carries the failure reason for logging; nil on success.
	Err error
}

func (r Result) String() string {
	return fmt.Sprintf("outcome=%s peakMemMiB=%d log=%s err=%v",
		r.Outcome, r.PeakMemMiB, r.LogPath, r.Err)
}

// Runner runs one job attempt to completion. Implementations must be safe
// for concurrent use by distinct jobs.
type Runner interface {
	Run(ctx context.Context, job stage.Job, cfg Config) Result
}

// DegradedMarkerFile is written into a job's output directory when its
// result was produced under reduced fidelity, so downstream consumers never
// mistake it for a normal run.
const DegradedMarkerFile = "DEGRADED_FIDELITY"
