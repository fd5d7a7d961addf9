// Package stage defines the pipeline stages whose jobs the scheduler runs.
// A stage supplies the external-tool command line for one job; the
// scheduler's contract with it is the thread count, the output directory,
// the exit status, and the primary output artifact. Tool names and flags
// live only here.
package stage

import (
	"fmt"
	"path/filepath"

	"github.com/seqbatch/seqbatch/resource"
)

// Fidelity selects between a job's normal configuration and the reduced
// resource footprint used by the last retry tier, which trades output
// accuracy for completion.
type Fidelity int

const (
	FullFidelity Fidelity = iota
	DegradedFidelity
)

func (f Fidelity) String() string {
	if f == DegradedFidelity {
		return "degraded"
	}
	return "full"
}

// Run is one raw sequencing run belonging to a job. Several runs under the
// same job are technical replicates: merged into one result, never
// processed separately.
type Run struct {
	Accession string
	Auth      string // optional access token for protected data
}

// Job is one unit of scheduled work (one sample), identified by a stable
// key unique within the batch. OutDir is a deterministic function of the
// identifier.
type Job struct {
	ID     string
	Runs   []Run
	OutDir string
}

func (j Job) String() string {
	return fmt.Sprintf("%s (%d runs)", j.ID, len(j.Runs))
}

// OutDirFor derives a job's output directory under a stage's output root.
func OutDirFor(outRoot, jobID string) string {
	return filepath.Join(outRoot, jobID)
}

// Stage is one pipeline stage's job body. Implementations build opaque
// external-process invocations; the degradation policy is a property of
// the stage, not of the scheduler.
type Stage interface {
	Name() string

	// Argv builds the command line for one job attempt. scratchDir is
	// job-exclusive temporary space, reclaimed by the runner.
	Argv(job Job, threads int, fidelity Fidelity, scratchDir string) []string

	// PrimaryOutput is the artifact whose presence and non-emptiness is
	// the success signal. Exit code 0 alone is not sufficient.
	PrimaryOutput(job Job) string

	// FixedOverheadMiB is memory the job needs regardless of thread count,
	// e.g. a resident index. Estimated once per batch.
	FixedOverheadMiB(cost resource.CostModel) int

	// MaxThreads caps the thread count when a job gets the whole host;
	// beyond it the tool stops scaling.
	MaxThreads() int

	// MinThreads is the minimal-footprint thread count of the last tier.
	MinThreads() int

	// Tool is the executable checked for at batch start. A missing tool is
	// an infrastructure error, fatal before any job runs.
	Tool() string
}
