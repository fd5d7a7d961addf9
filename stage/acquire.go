package stage

import (
	"path/filepath"
	"strconv"

	"github.com/seqbatch/seqbatch/resource"
)

// Acquire retrieves raw reads for every run accession of a job from the
// archive. One invocation fetches all of a job's runs; per-run FASTQ files
// land in the job's output directory, split by mate.
type Acquire struct {
	// ToolPath overrides the fasterq-dump executable; empty uses PATH.
	ToolPath string
}

func (a Acquire) Name() string { return "acquire" }

func (a Acquire) Tool() string {
	if a.ToolPath != "" {
		return a.ToolPath
	}
	return "fasterq-dump"
}

func (a Acquire) Argv(job Job, threads int, fidelity Fidelity, scratchDir string) []string {
	// The dump buffer is the tool's main memory consumer; the degraded
	// configuration shrinks it and accepts the slower, smaller-batch dump.
	mem := "2048MB"
	if fidelity == DegradedFidelity {
		mem = "512MB"
	}
	argv := []string{
		a.Tool(),
		"--threads", strconv.Itoa(threads),
		"--mem", mem,
		"--split-files",
		"--temp", scratchDir,
		"--outdir", job.OutDir,
	}
	for _, r := range job.Runs {
		argv = append(argv, r.Accession)
	}
	return argv
}

// PrimaryOutput is the forward-read file of the job's first run. The
// pipeline handles paired-end data; a dump that produced no forward reads
// produced nothing usable.
func (a Acquire) PrimaryOutput(job Job) string {
	return filepath.Join(job.OutDir, job.Runs[0].Accession+"_1.fastq")
}

func (a Acquire) FixedOverheadMiB(resource.CostModel) int { return 0 }

// Dump throughput is archive-bound past a handful of threads.
func (a Acquire) MaxThreads() int { return 8 }

func (a Acquire) MinThreads() int { return 2 }
