package stage

import (
	"path/filepath"
	"strconv"

	"github.com/seqbatch/seqbatch/resource"
)

// Quant quantifies a job's trimmed reads against a shared transcriptome
// index. The index is loaded resident per invocation; its footprint
// dominates the job's memory requirement and is estimated from its on-disk
// size.
type Quant struct {
	// ToolPath overrides the salmon executable; empty uses PATH.
	ToolPath string

	// InputRoot is the trim stage's output root.
	InputRoot string

	// IndexPath is the transcriptome index directory.
	IndexPath string

	// LibType is the library type flag; empty means automatic detection.
	LibType string
}

func (q Quant) Name() string { return "quant" }

func (q Quant) Tool() string {
	if q.ToolPath != "" {
		return q.ToolPath
	}
	return "salmon"
}

func (q Quant) libType() string {
	if q.LibType != "" {
		return q.LibType
	}
	return "A"
}

func (q Quant) Argv(job Job, threads int, fidelity Fidelity, scratchDir string) []string {
	inDir := OutDirFor(q.InputRoot, job.ID)
	argv := []string{
		q.Tool(), "quant",
		"--index", q.IndexPath,
		"--libType", q.libType(),
		"--mates1", filepath.Join(inDir, job.ID+"_1.trimmed.fastq.gz"),
		"--mates2", filepath.Join(inDir, job.ID+"_2.trimmed.fastq.gz"),
		"--threads", strconv.Itoa(threads),
		"--output", job.OutDir,
	}
	if fidelity == FullFidelity {
		// Bias correction improves accuracy at a large memory premium; the
		// last tier runs without it.
		argv = append(argv, "--seqBias", "--gcBias")
	}
	return argv
}

func (q Quant) PrimaryOutput(job Job) string {
	return filepath.Join(job.OutDir, "quant.sf")
}

func (q Quant) FixedOverheadMiB(cost resource.CostModel) int {
	return cost.IndexOverheadMiB(q.IndexPath)
}

func (q Quant) MaxThreads() int { return 32 }

func (q Quant) MinThreads() int { return 2 }
