package stage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/seqbatch/seqbatch/resource"
)

// Trim quality-filters a job's reads. Technical replicates are concatenated
// per mate before trimming so a job yields exactly one trimmed pair.
type Trim struct {
	// ToolPath overrides the fastp executable; empty uses PATH.
	ToolPath string

	// InputRoot is the acquisition stage's output root; per-run FASTQ for
	// job X live under InputRoot/X/.
	InputRoot string
}

func (t Trim) Name() string { return "trim" }

func (t Trim) Tool() string {
	if t.ToolPath != "" {
		return t.ToolPath
	}
	return "fastp"
}

// Argv merges replicate inputs in scratch space and trims the merged pair.
// The shell composite keeps the merge and the trim inside one opaque job
// process so an interrupted merge can never be mistaken for trimmer input
// on a later attempt.
func (t Trim) Argv(job Job, threads int, fidelity Fidelity, scratchDir string) []string {
	inDir := OutDirFor(t.InputRoot, job.ID)
	var fwd, rev []string
	for _, r := range job.Runs {
		fwd = append(fwd, shellQuote(filepath.Join(inDir, r.Accession+"_1.fastq")))
		rev = append(rev, shellQuote(filepath.Join(inDir, r.Accession+"_2.fastq")))
	}
	merged1 := shellQuote(filepath.Join(scratchDir, job.ID+"_1.fastq"))
	merged2 := shellQuote(filepath.Join(scratchDir, job.ID+"_2.fastq"))

	extra := " --overrepresentation_analysis"
	if fidelity == DegradedFidelity {
		// Overrepresentation tracking is the trimmer's memory-expensive
		// accuracy feature.
		extra = ""
	}

	script := fmt.Sprintf(
		"cat %s > %s && cat %s > %s && %s --in1 %s --in2 %s --out1 %s --out2 %s --thread %d%s --json %s --html %s",
		strings.Join(fwd, " "), merged1,
		strings.Join(rev, " "), merged2,
		shellQuote(t.Tool()),
		merged1, merged2,
		shellQuote(t.out1(job)), shellQuote(t.out2(job)),
		threads, extra,
		shellQuote(filepath.Join(job.OutDir, "fastp.json")),
		shellQuote(filepath.Join(job.OutDir, "fastp.html")),
	)
	return []string{"/bin/sh", "-c", script}
}

func (t Trim) out1(job Job) string {
	return filepath.Join(job.OutDir, job.ID+"_1.trimmed.fastq.gz")
}

func (t Trim) out2(job Job) string {
	return filepath.Join(job.OutDir, job.ID+"_2.trimmed.fastq.gz")
}

func (t Trim) PrimaryOutput(job Job) string { return t.out1(job) }

func (t Trim) FixedOverheadMiB(resource.CostModel) int { return 0 }

// fastp hard-caps its worker threads at 16.
func (t Trim) MaxThreads() int { return 16 }

func (t Trim) MinThreads() int { return 2 }

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
