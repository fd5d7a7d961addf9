// Package progress persists per-job batch state so an interrupted batch can
// resume and a re-invoked batch can skip completed work.
//
// Records are append-only facts. Disk artifacts are authoritative for
// "already done" (the orchestrator seeds skips from output markers); the
// store is authoritative for "why" and "which tier".
package progress

import (
	"fmt"
	"sort"
)

// Outcome of a single job attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// PeakMemUnknown marks attempts where no memory-measuring facility was
// available.
const PeakMemUnknown = -1

// AttemptRecord is one append-only fact about one job attempt. Never
// mutated, only appended; the canonical audit trail.
type AttemptRecord struct {
	JobID      string
	Tier       int
	Threads    int
	Outcome    Outcome
	PeakMemMiB int
}

func (r AttemptRecord) String() string {
	return fmt.Sprintf("%s tier=%d threads=%d outcome=%s peakMemMiB=%d",
		r.JobID, r.Tier, r.Threads, r.Outcome, r.PeakMemMiB)
}

// Summary is the final per-category membership of a batch. A job appears in
// exactly one of Succeeded, SucceededDegraded, Failed, or Skipped.
type Summary struct {
	Succeeded         []string
	SucceededDegraded []string
	Failed            []string
	Skipped           []string

	FailedTier1 []string
	FailedTier2 []string
}

// Store records job outcomes and answers resolution queries.
type Store interface {
	// MarkPending records the initial job set of a fresh run.
	MarkPending(jobIDs []string) error

	// MarkSkipped records a job whose completed output already existed.
	// Skipped jobs are resolved.
	MarkSkipped(jobID string) error

	// Append records one attempt. A success in any tier resolves the job;
	// a tier-3 failure resolves it terminally.
	Append(rec AttemptRecord) error

	// Resolved reports whether the job has a success record, a skip record,
	// or a terminal failure record.
	Resolved(jobID string) bool

	// Pending returns, in order, the members of all that are not resolved.
	Pending(all []string) []string

	// Attempts returns every recorded attempt in append order.
	Attempts() []AttemptRecord

	// Summary computes final category membership.
	Summary() Summary

	// Reset discards all recorded state for a fresh (non-resumed) run.
	Reset() error

	Close() error
}

// FinalTier is the last retry tier; failure there is terminal.
const FinalTier = 3

// categories is the shared in-memory resolution state used by both store
// implementations.
type categories struct {
	succeeded  map[string]bool // success in tier 1 or 2
	degraded   map[string]bool // success in tier 3
	skipped    map[string]bool
	failedTier map[int]map[string]bool
	attemptLog []AttemptRecord
}

func newCategories() *categories {
	return &categories{
		succeeded:  map[string]bool{},
		degraded:   map[string]bool{},
		skipped:    map[string]bool{},
		failedTier: map[int]map[string]bool{1: {}, 2: {}, 3: {}},
	}
}

func (c *categories) apply(rec AttemptRecord) {
	c.attemptLog = append(c.attemptLog, rec)
	if rec.Outcome == OutcomeSuccess {
		if rec.Tier >= FinalTier {
			c.degraded[rec.JobID] = true
		} else {
			c.succeeded[rec.JobID] = true
		}
		return
	}
	if rec.Tier >= 1 && rec.Tier <= FinalTier {
		c.failedTier[rec.Tier][rec.JobID] = true
	}
}

func (c *categories) resolved(jobID string) bool {
	return c.succeeded[jobID] || c.degraded[jobID] || c.skipped[jobID] ||
		c.failedTier[FinalTier][jobID]
}

func (c *categories) pending(all []string) []string {
	var out []string
	for _, id := range all {
		if !c.resolved(id) {
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *categories) summary() Summary {
	return Summary{
		Succeeded:         sortedKeys(c.succeeded),
		SucceededDegraded: sortedKeys(c.degraded),
		Failed:            sortedKeys(c.failedTier[FinalTier]),
		Skipped:           sortedKeys(c.skipped),
		FailedTier1:       sortedKeys(c.failedTier[1]),
		FailedTier2:       sortedKeys(c.failedTier[2]),
	}
}
