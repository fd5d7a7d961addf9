package stats

// Instrument names used across the scheduler. Kept in one place so
// dashboards and tests don't chase string literals.
const (
	// Counters, scoped per tier.
	TierJobAttempts  = "jobAttempts"
	TierJobSuccesses = "jobSuccesses"
	TierJobFailures  = "jobFailures"

	// Gauges.
	RunnerPeakMemMiB   = "runnerPeakMemMiB"
	PlannedParallelism = "plannedParallelism"
	PlannedThreads     = "plannedThreads"

	// Batch-level counters.
	BatchJobsSkipped   = "batchJobsSkipped"
	BatchJobsDegraded  = "batchJobsDegraded"
	BatchJobsFailed    = "batchJobsFailed"
	BatchJobsSucceeded = "batchJobsSucceeded"
)
