// Package work runs background work on a small worker pool.
//
// # Work types
//
// A WorkType names a unit of background work. Types with an Interval are picked up by
// the periodic scan once their last completion is older than the interval; types
// without FindSubjects are on-demand only and run when enqueued by the cron scheduler,
// an event subscription, the risk cache, or the admin API.
//
// # Deduplication
//
// A work item (type plus subject) is queued at most once. Enqueueing an item that is
// already queued or running is a no-op, so a burst of cache misses for the same key
// turns into one refresh.
//
// # Retries
//
// A failed item is retried with linear backoff up to the processor's MaxRetries. This is
// independent of the risk cache's own retry bookkeeping, which counts failed
// computations per cache entry.
//
// # Run history
//
// Every execution is recorded in job_runs and announced on the event bus as
// JOB_STARTED followed by JOB_COMPLETED or JOB_FAILED.
package work
