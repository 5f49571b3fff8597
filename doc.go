// Package postpone is the management core of a database-backed
// distributed job queue.
//
// Applications using postpone create a Manager over a Store. The manager
// is a stateless façade: producers call Defer to enqueue jobs, workers
// call Fetch to atomically claim one, execute it out-of-band, and report
// back via Finish or Retry. Any number of producer and worker processes
// can share one store; all coordination happens through the store's own
// transactional and uniqueness guarantees, never through in-process
// locks.
//
// A job is always in one of four states: todo (waiting to be claimed),
// doing (claimed by a worker), succeeded and failed. Two tokens govern
// coordination. The execution lock serializes jobs that share it: at most
// one of them is doing at a time, claimed in creation order; jobs
// deferred without a lock get a fresh random token so they never
// accidentally serialize. The queueing lock enforces at-most-one-active-
// job uniqueness at defer time: deferring while another job holds the
// same queueing lock in an active state fails with AlreadyEnqueuedError.
//
// Instead of tight polling, workers subscribe to notification channels
// via Listen and are woken whenever a matching job is deferred; the
// mapping from queue filters to channel names is fixed and stable across
// versions. The postgres package implements the store over
// PostgreSQL (LISTEN/NOTIFY, partial unique indexes, SKIP LOCKED
// claims); the mysql package provides a MySQL-backed alternative. An in
// memory store is used by default for tests and single-process setups.
//
// Maintenance is explicit: StalledJobs surfaces doing jobs whose claim
// exceeds a threshold (the caller decides whether to retry or fail
// them), DeleteOldJobs prunes terminal jobs past a retention window, and
// DeferPeriodic deduplicates recurring schedules so that redundant
// scheduler replicas create exactly one job per (task, timestamp).
package postpone
