// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

import (
	"context"
	"time"
)

// Store implements persistent storage of jobs. All coordination invariants
// (atomic claim, queueing-lock uniqueness, periodic deduplication) are
// enforced by the store's own transactional and uniqueness guarantees so
// that any number of stateless Manager replicas can share one store.
type Store interface {
	// DeferJob persists job with status todo and returns its new
	// identifier. A violation of the queueing-lock constraint must be
	// reported as a *UniqueViolationError with Constraint set to
	// QueueingLockConstraint. Once the insert is visible, workers
	// subscribed to the job's channels must be notified.
	DeferJob(ctx context.Context, job *Job) (int64, error)

	// DeferPeriodicJob is DeferJob deduplicated on (task name, timestamp):
	// no matter how many callers race, exactly one job is created per key.
	// It returns 0 and no error when a job for that key already exists.
	DeferPeriodicJob(ctx context.Context, job *Job, deferTimestamp int64) (int64, error)

	// FetchJob atomically claims one eligible todo job matching the queue
	// filter (all queues if empty): it transitions the job to doing,
	// increments its attempts and returns it. Claims honor execution
	// locks and pick candidates in creation order. If nothing is
	// eligible, FetchJob returns nil and no error.
	FetchJob(ctx context.Context, queues []string) (*Job, error)

	// FinishJob moves a job to a terminal status. ErrNotFound is returned
	// when no such job exists.
	FinishJob(ctx context.Context, jobID int64, status Status) error

	// RetryJob moves a job back to todo, to be claimed no sooner than
	// retryAt. Lock and queueing lock are left untouched.
	RetryJob(ctx context.Context, jobID int64, retryAt time.Time) error

	// ListStalledJobs returns all doing jobs whose claim is older than
	// olderThan, optionally filtered by queue and task name.
	ListStalledJobs(ctx context.Context, olderThan time.Duration, queue, taskName string) ([]*Job, error)

	// DeleteOldJobs removes jobs that reached one of the given terminal
	// statuses more than olderThan ago, optionally filtered by queue.
	DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, statuses []Status) error

	// SetJobStatus forces a job's status, bypassing transition guards.
	// ErrNotFound is returned when no such job exists.
	SetJobStatus(ctx context.Context, jobID int64, status Status) error

	// ListJobs returns the jobs matching the request filters, ordered by
	// identifier.
	ListJobs(ctx context.Context, req *ListJobsRequest) ([]*Job, error)

	// ListQueues returns per-queue counts grouped by status for jobs
	// matching the request filters, ordered by queue name.
	ListQueues(ctx context.Context, req *StatsRequest) ([]*QueueStats, error)

	// ListTasks is ListQueues grouped by task name instead of queue.
	ListTasks(ctx context.Context, req *StatsRequest) ([]*TaskStats, error)

	// CheckConnection reports whether the job storage is reachable, i.e.
	// the schema exists. Connectivity problems are returned as errors.
	CheckConnection(ctx context.Context) (bool, error)

	// Subscribe delivers the name of each notified channel to notify
	// until ctx is cancelled, then returns nil. Sends must not block:
	// a notification that cannot be delivered immediately is dropped
	// (notifications are wake-up signals, not a reliable stream). An
	// error is returned only if the subscription cannot be established.
	Subscribe(ctx context.Context, channels []string, notify chan<- string) error

	// Close releases the store's resources.
	Close() error
}

// ListJobsRequest filters a job listing. Zero values mean "no filter".
type ListJobsRequest struct {
	ID           int64  // filter by job identifier
	Queue        string // filter by queue name
	TaskName     string // filter by task name
	Status       Status // filter by status
	Lock         string // filter by execution lock
	QueueingLock string // filter by queueing lock
}

// StatsRequest filters the queue/task aggregations. Zero values mean
// "no filter".
type StatsRequest struct {
	Queue    string // filter by queue name
	TaskName string // filter by task name
	Status   Status // filter by status
	Lock     string // filter by execution lock
}
