// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager coordinates the job lifecycle against a Store. It holds no
// mutable state of its own: any number of managers in any number of
// processes can safely share one store. Create a new manager via New.
type Manager struct {
	logger *slog.Logger
	st     Store
}

// New creates a new manager. Pass options to configure it. By default the
// manager runs against an in-memory store; production deployments set a
// persistent store via SetStore.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger: slog.Default(),
		st:     NewInMemoryStore(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetLogger specifies the logger to use when e.g. reporting stalled jobs.
func SetLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.st }

// Close closes the backing store.
func (m *Manager) Close() error { return m.st.Close() }

// -- Defer --

// Defer adds a job to its queue for later processing by a worker and
// returns the identifier assigned by the store.
//
// If the job carries no execution lock, a fresh random token is generated
// so that it does not accidentally serialize against another job that also
// omitted one. If the job carries a queueing lock already held by an
// active (todo or doing) job, Defer fails with *AlreadyEnqueuedError;
// callers using queueing locks must treat that as an expected outcome.
func (m *Manager) Defer(ctx context.Context, job *Job) (int64, error) {
	if job.TaskName == "" {
		return 0, errors.New("postpone: no task name specified")
	}
	if job.Queue == "" {
		job.Queue = DefaultQueue
	}
	if job.Lock == "" {
		job.Lock = uuid.NewString()
	}
	job.Status = StatusTodo

	id, err := m.st.DeferJob(ctx, job)
	if err != nil {
		return 0, m.classifyUnique(err, job.QueueingLock)
	}
	job.ID = id
	m.logger.Debug("postpone: job deferred",
		slog.Int64("job_id", id),
		slog.String("queue", job.Queue),
		slog.String("task", job.TaskName),
	)
	return id, nil
}

// DeferPeriodic defers a job on behalf of a periodic scheduler, keyed by
// the job's task name and deferTimestamp. However many scheduler replicas
// race on the same key, exactly one job is created; the losers get 0 and
// no error. Queueing-lock conflicts are still reported, as in Defer.
func (m *Manager) DeferPeriodic(ctx context.Context, job *Job, deferTimestamp int64) (int64, error) {
	if job.TaskName == "" {
		return 0, errors.New("postpone: no task name specified")
	}
	if job.Queue == "" {
		job.Queue = DefaultQueue
	}
	if job.Lock == "" {
		job.Lock = uuid.NewString()
	}
	job.Status = StatusTodo

	id, err := m.st.DeferPeriodicJob(ctx, job, deferTimestamp)
	if err != nil {
		return 0, m.classifyUnique(err, job.QueueingLock)
	}
	if id == 0 {
		m.logger.Debug("postpone: periodic job already deferred",
			slog.String("task", job.TaskName),
			slog.Int64("defer_timestamp", deferTimestamp),
		)
		return 0, nil
	}
	job.ID = id
	return id, nil
}

// classifyUnique performs the manager's single error classification step:
// a uniqueness violation on the queueing-lock constraint becomes
// *AlreadyEnqueuedError, everything else is relayed untouched.
func (m *Manager) classifyUnique(err error, queueingLock string) error {
	var uv *UniqueViolationError
	if errors.As(err, &uv) && uv.Constraint == QueueingLockConstraint {
		return &AlreadyEnqueuedError{QueueingLock: queueingLock, Err: err}
	}
	return err
}

// -- Fetch, Finish and Retry --

// Fetch atomically claims one eligible job and returns it, or nil if no
// job is currently eligible. An empty queue filter means any queue. The
// claimed job is in status doing with its attempts counter incremented;
// the caller is responsible for executing it and then reporting the
// outcome via Finish or Retry.
func (m *Manager) Fetch(ctx context.Context, queues ...string) (*Job, error) {
	return m.st.FetchJob(ctx, queues)
}

// Finish moves a claimed job to a terminal status.
func (m *Manager) Finish(ctx context.Context, job *Job, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("postpone: cannot finish job with non-terminal status %q", status)
	}
	if err := m.st.FinishJob(ctx, job.ID, status); err != nil {
		return err
	}
	job.Status = status
	return nil
}

// Retry moves a claimed job back to todo, eligible for claim no sooner
// than retryAt. A retryAt at or before the current time makes the job
// immediately eligible. The job keeps its lock and queueing lock: it
// continues to serialize against, and to occupy, its original slots.
// The retry delay is the caller's policy; the manager does not compute
// backoff.
func (m *Manager) Retry(ctx context.Context, job *Job, retryAt time.Time) error {
	if err := m.st.RetryJob(ctx, job.ID, retryAt); err != nil {
		return err
	}
	job.Status = StatusTodo
	job.ScheduledAt = &retryAt
	return nil
}

// -- Maintenance --

// StalledJobs returns every doing job that was claimed more than olderThan
// ago, optionally filtered by queue and task name. Detection only: whether
// a stalled worker crashed or is merely slow is for the caller to decide,
// typically by calling Retry or Finish on the returned jobs.
func (m *Manager) StalledJobs(ctx context.Context, olderThan time.Duration, queue, taskName string) ([]*Job, error) {
	return m.st.ListStalledJobs(ctx, olderThan, queue, taskName)
}

// DeleteOldJobs irreversibly deletes jobs that reached a terminal state
// more than olderThan ago, optionally filtered by queue. By default only
// succeeded jobs are deleted; set includeFailed to also delete failed
// ones.
func (m *Manager) DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, includeFailed bool) error {
	statuses := []Status{StatusSucceeded}
	if includeFailed {
		statuses = append(statuses, StatusFailed)
	}
	return m.st.DeleteOldJobs(ctx, olderThan, queue, statuses)
}

// SetJobStatus forces the status of a job, bypassing the normal transition
// guards, and returns the job's refreshed projection. This is an operator
// intervention: it can produce states the rest of the system does not
// expect, e.g. a doing job no worker is executing.
func (m *Manager) SetJobStatus(ctx context.Context, id int64, status Status) (*Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("postpone: unknown status %q", status)
	}
	if err := m.st.SetJobStatus(ctx, id, status); err != nil {
		return nil, err
	}
	jobs, err := m.st.ListJobs(ctx, &ListJobsRequest{ID: id})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

// -- Observability --

// ListJobs returns the jobs matching the request filters. A nil request
// lists everything.
func (m *Manager) ListJobs(ctx context.Context, req *ListJobsRequest) ([]*Job, error) {
	if req == nil {
		req = &ListJobsRequest{}
	}
	return m.st.ListJobs(ctx, req)
}

// ListQueues returns per-queue job counts broken out by status. Queues
// with no jobs in a given status report a zero count, never a missing
// value.
func (m *Manager) ListQueues(ctx context.Context, req *StatsRequest) ([]*QueueStats, error) {
	if req == nil {
		req = &StatsRequest{}
	}
	return m.st.ListQueues(ctx, req)
}

// ListTasks is ListQueues grouped by task name.
func (m *Manager) ListTasks(ctx context.Context, req *StatsRequest) ([]*TaskStats, error) {
	if req == nil {
		req = &StatsRequest{}
	}
	return m.st.ListTasks(ctx, req)
}

// CheckConnection reports whether the job storage is reachable.
func (m *Manager) CheckConnection(ctx context.Context) (bool, error) {
	return m.st.CheckConnection(ctx)
}

// -- Listening --

// Listen subscribes to defer notifications for the given queue filter
// (all queues if empty) and delivers the notified channel name to notify
// each time a matching job is deferred. It blocks until ctx is cancelled
// and then returns nil; an error is returned only if the subscription
// cannot be established. Notifications are wake-up signals and may be
// coalesced: callers combine Listen with their own polling fallback and
// must not treat it as a reliable per-job stream.
func (m *Manager) Listen(ctx context.Context, notify chan<- string, queues ...string) error {
	return m.st.Subscribe(ctx, ChannelsForQueues(queues...), notify)
}
