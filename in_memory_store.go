// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a Store implementation backed by process memory. It
// honors the full store contract, including queueing-lock uniqueness,
// lock-group exclusivity and notification fan-out, and is intended for
// tests and single-process setups. Do not use it to coordinate multiple
// processes.
type InMemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	jobs     map[int64]*memJob
	periodic map[periodicKey]int64
	subs     map[*memSubscription]struct{}

	nowFn func() time.Time // test hook
}

type memJob struct {
	job        Job
	startedAt  time.Time // last transition into doing
	finishedAt time.Time // transition into a terminal status
}

type periodicKey struct {
	taskName       string
	deferTimestamp int64
}

type memSubscription struct {
	channels map[string]bool
	notify   chan<- string
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:     make(map[int64]*memJob),
		periodic: make(map[periodicKey]int64),
		subs:     make(map[*memSubscription]struct{}),
		nowFn:    time.Now,
	}
}

// DeferJob adds a new job, enforcing queueing-lock uniqueness against all
// active jobs, and wakes up matching subscribers.
func (st *InMemoryStore) DeferJob(ctx context.Context, job *Job) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.deferLocked(job)
}

func (st *InMemoryStore) deferLocked(job *Job) (int64, error) {
	if job.QueueingLock != "" {
		for _, mj := range st.jobs {
			if mj.job.QueueingLock == job.QueueingLock && !mj.job.Status.Terminal() {
				return 0, &UniqueViolationError{Constraint: QueueingLockConstraint}
			}
		}
	}
	st.nextID++
	j := *job
	j.ID = st.nextID
	j.Status = StatusTodo
	st.jobs[j.ID] = &memJob{job: j}
	st.publishLocked(j.Queue)
	return j.ID, nil
}

// publishLocked delivers a wake-up to every subscriber of the queue's
// channel or the wildcard channel. Sends never block; a subscriber that
// is not ready misses the signal and relies on its polling fallback.
func (st *InMemoryStore) publishLocked(queue string) {
	for _, channel := range []string{ChannelForQueue(queue), AnyQueueChannel} {
		for sub := range st.subs {
			if !sub.channels[channel] {
				continue
			}
			select {
			case sub.notify <- channel:
			default:
			}
		}
	}
}

// DeferPeriodicJob defers a job at most once per (task name, timestamp).
func (st *InMemoryStore) DeferPeriodicJob(ctx context.Context, job *Job, deferTimestamp int64) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	key := periodicKey{taskName: job.TaskName, deferTimestamp: deferTimestamp}
	if _, exists := st.periodic[key]; exists {
		return 0, nil
	}
	id, err := st.deferLocked(job)
	if err != nil {
		return 0, err
	}
	st.periodic[key] = id
	return id, nil
}

// FetchJob claims the oldest eligible todo job. Jobs sharing an execution
// lock are claimed strictly one at a time, in creation order.
func (st *InMemoryStore) FetchJob(ctx context.Context, queues []string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.nowFn()
	queueSet := make(map[string]bool, len(queues))
	for _, q := range queues {
		queueSet[q] = true
	}

	for _, id := range st.sortedIDs() {
		mj := st.jobs[id]
		if mj.job.Status != StatusTodo {
			continue
		}
		if len(queueSet) > 0 && !queueSet[mj.job.Queue] {
			continue
		}
		if mj.job.ScheduledAt != nil && mj.job.ScheduledAt.After(now) {
			continue
		}
		if mj.job.Lock != "" && st.lockBusyLocked(mj.job.Lock) {
			continue
		}
		mj.job.Status = StatusDoing
		mj.job.Attempts++
		mj.startedAt = now
		job := mj.job
		return &job, nil
	}
	return nil, nil
}

func (st *InMemoryStore) lockBusyLocked(lock string) bool {
	for _, mj := range st.jobs {
		if mj.job.Lock == lock && mj.job.Status == StatusDoing {
			return true
		}
	}
	return false
}

func (st *InMemoryStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(st.jobs))
	for id := range st.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FinishJob moves a job to a terminal status.
func (st *InMemoryStore) FinishJob(ctx context.Context, jobID int64, status Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	mj, found := st.jobs[jobID]
	if !found {
		return ErrNotFound
	}
	mj.job.Status = status
	mj.finishedAt = st.nowFn()
	return nil
}

// RetryJob moves a job back to todo with a new scheduled time.
func (st *InMemoryStore) RetryJob(ctx context.Context, jobID int64, retryAt time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	mj, found := st.jobs[jobID]
	if !found {
		return ErrNotFound
	}
	mj.job.Status = StatusTodo
	t := retryAt
	mj.job.ScheduledAt = &t
	return nil
}

// ListStalledJobs returns doing jobs claimed more than olderThan ago.
func (st *InMemoryStore) ListStalledJobs(ctx context.Context, olderThan time.Duration, queue, taskName string) ([]*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := st.nowFn().Add(-olderThan)
	var stalled []*Job
	for _, id := range st.sortedIDs() {
		mj := st.jobs[id]
		if mj.job.Status != StatusDoing || mj.startedAt.After(cutoff) {
			continue
		}
		if queue != "" && mj.job.Queue != queue {
			continue
		}
		if taskName != "" && mj.job.TaskName != taskName {
			continue
		}
		job := mj.job
		stalled = append(stalled, &job)
	}
	return stalled, nil
}

// DeleteOldJobs removes jobs that reached one of the given terminal
// statuses more than olderThan ago.
func (st *InMemoryStore) DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, statuses []Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cutoff := st.nowFn().Add(-olderThan)
	statusSet := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		statusSet[s] = true
	}
	for id, mj := range st.jobs {
		if statusSet[mj.job.Status] && !mj.finishedAt.IsZero() && !mj.finishedAt.After(cutoff) {
			if queue == "" || mj.job.Queue == queue {
				delete(st.jobs, id)
			}
		}
	}
	// Dedup keys follow their job: once the job is pruned, the same
	// (task, timestamp) may be deferred again.
	for key, id := range st.periodic {
		if _, alive := st.jobs[id]; !alive {
			delete(st.periodic, key)
		}
	}
	return nil
}

// SetJobStatus forces a job's status without guarding the transition.
func (st *InMemoryStore) SetJobStatus(ctx context.Context, jobID int64, status Status) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	mj, found := st.jobs[jobID]
	if !found {
		return ErrNotFound
	}
	mj.job.Status = status
	switch {
	case status == StatusDoing:
		mj.startedAt = st.nowFn()
	case status.Terminal():
		mj.finishedAt = st.nowFn()
	}
	return nil
}

// ListJobs returns matching jobs ordered by identifier.
func (st *InMemoryStore) ListJobs(ctx context.Context, req *ListJobsRequest) ([]*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var jobs []*Job
	for _, id := range st.sortedIDs() {
		mj := st.jobs[id]
		if req.ID != 0 && mj.job.ID != req.ID {
			continue
		}
		if req.Queue != "" && mj.job.Queue != req.Queue {
			continue
		}
		if req.TaskName != "" && mj.job.TaskName != req.TaskName {
			continue
		}
		if req.Status != "" && mj.job.Status != req.Status {
			continue
		}
		if req.Lock != "" && mj.job.Lock != req.Lock {
			continue
		}
		if req.QueueingLock != "" && mj.job.QueueingLock != req.QueueingLock {
			continue
		}
		job := mj.job
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// ListQueues aggregates job counts per queue.
func (st *InMemoryStore) ListQueues(ctx context.Context, req *StatsRequest) ([]*QueueStats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	byQueue := make(map[string]*QueueStats)
	for _, mj := range st.jobs {
		if !st.statsMatchLocked(mj, req) {
			continue
		}
		qs, found := byQueue[mj.job.Queue]
		if !found {
			qs = &QueueStats{Name: mj.job.Queue}
			byQueue[mj.job.Queue] = qs
		}
		qs.JobsCount++
		countStatus(&qs.Todo, &qs.Doing, &qs.Succeeded, &qs.Failed, mj.job.Status)
	}
	names := make([]string, 0, len(byQueue))
	for name := range byQueue {
		names = append(names, name)
	}
	sort.Strings(names)
	stats := make([]*QueueStats, len(names))
	for i, name := range names {
		stats[i] = byQueue[name]
	}
	return stats, nil
}

// ListTasks aggregates job counts per task name.
func (st *InMemoryStore) ListTasks(ctx context.Context, req *StatsRequest) ([]*TaskStats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	byTask := make(map[string]*TaskStats)
	for _, mj := range st.jobs {
		if !st.statsMatchLocked(mj, req) {
			continue
		}
		ts, found := byTask[mj.job.TaskName]
		if !found {
			ts = &TaskStats{Name: mj.job.TaskName}
			byTask[mj.job.TaskName] = ts
		}
		ts.JobsCount++
		countStatus(&ts.Todo, &ts.Doing, &ts.Succeeded, &ts.Failed, mj.job.Status)
	}
	names := make([]string, 0, len(byTask))
	for name := range byTask {
		names = append(names, name)
	}
	sort.Strings(names)
	stats := make([]*TaskStats, len(names))
	for i, name := range names {
		stats[i] = byTask[name]
	}
	return stats, nil
}

func (st *InMemoryStore) statsMatchLocked(mj *memJob, req *StatsRequest) bool {
	if req.Queue != "" && mj.job.Queue != req.Queue {
		return false
	}
	if req.TaskName != "" && mj.job.TaskName != req.TaskName {
		return false
	}
	if req.Status != "" && mj.job.Status != req.Status {
		return false
	}
	if req.Lock != "" && mj.job.Lock != req.Lock {
		return false
	}
	return true
}

func countStatus(todo, doing, succeeded, failed *int, status Status) {
	switch status {
	case StatusTodo:
		*todo++
	case StatusDoing:
		*doing++
	case StatusSucceeded:
		*succeeded++
	case StatusFailed:
		*failed++
	}
}

// CheckConnection always reports true: memory is always reachable.
func (st *InMemoryStore) CheckConnection(ctx context.Context) (bool, error) {
	return true, nil
}

// Subscribe registers notify for the given channels until ctx is
// cancelled. The subscription never leaks: it is removed before Subscribe
// returns.
func (st *InMemoryStore) Subscribe(ctx context.Context, channels []string, notify chan<- string) error {
	sub := &memSubscription{
		channels: make(map[string]bool, len(channels)),
		notify:   notify,
	}
	for _, channel := range channels {
		sub.channels[channel] = true
	}
	st.mu.Lock()
	st.subs[sub] = struct{}{}
	st.mu.Unlock()

	<-ctx.Done()

	st.mu.Lock()
	delete(st.subs, sub)
	st.mu.Unlock()
	return nil
}

// Close implements Store.
func (st *InMemoryStore) Close() error { return nil }
