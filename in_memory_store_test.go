// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreClaimsInIDOrder(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	var ids []int64
	for _, task := range []string{"first", "second", "third"} {
		id, err := st.DeferJob(ctx, &Job{Queue: DefaultQueue, TaskName: task})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	for _, want := range ids {
		job, err := st.FetchJob(ctx, nil)
		if err != nil {
			t.Fatal(err)
		}
		if job == nil || job.ID != want {
			t.Fatalf("expected job %d, got %+v", want, job)
		}
		// Release the worker slot before the next claim.
		if err := st.FinishJob(ctx, job.ID, StatusSucceeded); err != nil {
			t.Fatal(err)
		}
	}
}

func TestInMemoryStoreFetchSkipsScheduled(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	now := time.Now()
	st.nowFn = func() time.Time { return now }

	later := now.Add(time.Minute)
	if _, err := st.DeferJob(ctx, &Job{Queue: DefaultQueue, TaskName: "delayed", ScheduledAt: &later}); err != nil {
		t.Fatal(err)
	}
	readyID, err := st.DeferJob(ctx, &Job{Queue: DefaultQueue, TaskName: "ready"})
	if err != nil {
		t.Fatal(err)
	}

	// The older job is scheduled in the future, so the newer one wins.
	job, err := st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != readyID {
		t.Fatalf("expected job %d, got %+v", readyID, job)
	}

	st.nowFn = func() time.Time { return now.Add(2 * time.Minute) }
	job, err = st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.TaskName != "delayed" {
		t.Fatalf("expected the delayed job once due, got %+v", job)
	}
}

func TestInMemoryStoreFinishUnknownJob(t *testing.T) {
	st := NewInMemoryStore()
	if err := st.FinishJob(context.Background(), 42, StatusSucceeded); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.RetryJob(context.Background(), 42, time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInMemoryStoreDeleteOldJobsByQueue(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	now := time.Now()
	st.nowFn = func() time.Time { return now }

	finished := func(queue string) int64 {
		t.Helper()
		id, err := st.DeferJob(ctx, &Job{Queue: queue, TaskName: "send_email"})
		if err != nil {
			t.Fatal(err)
		}
		if err := st.SetJobStatus(ctx, id, StatusSucceeded); err != nil {
			t.Fatal(err)
		}
		return id
	}
	defaultID := finished(DefaultQueue)
	mediaID := finished("media")

	st.nowFn = func() time.Time { return now.Add(time.Hour) }
	if err := st.DeleteOldJobs(ctx, time.Minute, "media", []Status{StatusSucceeded}); err != nil {
		t.Fatal(err)
	}

	jobs, err := st.ListJobs(ctx, &ListJobsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ID != defaultID {
		t.Fatalf("expected only job %d to remain, got %+v", defaultID, jobs)
	}
	_ = mediaID
}

func TestInMemoryStoreDeleteOldJobsPrunesPeriodicKeys(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	now := time.Now()
	st.nowFn = func() time.Time { return now }

	defer1 := now.Truncate(time.Minute).Unix()
	id, err := st.DeferPeriodicJob(ctx, &Job{Queue: DefaultQueue, TaskName: "cleanup"}, defer1)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected a fresh periodic job")
	}
	if err := st.SetJobStatus(ctx, id, StatusSucceeded); err != nil {
		t.Fatal(err)
	}

	st.nowFn = func() time.Time { return now.Add(time.Hour) }
	if err := st.DeleteOldJobs(ctx, time.Minute, "", []Status{StatusSucceeded}); err != nil {
		t.Fatal(err)
	}

	// With the job gone, the same periodic key is available again.
	again, err := st.DeferPeriodicJob(ctx, &Job{Queue: DefaultQueue, TaskName: "cleanup"}, defer1)
	if err != nil {
		t.Fatal(err)
	}
	if again == 0 {
		t.Fatal("expected the periodic key to be reusable after cleanup")
	}
	if again == id {
		t.Fatalf("expected a new job id, got %d twice", id)
	}
}

func TestInMemoryStoreRecentlyFinishedSurvivesCleanup(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	id, err := st.DeferJob(ctx, &Job{Queue: DefaultQueue, TaskName: "send_email"})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetJobStatus(ctx, id, StatusSucceeded); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteOldJobs(ctx, time.Hour, "", []Status{StatusSucceeded}); err != nil {
		t.Fatal(err)
	}
	jobs, err := st.ListJobs(ctx, &ListJobsRequest{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected job %d to survive the retention window, got %+v", id, jobs)
	}
}
