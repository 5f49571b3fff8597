package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"github.com/postpone-queue/postpone"
)

// newTestStore starts a Postgres testcontainer and returns a migrated
// store. Integration tests are skipped in -short mode.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("postpone_test"),
		tcpostgres.WithUsername("postpone"),
		tcpostgres.WithPassword("postpone"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	st, err := NewStore(dsn, SetListenerIntervals(50*time.Millisecond, time.Second))
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testJob(task string) *postpone.Job {
	return &postpone.Job{
		Queue:    postpone.DefaultQueue,
		TaskName: task,
		Args:     json.RawMessage(`{"n":1}`),
		Status:   postpone.StatusTodo,
	}
}

func TestPostgresLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.DeferJob(ctx, testJob("send_email"))
	if err != nil {
		t.Fatalf("DeferJob returned %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want > 0", id)
	}

	job, err := st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatalf("FetchJob returned %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if have, want := job.ID, id; have != want {
		t.Fatalf("job.ID = %d, want %d", have, want)
	}
	if have, want := job.Status, postpone.StatusDoing; have != want {
		t.Fatalf("status = %q, want %q", have, want)
	}
	if have, want := job.Attempts, 1; have != want {
		t.Fatalf("attempts = %d, want %d", have, want)
	}

	if err := st.FinishJob(ctx, id, postpone.StatusSucceeded); err != nil {
		t.Fatalf("FinishJob returned %v", err)
	}
	jobs, err := st.ListJobs(ctx, &postpone.ListJobsRequest{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != postpone.StatusSucceeded {
		t.Fatalf("unexpected job after finish: %+v", jobs)
	}

	// The queue is drained.
	job, err = st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %d", job.ID)
	}
}

func TestPostgresQueueingLockConstraint(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := testJob("refresh_cache")
	first.QueueingLock = "cache"
	id, err := st.DeferJob(ctx, first)
	if err != nil {
		t.Fatal(err)
	}

	second := testJob("refresh_cache")
	second.QueueingLock = "cache"
	_, err = st.DeferJob(ctx, second)
	var uv *postpone.UniqueViolationError
	if !errors.As(err, &uv) {
		t.Fatalf("expected UniqueViolationError, got %v", err)
	}
	if have, want := uv.Constraint, postpone.QueueingLockConstraint; have != want {
		t.Fatalf("constraint = %q, want %q", have, want)
	}

	// The partial index only covers active jobs.
	if err := st.FinishJob(ctx, id, postpone.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if _, err := st.DeferJob(ctx, second); err != nil {
		t.Fatalf("expected defer after the terminal transition to succeed, got %v", err)
	}
}

func TestPostgresQueueingLockConcurrent(t *testing.T) {
	st := newTestStore(t)

	var ok, conflicts int64
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			job := testJob("refresh_cache")
			job.QueueingLock = "cache"
			_, err := st.DeferJob(ctx, job)
			var uv *postpone.UniqueViolationError
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.As(err, &uv) && uv.Constraint == postpone.QueueingLockConstraint:
				atomic.AddInt64(&conflicts, 1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("DeferJob failed with %v", err)
	}
	if have, want := atomic.LoadInt64(&ok), int64(1); have != want {
		t.Fatalf("ok = %d, want %d", have, want)
	}
	if have, want := atomic.LoadInt64(&conflicts), int64(15); have != want {
		t.Fatalf("conflicts = %d, want %d", have, want)
	}
}

func TestPostgresLockGroupFIFO(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, task := range []string{"export_1", "export_2"} {
		job := testJob(task)
		job.Lock = "tenant-1"
		id, err := st.DeferJob(ctx, job)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	unrelated := testJob("send_email")
	unrelatedID, err := st.DeferJob(ctx, unrelated)
	if err != nil {
		t.Fatal(err)
	}

	job, err := st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != ids[0] {
		t.Fatalf("expected job %d first, got %+v", ids[0], job)
	}

	// The group is busy; the claim skips to the unrelated job.
	job, err = st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != unrelatedID {
		t.Fatalf("expected job %d, got %+v", unrelatedID, job)
	}
	job, err = st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job != nil {
		t.Fatalf("expected no job while the group is busy, got %d", job.ID)
	}

	if err := st.FinishJob(ctx, ids[0], postpone.StatusSucceeded); err != nil {
		t.Fatal(err)
	}
	job, err = st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != ids[1] {
		t.Fatalf("expected job %d after the release, got %+v", ids[1], job)
	}
}

func TestPostgresConcurrentFetch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	const jobs = 8
	const workers = 16
	for i := 0; i < jobs; i++ {
		if _, err := st.DeferJob(ctx, testJob("send_email")); err != nil {
			t.Fatal(err)
		}
	}

	var claimed int64
	seen := make(chan int64, workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			job, err := st.FetchJob(gctx, nil)
			if err != nil {
				return err
			}
			if job != nil {
				atomic.AddInt64(&claimed, 1)
				seen <- job.ID
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("FetchJob failed with %v", err)
	}
	close(seen)

	if have, want := atomic.LoadInt64(&claimed), int64(jobs); have != want {
		t.Fatalf("claimed = %d, want %d", have, want)
	}
	ids := make(map[int64]bool)
	for id := range seen {
		if ids[id] {
			t.Fatalf("job %d was claimed twice", id)
		}
		ids[id] = true
	}
}

func TestPostgresDeferPeriodic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ts := time.Now().Unix()

	id, err := st.DeferPeriodicJob(ctx, testJob("nightly_report"), ts)
	if err != nil {
		t.Fatal(err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want > 0", id)
	}

	var created int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			id, err := st.DeferPeriodicJob(gctx, testJob("nightly_report"), ts+1)
			if err != nil {
				return err
			}
			if id != 0 {
				atomic.AddInt64(&created, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if have, want := atomic.LoadInt64(&created), int64(1); have != want {
		t.Fatalf("created = %d, want %d", have, want)
	}
}

func TestPostgresDeferPeriodicHonorsScheduledAt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	later := time.Now().Add(time.Hour)
	job := testJob("nightly_report")
	job.ScheduledAt = &later
	id, err := st.DeferPeriodicJob(ctx, job, time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want > 0", id)
	}

	// A periodic defer keeps the same eligibility rules as a plain one:
	// the job must not be claimable before its scheduled time.
	claimed, err := st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Fatalf("expected scheduled job to be ineligible, got %d", claimed.ID)
	}

	jobs, err := st.ListJobs(ctx, &postpone.ListJobsRequest{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].ScheduledAt == nil {
		t.Fatalf("expected job %d to carry its scheduled time, got %+v", id, jobs)
	}
}

func TestPostgresRetryAndStalled(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.DeferJob(ctx, testJob("send_email"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.FetchJob(ctx, nil); err != nil {
		t.Fatal(err)
	}

	stalled, err := st.ListStalledJobs(ctx, 0, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 || stalled[0].ID != id {
		t.Fatalf("expected job %d to be stalled, got %+v", id, stalled)
	}
	stalled, err = st.ListStalledJobs(ctx, time.Hour, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 0 {
		t.Fatalf("expected no stalled jobs within the hour, got %d", len(stalled))
	}

	// A future retry keeps the job parked.
	if err := st.RetryJob(ctx, id, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if job, err := st.FetchJob(ctx, nil); err != nil || job != nil {
		t.Fatalf("expected parked job to be ineligible, got %v, err = %v", job, err)
	}

	if err := st.RetryJob(ctx, id, time.Now()); err != nil {
		t.Fatal(err)
	}
	job, err := st.FetchJob(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.Attempts != 2 {
		t.Fatalf("expected attempt 2 of job %d, got %+v", id, job)
	}

	if err := st.RetryJob(ctx, 42_000, time.Now()); !errors.Is(err, postpone.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresDeleteOldJobs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.DeferPeriodicJob(ctx, testJob("nightly_report"), time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.FetchJob(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if err := st.FinishJob(ctx, id, postpone.StatusSucceeded); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteOldJobs(ctx, 0, "", []postpone.Status{postpone.StatusSucceeded}); err != nil {
		t.Fatal(err)
	}
	jobs, err := st.ListJobs(ctx, &postpone.ListJobsRequest{ID: id})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected job %d to be deleted, got %+v", id, jobs)
	}

	// The periodic defer key went with it, so the same key defers again.
	again, err := st.DeferPeriodicJob(ctx, testJob("nightly_report"), time.Now().Unix())
	if err != nil {
		t.Fatal(err)
	}
	if again <= 0 {
		t.Fatalf("expected a fresh defer after cleanup, got %d", again)
	}
}

func TestPostgresSetJobStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job := testJob("refresh_cache")
	job.QueueingLock = "cache"
	id, err := st.DeferJob(ctx, job)
	if err != nil {
		t.Fatal(err)
	}

	if err := st.SetJobStatus(ctx, id, postpone.StatusFailed); err != nil {
		t.Fatal(err)
	}
	// The job left the partial index, freeing the queueing lock.
	again := testJob("refresh_cache")
	again.QueueingLock = "cache"
	if _, err := st.DeferJob(ctx, again); err != nil {
		t.Fatalf("expected slot to be free, got %v", err)
	}

	if err := st.SetJobStatus(ctx, 42_000, postpone.StatusTodo); !errors.Is(err, postpone.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.DeferJob(ctx, testJob("send_email")); err != nil {
		t.Fatal(err)
	}
	media := testJob("resize_image")
	media.Queue = "media"
	if _, err := st.DeferJob(ctx, media); err != nil {
		t.Fatal(err)
	}
	if _, err := st.FetchJob(ctx, []string{"media"}); err != nil {
		t.Fatal(err)
	}

	queues, err := st.ListQueues(ctx, &postpone.StatsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(queues) != 2 {
		t.Fatalf("expected 2 queues, got %+v", queues)
	}
	// Sorted by name: default before media.
	if queues[0].Name != postpone.DefaultQueue || queues[0].Todo != 1 || queues[0].Doing != 0 {
		t.Fatalf("unexpected default stats: %+v", queues[0])
	}
	if queues[1].Name != "media" || queues[1].Doing != 1 {
		t.Fatalf("unexpected media stats: %+v", queues[1])
	}

	tasks, err := st.ListTasks(ctx, &postpone.StatsRequest{TaskName: "resize_image"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Doing != 1 {
		t.Fatalf("unexpected task stats: %+v", tasks)
	}
}

func TestPostgresCheckConnection(t *testing.T) {
	st := newTestStore(t)

	ok, err := st.CheckConnection(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the schema to be reported as ready")
	}
}

func TestPostgresSubscribe(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- st.Subscribe(ctx, []string{postpone.AnyQueueChannel}, notify)
	}()
	// Give LISTEN time to establish.
	time.Sleep(500 * time.Millisecond)

	if _, err := st.DeferJob(ctx, testJob("send_email")); err != nil {
		t.Fatal(err)
	}
	select {
	case channel := <-notify:
		if have, want := channel, postpone.AnyQueueChannel; have != want {
			t.Fatalf("channel = %q, want %q", have, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a notification")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe did not stop on cancel")
	}
}
