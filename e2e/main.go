// Command e2e exercises a postpone manager end to end: it defers jobs at
// a random rate, runs a small worker pool that claims jobs over the
// notify channel, and performs periodic maintenance. Useful for watching
// the lifecycle against a real database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/postpone-queue/postpone"
	"github.com/postpone-queue/postpone/config"
	"github.com/postpone-queue/postpone/mysql"
	"github.com/postpone-queue/postpone/postgres"
)

func main() {
	var (
		configPath  = flag.String("config", "postpone.yaml", "path to the configuration file")
		fillTime    = flag.Duration("fill-time", 2*time.Second, "mean interval between deferred jobs")
		runTime     = flag.Duration("run-time", 1*time.Second, "maximum simulated run time of a job")
		maxAttempts = flag.Int("max-attempts", 3, "attempts before a job is marked failed")
		failureRate = flag.Float64("failure-rate", 0.1, "failure rate in the interval [0.0,1.0]")
		tasksList   = flag.String("tasks", "send_email,resize_image,refresh_cache", "comma-separated list of task names")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Logging)

	st, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("initializing store failed", slog.Any("error", err))
		os.Exit(1)
	}
	m := postpone.New(
		postpone.SetStore(st),
		postpone.SetLogger(logger),
	)
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tasks := strings.Split(*tasksList, ",")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return produce(ctx, m, logger, tasks, *fillTime)
	})

	wake := make(chan string, 64)
	g.Go(func() error {
		return m.Listen(ctx, wake, cfg.Worker.Queues...)
	})
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		worker := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return work(ctx, m, logger.With(slog.String("worker", worker)), cfg.Worker.Queues, wake, *runTime, *maxAttempts, *failureRate)
		})
	}
	g.Go(func() error {
		return maintain(ctx, m, logger, cfg.Worker)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("exiting")
}

func newStore(cfg *config.Config, logger *slog.Logger) (postpone.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.NewStore(cfg.Store.DSN,
			postgres.SetLogger(logger),
			postgres.SetListenerIntervals(cfg.Store.ListenMinInterval, cfg.Store.ListenMaxInterval),
		)
	case "mysql":
		return mysql.NewStore(cfg.Store.DSN,
			mysql.SetLogger(logger),
			mysql.SetPollInterval(cfg.Store.PollInterval),
		)
	default:
		return postpone.NewInMemoryStore(), nil
	}
}

// produce defers jobs at a random rate until ctx is cancelled.
func produce(ctx context.Context, m *postpone.Manager, logger *slog.Logger, tasks []string, fillTime time.Duration) error {
	var cnt int
	for {
		delay := time.Duration(rand.Int63n(fillTime.Nanoseconds()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		cnt++
		args, _ := json.Marshal(map[string]any{"n": cnt})
		job := &postpone.Job{
			TaskName: tasks[rand.Intn(len(tasks))],
			Args:     args,
		}
		id, err := m.Defer(ctx, job)
		var enqueued *postpone.AlreadyEnqueuedError
		if errors.As(err, &enqueued) {
			logger.Info("job already enqueued", slog.String("queueing_lock", enqueued.QueueingLock))
			continue
		}
		if err != nil {
			return err
		}
		logger.Debug("deferred job", slog.Int64("id", id), slog.String("task", job.TaskName))
	}
}

// work claims and executes jobs. It blocks on the wake channel and a
// fallback ticker, then drains the queue.
func work(ctx context.Context, m *postpone.Manager, logger *slog.Logger, queues []string, wake <-chan string, runTime time.Duration, maxAttempts int, failureRate float64) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
		for {
			job, err := m.Fetch(ctx, queues...)
			if err != nil {
				return err
			}
			if job == nil {
				break
			}
			execute(ctx, m, logger, job, runTime, maxAttempts, failureRate)
		}
	}
}

func execute(ctx context.Context, m *postpone.Manager, logger *slog.Logger, job *postpone.Job, runTime time.Duration, maxAttempts int, failureRate float64) {
	logger.Info("processing job",
		slog.Int64("id", job.ID),
		slog.String("task", job.TaskName),
		slog.Int("attempts", job.Attempts))

	// Simulate work.
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(rand.Int63n(runTime.Nanoseconds()))):
	}

	if rand.Float64() >= failureRate {
		if err := m.Finish(ctx, job, postpone.StatusSucceeded); err != nil {
			logger.Error("finishing job failed", slog.Int64("id", job.ID), slog.Any("error", err))
		}
		return
	}
	if job.Attempts >= maxAttempts {
		logger.Warn("job failed permanently", slog.Int64("id", job.ID))
		if err := m.Finish(ctx, job, postpone.StatusFailed); err != nil {
			logger.Error("finishing job failed", slog.Int64("id", job.ID), slog.Any("error", err))
		}
		return
	}
	// Exponential-ish delay before the next attempt.
	retryAt := time.Now().Add(time.Duration(job.Attempts) * 2 * time.Second)
	logger.Warn("job failed, retrying", slog.Int64("id", job.ID), slog.Time("retry_at", retryAt))
	if err := m.Retry(ctx, job, retryAt); err != nil {
		logger.Error("retrying job failed", slog.Int64("id", job.ID), slog.Any("error", err))
	}
}

// maintain requeues stalled jobs and prunes old ones on a fixed
// interval, and logs queue statistics along the way.
func maintain(ctx context.Context, m *postpone.Manager, logger *slog.Logger, cfg config.WorkerConfig) error {
	ticker := time.NewTicker(cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		stalled, err := m.StalledJobs(ctx, cfg.StalledAfter, "", "")
		if err != nil {
			return err
		}
		for _, job := range stalled {
			logger.Warn("requeueing stalled job", slog.Int64("id", job.ID))
			if err := m.Retry(ctx, job, time.Now()); err != nil {
				logger.Error("requeueing stalled job failed", slog.Int64("id", job.ID), slog.Any("error", err))
			}
		}
		if err := m.DeleteOldJobs(ctx, cfg.RetentionPeriod, "", false); err != nil {
			return err
		}
		queues, err := m.ListQueues(ctx, &postpone.StatsRequest{})
		if err != nil {
			return err
		}
		for _, qs := range queues {
			logger.Info("queue stats",
				slog.String("queue", qs.Name),
				slog.Int("todo", qs.Todo),
				slog.Int("doing", qs.Doing),
				slog.Int("succeeded", qs.Succeeded),
				slog.Int("failed", qs.Failed))
		}
	}
}
