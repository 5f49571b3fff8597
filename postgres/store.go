// Package postgres implements the postpone store on PostgreSQL.
//
// Coordination maps directly onto native primitives: the atomic claim
// runs as a plpgsql function using FOR UPDATE SKIP LOCKED plus per-lock-
// group advisory locks, queueing-lock uniqueness is a partial unique
// index over active statuses, periodic deduplication is a primary key on
// (task_name, defer_timestamp), and notifications ride LISTEN/NOTIFY
// with the NOTIFY emitted by an insert trigger so it becomes visible
// exactly when the deferring transaction commits.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/postpone-queue/postpone"
	"github.com/postpone-queue/postpone/postgres/migrations"
)

// psql builds queries with PostgreSQL-style $N placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const jobColumns = "id, queue_name, task_name, lock, queueing_lock, args, status, scheduled_at, attempts"

// Store represents a persistent PostgreSQL storage implementation.
// It implements the postpone.Store interface.
type Store struct {
	db     *sqlx.DB
	dsn    string
	logger *slog.Logger

	// reconnect interval bounds for the LISTEN connection
	listenMinInterval time.Duration
	listenMaxInterval time.Duration
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetLogger specifies the logger used for listener connection events.
func SetLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SetListenerIntervals bounds the reconnect backoff of the notification
// listener connection.
func SetListenerIntervals(min, max time.Duration) StoreOption {
	return func(s *Store) {
		s.listenMinInterval = min
		s.listenMaxInterval = max
	}
}

// NewStore connects to PostgreSQL and brings the schema up to date via
// the embedded migrations.
func NewStore(dsn string, options ...StoreOption) (*Store, error) {
	st := &Store{
		dsn:               dsn,
		logger:            slog.Default(),
		listenMinInterval: 10 * time.Millisecond,
		listenMaxInterval: 10 * time.Second,
	}
	for _, opt := range options {
		opt(st)
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	st.db = db
	return st, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable:       "postpone_schema_migrations",
		MultiStatementEnabled: true,
	})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close implements postpone.Store.
func (s *Store) Close() error { return s.db.Close() }

// wrapError classifies driver errors: uniqueness violations keep their
// constraint identity, everything else is passed through untouched.
func wrapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return &postpone.UniqueViolationError{Constraint: pqErr.Constraint, Err: err}
	}
	return err
}

// DeferJob inserts a new todo job. The notify trigger fires with the
// insert, so subscribed workers wake up as soon as the transaction is
// visible.
func (s *Store) DeferJob(ctx context.Context, job *postpone.Job) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		INSERT INTO postpone_jobs (queue_name, task_name, lock, queueing_lock, args, scheduled_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
		job.Queue,
		job.TaskName,
		nullString(job.Lock),
		nullString(job.QueueingLock),
		argsOrEmpty(job.Args),
		nullTime(job.ScheduledAt),
	).Scan(&id)
	if err != nil {
		return 0, wrapError(err)
	}
	return id, nil
}

// DeferPeriodicJob inserts a job keyed by (task name, defer timestamp).
// The whole defer runs as one statement: the periodic key insert, the job
// insert and the key-to-job backlink either all happen or, when the key
// already exists, none do.
func (s *Store) DeferPeriodicJob(ctx context.Context, job *postpone.Job, deferTimestamp int64) (int64, error) {
	var id int64
	err := s.db.QueryRowxContext(ctx, `
		WITH periodic AS (
			INSERT INTO postpone_periodic_defers (task_name, defer_timestamp)
				VALUES ($1, $2)
				ON CONFLICT DO NOTHING
				RETURNING task_name, defer_timestamp
		), job AS (
			INSERT INTO postpone_jobs (queue_name, task_name, lock, queueing_lock, args, scheduled_at)
				SELECT $3, periodic.task_name, $4, $5, $6, $7 FROM periodic
				RETURNING id
		)
		UPDATE postpone_periodic_defers pd
			SET job_id = job.id
			FROM periodic, job
			WHERE pd.task_name = periodic.task_name
			  AND pd.defer_timestamp = periodic.defer_timestamp
			RETURNING pd.job_id`,
		job.TaskName,
		deferTimestamp,
		job.Queue,
		nullString(job.Lock),
		nullString(job.QueueingLock),
		argsOrEmpty(job.Args),
		nullTime(job.ScheduledAt),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// A job for this (task, timestamp) already exists; this is the
		// expected outcome for all racing schedulers but one.
		return 0, nil
	}
	if err != nil {
		return 0, wrapError(err)
	}
	return id, nil
}

// fetchRow is fully nullable: postpone_fetch_job returns a row of NULLs
// when nothing is eligible.
type fetchRow struct {
	ID           sql.NullInt64  `db:"id"`
	QueueName    sql.NullString `db:"queue_name"`
	TaskName     sql.NullString `db:"task_name"`
	Lock         sql.NullString `db:"lock"`
	QueueingLock sql.NullString `db:"queueing_lock"`
	Args         []byte         `db:"args"`
	Status       sql.NullString `db:"status"`
	ScheduledAt  sql.NullTime   `db:"scheduled_at"`
	Attempts     sql.NullInt64  `db:"attempts"`
	CreatedAt    sql.NullTime   `db:"created_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
}

// FetchJob claims one eligible job via the postpone_fetch_job function,
// or returns nil if nothing is eligible right now.
func (s *Store) FetchJob(ctx context.Context, queues []string) (*postpone.Job, error) {
	var filter interface{}
	if len(queues) > 0 {
		filter = pq.Array(queues)
	}
	var row fetchRow
	err := s.db.QueryRowxContext(ctx,
		`SELECT * FROM postpone_fetch_job($1)`, filter,
	).StructScan(&row)
	if err != nil {
		return nil, wrapError(err)
	}
	if !row.ID.Valid {
		return nil, nil
	}
	var scheduledAt *time.Time
	if row.ScheduledAt.Valid {
		t := row.ScheduledAt.Time
		scheduledAt = &t
	}
	return &postpone.Job{
		ID:           row.ID.Int64,
		Queue:        row.QueueName.String,
		TaskName:     row.TaskName.String,
		Lock:         row.Lock.String,
		QueueingLock: row.QueueingLock.String,
		Args:         json.RawMessage(row.Args),
		Status:       postpone.Status(row.Status.String),
		ScheduledAt:  scheduledAt,
		Attempts:     int(row.Attempts.Int64),
	}, nil
}

// FinishJob moves a job to a terminal status.
func (s *Store) FinishJob(ctx context.Context, jobID int64, status postpone.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE postpone_jobs
			SET status = $2, finished_at = now()
			WHERE id = $1`,
		jobID, string(status))
	if err != nil {
		return wrapError(err)
	}
	return errIfNoRows(res)
}

// RetryJob moves a job back to todo with a new scheduled time. Lock and
// queueing lock columns are untouched: the job keeps its slots.
func (s *Store) RetryJob(ctx context.Context, jobID int64, retryAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE postpone_jobs
			SET status = 'todo', scheduled_at = $2
			WHERE id = $1`,
		jobID, retryAt)
	if err != nil {
		return wrapError(err)
	}
	return errIfNoRows(res)
}

// ListStalledJobs returns doing jobs claimed more than olderThan ago.
func (s *Store) ListStalledJobs(ctx context.Context, olderThan time.Duration, queue, taskName string) ([]*postpone.Job, error) {
	qry := psql.Select(jobColumns).
		From("postpone_jobs").
		Where(sq.Eq{"status": string(postpone.StatusDoing)}).
		Where(sq.Expr("started_at < now() - make_interval(secs => ?)", olderThan.Seconds())).
		OrderBy("id")
	if queue != "" {
		qry = qry.Where(sq.Eq{"queue_name": queue})
	}
	if taskName != "" {
		qry = qry.Where(sq.Eq{"task_name": taskName})
	}
	return s.selectJobs(ctx, qry)
}

// DeleteOldJobs removes terminal jobs past the retention window, then
// clears periodic defer keys whose job is gone.
func (s *Store) DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, statuses []postpone.Status) error {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	qry := psql.Delete("postpone_jobs").
		Where(sq.Eq{"status": values}).
		Where(sq.Expr("finished_at < now() - make_interval(secs => ?)", olderThan.Seconds()))
	if queue != "" {
		qry = qry.Where(sq.Eq{"queue_name": queue})
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrapError(err)
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM postpone_periodic_defers WHERE job_id IS NULL`)
	if err != nil {
		return wrapError(err)
	}
	return nil
}

// SetJobStatus forces a job's status and stamps the matching transition
// timestamp so that stalled detection and pruning stay coherent.
func (s *Store) SetJobStatus(ctx context.Context, jobID int64, status postpone.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE postpone_jobs
			SET status = $2,
				started_at = CASE WHEN $2 = 'doing' THEN now() ELSE started_at END,
				finished_at = CASE WHEN $2 IN ('succeeded', 'failed') THEN now() ELSE finished_at END
			WHERE id = $1`,
		jobID, string(status))
	if err != nil {
		return wrapError(err)
	}
	return errIfNoRows(res)
}

// ListJobs returns matching jobs ordered by identifier.
func (s *Store) ListJobs(ctx context.Context, req *postpone.ListJobsRequest) ([]*postpone.Job, error) {
	qry := psql.Select(jobColumns).From("postpone_jobs").OrderBy("id")
	if req.ID != 0 {
		qry = qry.Where(sq.Eq{"id": req.ID})
	}
	if req.Queue != "" {
		qry = qry.Where(sq.Eq{"queue_name": req.Queue})
	}
	if req.TaskName != "" {
		qry = qry.Where(sq.Eq{"task_name": req.TaskName})
	}
	if req.Status != "" {
		qry = qry.Where(sq.Eq{"status": string(req.Status)})
	}
	if req.Lock != "" {
		qry = qry.Where(sq.Eq{"lock": req.Lock})
	}
	if req.QueueingLock != "" {
		qry = qry.Where(sq.Eq{"queueing_lock": req.QueueingLock})
	}
	return s.selectJobs(ctx, qry)
}

type statsRow struct {
	Name      string `db:"name"`
	JobsCount int    `db:"jobs_count"`
	Todo      int    `db:"todo"`
	Doing     int    `db:"doing"`
	Succeeded int    `db:"succeeded"`
	Failed    int    `db:"failed"`
}

func (s *Store) selectStats(ctx context.Context, groupBy string, req *postpone.StatsRequest) ([]statsRow, error) {
	qry := psql.Select(
		groupBy+" AS name",
		"count(*) AS jobs_count",
		"count(*) FILTER (WHERE status = 'todo') AS todo",
		"count(*) FILTER (WHERE status = 'doing') AS doing",
		"count(*) FILTER (WHERE status = 'succeeded') AS succeeded",
		"count(*) FILTER (WHERE status = 'failed') AS failed",
	).
		From("postpone_jobs").
		GroupBy(groupBy).
		OrderBy("name")
	if req.Queue != "" {
		qry = qry.Where(sq.Eq{"queue_name": req.Queue})
	}
	if req.TaskName != "" {
		qry = qry.Where(sq.Eq{"task_name": req.TaskName})
	}
	if req.Status != "" {
		qry = qry.Where(sq.Eq{"status": string(req.Status)})
	}
	if req.Lock != "" {
		qry = qry.Where(sq.Eq{"lock": req.Lock})
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []statsRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrapError(err)
	}
	return rows, nil
}

// ListQueues aggregates job counts per queue.
func (s *Store) ListQueues(ctx context.Context, req *postpone.StatsRequest) ([]*postpone.QueueStats, error) {
	rows, err := s.selectStats(ctx, "queue_name", req)
	if err != nil {
		return nil, err
	}
	stats := make([]*postpone.QueueStats, len(rows))
	for i, row := range rows {
		stats[i] = &postpone.QueueStats{
			Name:      row.Name,
			JobsCount: row.JobsCount,
			Todo:      row.Todo,
			Doing:     row.Doing,
			Succeeded: row.Succeeded,
			Failed:    row.Failed,
		}
	}
	return stats, nil
}

// ListTasks aggregates job counts per task name.
func (s *Store) ListTasks(ctx context.Context, req *postpone.StatsRequest) ([]*postpone.TaskStats, error) {
	rows, err := s.selectStats(ctx, "task_name", req)
	if err != nil {
		return nil, err
	}
	stats := make([]*postpone.TaskStats, len(rows))
	for i, row := range rows {
		stats[i] = &postpone.TaskStats{
			Name:      row.Name,
			JobsCount: row.JobsCount,
			Todo:      row.Todo,
			Doing:     row.Doing,
			Succeeded: row.Succeeded,
			Failed:    row.Failed,
		}
	}
	return stats, nil
}

// CheckConnection reports whether the job table exists.
func (s *Store) CheckConnection(ctx context.Context) (bool, error) {
	var relation sql.NullString
	err := s.db.QueryRowxContext(ctx,
		`SELECT to_regclass('postpone_jobs')`).Scan(&relation)
	if err != nil {
		return false, wrapError(err)
	}
	return relation.Valid, nil
}

// Subscribe listens on the given notification channels and forwards the
// channel name of each notification to notify (dropping it if the
// receiver is not ready) until ctx is cancelled. The underlying LISTEN
// connection reconnects automatically and is closed before Subscribe
// returns on every path.
func (s *Store) Subscribe(ctx context.Context, channels []string, notify chan<- string) error {
	listener := pq.NewListener(s.dsn, s.listenMinInterval, s.listenMaxInterval,
		func(event pq.ListenerEventType, err error) {
			if err != nil {
				s.logger.Warn("postpone: listener connection event",
					slog.Int("event", int(event)),
					slog.Any("error", err),
				)
			}
		})
	defer listener.Close()
	for _, channel := range channels {
		if err := listener.Listen(channel); err != nil {
			return fmt.Errorf("postgres: listen on %q: %w", channel, err)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// The listener reconnected; notifications may have been
				// missed, which the caller's polling fallback covers.
				continue
			}
			select {
			case notify <- n.Channel:
			default:
			}
		}
	}
}

// -- row mapping helpers --

type jobRow struct {
	ID           int64          `db:"id"`
	QueueName    string         `db:"queue_name"`
	TaskName     string         `db:"task_name"`
	Lock         sql.NullString `db:"lock"`
	QueueingLock sql.NullString `db:"queueing_lock"`
	Args         []byte         `db:"args"`
	Status       string         `db:"status"`
	ScheduledAt  sql.NullTime   `db:"scheduled_at"`
	Attempts     int            `db:"attempts"`
}

func (r *jobRow) toJob() *postpone.Job {
	var scheduledAt *time.Time
	if r.ScheduledAt.Valid {
		t := r.ScheduledAt.Time
		scheduledAt = &t
	}
	return &postpone.Job{
		ID:           r.ID,
		Queue:        r.QueueName,
		TaskName:     r.TaskName,
		Lock:         r.Lock.String,
		QueueingLock: r.QueueingLock.String,
		Args:         json.RawMessage(r.Args),
		Status:       postpone.Status(r.Status),
		ScheduledAt:  scheduledAt,
		Attempts:     r.Attempts,
	}
}

func (s *Store) selectJobs(ctx context.Context, qry sq.SelectBuilder) ([]*postpone.Job, error) {
	query, args, err := qry.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrapError(err)
	}
	jobs := make([]*postpone.Job, len(rows))
	for i := range rows {
		jobs[i] = rows[i].toJob()
	}
	return jobs, nil
}

func errIfNoRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return postpone.ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func argsOrEmpty(args json.RawMessage) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	return args
}
