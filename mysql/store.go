// Package mysql implements the postpone store on MySQL 8+.
//
// MySQL lacks two PostgreSQL primitives the store contract leans on.
// There are no partial unique indexes, so queueing-lock uniqueness lives
// in a side table keyed by the lock value, populated while a job is
// active and cleared on terminal transitions. There is no LISTEN/NOTIFY,
// so Subscribe combines an in-process fan-out (defers from the same
// process signal immediately) with a short poll that picks up defers
// from other processes.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/postpone-queue/postpone"
	"github.com/postpone-queue/postpone/mysql/internal"
)

var schema = []string{
	"CREATE TABLE IF NOT EXISTS postpone_jobs (" +
		"id bigint unsigned NOT NULL AUTO_INCREMENT PRIMARY KEY, " +
		"queue_name varchar(255) NOT NULL, " +
		"task_name varchar(255) NOT NULL, " +
		"`lock` varchar(255) NULL, " +
		"queueing_lock varchar(255) NULL, " +
		"args json NOT NULL, " +
		"status varchar(30) NOT NULL DEFAULT 'todo', " +
		"scheduled_at datetime(6) NULL, " +
		"attempts int NOT NULL DEFAULT 0, " +
		"created_at datetime(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6), " +
		"started_at datetime(6) NULL, " +
		"finished_at datetime(6) NULL, " +
		"INDEX ix_postpone_jobs_status (status), " +
		"INDEX ix_postpone_jobs_queue_name (queue_name), " +
		"INDEX ix_postpone_jobs_task_name (task_name), " +
		"INDEX ix_postpone_jobs_lock (`lock`))",

	// Active-state uniqueness of queueing locks. A row exists while the
	// owning job is todo or doing; the primary key makes a second defer
	// with the same queueing lock fail with a duplicate key error.
	"CREATE TABLE IF NOT EXISTS postpone_queueing_locks (" +
		"queueing_lock varchar(255) NOT NULL PRIMARY KEY, " +
		"job_id bigint unsigned NOT NULL)",

	"CREATE TABLE IF NOT EXISTS postpone_periodic_defers (" +
		"task_name varchar(255) NOT NULL, " +
		"defer_timestamp bigint NOT NULL, " +
		"job_id bigint unsigned NULL, " +
		"PRIMARY KEY (task_name, defer_timestamp))",
}

const jobColumns = "id, queue_name, task_name, `lock`, queueing_lock, args, status, scheduled_at, attempts"

// errLockBusy aborts a claim transaction whose candidate turned out to
// share its execution lock with a job that is (or just became) doing.
var errLockBusy = errors.New("mysql: candidate lock group is busy")

// Store represents a persistent MySQL storage implementation.
// It implements the postpone.Store interface.
type Store struct {
	db           *sql.DB
	logger       *slog.Logger
	pollInterval time.Duration
	notifier     *notifier
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetLogger specifies the logger used for poller errors.
func SetLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SetPollInterval sets how often Subscribe polls for defers made by other
// processes. Defers from this process are signalled immediately.
func SetPollInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewStore initializes a new MySQL-based storage. The database named in
// the DSN is created if it does not exist, as is the schema.
func NewStore(dsn string, options ...StoreOption) (*Store, error) {
	st := &Store{
		logger:       slog.Default(),
		pollInterval: 5 * time.Second,
		notifier:     newNotifier(),
	}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
	}
	cfg.ParseTime = true

	// First connect without DB name to create the database.
	setupCfg := *cfg
	setupCfg.DBName = ""
	setupdb, err := sql.Open("mysql", setupCfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	if _, err := setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname)); err != nil {
		return nil, err
	}

	st.db, err = sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	for _, stmt := range schema {
		if _, err := st.db.Exec(stmt); err != nil {
			st.db.Close()
			return nil, err
		}
	}
	return st, nil
}

// Close implements postpone.Store.
func (s *Store) Close() error { return s.db.Close() }

// wrapError keeps the constraint identity of duplicate key errors and
// passes everything else through.
func wrapError(err error) error {
	if key := internal.DupKeyName(err); key != "" {
		return &postpone.UniqueViolationError{Constraint: key, Err: err}
	}
	return err
}

// DeferJob inserts a new todo job and, when a queueing lock is set,
// claims its slot in the side table within the same transaction.
func (s *Store) DeferJob(ctx context.Context, job *postpone.Job) (int64, error) {
	var id int64
	err := internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		id, err = s.insertJob(ctx, tx, job)
		return err
	}, internal.IsDeadlock)
	if err != nil {
		return 0, err
	}
	s.notifier.publish(job.Queue)
	return id, nil
}

func (s *Store) insertJob(ctx context.Context, tx *sql.Tx, job *postpone.Job) (int64, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO postpone_jobs (queue_name, task_name, `lock`, queueing_lock, args, scheduled_at) "+
			"VALUES (?, ?, ?, ?, ?, ?)",
		job.Queue,
		job.TaskName,
		nullString(job.Lock),
		nullString(job.QueueingLock),
		argsOrEmpty(job.Args),
		nullTime(job.ScheduledAt),
	)
	if err != nil {
		return 0, wrapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if job.QueueingLock != "" {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO postpone_queueing_locks (queueing_lock, job_id) VALUES (?, ?)",
			job.QueueingLock, id)
		if internal.IsDup(err) {
			// This insert only ever collides on the queueing lock, so
			// report it under its canonical constraint identity.
			return 0, &postpone.UniqueViolationError{
				Constraint: postpone.QueueingLockConstraint,
				Err:        err,
			}
		}
		if err != nil {
			return 0, err
		}
	}
	return id, nil
}

// DeferPeriodicJob inserts a job at most once per (task name, defer
// timestamp); the periodic key insert and the job insert commit
// together.
func (s *Store) DeferPeriodicJob(ctx context.Context, job *postpone.Job, deferTimestamp int64) (int64, error) {
	var id int64
	err := internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		id = 0
		res, err := tx.ExecContext(ctx,
			"INSERT IGNORE INTO postpone_periodic_defers (task_name, defer_timestamp) VALUES (?, ?)",
			job.TaskName, deferTimestamp)
		if err != nil {
			return wrapError(err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			// Another scheduler already deferred this key.
			return nil
		}
		id, err = s.insertJob(ctx, tx, job)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE postpone_periodic_defers SET job_id = ? WHERE task_name = ? AND defer_timestamp = ?",
			id, job.TaskName, deferTimestamp)
		return err
	}, internal.IsDeadlock)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		s.notifier.publish(job.Queue)
	}
	return id, nil
}

// FetchJob claims the oldest eligible todo job, or returns nil if nothing
// is eligible. The candidate row is locked with FOR UPDATE SKIP LOCKED;
// its lock group is then re-checked with a locking read, which blocks on
// a concurrent uncommitted claim of a sibling and so observes the
// sibling's doing status once that claim commits.
func (s *Store) FetchJob(ctx context.Context, queues []string) (*postpone.Job, error) {
	qry := sq.Select(jobColumns).
		From("postpone_jobs").
		Where(sq.Eq{"status": string(postpone.StatusTodo)}).
		Where("(scheduled_at IS NULL OR scheduled_at <= NOW(6))").
		Where("(`lock` IS NULL OR `lock` NOT IN (" +
			"SELECT l FROM (SELECT `lock` AS l FROM postpone_jobs " +
			"WHERE status = 'doing' AND `lock` IS NOT NULL) AS doing_locks))").
		OrderBy("id").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED")
	if len(queues) > 0 {
		qry = qry.Where(sq.Eq{"queue_name": queues})
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return nil, err
	}

	var job *postpone.Job
	err = internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		job = nil
		var row jobRow
		err := row.scan(tx.QueryRowContext(ctx, query, args...))
		if internal.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if row.Lock.Valid {
			var busy int
			err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM postpone_jobs WHERE `lock` = ? AND status = 'doing' FOR SHARE",
				row.Lock.String).Scan(&busy)
			if err != nil {
				return err
			}
			if busy > 0 {
				return errLockBusy
			}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE postpone_jobs SET status = 'doing', attempts = attempts + 1, started_at = NOW(6) WHERE id = ?",
			row.ID); err != nil {
			return err
		}
		job = row.toJob()
		job.Status = postpone.StatusDoing
		job.Attempts++
		return nil
	}, internal.IsDeadlock)
	if errors.Is(err, errLockBusy) {
		// The group is busy right now; the caller polls again later.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// FinishJob moves a job to a terminal status and releases its queueing
// lock slot.
func (s *Store) FinishJob(ctx context.Context, jobID int64, status postpone.Status) error {
	return internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE postpone_jobs SET status = ?, finished_at = NOW(6) WHERE id = ?",
			string(status), jobID)
		if err != nil {
			return err
		}
		if err := errIfNoRows(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"DELETE FROM postpone_queueing_locks WHERE job_id = ?", jobID)
		return err
	}, internal.IsDeadlock)
}

// RetryJob moves a job back to todo. The job stays in the queueing lock
// side table: a retried job keeps occupying its slot.
func (s *Store) RetryJob(ctx context.Context, jobID int64, retryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE postpone_jobs SET status = 'todo', scheduled_at = ? WHERE id = ?",
		retryAt, jobID)
	if err != nil {
		return err
	}
	return errIfNoRows(res)
}

// SetJobStatus forces a job's status and keeps the queueing lock side
// table consistent with the new activity state.
func (s *Store) SetJobStatus(ctx context.Context, jobID int64, status postpone.Status) error {
	return internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var queueingLock sql.NullString
		err := tx.QueryRowContext(ctx,
			"SELECT queueing_lock FROM postpone_jobs WHERE id = ? FOR UPDATE",
			jobID).Scan(&queueingLock)
		if internal.IsNotFound(err) {
			return postpone.ErrNotFound
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE postpone_jobs SET status = ?, "+
				"started_at = CASE WHEN ? = 'doing' THEN NOW(6) ELSE started_at END, "+
				"finished_at = CASE WHEN ? IN ('succeeded', 'failed') THEN NOW(6) ELSE finished_at END "+
				"WHERE id = ?",
			string(status), string(status), string(status), jobID); err != nil {
			return err
		}
		if status.Terminal() {
			_, err = tx.ExecContext(ctx,
				"DELETE FROM postpone_queueing_locks WHERE job_id = ?", jobID)
			return err
		}
		if queueingLock.Valid {
			_, err = tx.ExecContext(ctx,
				"INSERT IGNORE INTO postpone_queueing_locks (queueing_lock, job_id) VALUES (?, ?)",
				queueingLock.String, jobID)
			return err
		}
		return nil
	}, internal.IsDeadlock)
}

// ListStalledJobs returns doing jobs claimed more than olderThan ago.
func (s *Store) ListStalledJobs(ctx context.Context, olderThan time.Duration, queue, taskName string) ([]*postpone.Job, error) {
	qry := sq.Select(jobColumns).
		From("postpone_jobs").
		Where(sq.Eq{"status": string(postpone.StatusDoing)}).
		Where(sq.Expr("started_at < NOW(6) - INTERVAL ? SECOND", int64(olderThan.Seconds()))).
		OrderBy("id")
	if queue != "" {
		qry = qry.Where(sq.Eq{"queue_name": queue})
	}
	if taskName != "" {
		qry = qry.Where(sq.Eq{"task_name": taskName})
	}
	return s.selectJobs(ctx, qry)
}

// DeleteOldJobs removes terminal jobs past the retention window and any
// periodic defer keys whose job is gone.
func (s *Store) DeleteOldJobs(ctx context.Context, olderThan time.Duration, queue string, statuses []postpone.Status) error {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	qry := sq.Delete("postpone_jobs").
		Where(sq.Eq{"status": values}).
		Where(sq.Expr("finished_at < NOW(6) - INTERVAL ? SECOND", int64(olderThan.Seconds())))
	if queue != "" {
		qry = qry.Where(sq.Eq{"queue_name": queue})
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"DELETE pd FROM postpone_periodic_defers pd "+
			"LEFT JOIN postpone_jobs j ON pd.job_id = j.id WHERE j.id IS NULL")
	return err
}

// ListJobs returns matching jobs ordered by identifier.
func (s *Store) ListJobs(ctx context.Context, req *postpone.ListJobsRequest) ([]*postpone.Job, error) {
	qry := sq.Select(jobColumns).From("postpone_jobs").OrderBy("id")
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
		qry = qry.Where(sq.Eq{"`lock`": req.Lock})
	}
	if req.QueueingLock != "" {
		qry = qry.Where(sq.Eq{"queueing_lock": req.QueueingLock})
	}
	return s.selectJobs(ctx, qry)
}

func (s *Store) selectStats(ctx context.Context, groupBy string, req *postpone.StatsRequest) (*sql.Rows, error) {
	qry := sq.Select(
		groupBy+" AS name",
		"COUNT(*) AS jobs_count",
		"CAST(SUM(status = 'todo') AS SIGNED) AS todo",
		"CAST(SUM(status = 'doing') AS SIGNED) AS doing",
		"CAST(SUM(status = 'succeeded') AS SIGNED) AS succeeded",
		"CAST(SUM(status = 'failed') AS SIGNED) AS failed",
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
		qry = qry.Where(sq.Eq{"`lock`": req.Lock})
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return nil, err
	}
	return s.db.QueryContext(ctx, query, args...)
}

// ListQueues aggregates job counts per queue.
func (s *Store) ListQueues(ctx context.Context, req *postpone.StatsRequest) ([]*postpone.QueueStats, error) {
	rows, err := s.selectStats(ctx, "queue_name", req)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stats []*postpone.QueueStats
	for rows.Next() {
		qs := new(postpone.QueueStats)
		if err := rows.Scan(&qs.Name, &qs.JobsCount, &qs.Todo, &qs.Doing, &qs.Succeeded, &qs.Failed); err != nil {
			return nil, err
		}
		stats = append(stats, qs)
	}
	return stats, rows.Err()
}

// ListTasks aggregates job counts per task name.
func (s *Store) ListTasks(ctx context.Context, req *postpone.StatsRequest) ([]*postpone.TaskStats, error) {
	rows, err := s.selectStats(ctx, "task_name", req)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stats []*postpone.TaskStats
	for rows.Next() {
		ts := new(postpone.TaskStats)
		if err := rows.Scan(&ts.Name, &ts.JobsCount, &ts.Todo, &ts.Doing, &ts.Succeeded, &ts.Failed); err != nil {
			return nil, err
		}
		stats = append(stats, ts)
	}
	return stats, rows.Err()
}

// CheckConnection reports whether the job table exists.
func (s *Store) CheckConnection(ctx context.Context) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.TABLES "+
			"WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = 'postpone_jobs'").Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Subscribe forwards defer notifications for the given channels to
// notify until ctx is cancelled. Same-process defers are delivered
// through the in-process fan-out; a poll on the job table catches defers
// made by other processes.
func (s *Store) Subscribe(ctx context.Context, channels []string, notify chan<- string) error {
	sub := s.notifier.subscribe(channels, notify)
	defer s.notifier.unsubscribe(sub)

	lastSeen, err := s.maxJobID(ctx)
	if err != nil {
		return fmt.Errorf("mysql: subscribe: %w", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			lastSeen, err = s.pollNewJobs(ctx, sub, lastSeen)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("postpone: poll for new jobs failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Store) maxJobID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM postpone_jobs").Scan(&max)
	return max, err
}

func (s *Store) pollNewJobs(ctx context.Context, sub *subscription, lastSeen int64) (int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, queue_name FROM postpone_jobs WHERE id > ? ORDER BY id", lastSeen)
	if err != nil {
		return lastSeen, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var queue string
		if err := rows.Scan(&id, &queue); err != nil {
			return lastSeen, err
		}
		sub.deliver(queue)
		lastSeen = id
	}
	return lastSeen, rows.Err()
}

// -- in-process notification fan-out --

type notifier struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	channels map[string]bool
	notify   chan<- string
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[*subscription]struct{})}
}

func (n *notifier) subscribe(channels []string, notify chan<- string) *subscription {
	sub := &subscription{
		channels: make(map[string]bool, len(channels)),
		notify:   notify,
	}
	for _, channel := range channels {
		sub.channels[channel] = true
	}
	n.mu.Lock()
	n.subs[sub] = struct{}{}
	n.mu.Unlock()
	return sub
}

func (n *notifier) unsubscribe(sub *subscription) {
	n.mu.Lock()
	delete(n.subs, sub)
	n.mu.Unlock()
}

func (n *notifier) publish(queue string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		sub.deliver(queue)
	}
}

// deliver signals the subscriber if it listens to the queue's channel or
// the wildcard channel. Sends never block.
func (sub *subscription) deliver(queue string) {
	for _, channel := range []string{postpone.ChannelForQueue(queue), postpone.AnyQueueChannel} {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.notify <- channel:
		default:
		}
	}
}

// -- row mapping helpers --

type jobRow struct {
	ID           int64
	QueueName    string
	TaskName     string
	Lock         sql.NullString
	QueueingLock sql.NullString
	Args         []byte
	Status       string
	ScheduledAt  sql.NullTime
	Attempts     int
}

func (r *jobRow) scan(row *sql.Row) error {
	return row.Scan(&r.ID, &r.QueueName, &r.TaskName, &r.Lock, &r.QueueingLock,
		&r.Args, &r.Status, &r.ScheduledAt, &r.Attempts)
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
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*postpone.Job
	for rows.Next() {
		var r jobRow
		if err := rows.Scan(&r.ID, &r.QueueName, &r.TaskName, &r.Lock, &r.QueueingLock,
			&r.Args, &r.Status, &r.ScheduledAt, &r.Attempts); err != nil {
			return nil, err
		}
		jobs = append(jobs, r.toJob())
	}
	return jobs, rows.Err()
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
