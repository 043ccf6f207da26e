package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lib/pq"
	"github.com/reelgrab/reel-api/errors"

	_ "modernc.org/sqlite"
)

type dialect string

const (
	dialectPostgres dialect = "postgres"
	dialectSQLite   dialect = "sqlite"
)

const jobColumns = `id, source_url, caller, status, progress, options, metadata, artifacts, error_info, attempts, max_attempts, cancel_requested, created_at, started_at, finished_at`

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	source_url TEXT NOT NULL,
	caller TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	options TEXT NOT NULL DEFAULT '{}',
	metadata TEXT,
	artifacts TEXT,
	error_info TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at BIGINT NOT NULL,
	started_at BIGINT,
	finished_at BIGINT
);
CREATE INDEX IF NOT EXISTS jobs_status_created_at_idx ON jobs (status, created_at DESC);
`

// SQLStore persists jobs in Postgres or SQLite. Timestamps are stored as unix
// milliseconds so both engines sort and compare them identically.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	clock   clock.Clock
}

func NewSQL(ctx context.Context, d dialect, dsn string, clk clock.Clock) (*SQLStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	driver := "postgres"
	if d == dialectSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening job store: %w", err)
	}
	if d == dialectSQLite {
		// A single writer avoids SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, dialect: d, clock: clk}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLWithDB wraps an existing database handle. Used by tests.
func NewSQLWithDB(db *sql.DB, d dialect, clk clock.Clock) *SQLStore {
	if clk == nil {
		clk = clock.New()
	}
	return &SQLStore{db: db, dialect: d, clock: clk}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(jobsSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error migrating job store: %w", err)
		}
	}
	return nil
}

// rebind converts $N placeholders to ? for SQLite. Arguments are always
// appended in placeholder order so a positional swap is safe.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectSQLite {
		return query
	}
	var out strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			out.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			out.WriteByte(query[i])
			continue
		}
		out.WriteByte('?')
		i = j - 1
	}
	return out.String()
}

func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return errors.Tagf(errors.KindInvalidInput, "job id is required")
	}
	if !job.Status.IsValid() {
		return errors.Tagf(errors.KindInvalidInput, "invalid status %q", job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock.Now().UTC()
	}
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("error encoding job options: %w", err)
	}
	metadata, err := marshalNullable(job.Metadata)
	if err != nil {
		return err
	}
	artifacts, err := marshalNullable(job.Artifacts)
	if err != nil {
		return err
	}
	errInfo, err := marshalNullable(job.Error)
	if err != nil {
		return err
	}

	insert := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = s.db.ExecContext(ctx, s.rebind(insert),
		job.ID,
		job.SourceURL,
		job.Caller,
		string(job.Status),
		job.Progress,
		string(options),
		metadata,
		artifacts,
		errInfo,
		job.Attempts,
		job.MaxAttempts,
		job.CancelRequested,
		job.CreatedAt.UnixMilli(),
		timeToMillis(job.StartedAt),
		timeToMillis(job.FinishedAt),
	)
	if err != nil {
		if isDuplicateErr(err) {
			return errors.Tagf(errors.KindConflict, "job %s already exists", job.ID)
		}
		return fmt.Errorf("error inserting job: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`), id)
	job, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Tagf(errors.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("error loading job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Job, string, error) {
	limit := normalizeLimit(filter.Limit)
	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if filter.Cursor != "" {
		ms, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		// The millis value is bound twice so the rebound SQLite query keeps
		// placeholders and arguments in lockstep.
		where = append(where, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id < %s))", arg(ms), arg(ms), arg(id)))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// One extra row tells us whether another page exists.
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit+1)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, "", fmt.Errorf("error listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, "", fmt.Errorf("error scanning job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("error listing jobs: %w", err)
	}

	next := ""
	if len(jobs) > limit {
		jobs = jobs[:limit]
		last := jobs[len(jobs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return jobs, next, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, fromStates []Status, to Status, patch Patch) (*Job, error) {
	if err := validateTransition(fromStates, to); err != nil {
		return nil, err
	}

	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	now := s.clock.Now().UTC()
	set := []string{"status = " + arg(string(to))}
	if patch.Progress != nil {
		set = append(set, "progress = "+arg(*patch.Progress))
	}
	if patch.IncrementAttempts {
		set = append(set, "attempts = attempts + 1")
	}
	if patch.SetStartedAt {
		set = append(set, "started_at = "+arg(now.UnixMilli()))
	}
	if patch.SetFinishedAt {
		set = append(set, "finished_at = "+arg(now.UnixMilli()))
	}
	if patch.ClearFinished {
		set = append(set, "finished_at = NULL")
	}
	if patch.Metadata != nil {
		metadata, err := marshalNullable(patch.Metadata)
		if err != nil {
			return nil, err
		}
		set = append(set, "metadata = "+arg(metadata))
	}
	if patch.Artifacts != nil {
		artifacts, err := marshalNullable(patch.Artifacts)
		if err != nil {
			return nil, err
		}
		set = append(set, "artifacts = "+arg(artifacts))
	}
	if patch.Error != nil {
		errInfo, err := marshalNullable(patch.Error)
		if err != nil {
			return nil, err
		}
		set = append(set, "error_info = "+arg(errInfo))
	}
	if patch.ClearError {
		set = append(set, "error_info = NULL")
	}
	if patch.ClearCancel {
		set = append(set, "cancel_requested = "+arg(false))
	}

	var from []string
	for _, f := range fromStates {
		from = append(from, arg(string(f)))
	}
	where := []string{
		"id = " + arg(id),
		"status IN (" + strings.Join(from, ", ") + ")",
	}
	if patch.IfStartedBefore != nil {
		where = append(where, "started_at < "+arg(patch.IfStartedBefore.UnixMilli()))
	}

	query := "UPDATE jobs SET " + strings.Join(set, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + jobColumns

	row := s.db.QueryRowContext(ctx, s.rebind(query), args...)
	job, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		// Row missing or CAS lost, find out which.
		current, loadErr := s.Load(ctx, id)
		if loadErr != nil {
			return nil, loadErr
		}
		if patch.IfStartedBefore != nil {
			for _, f := range fromStates {
				if current.Status == f {
					return nil, errors.Tagf(errors.KindConflict, "job %s start time is not stale", id)
				}
			}
		}
		return nil, errors.Tagf(errors.KindConflict, "job %s is %s, expected one of %v", id, current.Status, fromStates)
	}
	if err != nil {
		return nil, fmt.Errorf("error transitioning job: %w", err)
	}
	return job, nil
}

func (s *SQLStore) TouchProgress(ctx context.Context, id string, percent float64) error {
	percent, ok := clampProgress(percent)
	if !ok {
		return nil
	}
	query := `UPDATE jobs SET progress = $1 WHERE id = $2 AND status = $3 AND progress < $1`
	if s.dialect == dialectSQLite {
		// SQLite placeholders are positional after rebind, repeat the value.
		query = `UPDATE jobs SET progress = ? WHERE id = ? AND status = ? AND progress < ?`
		_, err := s.db.ExecContext(ctx, query, percent, id, string(StatusRunning), percent)
		if err != nil {
			return fmt.Errorf("error updating progress: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, query, percent, id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("error updating progress: %w", err)
	}
	return nil
}

func (s *SQLStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE jobs SET cancel_requested = $1 WHERE id = $2`), true, id)
	if err != nil {
		return fmt.Errorf("error requesting cancel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error requesting cancel: %w", err)
	}
	if n == 0 {
		return errors.Tagf(errors.KindNotFound, "job %s not found", id)
	}
	return nil
}

func (s *SQLStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT cancel_requested FROM jobs WHERE id = $1`), id).Scan(&requested)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, errors.Tagf(errors.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return false, fmt.Errorf("error reading cancel flag: %w", err)
	}
	return requested, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job        Job
		status     string
		options    string
		metadata   sql.NullString
		artifacts  sql.NullString
		errInfo    sql.NullString
		createdAt  int64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
	)
	err := row.Scan(
		&job.ID,
		&job.SourceURL,
		&job.Caller,
		&status,
		&job.Progress,
		&options,
		&metadata,
		&artifacts,
		&errInfo,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CancelRequested,
		&createdAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if err := json.Unmarshal([]byte(options), &job.Options); err != nil {
		return nil, fmt.Errorf("error decoding job options: %w", err)
	}
	if metadata.Valid && metadata.String != "" {
		job.Metadata = &Metadata{}
		if err := json.Unmarshal([]byte(metadata.String), job.Metadata); err != nil {
			return nil, fmt.Errorf("error decoding job metadata: %w", err)
		}
	}
	if artifacts.Valid && artifacts.String != "" {
		if err := json.Unmarshal([]byte(artifacts.String), &job.Artifacts); err != nil {
			return nil, fmt.Errorf("error decoding job artifacts: %w", err)
		}
	}
	if errInfo.Valid && errInfo.String != "" {
		job.Error = &ErrorInfo{}
		if err := json.Unmarshal([]byte(errInfo.String), job.Error); err != nil {
			return nil, fmt.Errorf("error decoding job error: %w", err)
		}
	}
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.StartedAt = millisToTime(startedAt)
	job.FinishedAt = millisToTime(finishedAt)
	return &job, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	switch val := v.(type) {
	case *Metadata:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *ErrorInfo:
		if val == nil {
			return sql.NullString{}, nil
		}
	case []Artifact:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("error encoding job field: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func timeToMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func millisToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func isDuplicateErr(err error) bool {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) && pqErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
