// Package tracelog persists a post-mortem trace log per completed job
// (spec.md §6 "Persisted state... Optional: a trace log per completed
// job"). Trimmed from the teacher's internal/common/db/mysql.go: that
// file wrapped the full database/sql surface (prepared statements,
// transactions, generic Rows/Row/Result abstractions) for an OJ schema
// with many tables; the trace log is a single append-only write plus a
// keyed read, so this package keeps only what that needs. The
// JSON-encoded trace is gzip-compressed with klauspost/compress before
// insert; the job's captured output is not stored.
package tracelog

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/klauspost/compress/gzip"

	"tango/internal/common/tangoerr"
	"tango/internal/core/job"
)

// Config holds the backing MySQL connection.
type Config struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Store wraps a *sql.DB scoped to the trace_log table.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trace_log (
	job_id      BIGINT PRIMARY KEY,
	image       VARCHAR(255) NOT NULL,
	state       VARCHAR(16)  NOT NULL,
	fail_cause  VARCHAR(32)  NOT NULL DEFAULT '',
	trace_gzip  LONGBLOB     NOT NULL,
	finished_at DATETIME     NOT NULL
)`

// New opens the connection pool and ensures the trace_log table exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "open trace log db: %v", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "ping trace log db: %v", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "create trace_log table: %v", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Record persists j's trace after it has gone dead. Best-effort: callers
// should log but not fail a job on a Record error, the core's own dead
// ring is the authoritative record while the process is alive.
func (s *Store) Record(ctx context.Context, j *job.Job) error {
	raw, err := json.Marshal(j.Trace)
	if err != nil {
		return tangoerr.Wrapf(err, tangoerr.Internal, "marshal trace: %v", err)
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return tangoerr.Wrapf(err, tangoerr.Internal, "compress trace: %v", err)
	}
	if err := gw.Close(); err != nil {
		return tangoerr.Wrapf(err, tangoerr.Internal, "compress trace: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trace_log (job_id, image, state, fail_cause, trace_gzip, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE state = VALUES(state), fail_cause = VALUES(fail_cause),
			trace_gzip = VALUES(trace_gzip), finished_at = VALUES(finished_at)`,
		int64(j.ID), j.Image, j.State.String(), string(j.FailCause), buf.Bytes(), j.Finished,
	)
	if err != nil {
		return tangoerr.Wrapf(err, tangoerr.Internal, "insert trace log: %v", err)
	}
	return nil
}

// Record is a row read back by Get for post-mortem inspection (not
// returned by any core operation or tangoctl command).
type Record struct {
	JobID      job.ID
	Image      string
	State      string
	FailCause  string
	Trace      []job.TraceEntry
	FinishedAt time.Time
}

// Get reads back one job's trace log.
func (s *Store) Get(ctx context.Context, id job.ID) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT job_id, image, state, fail_cause, trace_gzip, finished_at FROM trace_log WHERE job_id = ?`, int64(id))
	var rec Record
	var jobID int64
	var gzipped []byte
	if err := row.Scan(&jobID, &rec.Image, &rec.State, &rec.FailCause, &gzipped, &rec.FinishedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, tangoerr.New(tangoerr.NotFound)
		}
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "query trace log: %v", err)
	}
	rec.JobID = job.ID(jobID)
	gr, err := gzip.NewReader(bytes.NewReader(gzipped))
	if err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "decompress trace: %v", err)
	}
	defer gr.Close()
	if err := json.NewDecoder(gr).Decode(&rec.Trace); err != nil {
		return nil, tangoerr.Wrapf(err, tangoerr.Internal, "decode trace: %v", err)
	}
	return &rec, nil
}
