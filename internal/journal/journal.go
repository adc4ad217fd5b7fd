// Package journal keeps a SQLite history of ingestion runs.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded ingestion run.
type Entry struct {
	RunID            string
	StartedAt        time.Time
	FinishedAt       time.Time
	Stage            string
	FailedAt         string
	Documents        int
	Chunks           int
	GenerationID     string
	Replicated       bool
	ReplicationError string
	Error            string
}

type Journal struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

func New(path string) *Journal {
	return &Journal{path: path}
}

func (j *Journal) Init(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db != nil {
		return nil
	}
	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	db, err := sql.Open("sqlite", j.path)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return err
	}

	schema := `
CREATE TABLE IF NOT EXISTS ingestion_runs (
  run_id TEXT PRIMARY KEY,
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL,
  stage TEXT NOT NULL,
  failed_at TEXT NOT NULL DEFAULT '',
  documents INTEGER NOT NULL DEFAULT 0,
  chunks INTEGER NOT NULL DEFAULT 0,
  generation_id TEXT NOT NULL DEFAULT '',
  replicated INTEGER NOT NULL DEFAULT 0,
  replication_error TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ingestion_runs_started ON ingestion_runs(started_at);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return err
	}

	j.db = db
	return nil
}

func (j *Journal) ensureDB(ctx context.Context) (*sql.DB, error) {
	j.mu.Lock()
	db := j.db
	j.mu.Unlock()
	if db != nil {
		return db, nil
	}
	if err := j.Init(ctx); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, errors.New("journal not initialized")
	}
	return j.db, nil
}

// Record stores e, replacing an earlier entry with the same run id.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	db, err := j.ensureDB(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(
		ctx,
		`INSERT INTO ingestion_runs(run_id, started_at, finished_at, stage, failed_at, documents, chunks, generation_id, replicated, replication_error, error)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   finished_at=excluded.finished_at,
		   stage=excluded.stage,
		   failed_at=excluded.failed_at,
		   documents=excluded.documents,
		   chunks=excluded.chunks,
		   generation_id=excluded.generation_id,
		   replicated=excluded.replicated,
		   replication_error=excluded.replication_error,
		   error=excluded.error`,
		e.RunID,
		e.StartedAt.UnixNano(),
		e.FinishedAt.UnixNano(),
		e.Stage,
		e.FailedAt,
		e.Documents,
		e.Chunks,
		e.GenerationID,
		boolToInt(e.Replicated),
		e.ReplicationError,
		e.Error,
	)
	return err
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	db, err := j.ensureDB(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.QueryContext(
		ctx,
		`SELECT run_id, started_at, finished_at, stage, failed_at, documents, chunks, generation_id, replicated, replication_error, error
		 FROM ingestion_runs ORDER BY started_at DESC, run_id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, finished int64
		var replicated int
		if err := rows.Scan(&e.RunID, &started, &finished, &e.Stage, &e.FailedAt, &e.Documents, &e.Chunks, &e.GenerationID, &replicated, &e.ReplicationError, &e.Error); err != nil {
			return nil, err
		}
		e.StartedAt = time.Unix(0, started).UTC()
		e.FinishedAt = time.Unix(0, finished).UTC()
		e.Replicated = replicated != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
