// Package store persists environment and worker records in SQLite so a
// restarted host can skip re-provisioning and reconcile leaked workers.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Environment statuses.
const (
	EnvReady  = "ready"
	EnvFailed = "failed"
)

// Worker statuses. Live workers are "idle" or "busy"; everything else is
// eligible for cleanup at startup reconciliation.
const (
	WorkerIdle       = "idle"
	WorkerBusy       = "busy"
	WorkerTerminated = "terminated"
)

type Environment struct {
	Key       string    `json:"key"`
	Specs     string    `json:"specs"` // canonical comma-joined specifiers
	Location  string    `json:"location"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

type Worker struct {
	ID           string    `json:"id"`
	EnvKey       string    `json:"env_key"`
	ContainerID  string    `json:"container_id"`
	Status       string    `json:"status"`
	Jobs         int       `json:"jobs"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS environments (
	key           TEXT PRIMARY KEY,
	specs         TEXT NOT NULL DEFAULT '',
	location      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'ready',
	created_at    DATETIME NOT NULL,
	last_used     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_environments_status ON environments(status);

CREATE TABLE IF NOT EXISTS workers (
	id            TEXT PRIMARY KEY,
	env_key       TEXT NOT NULL,
	container_id  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'idle',
	jobs          INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	last_activity DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
CREATE INDEX IF NOT EXISTS idx_workers_env_key ON workers(env_key);
`

// DefaultMaxOpenConns sizes the connection pool. WAL mode allows multiple
// readers plus one writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL, busy_timeout and perf pragmas per connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// isBusyLock reports whether err indicates SQLITE_BUSY.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Environment operations

func (s *Store) UpsertEnvironment(env *Environment) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO environments (key, specs, location, status, created_at, last_used)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   specs = excluded.specs,
			   location = excluded.location,
			   status = excluded.status,
			   last_used = excluded.last_used`,
			env.Key, env.Specs, env.Location, env.Status,
			env.CreatedAt.UTC(), env.LastUsed.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("upserting environment: %w", err)
	}
	return nil
}

func (s *Store) GetEnvironment(key string) (*Environment, error) {
	row := s.db.QueryRow(
		`SELECT key, specs, location, status, created_at, last_used
		 FROM environments WHERE key = ?`, key,
	)
	var env Environment
	err := row.Scan(&env.Key, &env.Specs, &env.Location, &env.Status, &env.CreatedAt, &env.LastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning environment: %w", err)
	}
	return &env, nil
}

func (s *Store) ListReadyEnvironments() ([]*Environment, error) {
	rows, err := s.db.Query(
		`SELECT key, specs, location, status, created_at, last_used
		 FROM environments WHERE status = ? ORDER BY last_used DESC`, EnvReady,
	)
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	defer rows.Close()

	var envs []*Environment
	for rows.Next() {
		var env Environment
		if err := rows.Scan(&env.Key, &env.Specs, &env.Location, &env.Status, &env.CreatedAt, &env.LastUsed); err != nil {
			return nil, fmt.Errorf("scanning environment: %w", err)
		}
		envs = append(envs, &env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating environments: %w", err)
	}
	return envs, nil
}

func (s *Store) TouchEnvironment(key string) error {
	return retryOnBusy(func() error {
		_, e := s.db.Exec(`UPDATE environments SET last_used = ? WHERE key = ?`, time.Now().UTC(), key)
		return e
	})
}

func (s *Store) DeleteEnvironment(key string) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(`DELETE FROM environments WHERE key = ?`, key)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting environment: %w", err)
	}
	return nil
}

// Worker operations

func (s *Store) CreateWorker(w *Worker) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO workers (id, env_key, container_id, status, jobs, created_at, last_activity)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.EnvKey, w.ContainerID, w.Status, w.Jobs,
			w.CreatedAt.UTC(), w.LastActivity.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting worker: %w", err)
	}
	return nil
}

func (s *Store) UpdateWorker(id string, status string, jobs int) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE workers SET status = ?, jobs = ?, last_activity = ? WHERE id = ?`,
			status, jobs, time.Now().UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating worker: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) DeleteWorker(id string) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting worker: %w", err)
	}
	return nil
}

func (s *Store) ListLiveWorkers() ([]*Worker, error) {
	rows, err := s.db.Query(
		`SELECT id, env_key, container_id, status, jobs, created_at, last_activity
		 FROM workers WHERE status IN (?, ?)`, WorkerIdle, WorkerBusy,
	)
	if err != nil {
		return nil, fmt.Errorf("listing live workers: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.ID, &w.EnvKey, &w.ContainerID, &w.Status, &w.Jobs, &w.CreatedAt, &w.LastActivity); err != nil {
			return nil, fmt.Errorf("scanning worker: %w", err)
		}
		workers = append(workers, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workers: %w", err)
	}
	return workers, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
