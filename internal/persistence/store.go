// Package persistence stores tasks, their dependencies and run history in
// SQLite. It is the source of truth the coordinator rebuilds its graph from.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/swarm/internal/scheduler"
)

// TaskStore persists tasks and the edges between them.
type TaskStore interface {
	CreateTask(ctx context.Context, task *scheduler.Task) (scheduler.TaskID, error)
	GetTask(ctx context.Context, id scheduler.TaskID) (*scheduler.Task, error)
	LoadTasks(ctx context.Context, projectID int) ([]*scheduler.Task, error)
	UpdateTaskStatus(ctx context.Context, id scheduler.TaskID, status scheduler.TaskStatus, workerID string) error
	AddDependency(ctx context.Context, taskID, dependsOnID scheduler.TaskID) error
	RemoveDependency(ctx context.Context, taskID, dependsOnID scheduler.TaskID) error
}

// RunStore keeps the history of coordinator runs.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, projectID int) ([]RunRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	TaskStore
	RunStore
	Close() error
}

// SQLiteStore implements Store on modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Applied to every connection through the DSN.
var filePragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// NewSQLiteStore opens (creating if needed) the database file at dbPath.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open(ctx, dsn(dbPath, nil, filePragmas))
}

// NewMemoryStore opens a private in-memory database, mainly for tests.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	params := url.Values{"mode": {"memory"}, "cache": {"shared"}}
	return open(ctx, dsn("swarm-"+uuid.NewString(), params, []string{"foreign_keys(1)"}))
}

func dsn(name string, params url.Values, pragmas []string) string {
	if params == nil {
		params = url.Values{}
	}
	for _, p := range pragmas {
		params.Add("_pragma", p)
	}
	return "file:" + name + "?" + params.Encode()
}

func open(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite has a single writer. One connection serializes access, so
	// store code must never hold a cursor open while issuing another query.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
