package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/renderinc/notevault/internal/logging"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the handle to the notes.db file. Every repository and engine goes
// through it; WithClosed is the only way to get the file with no connection
// open on it.
type DB struct {
	mu   sync.RWMutex
	path string
	db   *sql.DB
	log  *zap.Logger
}

// Open opens or creates the database at path and ensures the schema.
func Open(ctx context.Context, path string, log *zap.Logger) (*DB, error) {
	d := &DB{path: path, log: logging.OrNop(log)}
	if err := d.open(); err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, d.db, d.log); err != nil {
		d.db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return d, nil
}

// dsn keeps the default rollback journal so the database is a single file
// once the pool is closed.
func dsn(path string) string {
	return path + "?_foreign_keys=on&_busy_timeout=5000&_cslike=1"
}

func (d *DB) open() error {
	db, err := sql.Open("sqlite3", dsn(d.path))
	if err != nil {
		return storageErr("open database", err)
	}
	// Single writer; also keeps connection-scoped pragmas consistent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return storageErr("open database", err)
	}
	d.db = db
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// WithClosed waits for in-flight operations, closes every connection, runs
// fn, then reopens the file. Operations issued meanwhile block until the
// reopen. The reopened file is not schema-checked; call EnsureSchema after
// verifying it.
func (d *DB) WithClosed(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			return storageErr("close database", err)
		}
		d.db = nil
	}
	d.log.Debug("database closed for file operation", zap.String("path", d.path))

	fnErr := fn()

	if err := d.open(); err != nil {
		return errors.Join(fnErr, fmt.Errorf("reopen: %w", err))
	}
	d.log.Debug("database reopened", zap.String("path", d.path))
	return fnErr
}

// Read runs fn with the live connection. fn must not retain q.
func (d *DB) Read(ctx context.Context, fn func(q Querier) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	return fn(d.db)
}

// Tx runs fn inside a transaction. Any error from fn rolls the whole
// transaction back and is returned unchanged.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, storageErr("rollback", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// EnsureSchema creates missing tables and indexes.
func (d *DB) EnsureSchema(ctx context.Context) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return ErrClosed
	}
	return ensureSchema(ctx, d.db, d.log)
}

// IntegrityCheck runs PRAGMA integrity_check and fails with ErrIntegrity
// unless SQLite reports "ok". Unreadable files fail the same way.
func (d *DB) IntegrityCheck(ctx context.Context) error {
	return d.Read(ctx, func(q Querier) error {
		return integrityCheck(ctx, q)
	})
}

// CheckFile runs the same check as IntegrityCheck on a database file that
// is not the open store, such as a snapshot staged for restore.
func CheckFile(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	return integrityCheck(ctx, db)
}

func integrityCheck(ctx context.Context, q Querier) error {
	rows, err := q.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("%w: %w", ErrIntegrity, err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrity, err)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrIntegrity, strings.Join(problems, "; "))
	}
	return nil
}
