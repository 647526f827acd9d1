// Package db is the persistent store for projects, tasks, attempts,
// execution processes, sessions, drafts, merges, and images. It wraps a
// single SQLite database via sqlx and exposes row-change hooks used by the
// event bus.
//
// Every state transition that must be race-free (draft queue/sending CAS,
// process-boundary drops, completion updates) is a single SQL statement with
// WHERE guards; there is no read-modify-write across transactions.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "embed"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// HookOp is the row-change operation reported to an UpdateHook.
type HookOp int

const (
	HookInsert HookOp = iota
	HookUpdate
	HookDelete
)

// UpdateHook receives row-level change notifications. It is invoked
// synchronously from the SQLite driver; implementations must not touch the
// database on the calling goroutine.
type UpdateHook func(op HookOp, table string, rowid int64)

var (
	hookMu      sync.RWMutex
	currentHook UpdateHook
	registerDrv sync.Once
)

// SetUpdateHook installs the process-wide row-change hook. The hook is looked
// up on every change, so it may be installed before or after Open.
func SetUpdateHook(hook UpdateHook) {
	hookMu.Lock()
	currentHook = hook
	hookMu.Unlock()
}

func dispatchHook(op int, table string, rowid int64) {
	hookMu.RLock()
	hook := currentHook
	hookMu.RUnlock()
	if hook == nil {
		return
	}
	switch op {
	case sqlite3.SQLITE_INSERT:
		hook(HookInsert, table, rowid)
	case sqlite3.SQLITE_UPDATE:
		hook(HookUpdate, table, rowid)
	case sqlite3.SQLITE_DELETE:
		hook(HookDelete, table, rowid)
	}
}

func registerDriver() {
	// sqlx resolves placeholder style by driver name; teach it ours.
	sqlx.BindDriver("sqlite3_verkstad", sqlx.QUESTION)
	sql.Register("sqlite3_verkstad", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			conn.RegisterUpdateHook(func(op int, db string, table string, rowid int64) {
				dispatchHook(op, table, rowid)
			})
			return nil
		},
	})
}

// DB is the shared database handle.
type DB struct {
	*sqlx.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Use SetUpdateHook first when change notifications are needed.
func Open(path string) (*DB, error) {
	registerDrv.Do(registerDriver)
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_loc=UTC", path)
	sdb, err := sqlx.Open("sqlite3_verkstad", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Serialize writers; SQLite allows a single writer and the update hook
	// ordering is per-connection.
	sdb.SetMaxOpenConns(1)
	if err := sdb.Ping(); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := sdb.Exec(schema); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &DB{DB: sdb}, nil
}

// OpenMemory opens a fresh in-memory database, for tests.
func OpenMemory() (*DB, error) {
	return Open(":memory:")
}

// now returns the timestamp written to created_at/updated_at columns.
// Sub-second precision is required: execution processes within one attempt
// are ordered and boundary-compared by created_at.
func now() time.Time {
	return time.Now().UTC()
}

// hookTables are the tables the event bus observes.
var hookTables = map[string]bool{
	"tasks":               true,
	"task_attempts":       true,
	"execution_processes": true,
	"drafts":              true,
}

// HookTable reports whether the event bus observes changes on table.
func HookTable(table string) bool { return hookTables[table] }

// RowIDMap returns the rowid → primary key mapping for one of the hook
// tables. The event bus primes its delete-resolution cache with it.
func (d *DB) RowIDMap(ctx context.Context, table string) (map[int64]uuid.UUID, error) {
	if !hookTables[table] {
		return nil, fmt.Errorf("table %q is not observed", table)
	}
	rows, err := d.QueryContext(ctx, `SELECT rowid, id FROM `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]uuid.UUID)
	for rows.Next() {
		var rowid int64
		var id uuid.UUID
		if err := rows.Scan(&rowid, &id); err != nil {
			return nil, err
		}
		out[rowid] = id
	}
	return out, rows.Err()
}

// execRows runs an exec statement and returns the affected row count.
func (d *DB) execRows(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
