// Package replica is the durable local copy of calendars and events.
//
// The replica is an embedded SQLite database in WAL mode. Readers never wait
// on the network and see only committed state: each read runs against one
// snapshot, and every write (ReplaceCalendars, ApplyReconciliation) commits
// as a single transaction. A crash mid-write leaves the previous snapshot.
//
// Architecture:
//   - Database file: <data_dir>/outcal.db
//   - WAL mode: readers proceed while the writer commits
//   - Schema: calendars, events, sync_meta, sync_cycles
//   - Writer lock: <data_dir>/outcal.db.lock, held by the sync cycle
//
// Only the sync orchestrator writes. Everything else opens the replica to
// read.
package replica

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/outcal/internal/lock"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// FileName is the replica file name inside the data directory.
const FileName = "outcal.db"

// Path returns the replica file path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// Option configures Open.
type Option func(*DB)

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(l *log.Logger) Option {
	return func(db *DB) {
		if l != nil {
			db.logger = l
		}
	}
}

// Open opens (creating if needed) the replica at path and applies pending
// migrations.
//
// Pragmas are set in the DSN so every pooled connection gets them. Write
// transactions start with BEGIN IMMEDIATE so a second writer waits on
// busy_timeout instead of failing at commit.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := replica.Open(replica.Path(dataDir))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string, opts ...Option) (*DB, error) {
	return OpenContext(context.Background(), path, opts...)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, opts ...Option) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storeErr("open", fmt.Errorf("failed to create database directory: %w", err))
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, storeErr("open", fmt.Errorf("failed to open database: %w", err))
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, storeErr("open", fmt.Errorf("failed to ping database: %w", err))
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		logger: log.New(os.Stderr, "[replica] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(db)
	}

	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + filepath.ToSlash(path) + "?" + q.Encode()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := db.conn.Close(); err != nil {
		return storeErr("close", fmt.Errorf("failed to close database: %w", err))
	}

	db.conn = nil
	return nil
}

// SchemaVersion returns the number of applied migrations.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, storeErr("schema version", err)
	}
	return v, nil
}

// migrate applies embedded migrations newer than PRAGMA user_version, each in
// its own transaction together with the version bump.
func (db *DB) migrate(ctx context.Context) error {
	names, err := listMigrations()
	if err != nil {
		return storeErr("migrate", err)
	}

	current, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(names) {
		return storeErr("migrate", fmt.Errorf("database schema version %d is newer than this binary (%d)", current, len(names)))
	}

	for i := current; i < len(names); i++ {
		body, err := fs.ReadFile(migrationFiles, "migrations/"+names[i])
		if err != nil {
			return storeErr("migrate", fmt.Errorf("failed to read migration %s: %w", names[i], err))
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return storeErr("migrate", fmt.Errorf("failed to begin transaction: %w", err))
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return storeErr("migrate", fmt.Errorf("failed to apply migration %s: %w", names[i], err))
		}
		if _, err := tx.ExecContext(ctx, "PRAGMA user_version = "+strconv.Itoa(i+1)); err != nil {
			_ = tx.Rollback()
			return storeErr("migrate", fmt.Errorf("failed to record migration %s: %w", names[i], err))
		}
		if err := tx.Commit(); err != nil {
			return storeErr("migrate", fmt.Errorf("failed to commit migration %s: %w", names[i], err))
		}
	}

	return nil
}

func listMigrations() ([]string, error) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// AcquireWriter takes the cross-process writer lock without waiting. It
// returns lock.ErrLocked when another process is syncing.
func (db *DB) AcquireWriter() (*lock.File, error) {
	return lock.TryLock(db.path + ".lock")
}

// Stats summarizes the replica for status output.
type Stats struct {
	Calendars     int
	Events        int
	SchemaVersion int
	SizeBytes     int64
}

// Stats returns row counts and the on-disk size (database plus WAL).
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM calendars),
		       (SELECT COUNT(*) FROM events e JOIN calendars c ON c.id = e.calendar_id)
	`).Scan(&s.Calendars, &s.Events)
	if err != nil {
		return Stats{}, storeErr("stats", fmt.Errorf("failed to count rows: %w", err))
	}

	if s.SchemaVersion, err = db.SchemaVersion(ctx); err != nil {
		return Stats{}, err
	}

	for _, p := range []string{db.path, db.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			s.SizeBytes += fi.Size()
		}
	}
	return s, nil
}
