package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mschirtzinger/outcal/internal/schema"
)

const (
	metaLastSuccess = "last_successful_sync_at"
	metaLastError   = "last_error"

	// cycleHistory is the number of sync_cycles rows kept.
	cycleHistory = 50
)

// LoadSyncState returns the persisted sync metadata. InProgress is always
// false: a cycle that was running when the process died is not running now.
func (db *DB) LoadSyncState(ctx context.Context) (schema.SyncState, error) {
	var st schema.SyncState

	last, err := db.getMeta(ctx, metaLastSuccess)
	if err != nil {
		return st, err
	}
	if last != "" {
		if st.LastSuccessfulSyncAt, err = parseTime(last); err != nil {
			return st, storeErr("load sync state", fmt.Errorf("failed to parse %s: %w", metaLastSuccess, err))
		}
	}

	if st.LastError, err = db.getMeta(ctx, metaLastError); err != nil {
		return st, err
	}
	return st, nil
}

// SaveSyncState persists LastSuccessfulSyncAt (when set) and LastError.
func (db *DB) SaveSyncState(ctx context.Context, st schema.SyncState) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("save sync state", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if !st.LastSuccessfulSyncAt.IsZero() {
		if err := setMeta(ctx, tx, metaLastSuccess, formatTime(st.LastSuccessfulSyncAt)); err != nil {
			return err
		}
	}
	if err := setMeta(ctx, tx, metaLastError, st.LastError); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storeErr("save sync state", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (db *DB) getMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("load sync state", fmt.Errorf("failed to read %s: %w", key, err))
	}
	return v, nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return storeErr("save sync state", fmt.Errorf("failed to write %s: %w", key, err))
	}
	return nil
}

// CycleRecord is one finished sync cycle.
type CycleRecord struct {
	ID              string    `json:"id"`
	Trigger         string    `json:"trigger"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Inserted        int       `json:"inserted"`
	Updated         int       `json:"updated"`
	Deleted         int       `json:"deleted"`
	FailedCalendars int       `json:"failed_calendars"`
	Error           string    `json:"error,omitempty"`
}

// RecordCycle appends a cycle to the history and trims old rows.
func (db *DB) RecordCycle(ctx context.Context, r CycleRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("record cycle", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_cycles (
			cycle_id, trigger_kind, started_at, finished_at,
			inserted, updated, deleted, failed_calendars, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Trigger, formatTime(r.StartedAt), formatTime(r.FinishedAt),
		r.Inserted, r.Updated, r.Deleted, r.FailedCalendars, r.Error)
	if err != nil {
		return storeErr("record cycle", fmt.Errorf("failed to insert cycle %s: %w", r.ID, err))
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM sync_cycles WHERE cycle_id NOT IN (
			SELECT cycle_id FROM sync_cycles ORDER BY finished_at DESC LIMIT ?
		)
	`, cycleHistory)
	if err != nil {
		return storeErr("record cycle", fmt.Errorf("failed to trim cycle history: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return storeErr("record cycle", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// RecentCycles returns up to limit cycles, newest first.
func (db *DB) RecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT cycle_id, trigger_kind, started_at, finished_at,
		       inserted, updated, deleted, failed_calendars, error
		FROM sync_cycles
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, storeErr("recent cycles", fmt.Errorf("failed to query cycles: %w", err))
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		var r CycleRecord
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Trigger, &started, &finished,
			&r.Inserted, &r.Updated, &r.Deleted, &r.FailedCalendars, &r.Error); err != nil {
			return nil, storeErr("recent cycles", fmt.Errorf("failed to scan cycle: %w", err))
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, storeErr("recent cycles", err)
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, storeErr("recent cycles", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("recent cycles", fmt.Errorf("error iterating cycles: %w", err))
	}
	return out, nil
}
