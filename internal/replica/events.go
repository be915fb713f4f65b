package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/outcal/internal/reconcile"
	"github.com/mschirtzinger/outcal/internal/schema"
)

// timeLayout is fixed width so string order in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullStringToTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

// ReadCalendars returns the calendars of the last committed snapshot in the
// order the remote service listed them.
func (db *DB) ReadCalendars() ([]schema.Calendar, error) {
	return db.ReadCalendarsContext(context.Background())
}

// ReadCalendarsContext is ReadCalendars with context support.
func (db *DB) ReadCalendarsContext(ctx context.Context) ([]schema.Calendar, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, owner FROM calendars ORDER BY position, id`)
	if err != nil {
		return nil, storeErr("read calendars", fmt.Errorf("failed to query calendars: %w", err))
	}
	defer rows.Close()

	var cals []schema.Calendar
	for rows.Next() {
		var id, name string
		var owner bool
		if err := rows.Scan(&id, &name, &owner); err != nil {
			return nil, storeErr("read calendars", fmt.Errorf("failed to scan calendar: %w", err))
		}
		cals = append(cals, schema.NewCalendar(id, name, owner))
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("read calendars", fmt.Errorf("error iterating calendars: %w", err))
	}
	return cals, nil
}

// EventQuery selects events for ReadEvents.
type EventQuery struct {
	// CalendarID restricts results to one calendar (empty = all).
	CalendarID string
	// Window restricts results to events overlapping it (zero = no bound).
	Window schema.Window
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ReadEvents returns events of the last committed snapshot ordered by start.
// Events whose calendar is missing are never returned.
func (db *DB) ReadEvents(q EventQuery) ([]schema.Event, error) {
	return db.ReadEventsContext(context.Background(), q)
}

// ReadEventsContext is ReadEvents with context support.
func (db *DB) ReadEventsContext(ctx context.Context, q EventQuery) ([]schema.Event, error) {
	var conditions []string
	var args []any

	if q.CalendarID != "" {
		conditions = append(conditions, "e.calendar_id = ?")
		args = append(args, q.CalendarID)
	}

	// Same predicate as schema.Window.Overlaps.
	if !q.Window.IsZero() {
		conditions = append(conditions, "e.start_at < ? AND (e.end_at > ? OR (e.end_at = e.start_at AND e.start_at >= ?))")
		start := formatTime(q.Window.Start)
		args = append(args, formatTime(q.Window.End), start, start)
	}

	query := `
		SELECT e.calendar_id, e.id, e.subject, e.start_at, e.end_at, e.all_day,
		       e.location, e.organizer, e.attendees, e.body_type, e.body, e.last_modified
		FROM events e
		JOIN calendars c ON c.id = e.calendar_id`
	if len(conditions) > 0 {
		query += "\n\t\tWHERE " + strings.Join(conditions, " AND ")
	}
	query += "\n\t\tORDER BY e.start_at, e.end_at, e.calendar_id, e.id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("read events", fmt.Errorf("failed to query events: %w", err))
	}
	defer rows.Close()

	evs, err := scanEvents(rows)
	if err != nil {
		return nil, storeErr("read events", err)
	}
	return evs, nil
}

// scanEvents is a helper function to scan multiple events from query results.
func scanEvents(rows *sql.Rows) ([]schema.Event, error) {
	var evs []schema.Event

	for rows.Next() {
		var ev schema.Event
		var startAt, endAt, attendeesJSON, bodyType string
		var lastModified sql.NullString

		err := rows.Scan(
			&ev.CalendarID,
			&ev.ID,
			&ev.Subject,
			&startAt,
			&endAt,
			&ev.AllDay,
			&ev.Location,
			&ev.Organizer,
			&attendeesJSON,
			&bodyType,
			&ev.Body.Content,
			&lastModified,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Body.Type = schema.BodyType(bodyType)

		if ev.Start, err = parseTime(startAt); err != nil {
			return nil, fmt.Errorf("failed to parse start of %s: %w", ev.ID, err)
		}
		if ev.End, err = parseTime(endAt); err != nil {
			return nil, fmt.Errorf("failed to parse end of %s: %w", ev.ID, err)
		}
		if ev.LastModified, err = nullStringToTime(lastModified); err != nil {
			return nil, fmt.Errorf("failed to parse last_modified of %s: %w", ev.ID, err)
		}
		if attendeesJSON != "" && attendeesJSON != "[]" {
			if err := json.Unmarshal([]byte(attendeesJSON), &ev.Attendees); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attendees of %s: %w", ev.ID, err)
			}
		}

		evs = append(evs, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return evs, nil
}

// ReplaceCalendars atomically replaces the calendar list. Calendars absent
// from cals are removed together with their events.
func (db *DB) ReplaceCalendars(cals []schema.Calendar) error {
	return db.ReplaceCalendarsContext(context.Background(), cals)
}

// ReplaceCalendarsContext is ReplaceCalendars with context support.
func (db *DB) ReplaceCalendarsContext(ctx context.Context, cals []schema.Calendar) error {
	keep := make(map[string]bool, len(cals))
	for i := range cals {
		if err := cals[i].Validate(); err != nil {
			return storeErr("replace calendars", fmt.Errorf("invalid calendar: %w", err))
		}
		if keep[cals[i].ID] {
			return storeErr("replace calendars", fmt.Errorf("duplicate calendar %s", cals[i].ID))
		}
		keep[cals[i].ID] = true
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("replace calendars", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	existing, err := calendarIDs(ctx, tx)
	if err != nil {
		return storeErr("replace calendars", err)
	}
	for _, id := range existing {
		if keep[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id); err != nil {
			return storeErr("replace calendars", fmt.Errorf("failed to delete calendar %s: %w", id, err))
		}
	}

	upsert := `
	INSERT INTO calendars (id, name, owner, position)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		owner = excluded.owner,
		position = excluded.position
	`
	for i, c := range cals {
		if _, err := tx.ExecContext(ctx, upsert, c.ID, c.Name, c.Owner, i); err != nil {
			return storeErr("replace calendars", fmt.Errorf("failed to upsert calendar %s: %w", c.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("replace calendars", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func calendarIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM calendars`)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendars: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan calendar id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ApplyReconciliation commits one calendar's inserts, updates and deletes in
// a single transaction. Either all of d becomes visible or none of it does.
func (db *DB) ApplyReconciliation(d reconcile.Diff) error {
	return db.ApplyReconciliationContext(context.Background(), d)
}

// ApplyReconciliationContext is ApplyReconciliation with context support.
func (db *DB) ApplyReconciliationContext(ctx context.Context, d reconcile.Diff) error {
	op := "apply " + d.CalendarID
	if d.CalendarID == "" {
		return storeErr(op, fmt.Errorf("calendar id is required"))
	}
	for _, evs := range [][]schema.Event{d.Inserts, d.Updates} {
		for i := range evs {
			if evs[i].CalendarID != d.CalendarID {
				return storeErr(op, fmt.Errorf("event %s belongs to calendar %q", evs[i].ID, evs[i].CalendarID))
			}
			if err := evs[i].Validate(); err != nil {
				return storeErr(op, fmt.Errorf("invalid event: %w", err))
			}
		}
	}
	if d.Empty() {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM calendars WHERE id = ?`, d.CalendarID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storeErr(op, fmt.Errorf("%w: %s", ErrUnknownCalendar, d.CalendarID))
	}
	if err != nil {
		return storeErr(op, fmt.Errorf("failed to look up calendar: %w", err))
	}

	for _, id := range d.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE calendar_id = ? AND id = ?`, d.CalendarID, id); err != nil {
			return storeErr(op, fmt.Errorf("failed to delete event %s: %w", id, err))
		}
	}

	for _, evs := range [][]schema.Event{d.Inserts, d.Updates} {
		for i := range evs {
			if err := upsertEvent(ctx, tx, &evs[i]); err != nil {
				return storeErr(op, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr(op, fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func upsertEvent(ctx context.Context, tx *sql.Tx, ev *schema.Event) error {
	attendees := ev.Attendees
	if attendees == nil {
		attendees = []schema.Attendee{}
	}
	attendeesJSON, err := json.Marshal(attendees)
	if err != nil {
		return fmt.Errorf("failed to marshal attendees: %w", err)
	}

	query := `
	INSERT INTO events (
		calendar_id, id, subject, start_at, end_at, all_day,
		location, organizer, attendees, body_type, body, last_modified
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(calendar_id, id) DO UPDATE SET
		subject = excluded.subject,
		start_at = excluded.start_at,
		end_at = excluded.end_at,
		all_day = excluded.all_day,
		location = excluded.location,
		organizer = excluded.organizer,
		attendees = excluded.attendees,
		body_type = excluded.body_type,
		body = excluded.body,
		last_modified = excluded.last_modified
	`

	_, err = tx.ExecContext(ctx, query,
		ev.CalendarID,
		ev.ID,
		ev.Subject,
		formatTime(ev.Start),
		formatTime(ev.End),
		ev.AllDay,
		ev.Location,
		ev.Organizer,
		string(attendeesJSON),
		string(ev.Body.Type),
		ev.Body.Content,
		timeToNullString(ev.LastModified),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", ev.ID, err)
	}
	return nil
}
