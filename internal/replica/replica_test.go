package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/outcal/internal/lock"
	"github.com/mschirtzinger/outcal/internal/reconcile"
	"github.com/mschirtzinger/outcal/internal/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return Path(t.TempDir())
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func testEvent(cal, id string, start time.Time) schema.Event {
	return schema.Event{
		ID:           id,
		CalendarID:   cal,
		Subject:      "Event " + id,
		Start:        start,
		End:          start.Add(time.Hour),
		Location:     "Room 1",
		Organizer:    "Ada <ada@example.com>",
		Attendees:    []schema.Attendee{{Name: "Grace", Address: "grace@example.com"}},
		Body:         schema.Body{Type: schema.BodyText, Content: "agenda"},
		LastModified: start.Add(-time.Hour),
	}
}

func seed(t *testing.T, db *DB, cals ...string) {
	t.Helper()
	var list []schema.Calendar
	for _, id := range cals {
		list = append(list, schema.NewCalendar(id, "Calendar "+id, true))
	}
	if err := db.ReplaceCalendars(list); err != nil {
		t.Fatalf("ReplaceCalendars() failed: %v", err)
	}
}

func TestOpen_Migrates(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	v, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	names, _ := listMigrations()
	if v != len(names) || v == 0 {
		t.Errorf("SchemaVersion() = %d, want %d", v, len(names))
	}

	for _, table := range []string{"calendars", "events", "sync_meta", "sync_cycles"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Reopening applies nothing new.
	db, err = Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer db.Close()
	if v2, _ := db.SchemaVersion(context.Background()); v2 != v {
		t.Errorf("SchemaVersion() after reopen = %d, want %d", v2, v)
	}
}

func TestReplaceCalendars_CascadesEvents(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "C1", "C2")

	for _, cal := range []string{"C1", "C2"} {
		d := reconcile.Diff{CalendarID: cal, Inserts: []schema.Event{testEvent(cal, "E1", base)}}
		if err := db.ApplyReconciliation(d); err != nil {
			t.Fatalf("ApplyReconciliation(%s) failed: %v", cal, err)
		}
	}

	seed(t, db, "C1")

	cals, err := db.ReadCalendars()
	if err != nil {
		t.Fatalf("ReadCalendars() failed: %v", err)
	}
	if len(cals) != 1 || cals[0].ID != "C1" {
		t.Fatalf("calendars = %+v, want [C1]", cals)
	}
	if cals[0].Color != schema.AssignedColor("C1") {
		t.Errorf("Color = %q, want %q", cals[0].Color, schema.AssignedColor("C1"))
	}

	var orphans int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM events WHERE calendar_id = 'C2'`).Scan(&orphans); err != nil {
		t.Fatal(err)
	}
	if orphans != 0 {
		t.Errorf("events of removed calendar = %d, want 0", orphans)
	}
}

func TestReplaceCalendars_KeepsOrderAndRenames(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "B", "A")

	renamed := []schema.Calendar{schema.NewCalendar("A", "Renamed", false), schema.NewCalendar("B", "B", true)}
	if err := db.ReplaceCalendars(renamed); err != nil {
		t.Fatal(err)
	}
	got, err := db.ReadCalendars()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(renamed, got); diff != "" {
		t.Errorf("calendars mismatch (-want +got):\n%s", diff)
	}

	dup := []schema.Calendar{schema.NewCalendar("A", "x", true), schema.NewCalendar("A", "y", true)}
	if err := db.ReplaceCalendars(dup); !IsStoreError(err) {
		t.Errorf("duplicate ids: err = %v, want StoreError", err)
	}
}

func TestApplyReconciliation_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "C1")

	e1 := testEvent("C1", "E1", base)
	e2 := testEvent("C1", "E2", base.Add(24*time.Hour))
	e2.AllDay = true
	e2.Attendees = nil
	e2.LastModified = time.Time{}

	if err := db.ApplyReconciliation(reconcile.Diff{CalendarID: "C1", Inserts: []schema.Event{e2, e1}}); err != nil {
		t.Fatalf("ApplyReconciliation() failed: %v", err)
	}

	got, err := db.ReadEvents(EventQuery{CalendarID: "C1"})
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	want := []schema.Event{e1, e2}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	// Update and delete in one unit.
	e1.Subject = "Renamed"
	e1.LastModified = base
	d := reconcile.Diff{CalendarID: "C1", Updates: []schema.Event{e1}, Deletes: []string{"E2"}}
	if err := db.ApplyReconciliation(d); err != nil {
		t.Fatalf("ApplyReconciliation() failed: %v", err)
	}
	got, _ = db.ReadEvents(EventQuery{})
	if len(got) != 1 || got[0].Subject != "Renamed" {
		t.Errorf("after update = %+v", got)
	}
}

func TestApplyReconciliation_Rejects(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "C1")

	tests := []struct {
		name string
		diff reconcile.Diff
		is   error
	}{
		{"unknown calendar", reconcile.Diff{CalendarID: "nope", Inserts: []schema.Event{testEvent("nope", "E1", base)}}, ErrUnknownCalendar},
		{"foreign event", reconcile.Diff{CalendarID: "C1", Inserts: []schema.Event{testEvent("C2", "E1", base)}}, nil},
		{"invalid event", reconcile.Diff{CalendarID: "C1", Inserts: []schema.Event{{ID: "E1", CalendarID: "C1"}}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.ApplyReconciliation(tt.diff)
			if !IsStoreError(err) {
				t.Fatalf("err = %v, want StoreError", err)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("err = %v, want %v", err, tt.is)
			}
		})
	}

	evs, _ := db.ReadEvents(EventQuery{})
	if len(evs) != 0 {
		t.Errorf("rejected diffs left %d events", len(evs))
	}
}

func TestReadEvents_Window(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "C1", "C2")

	w := schema.Window{Start: base, End: base.Add(48 * time.Hour)}
	inside := testEvent("C1", "in", base.Add(time.Hour))
	straddle := testEvent("C1", "edge", base.Add(-30*time.Minute))
	before := testEvent("C1", "before", base.Add(-2*time.Hour))
	after := testEvent("C1", "after", w.End)
	instant := testEvent("C1", "instant", base)
	instant.End = instant.Start
	other := testEvent("C2", "other", base.Add(2*time.Hour))

	_ = db.ApplyReconciliation(reconcile.Diff{CalendarID: "C1", Inserts: []schema.Event{inside, straddle, before, after, instant}})
	_ = db.ApplyReconciliation(reconcile.Diff{CalendarID: "C2", Inserts: []schema.Event{other}})

	got, err := db.ReadEvents(EventQuery{CalendarID: "C1", Window: w})
	if err != nil {
		t.Fatalf("ReadEvents() failed: %v", err)
	}
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
		if !w.Contains(&e) {
			t.Errorf("event %s outside window returned", e.ID)
		}
	}
	if diff := cmp.Diff([]string{"edge", "instant", "in"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}

	all, _ := db.ReadEvents(EventQuery{Window: w})
	if len(all) != 4 {
		t.Errorf("all calendars in window = %d, want 4", len(all))
	}

	limited, _ := db.ReadEvents(EventQuery{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limited = %d, want 2", len(limited))
	}
}

func TestReadEvents_HidesDanglingRows(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "C1")
	_ = db.ApplyReconciliation(reconcile.Diff{CalendarID: "C1", Inserts: []schema.Event{testEvent("C1", "E1", base)}})

	ctx := context.Background()
	c, err := db.conn.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ExecContext(ctx, "PRAGMA foreign_keys=OFF"); err != nil {
		t.Fatal(err)
	}
	_, err = c.ExecContext(ctx, `INSERT INTO events (calendar_id, id, start_at, end_at) VALUES ('ghost', 'E9', ?, ?)`,
		formatTime(base), formatTime(base.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	_, _ = c.ExecContext(ctx, "PRAGMA foreign_keys=ON")
	_ = c.Close()

	evs, err := db.ReadEvents(EventQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].ID != "E1" {
		t.Errorf("ReadEvents() = %+v, want only E1", evs)
	}
	st, _ := db.Stats(ctx)
	if st.Events != 1 {
		t.Errorf("Stats().Events = %d, want 1", st.Events)
	}
}

// TestReadEvents_NeverTorn reads while a writer flips every event of a
// calendar between two versions. Each read must see one version only.
func TestReadEvents_NeverTorn(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "C1")

	const n = 40
	version := func(v string) []schema.Event {
		evs := make([]schema.Event, n)
		for i := range evs {
			evs[i] = testEvent("C1", fmt.Sprintf("E%02d", i), base.Add(time.Duration(i)*time.Hour))
			evs[i].Subject = v
		}
		return evs
	}
	if err := db.ApplyReconciliation(reconcile.Diff{CalendarID: "C1", Inserts: version("A")}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for i := 0; i < 30; i++ {
			v := "A"
			if i%2 == 0 {
				v = "B"
			}
			if err := db.ApplyReconciliation(reconcile.Diff{CalendarID: "C1", Updates: version(v)}); err != nil {
				t.Errorf("ApplyReconciliation() failed: %v", err)
				return
			}
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				evs, err := db.ReadEvents(EventQuery{CalendarID: "C1"})
				if err != nil {
					t.Errorf("ReadEvents() failed: %v", err)
					return
				}
				if len(evs) != n {
					t.Errorf("read %d events, want %d", len(evs), n)
					return
				}
				for _, e := range evs[1:] {
					if e.Subject != evs[0].Subject {
						t.Errorf("torn read: %q and %q in one snapshot", evs[0].Subject, e.Subject)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestSyncState_Persisted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	st, err := db.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState() failed: %v", err)
	}
	if !st.LastSuccessfulSyncAt.IsZero() || st.LastError != "" {
		t.Errorf("fresh state = %+v, want zero", st)
	}

	if err := db.SaveSyncState(ctx, schema.SyncState{LastSuccessfulSyncAt: base, InProgress: true}); err != nil {
		t.Fatal(err)
	}
	// A failed cycle keeps the previous success time.
	if err := db.SaveSyncState(ctx, schema.SyncState{LastError: "C2: boom"}); err != nil {
		t.Fatal(err)
	}

	st, _ = db.LoadSyncState(ctx)
	if !st.LastSuccessfulSyncAt.Equal(base) {
		t.Errorf("LastSuccessfulSyncAt = %v, want %v", st.LastSuccessfulSyncAt, base)
	}
	if st.LastError != "C2: boom" {
		t.Errorf("LastError = %q", st.LastError)
	}
	if st.InProgress {
		t.Error("InProgress persisted")
	}
}

func TestRecordCycle_TrimsHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < cycleHistory+5; i++ {
		r := CycleRecord{
			ID:         fmt.Sprintf("cycle-%03d", i),
			Trigger:    "scheduled",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			Inserted:   i,
		}
		if err := db.RecordCycle(ctx, r); err != nil {
			t.Fatalf("RecordCycle() failed: %v", err)
		}
	}

	recent, err := db.RecentCycles(ctx, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != cycleHistory {
		t.Errorf("history = %d rows, want %d", len(recent), cycleHistory)
	}
	if recent[0].ID != fmt.Sprintf("cycle-%03d", cycleHistory+4) {
		t.Errorf("newest = %s", recent[0].ID)
	}
}

func TestAcquireWriter(t *testing.T) {
	db := openTestDB(t)

	w, err := db.AcquireWriter()
	if err != nil {
		t.Fatalf("AcquireWriter() failed: %v", err)
	}
	if _, err := db.AcquireWriter(); !errors.Is(err, lock.ErrLocked) {
		t.Errorf("second AcquireWriter() = %v, want ErrLocked", err)
	}
	_ = w.Unlock()
}

func TestStats(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, "C1", "C2")
	_ = db.ApplyReconciliation(reconcile.Diff{CalendarID: "C1", Inserts: []schema.Event{testEvent("C1", "E1", base)}})

	st, err := db.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Calendars != 2 || st.Events != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.SizeBytes == 0 {
		t.Error("SizeBytes = 0")
	}
}
