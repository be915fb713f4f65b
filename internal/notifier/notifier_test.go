package notifier

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/outcal/internal/reconcile"
	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/schema"
)

var now = time.Date(2026, 3, 12, 8, 50, 0, 0, time.UTC)

type fakeSender struct {
	mu   sync.Mutex
	sent []Reminder
	err  error
}

func (f *fakeSender) Send(_ context.Context, r Reminder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, r)
	return nil
}

func (f *fakeSender) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, r := range f.sent {
		ids = append(ids, r.Event.ID)
	}
	return ids
}

// fakeSource returns a fixed event list, ignoring the window.
type fakeSource struct {
	events []schema.Event
	err    error
}

func (f *fakeSource) ReadEventsContext(context.Context, replica.EventQuery) ([]schema.Event, error) {
	return f.events, f.err
}

func event(id string, start time.Time) schema.Event {
	return schema.Event{
		ID: id, CalendarID: "C1", Subject: "Subject " + id,
		Start: start, End: start.Add(30 * time.Minute),
	}
}

func seed(t *testing.T, events ...schema.Event) *replica.DB {
	t.Helper()
	ctx := context.Background()
	db, err := replica.OpenContext(ctx, replica.Path(t.TempDir()))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.ReplaceCalendarsContext(ctx, []schema.Calendar{schema.NewCalendar("C1", "Work", true)}); err != nil {
		t.Fatal(err)
	}
	if err := db.ApplyReconciliationContext(ctx, reconcile.Diff{CalendarID: "C1", Inserts: events}); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestNew_Validation(t *testing.T) {
	src := &fakeSource{}
	if _, err := New(nil, &fakeSender{}, Config{Lead: time.Minute}); err == nil {
		t.Error("New() accepted nil source")
	}
	if _, err := New(src, nil, Config{Lead: time.Minute}); err == nil {
		t.Error("New() accepted nil sender")
	}
	if _, err := New(src, &fakeSender{}, Config{}); err == nil {
		t.Error("New() accepted zero lead")
	}
}

func TestCheck_AnnouncesUpcomingFromReplica(t *testing.T) {
	allDay := schema.Event{
		ID: "ALLDAY", CalendarID: "C1", Subject: "Holiday", AllDay: true,
		Start: time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC),
	}
	db := seed(t,
		event("RUNNING", now.Add(-10*time.Minute)),
		event("SOON", now.Add(10*time.Minute)),
		event("EDGE", now.Add(15*time.Minute)),
		event("LATER", now.Add(16*time.Minute)),
		allDay,
	)
	sender := &fakeSender{}
	n, err := New(db, sender, Config{Lead: 15 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	sent, err := n.Check(context.Background(), now)
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	if got, want := sender.ids(), []string{"SOON", "EDGE"}; !slices.Equal(got, want) {
		t.Errorf("announced = %v, want %v", got, want)
	}
}

func TestCheck_DedupesPerEvent(t *testing.T) {
	db := seed(t, event("E1", now.Add(10*time.Minute)))
	sender := &fakeSender{}
	n, _ := New(db, sender, Config{Lead: 15 * time.Minute})

	for i := 0; i < 3; i++ {
		if _, err := n.Check(context.Background(), now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	if got := sender.ids(); len(got) != 1 {
		t.Errorf("announced = %v, want one reminder", got)
	}
}

func TestCheck_MovedEventIsAnnouncedAgain(t *testing.T) {
	src := &fakeSource{events: []schema.Event{event("E1", now.Add(10*time.Minute))}}
	sender := &fakeSender{}
	n, _ := New(src, sender, Config{Lead: 15 * time.Minute})

	_, _ = n.Check(context.Background(), now)
	src.events = []schema.Event{event("E1", now.Add(12*time.Minute))}
	_, _ = n.Check(context.Background(), now.Add(time.Minute))

	if got := sender.ids(); !slices.Equal(got, []string{"E1", "E1"}) {
		t.Errorf("announced = %v, want E1 twice", got)
	}
}

func TestCheck_FailedSendRetries(t *testing.T) {
	src := &fakeSource{events: []schema.Event{event("E1", now.Add(10*time.Minute))}}
	sender := &fakeSender{err: errors.New("no display")}
	n, _ := New(src, sender, Config{Lead: 15 * time.Minute})

	if sent, err := n.Check(context.Background(), now); err != nil || sent != 0 {
		t.Fatalf("Check() = %d, %v; want 0, nil", sent, err)
	}
	sender.err = nil
	if sent, _ := n.Check(context.Background(), now.Add(time.Minute)); sent != 1 {
		t.Errorf("sent after recovery = %d, want 1", sent)
	}
}

func TestCheck_ReadError(t *testing.T) {
	n, _ := New(&fakeSource{err: errors.New("database is closed")}, &fakeSender{}, Config{Lead: time.Minute})
	if _, err := n.Check(context.Background(), now); err == nil || !strings.Contains(err.Error(), "upcoming events") {
		t.Errorf("err = %v", err)
	}
}

func TestReminder_Text(t *testing.T) {
	ev := event("E1", now.Add(10*time.Minute))
	ev.Subject = "Standup"
	ev.Location = "Room 4"

	tests := []struct {
		until time.Duration
		title string
	}{
		{10 * time.Minute, "Standup in 10 minutes"},
		{9*time.Minute + 30*time.Second, "Standup in 10 minutes"},
		{time.Minute, "Standup in 1 minute"},
		{0, "Standup starting now"},
	}
	for _, tt := range tests {
		r := Reminder{Event: ev, Until: tt.until}
		if got := r.Title(); got != tt.title {
			t.Errorf("Title(%v) = %q, want %q", tt.until, got, tt.title)
		}
	}

	body := Reminder{Event: ev}.Body()
	if !strings.HasPrefix(body, "Starting at ") || !strings.HasSuffix(body, "\nRoom 4") {
		t.Errorf("Body() = %q", body)
	}
}

func TestDesktopArgs(t *testing.T) {
	r := Reminder{Event: event("E1", now), Until: 3 * time.Minute}
	args := desktopArgs("outcal", r)
	if args[0] != "--app-name=outcal" || args[1] != "--urgency=normal" {
		t.Errorf("args = %v", args)
	}
	if args[len(args)-2] != r.Title() || args[len(args)-1] != r.Body() {
		t.Errorf("args = %v", args)
	}

	for until, want := range map[time.Duration]string{
		30 * time.Second: "critical",
		5 * time.Minute:  "normal",
		15 * time.Minute: "low",
	} {
		if got := urgency(until); got != want {
			t.Errorf("urgency(%v) = %q, want %q", until, got, want)
		}
	}
}
