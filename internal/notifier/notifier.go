// Package notifier sends desktop reminders for events that start soon.
//
// Reminders are read from the local replica, so they keep working while
// the network is down. Each event is announced once per start time; an
// event moved to a new start time is announced again.
package notifier

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/schema"
)

// EventSource reads events from the replica.
type EventSource interface {
	ReadEventsContext(ctx context.Context, q replica.EventQuery) ([]schema.Event, error)
}

// Reminder is one upcoming event to announce.
type Reminder struct {
	Event schema.Event
	// Until is the time left before the event starts.
	Until time.Duration
}

// Title is the notification summary line.
func (r Reminder) Title() string {
	mins := int((r.Until + time.Minute - 1) / time.Minute)
	if mins <= 0 {
		return r.Event.Subject + " starting now"
	}
	if mins == 1 {
		return r.Event.Subject + " in 1 minute"
	}
	return fmt.Sprintf("%s in %d minutes", r.Event.Subject, mins)
}

// Body is the notification text: local start time and location.
func (r Reminder) Body() string {
	body := "Starting at " + r.Event.Start.Local().Format("15:04")
	if r.Event.Location != "" {
		body += "\n" + r.Event.Location
	}
	return body
}

// Sender delivers a reminder to the user.
type Sender interface {
	Send(ctx context.Context, r Reminder) error
}

// Config configures a Notifier.
type Config struct {
	// Lead is how far ahead events are announced.
	Lead time.Duration

	Logger *log.Logger
}

// Notifier announces events starting within the lead time. It is safe for
// concurrent use.
type Notifier struct {
	source EventSource
	sender Sender
	lead   time.Duration
	logger *log.Logger

	mu       sync.Mutex
	notified map[schema.Key]time.Time // start time announced
}

// New returns a Notifier.
func New(source EventSource, sender Sender, cfg Config) (*Notifier, error) {
	if source == nil || sender == nil {
		return nil, fmt.Errorf("event source and sender are required")
	}
	if cfg.Lead <= 0 {
		return nil, fmt.Errorf("lead must be positive, got %v", cfg.Lead)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "[notifier] ", log.LstdFlags)
	}
	return &Notifier{
		source:   source,
		sender:   sender,
		lead:     cfg.Lead,
		logger:   logger,
		notified: make(map[schema.Key]time.Time),
	}, nil
}

// Check announces every timed event starting in (now, now+lead] that has
// not been announced yet, and returns how many reminders were sent. A
// failed send is logged and retried on the next check.
func (n *Notifier) Check(ctx context.Context, now time.Time) (int, error) {
	horizon := now.Add(n.lead)
	events, err := n.source.ReadEventsContext(ctx, replica.EventQuery{
		Window: schema.Window{Start: now, End: horizon.Add(time.Second)},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read upcoming events: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })

	n.mu.Lock()
	defer n.mu.Unlock()

	for k, start := range n.notified {
		if !start.After(now) {
			delete(n.notified, k)
		}
	}

	sent := 0
	for _, ev := range events {
		if ev.AllDay || !ev.Start.After(now) || ev.Start.After(horizon) {
			continue
		}
		key := ev.Key()
		if start, ok := n.notified[key]; ok && start.Equal(ev.Start) {
			continue
		}

		r := Reminder{Event: ev, Until: ev.Start.Sub(now)}
		if err := n.sender.Send(ctx, r); err != nil {
			n.logger.Printf("Warning: failed to send reminder for %s: %v", ev.ID, err)
			continue
		}
		n.notified[key] = ev.Start
		sent++
		n.logger.Printf("Reminder sent: %q at %s", ev.Subject, ev.Start.Format(time.RFC3339))
	}
	return sent, nil
}
