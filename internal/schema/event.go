package schema

import (
	"fmt"
	"slices"
	"time"
)

// BodyType distinguishes plain text from HTML bodies.
type BodyType string

const (
	BodyText BodyType = "text"
	BodyHTML BodyType = "html"
)

// Body is the event description as delivered by the remote service.
type Body struct {
	Type    BodyType `json:"type" yaml:"type"`
	Content string   `json:"content" yaml:"content"`
}

// Attendee is one entry of an event's attendee list.
type Attendee struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Address string `json:"address" yaml:"address"`
}

// String formats the attendee the way mail clients do.
func (a Attendee) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// Event is one calendar entry. Start and End are stored in UTC; all-day
// events span whole days starting at midnight UTC.
type Event struct {
	// ===== Identity =====
	ID         string `json:"id" yaml:"id"`
	CalendarID string `json:"calendar_id" yaml:"calendar_id"`

	// ===== Content =====
	Subject   string     `json:"subject" yaml:"subject"`
	Location  string     `json:"location,omitempty" yaml:"location,omitempty"`
	Organizer string     `json:"organizer,omitempty" yaml:"organizer,omitempty"`
	Attendees []Attendee `json:"attendees,omitempty" yaml:"attendees,omitempty"`
	Body      Body       `json:"body" yaml:"body"`

	// ===== Timing =====
	Start  time.Time `json:"start" yaml:"start"`
	End    time.Time `json:"end" yaml:"end"`
	AllDay bool      `json:"all_day" yaml:"all_day"`

	// LastModified is zero when the remote service did not report it.
	LastModified time.Time `json:"last_modified,omitzero" yaml:"last_modified,omitempty"`
}

// Key identifies the event inside the replica.
type Key struct {
	CalendarID string
	ID         string
}

// Key returns the replica key of the event.
func (e *Event) Key() Key {
	return Key{CalendarID: e.CalendarID, ID: e.ID}
}

// Validate checks that the event can be stored.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.CalendarID == "" {
		return fmt.Errorf("event %s: calendar id is required", e.ID)
	}
	if e.Start.IsZero() {
		return fmt.Errorf("event %s: start is required", e.ID)
	}
	if e.End.Before(e.Start) {
		return fmt.Errorf("event %s: end %s is before start %s", e.ID,
			e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	return nil
}

// Equal reports whether two events carry the same content. Times are compared
// as instants so a location change alone never counts as a difference.
func (e *Event) Equal(o *Event) bool {
	return e.ID == o.ID &&
		e.CalendarID == o.CalendarID &&
		e.Subject == o.Subject &&
		e.Location == o.Location &&
		e.Organizer == o.Organizer &&
		slices.Equal(e.Attendees, o.Attendees) &&
		e.Body == o.Body &&
		e.Start.Equal(o.Start) &&
		e.End.Equal(o.End) &&
		e.AllDay == o.AllDay &&
		e.LastModified.Equal(o.LastModified)
}

// Duration returns End - Start.
func (e *Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}
