package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/outcal/internal/schema"
)

// Wire types for the Graph calendar endpoints. Only the selected fields are
// declared.

type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type apiCalendar struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Only the owner of a calendar can share it.
	CanShare bool `json:"canShare"`
}

type apiDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type apiEmail struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type apiEvent struct {
	ID       string      `json:"id"`
	Subject  string      `json:"subject"`
	Start    apiDateTime `json:"start"`
	End      apiDateTime `json:"end"`
	IsAllDay bool        `json:"isAllDay"`
	Location *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Organizer *struct {
		EmailAddress apiEmail `json:"emailAddress"`
	} `json:"organizer"`
	Attendees []struct {
		EmailAddress apiEmail `json:"emailAddress"`
	} `json:"attendees"`
	Body *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

// dateTimeLayout is Graph's dateTimeTimeZone format: no offset, up to seven
// fractional digits.
const dateTimeLayout = "2006-01-02T15:04:05.9999999"

func parseDateTime(dt apiDateTime) (time.Time, error) {
	loc := time.UTC
	if tz := dt.TimeZone; tz != "" && !strings.EqualFold(tz, "UTC") {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown time zone %q: %w", tz, err)
		}
		loc = l
	}
	t, err := time.ParseInLocation(dateTimeLayout, dt.DateTime, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid dateTime %q: %w", dt.DateTime, err)
	}
	return t.UTC(), nil
}

func (c apiCalendar) toSchema() (schema.Calendar, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = c.ID
	}
	cal := schema.NewCalendar(c.ID, name, c.CanShare)
	return cal, cal.Validate()
}

func (e apiEvent) toSchema(calendarID string) (schema.Event, error) {
	ev := schema.Event{
		ID:         e.ID,
		CalendarID: calendarID,
		Subject:    e.Subject,
		AllDay:     e.IsAllDay,
	}

	var err error
	if ev.Start, err = parseDateTime(e.Start); err != nil {
		return ev, fmt.Errorf("event %s start: %w", e.ID, err)
	}
	if ev.End, err = parseDateTime(e.End); err != nil {
		return ev, fmt.Errorf("event %s end: %w", e.ID, err)
	}
	if e.LastModifiedDateTime != "" {
		if ev.LastModified, err = time.Parse(time.RFC3339Nano, e.LastModifiedDateTime); err != nil {
			return ev, fmt.Errorf("event %s lastModifiedDateTime: %w", e.ID, err)
		}
		ev.LastModified = ev.LastModified.UTC()
	}

	if e.Location != nil {
		ev.Location = e.Location.DisplayName
	}
	if e.Organizer != nil {
		ev.Organizer = schema.Attendee(e.Organizer.EmailAddress).String()
	}
	for _, a := range e.Attendees {
		ev.Attendees = append(ev.Attendees, schema.Attendee(a.EmailAddress))
	}
	if e.Body != nil {
		ev.Body = schema.Body{
			Type:    schema.BodyType(strings.ToLower(e.Body.ContentType)),
			Content: e.Body.Content,
		}
	}

	return ev, ev.Validate()
}
