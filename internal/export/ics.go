// Package export writes replica contents in iCalendar format.
package export

import (
	"fmt"
	"io"
	"net/mail"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/mschirtzinger/outcal/internal/schema"
)

const ProductID = "-//outcal//outcal//EN"

// ICS writes events as one VCALENDAR. calendars supplies the CATEGORIES
// value per event; events of unknown calendars are still written. UIDs are
// "<id>@<calendar id>" so the same remote id in two calendars stays
// distinct. now stamps DTSTAMP.
func ICS(w io.Writer, calendars []schema.Calendar, events []schema.Event, now time.Time) error {
	names := make(map[string]string, len(calendars))
	for _, c := range calendars {
		names[c.ID] = c.Name
	}

	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName("outcal")

	for i := range events {
		ev := &events[i]
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("failed to export event: %w", err)
		}
		addEvent(cal, ev, names[ev.CalendarID], now.UTC())
	}

	if err := cal.SerializeTo(w); err != nil {
		return fmt.Errorf("failed to write ics: %w", err)
	}
	return nil
}

func addEvent(cal *ical.Calendar, ev *schema.Event, calendarName string, now time.Time) {
	ve := cal.AddEvent(ev.ID + "@" + ev.CalendarID)
	ve.SetDtStampTime(now)
	if !ev.LastModified.IsZero() {
		ve.SetModifiedAt(ev.LastModified)
	}

	if ev.AllDay {
		ve.SetAllDayStartAt(ev.Start)
		ve.SetAllDayEndAt(ev.End)
	} else {
		ve.SetStartAt(ev.Start)
		ve.SetEndAt(ev.End)
	}

	ve.SetSummary(ev.Subject)
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}
	if ev.Body.Content != "" {
		ve.SetDescription(ev.Body.Content)
	}
	if calendarName != "" {
		ve.SetProperty(ical.ComponentPropertyCategories, calendarName)
	}

	if ev.Organizer != "" {
		if a, err := mail.ParseAddress(ev.Organizer); err == nil {
			ve.SetOrganizer("mailto:"+a.Address, cnParams(a.Name)...)
		}
	}
	for _, at := range ev.Attendees {
		if at.Address == "" {
			continue
		}
		ve.AddProperty(ical.ComponentPropertyAttendee, "mailto:"+at.Address, cnParams(at.Name)...)
	}
}

func cnParams(name string) []ical.PropertyParameter {
	if name == "" {
		return nil
	}
	return []ical.PropertyParameter{ical.WithCN(name)}
}
