package schema

import (
	"fmt"
	"time"
)

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// RollingWindow returns the window from the first day of the month
// monthsBack months before now to the first day of the month monthsAhead
// months after now's month ends. Boundaries are whole months in UTC so
// repeated cycles within a month use identical windows.
func RollingWindow(now time.Time, monthsBack, monthsAhead int) Window {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Window{
		Start: first.AddDate(0, -monthsBack, 0),
		End:   first.AddDate(0, monthsAhead+1, 0),
	}
}

// Overlaps reports whether [start, end) intersects the window. Zero-length
// events match when their instant lies inside the window.
func (w Window) Overlaps(start, end time.Time) bool {
	if end.Equal(start) {
		return !start.Before(w.Start) && start.Before(w.End)
	}
	return start.Before(w.End) && end.After(w.Start)
}

// Contains reports whether the event lies inside the window.
func (w Window) Contains(e *Event) bool {
	return w.Overlaps(e.Start, e.End)
}

// IsZero reports whether the window is unset. A zero window means "no bound".
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Validate checks that the window is well formed.
func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("window end %s must be after start %s",
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.DateOnly), w.End.Format(time.DateOnly))
}
