// Package reconcile computes the changes that bring a calendar's local
// events in line with a freshly fetched remote snapshot.
//
// The remote snapshot is always the complete set of events overlapping one
// window. Local rows outside that window are never compared, so a narrower
// fetch can not delete history it did not look at.
package reconcile

import (
	"slices"
	"strings"

	"github.com/mschirtzinger/outcal/internal/schema"
)

// Diff is the set of changes for one calendar.
type Diff struct {
	CalendarID string
	Inserts    []schema.Event
	Updates    []schema.Event
	// Deletes holds event ids within CalendarID.
	Deletes []string
}

// Empty reports whether applying the diff would change nothing.
func (d Diff) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Count returns the total number of changes.
func (d Diff) Count() int {
	return len(d.Inserts) + len(d.Updates) + len(d.Deletes)
}

// ComputeDiff compares local against remote for calendarID within window.
//
// Matching is by event id. Remote events absent locally are inserts; events
// present on both sides are updates when last_modified differs, or, when
// either side has no last_modified, when any field differs. Local events
// overlapping the window but absent remotely are deletes. Local events for
// other calendars or outside the window are ignored.
//
// Remote events are stamped with calendarID. A duplicated remote id keeps
// the last occurrence. Output slices are sorted by id so the result is
// stable across runs.
func ComputeDiff(calendarID string, local, remote []schema.Event, window schema.Window) Diff {
	d := Diff{CalendarID: calendarID}

	localByID := make(map[string]*schema.Event, len(local))
	for i := range local {
		ev := &local[i]
		if ev.CalendarID != calendarID {
			continue
		}
		if !window.IsZero() && !window.Contains(ev) {
			continue
		}
		localByID[ev.ID] = ev
	}

	remoteByID := make(map[string]schema.Event, len(remote))
	for _, ev := range remote {
		ev.CalendarID = calendarID
		remoteByID[ev.ID] = ev
	}

	for id, rev := range remoteByID {
		lev, ok := localByID[id]
		switch {
		case !ok:
			d.Inserts = append(d.Inserts, rev)
		case changed(lev, &rev):
			d.Updates = append(d.Updates, rev)
		}
	}

	for id := range localByID {
		if _, ok := remoteByID[id]; !ok {
			d.Deletes = append(d.Deletes, id)
		}
	}

	byID := func(a, b schema.Event) int { return strings.Compare(a.ID, b.ID) }
	slices.SortFunc(d.Inserts, byID)
	slices.SortFunc(d.Updates, byID)
	slices.Sort(d.Deletes)

	return d
}

func changed(local, remote *schema.Event) bool {
	if local.LastModified.IsZero() || remote.LastModified.IsZero() {
		return !local.Equal(remote)
	}
	return !local.LastModified.Equal(remote.LastModified)
}
