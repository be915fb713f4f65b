// Package schema defines the data model shared by the outcal sync engine.
//
// # Overview
//
// The remote calendaring service is authoritative. Calendars and events are
// fetched from it, reconciled into the local replica, and read back by the
// terminal UI. Nothing in this package performs I/O.
//
// # Identity
//
// A Calendar is identified by its remote id. An Event is identified by the
// pair (CalendarID, ID): event ids are only stable within their calendar.
//
// # Windows
//
// Event retrieval is bounded by a Window. The same overlap predicate is used
// by the remote query, the replica query and the reconciler, so the set of
// local rows compared against a fetch is exactly the set the fetch could
// have returned:
//
//	w := schema.RollingWindow(time.Now(), 1, 3)
//	if w.Overlaps(ev.Start, ev.End) {
//	    // ev is inside the sync window
//	}
package schema
