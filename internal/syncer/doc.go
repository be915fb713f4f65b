// Package syncer drives synchronization cycles between the remote calendar
// service and the local replica.
//
// # Cycle
//
//	Session ──credential──▶ Fetcher ──calendars──▶ replica.ReplaceCalendars
//	                            │
//	                            └──events per calendar──▶ reconcile.ComputeDiff
//	                                                          │
//	                                                          ▼
//	                                            replica.ApplyReconciliation
//
// ReplaceCalendars always happens before any ApplyReconciliation of the same
// cycle, so events are never reconciled against a removed calendar.
//
// # Failures
//
// A failing calendar list fails the cycle. A failing calendar is recorded
// and skipped; the others still sync. A replica error or a session that
// needs an interactive login aborts the cycle. The replica keeps its last
// committed snapshot in every case.
//
// Retry policy per remote call:
//
//	Unauthorized  report to the session, fetch a fresh credential, retry once
//	Transient     exponential backoff, at most MaxAttempts attempts
//	Permanent     no retry
//
// # Concurrency
//
// Cycles never overlap. Inside a process a second RunCycle returns a
// coalesced Outcome immediately; across processes the replica's writer lock
// does the same.
//
// Usage:
//
//	s, err := syncer.New(db, session, graph.New(), syncer.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	out := s.RunCycle(ctx, syncer.Manual)
//	fmt.Println(out.Summary())
package syncer
