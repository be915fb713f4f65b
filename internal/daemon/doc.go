// Package daemon runs sync cycles in the background.
//
// The daemon:
//  1. Runs one cycle at startup
//  2. Schedules cycles every refresh interval
//  3. Accepts manual sync requests (RequestSync, SIGUSR1, dashboard)
//  4. Reschedules when the config file changes
//
// A single worker goroutine executes cycles, so two never overlap. Requests
// that arrive while a cycle runs collapse into one pending cycle.
package daemon
