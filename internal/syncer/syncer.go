package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/outcal/internal/graph"
	"github.com/mschirtzinger/outcal/internal/lock"
	"github.com/mschirtzinger/outcal/internal/metrics"
	"github.com/mschirtzinger/outcal/internal/reconcile"
	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/schema"
)

// Trigger says why a cycle ran.
type Trigger string

const (
	Manual    Trigger = "manual"
	Scheduled Trigger = "scheduled"
)

// Session produces bearer credentials. *auth.Manager implements it.
type Session interface {
	EnsureValidCredential(ctx context.Context) (schema.Credential, error)
	ReportUnauthorized()
}

// Fetcher reads the remote service. *graph.Client implements it.
type Fetcher interface {
	FetchAllCalendars(ctx context.Context, cred schema.Credential) ([]schema.Calendar, error)
	FetchAllEvents(ctx context.Context, cred schema.Credential, calendarID string, window schema.Window) ([]schema.Event, error)
}

// Syncer runs sync cycles and publishes their results.
type Syncer interface {
	// RunCycle performs one cycle and returns its outcome. It never
	// panics and never returns with InProgress set.
	RunCycle(ctx context.Context, trigger Trigger) Outcome

	// State returns a copy of the current sync state.
	State() schema.SyncState

	// Notifications delivers one Notification per finished cycle. Slow
	// consumers miss notifications rather than stall cycles.
	Notifications() <-chan Notification
}

// Config holds the cycle parameters.
type Config struct {
	// MonthsBack and MonthsAhead size the rolling event window.
	MonthsBack  int
	MonthsAhead int

	// MaxAttempts bounds attempts per remote call on transient errors.
	MaxAttempts int

	// InitialBackoff doubles after each transient failure, up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MonthsBack:     1,
		MonthsAhead:    3,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
	}
}

// Window returns the rolling window for now.
func (c Config) Window(now time.Time) schema.Window {
	return schema.RollingWindow(now, c.MonthsBack, c.MonthsAhead)
}

// CalendarFailure records one calendar that did not sync.
type CalendarFailure struct {
	CalendarID string
	Name       string
	Err        error
}

func (f CalendarFailure) String() string {
	if f.Name != "" && f.Name != f.CalendarID {
		return fmt.Sprintf("%s (%s): %v", f.Name, f.CalendarID, f.Err)
	}
	return fmt.Sprintf("%s: %v", f.CalendarID, f.Err)
}

// Outcome is the result of one RunCycle call.
type Outcome struct {
	CycleID    string
	Trigger    Trigger
	StartedAt  time.Time
	FinishedAt time.Time

	Calendars int
	Inserted  int
	Updated   int
	Deleted   int

	// Failures lists calendars that were skipped.
	Failures []CalendarFailure

	// Err is set when the cycle as a whole failed.
	Err error

	// Coalesced is set when another cycle was already running and this
	// request did nothing.
	Coalesced bool
}

// OK reports whether the cycle ran and every calendar synced.
func (o Outcome) OK() bool {
	return !o.Coalesced && o.Err == nil && len(o.Failures) == 0
}

// Result labels the outcome for logs and metrics.
func (o Outcome) Result() string {
	switch {
	case o.Coalesced:
		return "coalesced"
	case o.Err != nil:
		return "failed"
	case len(o.Failures) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// ErrorText is the user-facing error summary, empty on success.
func (o Outcome) ErrorText() string {
	var parts []string
	if o.Err != nil {
		parts = append(parts, o.Err.Error())
	}
	for _, f := range o.Failures {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "; ")
}

// Summary is a one-line description of the outcome.
func (o Outcome) Summary() string {
	if o.Coalesced {
		return "sync already in progress"
	}
	s := fmt.Sprintf("%s sync: %d calendars, +%d ~%d -%d in %s",
		o.Trigger, o.Calendars, o.Inserted, o.Updated, o.Deleted,
		o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond))
	if e := o.ErrorText(); e != "" {
		s += " (" + e + ")"
	}
	return s
}

// Notification is published after every cycle that ran.
type Notification struct {
	Outcome Outcome
	State   schema.SyncState
}

// syncer implements the Syncer interface.
type syncer struct {
	db      *replica.DB
	session Session
	fetcher Fetcher
	cfg     Config
	logger  *log.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	running atomic.Bool
	notify  chan Notification

	mu    sync.Mutex
	state schema.SyncState
}

// Option configures a Syncer.
type Option func(*syncer)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *syncer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *syncer) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// New creates a Syncer. The initial state comes from the replica's
// persisted sync metadata.
func New(db *replica.DB, session Session, fetcher Fetcher, cfg Config, opts ...Option) (Syncer, error) {
	if db == nil || session == nil || fetcher == nil {
		return nil, fmt.Errorf("syncer requires a replica, a session and a fetcher")
	}
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.MonthsBack < 0 || cfg.MonthsAhead < 0 {
		return nil, fmt.Errorf("sync window months must not be negative")
	}

	s := &syncer{
		db:      db,
		session: session,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  log.New(io.Discard, "[sync] ", log.LstdFlags),
		now:     time.Now,
		sleep:   sleepContext,
		notify:  make(chan Notification, 16),
	}
	for _, opt := range opts {
		opt(s)
	}

	st, err := db.LoadSyncState(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	s.state = st
	return s, nil
}

// State implements Syncer.State.
func (s *syncer) State() schema.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Notifications implements Syncer.Notifications.
func (s *syncer) Notifications() <-chan Notification {
	return s.notify
}

// RunCycle implements Syncer.RunCycle.
func (s *syncer) RunCycle(ctx context.Context, trigger Trigger) Outcome {
	out := Outcome{
		CycleID:   uuid.NewString(),
		Trigger:   trigger,
		StartedAt: s.now(),
	}

	if !s.running.CompareAndSwap(false, true) {
		s.logger.Printf("%s sync requested while a cycle is running, coalesced", trigger)
		return s.coalesced(out)
	}
	defer s.running.Store(false)

	w, err := s.db.AcquireWriter()
	if errors.Is(err, lock.ErrLocked) {
		s.logger.Printf("replica is being synced by another process, coalesced")
		return s.coalesced(out)
	}
	if err != nil {
		out.Err = fmt.Errorf("failed to acquire writer lock: %w", err)
		return s.finish(ctx, out)
	}
	defer func() {
		if err := w.Unlock(); err != nil {
			s.logger.Printf("Warning: %v", err)
		}
	}()

	s.setInProgress(true)
	s.logger.Printf("cycle %s (%s) started", out.CycleID, trigger)

	s.run(ctx, &out)
	return s.finish(ctx, out)
}

func (s *syncer) run(ctx context.Context, out *Outcome) {
	window := s.cfg.Window(out.StartedAt)

	var cals []schema.Calendar
	err := s.withRetry(ctx, "list calendars", func(cred schema.Credential) error {
		var err error
		cals, err = s.fetcher.FetchAllCalendars(ctx, cred)
		return err
	})
	if err != nil {
		out.Err = fmt.Errorf("failed to fetch calendars: %w", err)
		return
	}

	if err := s.db.ReplaceCalendarsContext(ctx, cals); err != nil {
		out.Err = err
		return
	}
	out.Calendars = len(cals)

	for _, cal := range cals {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return
		}

		var remote []schema.Event
		err := s.withRetry(ctx, "list events "+cal.ID, func(cred schema.Credential) error {
			var err error
			remote, err = s.fetcher.FetchAllEvents(ctx, cred, cal.ID, window)
			return err
		})
		if err != nil {
			if graph.KindOf(err) == 0 {
				// Session or context failure: no other calendar can do better.
				out.Err = err
				return
			}
			s.logger.Printf("WARNING: calendar %s skipped: %v", cal.ID, err)
			out.Failures = append(out.Failures, CalendarFailure{CalendarID: cal.ID, Name: cal.Name, Err: err})
			continue
		}

		local, err := s.db.ReadEventsContext(ctx, replica.EventQuery{CalendarID: cal.ID, Window: window})
		if err != nil {
			out.Err = err
			return
		}

		d := reconcile.ComputeDiff(cal.ID, local, remote, window)
		if err := s.db.ApplyReconciliationContext(ctx, d); err != nil {
			out.Err = err
			return
		}

		out.Inserted += len(d.Inserts)
		out.Updated += len(d.Updates)
		out.Deleted += len(d.Deletes)
		metrics.AddReconcileChanges(len(d.Inserts), len(d.Updates), len(d.Deletes))

		if !d.Empty() {
			s.logger.Printf("calendar %s: +%d ~%d -%d", cal.ID, len(d.Inserts), len(d.Updates), len(d.Deletes))
		}
	}
}

// withRetry runs fn with a fresh credential, applying the retry policy for
// FetchError kinds. Errors from the session are returned as-is.
func (s *syncer) withRetry(ctx context.Context, op string, fn func(cred schema.Credential) error) error {
	backoff := s.cfg.InitialBackoff
	transient := 0
	authRetried := false

	for {
		cred, err := s.session.EnsureValidCredential(ctx)
		if err != nil {
			return err
		}

		err = fn(cred)
		switch graph.KindOf(err) {
		case 0:
			return err
		case graph.Unauthorized:
			if authRetried {
				return err
			}
			authRetried = true
			s.session.ReportUnauthorized()
			s.logger.Printf("%s: unauthorized, retrying with a fresh credential", op)
		case graph.Transient:
			transient++
			if transient >= s.cfg.MaxAttempts {
				return err
			}
			delay := max(backoff, graph.RetryAfter(err))
			delay = min(delay, s.cfg.MaxBackoff)
			s.logger.Printf("%s: attempt %d/%d failed, retrying in %s: %v", op, transient, s.cfg.MaxAttempts, delay, err)
			if serr := s.sleep(ctx, delay); serr != nil {
				return serr
			}
			backoff = min(backoff*2, s.cfg.MaxBackoff)
		default:
			return err
		}
	}
}

func (s *syncer) setInProgress(v bool) {
	s.mu.Lock()
	s.state.InProgress = v
	s.mu.Unlock()
}

func (s *syncer) coalesced(out Outcome) Outcome {
	out.Coalesced = true
	out.FinishedAt = s.now()
	metrics.ObserveCycle(string(out.Trigger), out.Result(), 0)
	return out
}

// finish clears InProgress, persists the sync metadata and publishes the
// outcome.
func (s *syncer) finish(ctx context.Context, out Outcome) Outcome {
	out.FinishedAt = s.now()

	s.mu.Lock()
	st := s.state
	st.InProgress = false
	if out.OK() {
		st.LastSuccessfulSyncAt = out.FinishedAt
		st.LastError = ""
	} else {
		st.LastError = out.ErrorText()
	}
	s.state = st
	s.mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	if err := s.db.SaveSyncState(persistCtx, st); err != nil {
		s.logger.Printf("Warning: failed to persist sync state: %v", err)
	}
	rec := replica.CycleRecord{
		ID:              out.CycleID,
		Trigger:         string(out.Trigger),
		StartedAt:       out.StartedAt,
		FinishedAt:      out.FinishedAt,
		Inserted:        out.Inserted,
		Updated:         out.Updated,
		Deleted:         out.Deleted,
		FailedCalendars: len(out.Failures),
		Error:           out.ErrorText(),
	}
	if err := s.db.RecordCycle(persistCtx, rec); err != nil {
		s.logger.Printf("Warning: failed to record cycle: %v", err)
	}

	metrics.ObserveCycle(string(out.Trigger), out.Result(), out.FinishedAt.Sub(out.StartedAt))
	if out.OK() {
		metrics.SetLastSuccessfulSync(out.FinishedAt)
	}
	s.logger.Printf("cycle %s finished: %s", out.CycleID, out.Summary())

	select {
	case s.notify <- Notification{Outcome: out, State: st}:
	default:
		s.logger.Printf("notification channel full, dropping cycle %s", out.CycleID)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
