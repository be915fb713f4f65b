package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mschirtzinger/outcal/internal/syncer"
)

// Runner executes one sync cycle.
type Runner interface {
	RunCycle(ctx context.Context, trigger syncer.Trigger) syncer.Outcome
}

// ReminderChecker announces events that start soon.
type ReminderChecker interface {
	Check(ctx context.Context, now time.Time) (int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval between scheduled cycles.
	Interval time.Duration

	// ConfigFile is watched for changes when non-empty.
	ConfigFile string

	// Reload re-reads configuration after ConfigFile changed and returns
	// the new interval.
	Reload func() (time.Duration, error)

	// DebounceInterval batches rapid config writes.
	DebounceInterval time.Duration

	// SkipInitial disables the startup cycle.
	SkipInitial bool

	// Reminders, when set, is checked every ReminderInterval.
	Reminders        ReminderChecker
	ReminderInterval time.Duration

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         5 * time.Minute,
		DebounceInterval: 250 * time.Millisecond,
		ReminderInterval: time.Minute,
		Logger:           log.New(io.Discard, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules and serializes sync cycles.
type Daemon struct {
	runner Runner
	config *Config

	cron     *cron.Cron
	entry    cron.EntryID
	interval time.Duration
	schedMu  sync.Mutex

	// ===== Pending request =====
	pendingMu sync.Mutex
	pending   syncer.Trigger // empty when nothing is queued
	wake      chan struct{}

	watcher *ConfigWatcher

	// OnOutcome, when set, is called by the worker after every cycle. Set it
	// before Start.
	OnOutcome func(syncer.Outcome)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a daemon with default configuration.
func New(runner Runner) (*Daemon, error) {
	return NewWithConfig(runner, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(runner Runner, config *Config) (*Daemon, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.ReminderInterval <= 0 {
		config.ReminderInterval = DefaultConfig().ReminderInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		runner:   runner,
		config:   config,
		cron:     cron.New(cron.WithLogger(cron.PrintfLogger(config.Logger))),
		interval: config.Interval,
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins scheduling and blocks until ctx is cancelled or Stop is
// called. A cycle in progress at shutdown sees a cancelled context.
func (d *Daemon) Start(ctx context.Context) error {
	started := false
	d.startOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("daemon already started")
	}

	d.config.Logger.Printf("Starting daemon (interval %s)", d.interval)

	if d.config.ConfigFile != "" {
		w, err := NewConfigWatcher(d.config.ConfigFile, d.config.DebounceInterval)
		if err != nil {
			return err
		}
		if err := w.Start(); err != nil {
			_ = w.Stop()
			return err
		}
		d.watcher = w
		d.config.Logger.Printf("Watching: %s", d.config.ConfigFile)
	}

	if err := d.schedule(d.interval); err != nil {
		d.stopWatcher()
		return err
	}
	if err := d.scheduleReminders(); err != nil {
		d.stopWatcher()
		return err
	}
	d.cron.Start()

	d.wg.Add(1)
	go d.work()
	if d.watcher != nil {
		d.wg.Add(1)
		go d.watchConfig()
	}

	if !d.config.SkipInitial {
		d.enqueue(syncer.Scheduled)
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		<-d.cron.Stop().Done()
		d.stopWatcher()
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

func (d *Daemon) stopWatcher() {
	if d.watcher == nil {
		return
	}
	if err := d.watcher.Stop(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}
}

// RequestSync asks for a manual cycle. It never blocks. When a request is
// already pending the two collapse into one.
func (d *Daemon) RequestSync() {
	d.enqueue(syncer.Manual)
}

// Interval returns the current scheduling period.
func (d *Daemon) Interval() time.Duration {
	d.schedMu.Lock()
	defer d.schedMu.Unlock()
	return d.interval
}

// Reschedule replaces the periodic schedule.
func (d *Daemon) Reschedule(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", interval)
	}
	return d.schedule(interval)
}

func (d *Daemon) schedule(interval time.Duration) error {
	d.schedMu.Lock()
	defer d.schedMu.Unlock()

	if d.entry != 0 {
		d.cron.Remove(d.entry)
		d.entry = 0
	}
	id, err := d.cron.AddFunc("@every "+interval.String(), func() {
		d.enqueue(syncer.Scheduled)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	d.entry = id
	d.interval = interval
	return nil
}

// scheduleReminders runs reminder checks beside sync cycles. They only read
// the replica, so they do not go through the worker; a slow check is skipped
// rather than stacked.
func (d *Daemon) scheduleReminders() error {
	if d.config.Reminders == nil {
		return nil
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(d.config.Logger))).
		Then(cron.FuncJob(d.checkReminders))
	if _, err := d.cron.AddJob("@every "+d.config.ReminderInterval.String(), job); err != nil {
		return fmt.Errorf("failed to schedule reminders: %w", err)
	}
	return nil
}

func (d *Daemon) checkReminders() {
	n, err := d.config.Reminders.Check(d.ctx, time.Now())
	if err != nil {
		d.config.Logger.Printf("Reminder check failed: %v", err)
		return
	}
	if n > 0 {
		d.config.Logger.Printf("Sent %d reminder(s)", n)
	}
}

// enqueue records a pending trigger. Manual wins over scheduled so the
// cycle is attributed to the user request.
func (d *Daemon) enqueue(t syncer.Trigger) {
	d.pendingMu.Lock()
	switch {
	case d.pending == "":
		d.pending = t
	case t == syncer.Manual:
		d.pending = t
		d.config.Logger.Printf("Coalesced %s request into pending cycle", t)
	default:
		d.config.Logger.Printf("Coalesced %s request into pending cycle", t)
	}
	d.pendingMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Daemon) take() syncer.Trigger {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	t := d.pending
	d.pending = ""
	return t
}

// work is the only goroutine that runs cycles.
func (d *Daemon) work() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wake:
		}

		t := d.take()
		if t == "" {
			continue
		}
		out := d.runner.RunCycle(d.ctx, t)
		d.config.Logger.Printf("Cycle %s", out.Summary())
		if d.OnOutcome != nil {
			d.OnOutcome(out)
		}
	}
}

// watchConfig reloads configuration after the watched file settles.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			d.reload()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) reload() {
	if d.config.Reload == nil {
		return
	}
	interval, err := d.config.Reload()
	if err != nil {
		d.config.Logger.Printf("Config reload failed, keeping current settings: %v", err)
		return
	}
	if interval == d.Interval() {
		return
	}
	if err := d.Reschedule(interval); err != nil {
		d.config.Logger.Printf("Reschedule failed: %v", err)
		return
	}
	d.config.Logger.Printf("Rescheduled sync every %s", interval)
}
