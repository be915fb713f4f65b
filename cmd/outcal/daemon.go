package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/outcal/internal/config"
	"github.com/mschirtzinger/outcal/internal/daemon"
	"github.com/mschirtzinger/outcal/internal/dashboard"
	"github.com/mschirtzinger/outcal/internal/notifier"
	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/syncer"
	"github.com/mschirtzinger/outcal/internal/ui"
)

var (
	daemonDashboard bool
	daemonAddr      string
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync in the background",
	Long: `Run a sync at startup and then every refresh_interval_minutes until
interrupted. Editing the config file reschedules without a restart.

Request an immediate sync with:
  kill -USR1 <pid>                 # on Unix
  curl -X POST http://<addr>/sync  # with --dashboard

With notifications.enabled a desktop reminder is shown
notifications.minutes_before minutes ahead of each timed event.

With --dashboard a local status server exposes /state, /health, /metrics
and a WebSocket stream of sync results at /ws.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		db, err := openReplica(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		session, err := newSession(cfg.Auth.Interactive)
		if err != nil {
			return err
		}
		s, err := newSyncer(db, session)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		dcfg := &daemon.Config{
			Interval:   cfg.RefreshInterval(),
			ConfigFile: cfg.File,
			Reload:     func() (time.Duration, error) { return reloadInterval(cmd) },
			Logger:     logSink.New("daemon"),
		}
		if cfg.Notifications.Enabled {
			rem, err := newReminders(db)
			if err != nil {
				fmt.Fprintf(out, "%s Reminders off: %v\n", ui.RenderWarn("⚠"), err)
			} else {
				dcfg.Reminders = rem
				fmt.Fprintf(out, "%s Reminders %d minutes before events\n", ui.RenderAccent("◆"), cfg.Notifications.MinutesBefore)
			}
		}
		d, err := daemon.NewWithConfig(s, dcfg)
		if err != nil {
			return err
		}
		d.OnOutcome = func(o syncer.Outcome) {
			mark := ui.RenderPass("✓")
			if !o.OK() {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Fprintf(out, "%s %s %s\n", ui.RenderMuted(time.Now().Format("15:04:05")), mark, o.Summary())
		}

		g, gctx := errgroup.WithContext(ctx)

		if daemonDashboard || cfg.Dashboard.Enabled {
			addr := cfg.Dashboard.Addr
			if daemonAddr != "" {
				addr = daemonAddr
			}
			srv := dashboard.NewServer(&dashboard.Config{
				Addr:      addr,
				State:     s,
				Requester: d,
				Stats:     db.Stats,
				Logger:    logSink.New("dashboard"),
			})
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Dashboard on http://%s\n", ui.RenderAccent("◆"), srv.GetAddr())

			g.Go(func() error {
				srv.Forward(gctx, s.Notifications())
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				return srv.Stop()
			})
		} else {
			g.Go(func() error {
				drain(gctx, s.Notifications())
				return nil
			})
		}

		g.Go(func() error {
			notifyOnSyncSignal(gctx, d.RequestSync)
			return nil
		})
		g.Go(func() error {
			return d.Start(gctx)
		})

		fmt.Fprintf(out, "%s Syncing every %s (pid %d). Press Ctrl+C to stop.\n",
			ui.RenderAccent("↻"), d.Interval(), os.Getpid())

		return g.Wait()
	},
}

// reloadInterval re-reads configuration for the running daemon. Only the
// refresh interval takes effect without a restart.
func reloadInterval(cmd *cobra.Command) (time.Duration, error) {
	nv, err := newViper(cmd)
	if err != nil {
		return 0, err
	}
	c, err := config.Load(nv)
	if err != nil {
		return 0, err
	}
	return c.RefreshInterval(), nil
}

func newReminders(db *replica.DB) (*notifier.Notifier, error) {
	sender, err := notifier.NewDesktop("outcal")
	if err != nil {
		return nil, err
	}
	return notifier.New(db, sender, notifier.Config{
		Lead:   cfg.Notifications.Lead(),
		Logger: logSink.New("notifier"),
	})
}

func drain(ctx context.Context, notes <-chan syncer.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notes:
			if !ok {
				return
			}
		}
	}
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonDashboard, "dashboard", false, "serve the local status dashboard")
	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "dashboard listen address (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
