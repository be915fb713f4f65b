package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/outcal/internal/auth"
	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/syncer"
	"github.com/mschirtzinger/outcal/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Fetch the calendar list and every calendar's events in the sync window
from Microsoft Graph and reconcile them into the local replica.

If another outcal process is already syncing, this returns immediately.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openReplica(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		session, err := newSession(cfg.Auth.Interactive && canPrompt())
		if err != nil {
			return err
		}
		s, err := newSyncer(db, session)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Syncing %s...\n", ui.RenderAccent("↻"), syncConfig().Window(time.Now()))
		return reportOutcome(out, s.RunCycle(ctx, syncer.Manual))
	},
}

// reportOutcome prints the cycle result and returns an error when the
// cycle failed as a whole.
func reportOutcome(out io.Writer, o syncer.Outcome) error {
	switch {
	case o.Coalesced:
		fmt.Fprintf(out, "%s Another sync is already running\n", ui.RenderWarn("⚠"))
		return nil
	case errors.Is(o.Err, auth.ErrLoginRequired):
		return fmt.Errorf("not signed in: run `outcal login`")
	case o.Err != nil:
		return fmt.Errorf("sync failed: %w", o.Err)
	}

	d := o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond)
	fmt.Fprintf(out, "%s Synced %d calendars in %v: %d new, %d changed, %d removed\n",
		ui.RenderPass("✓"), o.Calendars, d, o.Inserted, o.Updated, o.Deleted)
	for _, f := range o.Failures {
		fmt.Fprintf(out, "  %s %s\n", ui.RenderWarn("⚠"), f)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show replica and sync health",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openReplica(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		return printStatus(ctx, cmd.OutOrStdout(), db)
	},
}

func printStatus(ctx context.Context, out io.Writer, db *replica.DB) error {
	stats, err := db.Stats(ctx)
	if err != nil {
		return err
	}
	st, err := db.LoadSyncState(ctx)
	if err != nil {
		return err
	}
	cycles, err := db.RecentCycles(ctx, 5)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%s outcal status\n\n", ui.RenderAccent("📊"))
	fmt.Fprintf(out, "  Replica:     %s (%s, schema v%d)\n", db.Path(), ui.Bytes(stats.SizeBytes), stats.SchemaVersion)
	fmt.Fprintf(out, "  Calendars:   %d\n", stats.Calendars)
	fmt.Fprintf(out, "  Events:      %d\n", stats.Events)

	last := ui.Ago(st.LastSuccessfulSyncAt)
	if st.Stale(time.Now(), 3*cfg.RefreshInterval()) {
		last = ui.RenderWarn(last)
	} else {
		last = ui.RenderPass(last)
	}
	fmt.Fprintf(out, "  Last sync:   %s\n", last)
	if st.LastError != "" {
		fmt.Fprintf(out, "  Last error:  %s\n", ui.RenderFail(st.LastError))
	}

	if len(cycles) > 0 {
		fmt.Fprintf(out, "\n  Recent cycles:\n")
		for _, c := range cycles {
			mark := ui.RenderPass("✓")
			if c.Error != "" || c.FailedCalendars > 0 {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Fprintf(out, "    %s %s %-9s +%d ~%d -%d\n", mark,
				c.StartedAt.Local().Format("Jan 02 15:04"), c.Trigger, c.Inserted, c.Updated, c.Deleted)
		}
	}
	fmt.Fprintln(out)
	return nil
}

func init() {
	rootCmd.AddCommand(syncCmd, statusCmd)
}
