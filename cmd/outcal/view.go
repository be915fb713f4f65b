package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/outcal/internal/export"
	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/schema"
	"github.com/mschirtzinger/outcal/internal/ui"
)

var calendarsCmd = &cobra.Command{
	Use:     "calendars",
	GroupID: "view",
	Short:   "List calendars in the replica",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openReplica(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		cals, err := db.ReadCalendarsContext(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(cals) == 0 {
			fmt.Fprintf(out, "%s No calendars yet. Run %s.\n", ui.RenderWarn("⚠"), ui.RenderAccent("outcal sync"))
			return nil
		}

		rows := make([][]string, 0, len(cals))
		for _, c := range cals {
			owner := ""
			if c.Owner {
				owner = "yes"
			}
			rows = append(rows, []string{ui.Swatch(c.Color), c.Name, owner, c.ID})
		}
		return ui.Table(out, []string{"", "NAME", "OWNER", "ID"}, rows)
	},
}

var (
	eventsCalendar string
	eventsFrom     string
	eventsTo       string
	eventsOutput   string
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	GroupID: "view",
	Short:   "List events from the replica",
	Long: `List events overlapping a date range, read from the local replica.

--from and --to accept ISO dates (2026-03-10) or phrases such as "today",
"tomorrow", "next monday" or "in 2 weeks". The range defaults to the next
7 days. --to is exclusive.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := eventWindow(eventsFrom, eventsTo, time.Now())
		if err != nil {
			return err
		}

		db, err := openReplica(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		cals, err := db.ReadCalendarsContext(cmd.Context())
		if err != nil {
			return err
		}
		events, err := db.ReadEventsContext(cmd.Context(), replica.EventQuery{CalendarID: eventsCalendar, Window: w})
		if err != nil {
			return err
		}
		return writeEvents(cmd.OutOrStdout(), eventsOutput, cals, events)
	},
}

func eventWindow(from, to string, now time.Time) (schema.Window, error) {
	start := startOfDay(now)
	if from != "" {
		t, err := parseDate(from, now)
		if err != nil {
			return schema.Window{}, err
		}
		start = t
	}
	end := start.AddDate(0, 0, 7)
	if to != "" {
		t, err := parseDate(to, now)
		if err != nil {
			return schema.Window{}, err
		}
		end = t
	}
	w := schema.Window{Start: start, End: end}
	if err := w.Validate(); err != nil {
		return schema.Window{}, fmt.Errorf("invalid range: %w", err)
	}
	return w, nil
}

func writeEvents(out io.Writer, format string, cals []schema.Calendar, events []schema.Event) error {
	if events == nil {
		events = []schema.Event{}
	}
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(events); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}

	if len(events) == 0 {
		fmt.Fprintf(out, "%s No events in range\n", ui.RenderMuted("·"))
		return nil
	}

	colors := make(map[string]string, len(cals))
	for _, c := range cals {
		colors[c.ID] = c.Color
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{
			ui.Swatch(colors[e.CalendarID]),
			eventWhen(e),
			ui.Truncate(e.Subject, 40),
			ui.Truncate(e.Location, 24),
		})
	}
	return ui.Table(out, []string{"", "WHEN", "SUBJECT", "LOCATION"}, rows)
}

func eventWhen(e schema.Event) string {
	if e.AllDay {
		last := e.End.AddDate(0, 0, -1)
		if !last.After(e.Start) {
			return e.Start.Format("Mon Jan 02") + "  all day"
		}
		return e.Start.Format("Mon Jan 02") + " – " + last.Format("Mon Jan 02")
	}
	start, end := e.Start.Local(), e.End.Local()
	if start.YearDay() == end.YearDay() && start.Year() == end.Year() {
		return start.Format("Mon Jan 02 15:04") + "–" + end.Format("15:04")
	}
	return start.Format("Mon Jan 02 15:04") + " – " + end.Format("Mon Jan 02 15:04")
}

var (
	exportICS      string
	exportCalendar string
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "view",
	Short:   "Export the replica as an iCalendar file",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportICS == "" {
			return fmt.Errorf("--ics is required")
		}
		db, err := openReplica(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()

		cals, err := db.ReadCalendarsContext(cmd.Context())
		if err != nil {
			return err
		}
		events, err := db.ReadEventsContext(cmd.Context(), replica.EventQuery{CalendarID: exportCalendar})
		if err != nil {
			return err
		}

		if exportICS == "-" {
			return export.ICS(cmd.OutOrStdout(), cals, events, time.Now())
		}
		if err := writeICSFile(exportICS, cals, events); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d events to %s\n", ui.RenderPass("✓"), len(events), exportICS)
		return nil
	},
}

func writeICSFile(path string, cals []schema.Calendar, events []schema.Event) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".outcal-*.ics")
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := export.ICS(tmp, cals, events, time.Now()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return nil
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsCalendar, "calendar", "c", "", "only this calendar id")
	eventsCmd.Flags().StringVar(&eventsFrom, "from", "", "start of range (default today)")
	eventsCmd.Flags().StringVar(&eventsTo, "to", "", "end of range, exclusive (default from + 7 days)")
	eventsCmd.Flags().StringVarP(&eventsOutput, "output", "o", "table", "output format: table, json or yaml")

	exportCmd.Flags().StringVar(&exportICS, "ics", "", "write to this file (- for stdout)")
	exportCmd.Flags().StringVarP(&exportCalendar, "calendar", "c", "", "only this calendar id")

	rootCmd.AddCommand(calendarsCmd, eventsCmd, exportCmd)
}
