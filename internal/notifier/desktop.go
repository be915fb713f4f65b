package notifier

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Desktop sends reminders through notify-send (libnotify).
type Desktop struct {
	AppName string
}

// NewDesktop returns a Desktop sender. It fails when notify-send is not on
// PATH.
func NewDesktop(appName string) (*Desktop, error) {
	if _, err := exec.LookPath("notify-send"); err != nil {
		return nil, fmt.Errorf("notify-send not found: %w", err)
	}
	return &Desktop{AppName: appName}, nil
}

// Send implements Sender.
func (d *Desktop) Send(ctx context.Context, r Reminder) error {
	cmd := exec.CommandContext(ctx, "notify-send", desktopArgs(d.AppName, r)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify-send failed: %w, output: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func desktopArgs(appName string, r Reminder) []string {
	return []string{
		"--app-name=" + appName,
		"--urgency=" + urgency(r.Until),
		"--icon=x-office-calendar",
		r.Title(),
		r.Body(),
	}
}

func urgency(until time.Duration) string {
	switch {
	case until <= time.Minute:
		return "critical"
	case until <= 5*time.Minute:
		return "normal"
	default:
		return "low"
	}
}
