package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts an ISO date (2026-03-10), an RFC 3339 timestamp, or
// natural language ("tomorrow", "next friday", "in 2 weeks") relative to
// now. Results without a time of day are truncated to local midnight.
func parseDate(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, nil
	}
	switch strings.ToLower(text) {
	case "today", "now":
		return startOfDay(now), nil
	}

	r, err := dateParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", text)
	}
	return startOfDay(r.Time), nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
