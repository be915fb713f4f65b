package schema

import (
	"fmt"
	"hash/fnv"
)

// Palette is the fixed set of colours calendars are drawn in.
var Palette = []string{
	"#cba6f7", // mauve
	"#f5c2e7", // pink
	"#eba0ac", // maroon
	"#f38ba8", // red
	"#fab387", // peach
	"#f9e2af", // yellow
	"#a6e3a1", // green
	"#94e2d5", // teal
	"#89dceb", // sky
	"#74c7ec", // sapphire
	"#89b4fa", // blue
	"#b4befe", // lavender
}

// Calendar is one remote calendar as held in the replica.
type Calendar struct {
	// ID is assigned by the remote service and stable across runs.
	ID string `json:"id" yaml:"id"`

	// Name is the display name.
	Name string `json:"name" yaml:"name"`

	// Owner is true when the signed-in user owns the calendar.
	Owner bool `json:"owner" yaml:"owner"`

	// Color is derived from ID, never persisted.
	Color string `json:"color" yaml:"color"`
}

// NewCalendar builds a Calendar and assigns its colour.
func NewCalendar(id, name string, owner bool) Calendar {
	return Calendar{
		ID:    id,
		Name:  name,
		Owner: owner,
		Color: AssignedColor(id),
	}
}

// AssignedColor maps a calendar id onto Palette. The mapping depends only on
// the id, so the same calendar keeps its colour across runs and machines.
func AssignedColor(id string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

// Validate checks that the calendar can be stored.
func (c *Calendar) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("calendar id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("calendar %s: name is required", c.ID)
	}
	return nil
}
