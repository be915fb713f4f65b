package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mschirtzinger/outcal/internal/schema"
	"github.com/mschirtzinger/outcal/internal/syncer"
)

// SyncCompleteData describes one finished cycle.
type SyncCompleteData struct {
	CycleID   string        `json:"cycle_id"`
	Trigger   string        `json:"trigger"`
	Result    string        `json:"result"`
	Calendars int           `json:"calendars"`
	Inserted  int           `json:"inserted"`
	Updated   int           `json:"updated"`
	Deleted   int           `json:"deleted"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`

	State schema.SyncState `json:"state"`
}

// Forward broadcasts every notification until ctx is done or the channel
// is closed.
func (s *Server) Forward(ctx context.Context, notes <-chan syncer.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			msg, err := syncCompleteMessage(n)
			if err != nil {
				s.logger.Printf("Failed to marshal notification: %v", err)
				continue
			}
			s.Broadcast(msg)
		}
	}
}

func syncCompleteMessage(n syncer.Notification) (Message, error) {
	o := n.Outcome
	data, err := json.Marshal(SyncCompleteData{
		CycleID:   o.CycleID,
		Trigger:   string(o.Trigger),
		Result:    o.Result(),
		Calendars: o.Calendars,
		Inserted:  o.Inserted,
		Updated:   o.Updated,
		Deleted:   o.Deleted,
		Duration:  o.FinishedAt.Sub(o.StartedAt),
		Error:     o.ErrorText(),
		State:     n.State,
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeSyncComplete, Timestamp: o.FinishedAt, Data: data}, nil
}

func stateMessage(st schema.SyncState) (Message, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeState, Timestamp: time.Now(), Data: data}, nil
}
