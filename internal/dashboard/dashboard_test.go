package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/outcal/internal/replica"
	"github.com/mschirtzinger/outcal/internal/schema"
	"github.com/mschirtzinger/outcal/internal/syncer"
)

var lastSync = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakeState struct{ st schema.SyncState }

func (f fakeState) State() schema.SyncState { return f.st }

type fakeRequester struct{ n atomic.Int32 }

func (f *fakeRequester) RequestSync() { f.n.Add(1) }

func newTestServer(t *testing.T, cfg *Config) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := NewServer(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(&Config{Addr: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := s.GetAddr(); addr == "" || strings.HasSuffix(addr, ":0") {
		t.Fatalf("GetAddr() = %q", addr)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	req := &fakeRequester{}
	s := NewServer(&Config{
		State:     fakeState{schema.SyncState{LastSuccessfulSyncAt: lastSync, LastError: "boom"}},
		Requester: req,
		Stats: func(context.Context) (replica.Stats, error) {
			return replica.Stats{Calendars: 2, Events: 7, SchemaVersion: 2, SizeBytes: 4096}, nil
		},
	})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("state", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/state")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var got StateResponse
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !got.State.LastSuccessfulSyncAt.Equal(lastSync) || got.State.LastError != "boom" {
			t.Errorf("state = %+v", got.State)
		}
		if got.Replica == nil || got.Replica.Events != 7 || got.Replica.Calendars != 2 {
			t.Errorf("replica = %+v", got.Replica)
		}
	})

	t.Run("sync", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/sync", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("status = %d, want 202", resp.StatusCode)
		}
		if req.n.Load() != 1 {
			t.Errorf("RequestSync calls = %d", req.n.Load())
		}
	})

	t.Run("sync requires POST", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/sync")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("status = %d, want 405", resp.StatusCode)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "outcal_http_requests_total") {
			t.Error("metrics output lacks outcal_http_requests_total")
		}
	})
}

func TestState_StatsError(t *testing.T) {
	s := NewServer(&Config{
		Stats: func(context.Context) (replica.Stats, error) { return replica.Stats{}, errors.New("closed") },
	})
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestSync_NoRequester(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSync_RefusesForeignRequests(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		contentType string
		body        string
		want        int
	}{
		{name: "foreign origin", origin: "https://evil.example", want: http.StatusForbidden},
		{name: "null origin", origin: "null", want: http.StatusForbidden},
		{name: "form body", contentType: "application/x-www-form-urlencoded", body: "a=b", want: http.StatusUnsupportedMediaType},
		{name: "same origin", origin: "http://example.com", want: http.StatusAccepted},
		{name: "json body", contentType: "application/json", body: "{}", want: http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &fakeRequester{}
			s := NewServer(&Config{Requester: req})

			r := httptest.NewRequest(http.MethodPost, "/sync", strings.NewReader(tt.body))
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			s.Router().ServeHTTP(rec, r)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			wantCalls := int32(0)
			if tt.want == http.StatusAccepted {
				wantCalls = 1
			}
			if got := req.n.Load(); got != wantCalls {
				t.Errorf("RequestSync calls = %d, want %d", got, wantCalls)
			}
		})
	}
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestWebSocket_StateThenNotifications(t *testing.T) {
	st := schema.SyncState{LastSuccessfulSyncAt: lastSync}
	s := newTestServer(t, &Config{State: fakeState{st}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	first := readMessage(t, ctx, conn)
	if first.Type != MessageTypeState {
		t.Fatalf("first message type = %s, want state", first.Type)
	}
	var gotState schema.SyncState
	if err := json.Unmarshal(first.Data, &gotState); err != nil {
		t.Fatal(err)
	}
	if !gotState.LastSuccessfulSyncAt.Equal(lastSync) {
		t.Errorf("state = %+v", gotState)
	}

	// Registration happens right after the state message is written.
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want 1", s.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	notes := make(chan syncer.Notification, 1)
	go s.Forward(ctx, notes)
	notes <- syncer.Notification{
		Outcome: syncer.Outcome{
			CycleID:    "c-1",
			Trigger:    syncer.Manual,
			StartedAt:  lastSync,
			FinishedAt: lastSync.Add(1500 * time.Millisecond),
			Calendars:  2,
			Inserted:   3,
		},
		State: st,
	}

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("message type = %s, want sync_complete", msg.Type)
	}
	var data SyncCompleteData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.CycleID != "c-1" || data.Trigger != "manual" || data.Result != "ok" || data.Inserted != 3 {
		t.Errorf("data = %+v", data)
	}
	if data.Duration != 1500*time.Millisecond {
		t.Errorf("duration = %v", data.Duration)
	}
}

func TestWebSocket_ClientDisconnect(t *testing.T) {
	s := newTestServer(t, &Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	readMessage(t, ctx, conn)
	conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d after disconnect", s.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	s := NewServer(nil)
	// No broadcast loop is running, so the queue fills up.
	for i := 0; i < cap(s.broadcast)+10; i++ {
		s.Broadcast(Message{Type: MessageTypeState})
	}
	if n := len(s.broadcast); n != cap(s.broadcast) {
		t.Errorf("queued = %d, want %d", n, cap(s.broadcast))
	}
}
