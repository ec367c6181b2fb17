package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"examrelay/internal/broker"
	"examrelay/internal/fixtures"
	"examrelay/internal/hub"
	"examrelay/internal/registry"
	"examrelay/internal/router"
	"examrelay/internal/session"
	"examrelay/pkg/metrics"
	"examrelay/pkg/types"
)

type relay struct {
	server   *httptest.Server
	hub      *hub.Hub
	registry *registry.Registry
	router   *router.Router
	metrics  *metrics.Metrics
}

func startRelay(t *testing.T, opts Options) *relay {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())

	reg := registry.NewRegistry()
	rt := router.NewRouter(reg, logger, m)
	store := session.NewStore(session.WithIDGenerator(session.NewSequence(1000)))
	b := broker.NewBroker(reg, rt, store, logger, broker.WithMetrics(m))
	h := hub.NewHub(b, logger, hub.WithMetrics(m))
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", NewHandler(h, opts, logger, m))
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		_ = h.Stop()
	})
	return &relay{server: server, hub: h, registry: reg, router: rt, metrics: m}
}

func (r *relay) dial(t *testing.T) *fixtures.TestClient {
	t.Helper()
	client := fixtures.NewTestClient(r.server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{"join with bare string", `{"event":"join_session","data":"1001"}`, types.EventJoinSession, nil},
		{"join with object", `{"event":"join_session","data":{"sessionId":"1001"}}`, types.EventJoinSession, nil},
		{"authenticate", `{"event":"authenticate","data":{"role":"student","name":"Sam","id":"s1"}}`, types.EventAuthenticate, nil},
		{"not json", `hello`, "", ErrInvalidFrame},
		{"no event name", `{"data":{}}`, "", ErrInvalidFrame},
		{"unknown event", `{"event":"reboot","data":{}}`, "", types.ErrUnknownEvent},
		{"missing correlation id", `{"event":"issue_warning","data":{"type":"x"}}`, "", types.ErrMalformedEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseFrame([]byte(tt.raw))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if ev.Name() != tt.want {
				t.Errorf("Name() = %q, want %q", ev.Name(), tt.want)
			}
		})
	}
}

func TestHandler_ConnectedFrameAndAttach(t *testing.T) {
	r := startRelay(t, Options{})
	client := r.dial(t)

	if client.ConnectionID == "" {
		t.Fatal("Client did not learn its connection id")
	}
	waitUntil(t, "registry attach", func() bool {
		_, ok := r.registry.Connection(client.ConnectionID)
		return ok
	})
}

func TestHandler_EventsReachBroker(t *testing.T) {
	r := startRelay(t, Options{})
	client := r.dial(t)

	if err := client.Authenticate(types.Identity{UserID: "p1", Name: "Pat", Role: types.RoleProctor}); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if err := client.Send(types.EventJoinSession, "1001"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	waitUntil(t, "room memberships", func() bool {
		return r.router.IsMember("role_proctor", client.ConnectionID) &&
			r.router.IsMember(types.MonitoringRoom, client.ConnectionID) &&
			r.router.IsMember("session_1001", client.ConnectionID)
	})
}

func TestHandler_MalformedFramesAreDroppedSilently(t *testing.T) {
	r := startRelay(t, Options{})
	client := r.dial(t)

	_ = client.SendRaw([]byte(`not json`))
	_ = client.Send("update_session_status", map[string]any{"status": "paused"})
	_ = client.Send("launch_rocket", map[string]any{})

	waitUntil(t, "malformed drops", func() bool {
		return testutil.ToFloat64(r.metrics.EventsDropped.WithLabelValues(metrics.ReasonMalformed)) == 3
	})
	if err := client.ExpectNoFrame(100 * time.Millisecond); err != nil {
		t.Errorf("Sender must not get a reply: %v", err)
	}
	if !client.IsConnected() {
		t.Error("Malformed frames must not close the connection")
	}
}

func TestHandler_RateLimit(t *testing.T) {
	r := startRelay(t, Options{EventsPerMinute: 2})
	client := r.dial(t)

	for i := 0; i < 5; i++ {
		_ = client.Send(types.EventLeaveSession, "1001")
	}

	waitUntil(t, "rate limited drops", func() bool {
		return testutil.ToFloat64(r.metrics.EventsDropped.WithLabelValues(metrics.ReasonRateLimited)) == 3
	})
}

func TestHandler_CloseDetaches(t *testing.T) {
	r := startRelay(t, Options{})
	client := r.dial(t)
	_ = client.Authenticate(types.Identity{UserID: "s1", Name: "Sam", Role: types.RoleSupervisor})
	waitUntil(t, "authenticate", func() bool {
		return r.router.IsMember("role_supervisor", client.ConnectionID)
	})

	_ = client.Close()

	waitUntil(t, "detach", func() bool { return r.registry.Count() == 0 })
	if rooms := r.router.Rooms(client.ConnectionID); len(rooms) != 0 {
		t.Errorf("Connection still in rooms after close: %v", rooms)
	}
}

func TestHandler_OriginCheck(t *testing.T) {
	r := startRelay(t, Options{AllowedOrigins: []string{"https://exam.example.edu"}})
	url := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Error("Expected upgrade to be refused for foreign origin")
	} else if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", resp.StatusCode)
	}

	header = http.Header{"Origin": []string{"https://exam.example.edu"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Allowed origin refused: %v", err)
	}
	_ = conn.Close()
}

func TestHandler_RefusesWhenHubStopped(t *testing.T) {
	r := startRelay(t, Options{})
	_ = r.hub.Stop()

	resp, err := http.Get(r.server.URL + "/ws")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", resp.StatusCode)
	}
}

func TestHandler_HeartbeatKeepsIdleConnectionAlive(t *testing.T) {
	r := startRelay(t, Options{PingInterval: 20 * time.Millisecond, ReadTimeout: 100 * time.Millisecond})
	client := r.dial(t)

	// gorilla's default ping handler answers with a pong while the
	// client read loop runs
	time.Sleep(300 * time.Millisecond)
	if !client.IsConnected() {
		t.Fatal("Idle connection dropped despite heartbeat")
	}
	if _, ok := r.registry.Connection(client.ConnectionID); !ok {
		t.Error("Connection detached despite heartbeat")
	}
}
