package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"examrelay/internal/api"
	"examrelay/internal/broker"
	"examrelay/internal/database"
	"examrelay/internal/fixtures"
	"examrelay/internal/hub"
	"examrelay/internal/registry"
	"examrelay/internal/router"
	"examrelay/internal/session"
	"examrelay/internal/websocket"
	dbconfig "examrelay/pkg/database"
	"examrelay/pkg/metrics"
	"examrelay/pkg/types"
)

const frameTimeout = 2 * time.Second

// Relay is a fully wired relay behind an httptest server
type Relay struct {
	Server   *httptest.Server
	Journal  *database.Manager
	Store    *session.Store
	Registry *registry.Registry
	Router   *router.Router
	Hub      *hub.Hub
	Metrics  *metrics.Metrics
}

// StartRelay wires every component the way the application does, with
// session ids starting at 1001. withJournal adds a SQLite journal in a
// temp directory.
func StartRelay(t *testing.T, withJournal bool) *Relay {
	t.Helper()
	logger := zaptest.NewLogger(t)
	promRegistry := prometheus.NewRegistry()

	r := &Relay{
		Metrics:  metrics.New(promRegistry),
		Store:    session.NewStore(session.WithIDGenerator(session.NewSequence(1000))),
		Registry: registry.NewRegistry(),
	}
	r.Router = router.NewRouter(r.Registry, logger, r.Metrics)

	opts := []broker.Option{broker.WithMetrics(r.Metrics)}
	if withJournal {
		cfg := dbconfig.DefaultConfig()
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
		cfg.RetryDelay = 0

		journal, err := database.NewManager(cfg, logger)
		if err != nil {
			t.Fatalf("Failed to open journal: %v", err)
		}
		r.Journal = journal
		opts = append(opts, broker.WithJournal(journal))
	}

	b := broker.NewBroker(r.Registry, r.Router, r.Store, logger, opts...)
	r.Hub = hub.NewHub(b, logger, hub.WithMetrics(r.Metrics))
	if err := r.Hub.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}

	deps := api.Deps{
		Sessions:    r.Store,
		Connections: r.Registry,
		Rooms:       r.Router,
		Metrics:     metrics.Handler(promRegistry),
		WebSocket:   websocket.NewHandler(r.Hub, websocket.Options{}, logger, r.Metrics),
		CORSOrigins: []string{"*"},
	}
	if r.Journal != nil {
		deps.Journal = r.Journal
	}
	r.Server = httptest.NewServer(api.NewServer(deps, logger))

	t.Cleanup(func() {
		r.Server.Close()
		_ = r.Hub.Stop()
		if r.Journal != nil {
			_ = r.Journal.Close()
		}
	})
	return r
}

// Dial connects an anonymous client
func (r *Relay) Dial(t *testing.T) *fixtures.TestClient {
	t.Helper()
	client := fixtures.NewTestClient(r.Server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// Connect dials and authenticates as identity, returning once the relay
// has recorded the identity.
func (r *Relay) Connect(t *testing.T, identity types.Identity) *fixtures.TestClient {
	t.Helper()
	client := r.Dial(t)
	if err := client.Authenticate(identity); err != nil {
		t.Fatalf("Authenticate %s failed: %v", identity.UserID, err)
	}
	r.WaitFor(t, "authenticate "+identity.UserID, func() bool {
		got, ok := r.Registry.Lookup(client.ConnectionID)
		return ok && got == identity
	})
	return client
}

// ConnectRoster connects every roster participant, keyed by user id
func (r *Relay) ConnectRoster(t *testing.T, roster *fixtures.ExamRoster) map[string]*fixtures.TestClient {
	t.Helper()
	clients := make(map[string]*fixtures.TestClient)
	for _, identity := range roster.Everyone() {
		clients[identity.UserID] = r.Connect(t, identity)
	}
	return clients
}

// Join sends join_session and waits for the membership
func (r *Relay) Join(t *testing.T, client *fixtures.TestClient, sessionID string) {
	t.Helper()
	if err := client.Send(types.EventJoinSession, sessionID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	r.WaitFor(t, "join "+sessionID, func() bool {
		return r.Router.IsMember(types.SessionRoom(sessionID).Room(), client.ConnectionID)
	})
}

// WaitFor fails the test if condition does not hold within two seconds
func (r *Relay) WaitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	if !fixtures.Eventually(condition, frameTimeout, 5*time.Millisecond) {
		t.Fatalf("Timed out waiting for %s", what)
	}
}

// GetJSON fetches path from the relay's HTTP API into v
func (r *Relay) GetJSON(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(r.Server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// Expect waits for event on client and returns its data
func Expect(t *testing.T, client *fixtures.TestClient, event string) map[string]any {
	t.Helper()
	frame, err := client.WaitForEvent(event, frameTimeout)
	if err != nil {
		t.Fatalf("Client %s: %v", client.ConnectionID, err)
	}
	return frame.Data
}

// ExpectSilence fails if client receives anything within a short window
func ExpectSilence(t *testing.T, client *fixtures.TestClient) {
	t.Helper()
	if err := client.ExpectNoFrame(100 * time.Millisecond); err != nil {
		t.Errorf("Client %s: %v", client.ConnectionID, err)
	}
}
