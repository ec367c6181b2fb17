package fixtures

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"examrelay/pkg/types"
)

// TestClient is a real WebSocket peer for end-to-end tests.
type TestClient struct {
	ServerURL    string
	ConnectionID string

	conn   *websocket.Conn
	frames chan ReceivedFrame
	errors chan error
	done   chan struct{}

	mu        sync.RWMutex
	writeMu   sync.Mutex
	closed    bool
	connected bool
}

// NewTestClient creates a client for the relay at serverURL (http or ws scheme)
func NewTestClient(serverURL string) *TestClient {
	return &TestClient{
		ServerURL: serverURL,
		frames:    make(chan ReceivedFrame, 256),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}
}

// Connect dials /ws and waits for the connected frame carrying the
// connection id.
func (tc *TestClient) Connect(ctx context.Context) error {
	tc.mu.Lock()
	if tc.connected {
		tc.mu.Unlock()
		return fmt.Errorf("client already connected")
	}

	u, err := url.Parse(tc.ServerURL)
	if err != nil {
		tc.mu.Unlock()
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		tc.mu.Unlock()
		return fmt.Errorf("failed to connect: %w", err)
	}
	tc.conn = conn
	tc.connected = true
	tc.mu.Unlock()

	go tc.readLoop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	hello, err := tc.WaitForEvent(types.EventConnected, time.Until(deadline))
	if err != nil {
		return fmt.Errorf("no connected frame: %w", err)
	}
	id, _ := hello.Data["connectionId"].(string)
	tc.ConnectionID = id
	return nil
}

func (tc *TestClient) readLoop() {
	defer func() {
		tc.mu.Lock()
		tc.connected = false
		tc.mu.Unlock()
	}()

	for {
		tc.mu.RLock()
		conn := tc.conn
		closed := tc.closed
		tc.mu.RUnlock()
		if closed || conn == nil {
			return
		}

		var frame ReceivedFrame
		if err := conn.ReadJSON(&frame); err != nil {
			tc.mu.RLock()
			stillClosed := tc.closed
			tc.mu.RUnlock()
			if !stillClosed {
				select {
				case tc.errors <- fmt.Errorf("read error: %w", err):
				default:
				}
			}
			return
		}

		select {
		case tc.frames <- frame:
		default:
			select {
			case tc.errors <- fmt.Errorf("frame buffer full, dropping %s", frame.Event):
			default:
			}
		}
	}
}

// Send writes one {"event","data"} frame
func (tc *TestClient) Send(event string, data any) error {
	tc.mu.RLock()
	conn := tc.conn
	connected := tc.connected
	tc.mu.RUnlock()
	if !connected || conn == nil {
		return fmt.Errorf("client not connected")
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(types.OutboundFrame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// SendRaw writes bytes as a text frame, for malformed-input tests
func (tc *TestClient) SendRaw(data []byte) error {
	tc.mu.RLock()
	conn := tc.conn
	tc.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("client not connected")
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Authenticate sends an authenticate frame for identity
func (tc *TestClient) Authenticate(identity types.Identity) error {
	return tc.Send(types.EventAuthenticate, identity)
}

// ReceiveFrame waits for the next frame
func (tc *TestClient) ReceiveFrame(timeout time.Duration) (ReceivedFrame, error) {
	select {
	case frame := <-tc.frames:
		return frame, nil
	case err := <-tc.errors:
		return ReceivedFrame{}, err
	case <-time.After(timeout):
		return ReceivedFrame{}, fmt.Errorf("timeout waiting for frame")
	case <-tc.done:
		return ReceivedFrame{}, fmt.Errorf("client closed")
	}
}

// WaitForEvent skips frames until one named event arrives
func (tc *TestClient) WaitForEvent(event string, timeout time.Duration) (ReceivedFrame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ReceivedFrame{}, fmt.Errorf("timeout waiting for %s", event)
		}
		frame, err := tc.ReceiveFrame(remaining)
		if err != nil {
			return ReceivedFrame{}, fmt.Errorf("waiting for %s: %w", event, err)
		}
		if frame.Event == event {
			return frame, nil
		}
	}
}

// ExpectNoFrame fails if any frame arrives within window
func (tc *TestClient) ExpectNoFrame(window time.Duration) error {
	select {
	case frame := <-tc.frames:
		return fmt.Errorf("unexpected %s frame: %v", frame.Event, frame.Data)
	case <-time.After(window):
		return nil
	}
}

// DrainFrames discards buffered frames
func (tc *TestClient) DrainFrames() {
	for {
		select {
		case <-tc.frames:
		default:
			return
		}
	}
}

// IsConnected reports whether the read loop is still running
func (tc *TestClient) IsConnected() bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.connected && !tc.closed
}

// Close sends a close frame and closes the socket. Idempotent.
func (tc *TestClient) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.closed {
		return nil
	}
	tc.closed = true

	if tc.conn != nil {
		tc.writeMu.Lock()
		_ = tc.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = tc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		tc.writeMu.Unlock()
		_ = tc.conn.Close()
	}
	close(tc.done)
	return nil
}
