package fixtures

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotWritable is returned by a RecordingConnection marked as failing.
var ErrNotWritable = errors.New("connection not writable")

// ReceivedFrame is one decoded outbound frame.
type ReceivedFrame struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// RecordingConnection is an in-memory interfaces.Connection that keeps
// every frame written to it.
type RecordingConnection struct {
	id string

	mu      sync.Mutex
	frames  [][]byte
	failing bool
	closed  bool
}

func NewRecordingConnection(id string) *RecordingConnection {
	return &RecordingConnection{id: id}
}

func (c *RecordingConnection) ID() string { return c.id }

func (c *RecordingConnection) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing || c.closed {
		return ErrNotWritable
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *RecordingConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SetFailing makes subsequent writes fail
func (c *RecordingConnection) SetFailing(failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = failing
}

func (c *RecordingConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames decodes everything written so far
func (c *RecordingConnection) Frames() []ReceivedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ReceivedFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f ReceivedFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// FramesNamed returns the frames whose event matches name
func (c *RecordingConnection) FramesNamed(name string) []ReceivedFrame {
	var out []ReceivedFrame
	for _, f := range c.Frames() {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

// Reset forgets recorded frames
func (c *RecordingConnection) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
