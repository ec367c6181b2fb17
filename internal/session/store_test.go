package session

import (
	"sync"
	"testing"
	"time"

	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// fakeClock advances only when told to
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := newFakeClock()
	return NewStore(WithIDGenerator(NewSequence(1000)), WithClock(clock.Now)), clock
}

func TestStore_InterfaceCompliance(t *testing.T) {
	var _ interfaces.SessionReader = (*Store)(nil)
}

func TestSequence_Monotonic(t *testing.T) {
	seq := NewSequence(1000)
	for _, want := range []string{"1001", "1002", "1003"} {
		if got := seq.NextID(); got != want {
			t.Errorf("NextID() = %q, want %q", got, want)
		}
	}
}

func TestStore_DefaultIDsNeverCollide(t *testing.T) {
	clock := newFakeClock()
	first := NewStore(WithClock(clock.Now))

	seen := make(map[string]bool)
	var previous string
	for i := 0; i < 5; i++ {
		id := first.Start(nil).ID
		if id <= previous {
			t.Errorf("id %q does not sort after %q", id, previous)
		}
		previous = id
		seen[id] = true
	}

	// a peer booted at the same instant and a restart two seconds later
	peer := NewStore(WithClock(clock.Now))
	clock.Advance(2 * time.Second)
	restarted := NewStore(WithClock(clock.Now))

	for _, store := range []*Store{peer, restarted} {
		for i := 0; i < 5; i++ {
			id := store.Start(nil).ID
			if seen[id] {
				t.Fatalf("id %q issued twice", id)
			}
			seen[id] = true
		}
	}
}

func TestStore_StartThenGet(t *testing.T) {
	store, clock := newTestStore()

	exam := map[string]any{"title": "Algebra", "participants": []any{"s1", "s2"}}
	record := store.Start(exam)

	if record.ID != "1001" {
		t.Errorf("Expected id 1001, got %q", record.ID)
	}

	got, ok := store.Get("1001")
	if !ok {
		t.Fatal("Started session not found")
	}
	if !got.IsLive || got.Status != types.SessionStatusActive {
		t.Errorf("Expected live active session, got %+v", got)
	}
	if !got.StartTime.Equal(clock.Now()) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, clock.Now())
	}
	if got.Metadata["title"] != "Algebra" {
		t.Errorf("Metadata not merged: %v", got.Metadata)
	}
	if got.EndTime != nil || got.LastUpdate != nil {
		t.Error("New session should have no end time or last update")
	}

	// The store keeps its own copy of the metadata
	exam["title"] = "Changed"
	if got, _ := store.Get("1001"); got.Metadata["title"] != "Algebra" {
		t.Error("Store shares metadata map with the caller")
	}
}

func TestStore_IDsNeverReused(t *testing.T) {
	store, _ := newTestStore()
	seen := make(map[string]bool)

	for i := 0; i < 20; i++ {
		record := store.Start(map[string]any{})
		if seen[record.ID] {
			t.Fatalf("Duplicate session id %q", record.ID)
		}
		seen[record.ID] = true
		store.End(record.ID)
	}
}

func TestStore_UpdateStatus(t *testing.T) {
	store, clock := newTestStore()
	store.Start(map[string]any{"title": "Algebra"})

	clock.Advance(5 * time.Minute)
	record, ok := store.UpdateStatus("1001", "paused")
	if !ok {
		t.Fatal("UpdateStatus on existing session returned absent")
	}
	if record.Status != "paused" {
		t.Errorf("Status = %q, want paused", record.Status)
	}
	if record.LastUpdate == nil || !record.LastUpdate.Equal(clock.Now()) {
		t.Errorf("LastUpdate = %v, want %v", record.LastUpdate, clock.Now())
	}
	if !record.IsLive {
		t.Error("Status update must not change liveness")
	}
}

func TestStore_UpdateStatusUnknownSession(t *testing.T) {
	store, _ := newTestStore()
	store.Start(map[string]any{})

	if _, ok := store.UpdateStatus("9999", "paused"); ok {
		t.Error("UpdateStatus on unknown session should return absent")
	}
	if store.Count() != 1 {
		t.Errorf("Store changed: count = %d", store.Count())
	}
	if got, _ := store.Get("1001"); got.Status != types.SessionStatusActive {
		t.Errorf("Unrelated session modified: %+v", got)
	}
}

func TestStore_EndIsIdempotent(t *testing.T) {
	store, clock := newTestStore()
	store.Start(map[string]any{})

	clock.Advance(time.Hour)
	first, ok := store.End("1001")
	if !ok {
		t.Fatal("End on existing session returned absent")
	}
	if first.IsLive || first.Status != types.SessionStatusCompleted || first.EndTime == nil {
		t.Errorf("Unexpected ended record: %+v", first)
	}

	clock.Advance(time.Minute)
	second, ok := store.End("1001")
	if !ok {
		t.Fatal("Second End returned absent")
	}
	if second.IsLive {
		t.Error("Second End left session live")
	}
	if !second.EndTime.Equal(*first.EndTime) {
		t.Errorf("Second End moved EndTime from %v to %v", first.EndTime, second.EndTime)
	}

	if _, ok := store.End("9999"); ok {
		t.Error("End on unknown session should return absent")
	}
}

func TestStore_CountsAndList(t *testing.T) {
	store, clock := newTestStore()

	for i := 0; i < 3; i++ {
		store.Start(map[string]any{})
		clock.Advance(time.Second)
	}
	store.End("1002")

	if store.Count() != 3 {
		t.Errorf("Count() = %d, want 3", store.Count())
	}
	if store.LiveCount() != 2 {
		t.Errorf("LiveCount() = %d, want 2", store.LiveCount())
	}

	list := store.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d records", len(list))
	}
	for i, want := range []string{"1001", "1002", "1003"} {
		if list[i].ID != want {
			t.Errorf("List()[%d] = %q, want %q", i, list[i].ID, want)
		}
	}
}

func TestStore_ExpireIdle(t *testing.T) {
	store, clock := newTestStore()

	store.Start(map[string]any{}) // 1001, will go idle
	store.Start(map[string]any{}) // 1002, kept alive by a status update
	store.Start(map[string]any{}) // 1003, already ended
	store.End("1003")

	clock.Advance(20 * time.Minute)
	store.UpdateStatus("1002", "in-progress")
	clock.Advance(15 * time.Minute)

	ended := store.ExpireIdle(clock.Now(), 30*time.Minute, "idle_timeout")
	if len(ended) != 1 || ended[0].ID != "1001" {
		t.Fatalf("Expected only 1001 to expire, got %+v", ended)
	}
	if ended[0].EndReason != "idle_timeout" || ended[0].IsLive {
		t.Errorf("Unexpected expired record: %+v", ended[0])
	}

	if got, _ := store.Get("1002"); !got.IsLive {
		t.Error("Recently updated session expired")
	}
	if got, _ := store.Get("1003"); got.EndReason != "" {
		t.Error("Already-ended session was re-ended")
	}
}

func TestStore_ExpireIdleDisabled(t *testing.T) {
	store, clock := newTestStore()
	store.Start(map[string]any{})
	clock.Advance(24 * time.Hour)

	if ended := store.ExpireIdle(clock.Now(), 0, "idle_timeout"); len(ended) != 0 {
		t.Errorf("Zero timeout must disable expiry, got %+v", ended)
	}
	if store.LiveCount() != 1 {
		t.Error("Session should stay live without a timeout")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	store := NewStore(WithIDGenerator(NewSequence(0)))
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record := store.Start(map[string]any{})
			store.UpdateStatus(record.ID, "paused")
			store.Get(record.ID)
			store.List()
			store.End(record.ID)
		}()
	}
	wg.Wait()

	if store.Count() != 50 || store.LiveCount() != 0 {
		t.Errorf("Count=%d LiveCount=%d, want 50/0", store.Count(), store.LiveCount())
	}
}
