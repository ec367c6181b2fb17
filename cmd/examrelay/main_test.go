package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRun_InvalidConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"http":{"port":"not a number"}}`), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := run(context.Background(), path); err == nil {
		t.Error("Expected run to fail on an unparseable config file")
	}
}

func TestRun_MissingConfigFile(t *testing.T) {
	if err := run(context.Background(), filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("Expected run to fail when the config file is missing")
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	t.Setenv("EXAMRELAY_HTTP_HOST", "127.0.0.1")
	t.Setenv("EXAMRELAY_HTTP_PORT", "0")
	t.Setenv("EXAMRELAY_JOURNAL_ENABLED", "true")
	t.Setenv("EXAMRELAY_JOURNAL_PATH", filepath.Join(t.TempDir(), "relay.db"))
	t.Setenv("EXAMRELAY_LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, "") }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v after cancellation", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
