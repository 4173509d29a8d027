package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/midastechnical/storefront-sync/internal/config"
)

func testConfig(t *testing.T) (config.Config, *miniredis.Miniredis) {
	t.Helper()
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	t.Cleanup(remote.Close)
	mr := miniredis.RunT(t)

	for k, v := range map[string]string{
		"MIDAS_CONFIG_FILE":   "",
		"DATABASE_URL":        "",
		"REDIS_URL":           "redis://" + mr.Addr(),
		"HTTP_ADDR":           "127.0.0.1:0",
		"SHUTDOWN_TIMEOUT":    "2",
		"REPAIRDESK_BASE_URL": remote.URL,
		"REPAIRDESK_API_KEY":  "test-key",
		"BACKUP_DIR":          t.TempDir(),
	} {
		t.Setenv(k, v)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg, mr
}

func waitDisconnected(t *testing.T, mr *miniredis.Miniredis) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.CurrentConnectionCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("redis connections left open: %d", mr.CurrentConnectionCount())
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	cfg, mr := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- run(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected exit 0, got %d", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	waitDisconnected(t, mr)
}

func TestRunScheduleFailureReleasesServices(t *testing.T) {
	cfg, mr := testConfig(t)
	cfg.Maintenance.BackupInterval = 0

	if code := run(context.Background(), cfg); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	waitDisconnected(t, mr)
}

func TestRunListenFailureReleasesServices(t *testing.T) {
	cfg, mr := testConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	cfg.HTTPAddr = ln.Addr().String()

	if code := run(context.Background(), cfg); code != 1 {
		t.Fatalf("expected exit 1 for a busy address, got %d", code)
	}
	waitDisconnected(t, mr)
}
