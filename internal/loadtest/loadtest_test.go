package loadtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lumen-chat/chatsync/internal/server"
)

func startEndpoint(t *testing.T) string {
	t.Helper()
	store, err := server.OpenStore(server.DialectSQLite, filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv, err := server.New(store, server.StaticTokens{"tok-load": "loadtest"}, &server.Config{
		Logger: log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func newFleet(t *testing.T, devices, rounds, messages int) *Fleet {
	t.Helper()
	f, err := NewFleet(Options{
		Devices:          devices,
		Rounds:           rounds,
		MessagesPerRound: messages,
		Endpoint:         startEndpoint(t),
		Token:            "tok-load",
		Dir:              t.TempDir(),
	})
	if err != nil {
		t.Fatalf("NewFleet() failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestNewFleet_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no devices", Options{Rounds: 1, Endpoint: "http://x"}},
		{"no rounds", Options{Devices: 1, Endpoint: "http://x"}},
		{"no endpoint", Options{Devices: 1, Rounds: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Dir = t.TempDir()
			if _, err := NewFleet(tt.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestFleet_ConcurrentDevicesConverge(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	f := newFleet(t, 4, 3, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stats, err := f.Run(ctx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if stats.Errors != 0 {
		t.Errorf("Got %d failed rounds", stats.Errors)
	}
	if stats.TotalRounds != 12 {
		t.Errorf("Expected 12 rounds, got %d", stats.TotalRounds)
	}

	if err := f.VerifyConvergence(ctx); err != nil {
		t.Fatalf("VerifyConvergence() failed: %v", err)
	}

	// Shared conversation plus 4 devices x 3 rounds x 2 messages.
	got, err := fingerprint(ctx, f.Devices[0].store)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1+24 {
		t.Errorf("Expected 25 records, got %d", len(got))
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond || stats.P95 != 96*time.Millisecond || stats.P99 != 100*time.Millisecond {
		t.Errorf("P50/P95/P99 = %v/%v/%v", stats.P50, stats.P95, stats.P99)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v", stats.Mean)
	}
	if stats.TotalRounds != 100 {
		t.Errorf("TotalRounds = %d", stats.TotalRounds)
	}

	if empty := computeLatencyStats(nil); empty.TotalRounds != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	computeLatencyStats([]time.Duration{time.Millisecond}).PrintStats(&buf)
	if !strings.Contains(buf.String(), "Total Rounds:  1") {
		t.Errorf("output = %q", buf.String())
	}
}
