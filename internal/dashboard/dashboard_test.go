package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"

	"github.com/lumen-chat/chatsync/internal/db"
	chatsync "github.com/lumen-chat/chatsync/internal/sync"
	"github.com/lumen-chat/chatsync/internal/tracker"
)

type fakeSource struct {
	statsCalls  atomic.Int32
	countsCalls atomic.Int32
	stats       tracker.SyncStats
	counts      tracker.DirtyCounts
	err         error
}

func (f *fakeSource) GetSyncStats(context.Context) (tracker.SyncStats, error) {
	f.statsCalls.Add(1)
	return f.stats, f.err
}

func (f *fakeSource) GetDirtyRecordsCount(context.Context) (tracker.DirtyCounts, error) {
	f.countsCalls.Add(1)
	return f.counts, f.err
}

func newFakeSource() *fakeSource {
	counts := tracker.DirtyCounts{Conversations: 1, Messages: 2, Total: 3}
	return &fakeSource{
		stats:  tracker.SyncStats{NeedsInitialSync: true, PendingChanges: counts},
		counts: counts,
	}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
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

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quietLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.Addr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Addr() = %q, want the bound address", addr)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}

	// Broadcasting after Stop must not block.
	server.Broadcast(Message{Type: MessageTypeStats})
}

func TestStopWithoutStart(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})
	if err := server.Stop(); err != nil {
		t.Errorf("Stop() without Start() failed: %v", err)
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	server := startServer(t)
	source := newFakeSource()
	h := NewHandler(server, source, quietLogger())
	h.RefreshStats(context.Background())
	h.RefreshCounts(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	first := readMessage(t, ctx, conn)
	if first.Type != MessageTypeStats {
		t.Fatalf("first message type = %s, want %s", first.Type, MessageTypeStats)
	}
	var stats tracker.SyncStats
	if err := json.Unmarshal(first.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(source.stats, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	second := readMessage(t, ctx, conn)
	if second.Type != MessageTypeDirtyCounts {
		t.Fatalf("second message type = %s, want %s", second.Type, MessageTypeDirtyCounts)
	}
	var counts tracker.DirtyCounts
	if err := json.Unmarshal(second.Data, &counts); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(source.counts, counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}

	waitForClients(t, server, 1)
}

func TestSyncEventsAreBroadcast(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, newFakeSource(), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	waitForClients(t, server, 1)

	h.OnSyncStarted(chatsync.Options{ForceFullSync: true})
	msg := readMessage(t, ctx, conn)
	var started SyncStartedData
	if err := json.Unmarshal(msg.Data, &started); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypeSyncStarted || !started.ForceFullSync {
		t.Errorf("got %s %s", msg.Type, msg.Data)
	}

	syncedAt := time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
	h.OnSyncComplete(&chatsync.Result{
		SyncedAt: syncedAt,
		Duration: 1500 * time.Millisecond,
		Attempts: 2,
		Sent:     db.Counts{Conversations: 1, Messages: 4},
		Received: db.Counts{Messages: 2},
		Applied:  2,
		Cleaned:  5,
	})
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeSyncComplete {
		t.Fatalf("type = %s, want %s", msg.Type, MessageTypeSyncComplete)
	}
	var complete SyncCompleteData
	if err := json.Unmarshal(msg.Data, &complete); err != nil {
		t.Fatal(err)
	}
	want := SyncCompleteData{SyncedAt: syncedAt, DurationMs: 1500, Attempts: 2, Sent: 5, Received: 2, Applied: 2, Cleaned: 5}
	if diff := cmp.Diff(want, complete); diff != "" {
		t.Errorf("sync_complete mismatch (-want +got):\n%s", diff)
	}

	// A completed round is followed by fresh stats and counts.
	if got := readMessage(t, ctx, conn).Type; got != MessageTypeStats {
		t.Errorf("type = %s, want %s", got, MessageTypeStats)
	}
	if got := readMessage(t, ctx, conn).Type; got != MessageTypeDirtyCounts {
		t.Errorf("type = %s, want %s", got, MessageTypeDirtyCounts)
	}

	h.OnSyncFailed(&chatsync.TransientError{StatusCode: 503})
	msg = readMessage(t, ctx, conn)
	var failed SyncFailedData
	if err := json.Unmarshal(msg.Data, &failed); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypeSyncFailed || !failed.Transient || failed.Error == "" {
		t.Errorf("got %s %s", msg.Type, msg.Data)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)
	h := NewHandler(server, newFakeSource(), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, ctx, server)
	}
	waitForClients(t, server, 3)

	h.OnSyncStarted(chatsync.Options{})
	for i, conn := range conns {
		if got := readMessage(t, ctx, conn).Type; got != MessageTypeSyncStarted {
			t.Errorf("client %d got %s", i, got)
		}
	}

	conns[0].Close(websocket.StatusNormalClosure, "")
	waitForClients(t, server, 2)
}

func TestPoll(t *testing.T) {
	server := startServer(t)
	source := newFakeSource()
	h := NewHandler(server, source, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Poll(ctx, 10*time.Millisecond, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for source.statsCalls.Load() < 3 || source.countsCalls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("polls: stats=%d counts=%d", source.statsCalls.Load(), source.countsCalls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	stats, counts := h.GetStats()
	if stats == nil || counts == nil || counts.Total != 3 {
		t.Errorf("GetStats() = %+v, %+v", stats, counts)
	}
}

func TestRefresh_ErrorKeepsPreviousValue(t *testing.T) {
	server := startServer(t)
	source := newFakeSource()
	h := NewHandler(server, source, quietLogger())

	h.RefreshCounts(context.Background())
	source.err = errors.New("database is locked")
	h.RefreshCounts(context.Background())

	_, counts := h.GetStats()
	if counts == nil || counts.Total != 3 {
		t.Errorf("counts = %+v, want previous value kept", counts)
	}
}

func TestHealthAndStatsEndpoints(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})
	h := NewHandler(server, newFakeSource(), quietLogger())
	h.RefreshCounts(context.Background())

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if _, ok := stats["dirty_counts"]; !ok {
		t.Errorf("stats = %v, want dirty_counts", stats)
	}
	if _, ok := stats["stats"]; ok {
		t.Error("stats were never polled and should be absent")
	}
}

func TestBroadcast_DropsClientWithFullQueue(t *testing.T) {
	server := NewServer(&Config{Logger: quietLogger()})
	defer server.Stop()

	// A registered client nobody drains.
	stuck := &client{send: make(chan []byte, clientQueue), done: make(chan struct{})}
	server.mu.Lock()
	server.clients[stuck] = struct{}{}
	server.mu.Unlock()

	for i := 0; i < clientQueue; i++ {
		server.Broadcast(Message{Type: MessageTypeStats})
	}
	if got := server.ClientCount(); got != 1 {
		t.Fatalf("ClientCount() = %d after filling the queue, want 1", got)
	}

	server.Broadcast(Message{Type: MessageTypeStats})
	if got := server.ClientCount(); got != 0 {
		t.Fatalf("ClientCount() = %d after overflow, want 0", got)
	}
	select {
	case <-stuck.done:
	default:
		t.Fatal("dropped client was not signalled")
	}
	if stuck.closeCode != websocket.StatusPolicyViolation {
		t.Errorf("close code = %v, want %v", stuck.closeCode, websocket.StatusPolicyViolation)
	}
}
