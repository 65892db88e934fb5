package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lumen-chat/chatsync/internal/schema"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, now time.Time) (*httptest.Server, *Store) {
	t.Helper()

	store, err := OpenStore(DialectSQLite, filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("OpenStore() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	srv, err := New(store, StaticTokens{"tok-alice": "alice", "tok-bob": "bob"}, &Config{
		Logger: log.New(io.Discard, "", 0),
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postSync(t *testing.T, ts *httptest.Server, token string, req *schema.SyncRequest) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	httpReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/sync", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("POST /sync failed: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func conv(id, title string, updated time.Time) *schema.Conversation {
	return &schema.Conversation{ID: id, Title: title, CreatedAt: t0, UpdatedAt: updated, IsDirty: true}
}

func msg(id, convID string, updated time.Time) *schema.Message {
	return &schema.Message{
		ID:             id,
		ConversationID: convID,
		Role:           schema.RoleUser,
		Parts:          json.RawMessage(`[{"type":"text","text":"hi"}]`),
		CreatedAt:      t0,
		UpdatedAt:      updated,
		IsDirty:        true,
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, t0)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("GET /health = %d %v", resp.StatusCode, body)
	}
}

func TestSync_RequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t, t0)

	for _, token := range []string{"", "wrong"} {
		resp, data := postSync(t, ts, token, &schema.SyncRequest{LastSyncAt: schema.Epoch()})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
		var body schema.ErrorBody
		_ = json.Unmarshal(data, &body)
		if body.Error != "Unauthorized" {
			t.Errorf("token %q: body = %s", token, data)
		}
	}
}

func TestSync_InvalidBody(t *testing.T) {
	ts, _ := newTestServer(t, t0)

	httpReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/sync", bytes.NewReader([]byte(`{"data":{}}`)))
	httpReq.Header.Set("Authorization", "Bearer tok-alice")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSync_StoresAndServesOtherDevices(t *testing.T) {
	syncedAt := t0.Add(time.Hour)
	ts, _ := newTestServer(t, syncedAt)

	// Device A uploads a conversation with one message.
	resp, data := postSync(t, ts, "tok-alice", &schema.SyncRequest{
		LastSyncAt: schema.Epoch(),
		Data: schema.SyncData{
			Conversations: []*schema.Conversation{conv("c1", "hello", t0)},
			Messages:      []*schema.Message{msg("m1", "c1", t0)},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, data)
	}
	out, err := schema.DecodeSyncResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.SyncedAt.Equal(syncedAt) {
		t.Errorf("syncedAt = %v, want %v", out.SyncedAt, syncedAt)
	}
	want := &schema.AcceptedIDs{Conversations: []string{"c1"}, Messages: []string{"m1"}}
	if diff := cmp.Diff(want, out.Accepted); diff != "" {
		t.Errorf("accepted mismatch (-want +got):\n%s", diff)
	}
	if len(out.Conversations) != 1 || len(out.Messages) != 1 {
		t.Fatalf("uploader got %d/%d records back, want its stored versions 1/1", len(out.Conversations), len(out.Messages))
	}
	if echoed := out.Conversations[0]; echoed.UserID != "alice" || echoed.LastSyncedAt == nil || !echoed.LastSyncedAt.Equal(syncedAt) {
		t.Errorf("echoed conversation = %+v, want the stored row", echoed)
	}
	if echoed := out.Messages[0]; echoed.UserID != "alice" || echoed.IsDirty {
		t.Errorf("echoed message = %+v, want the stored row", echoed)
	}

	// Device B of the same user pulls everything.
	_, data = postSync(t, ts, "tok-alice", &schema.SyncRequest{LastSyncAt: schema.Epoch()})
	out, err = schema.DecodeSyncResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Conversations) != 1 || len(out.Messages) != 1 {
		t.Fatalf("device B got %d/%d records, want 1/1", len(out.Conversations), len(out.Messages))
	}
	got := out.Conversations[0]
	if got.UserID != "alice" || got.IsDirty || got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(syncedAt) {
		t.Errorf("stored conversation = %+v", got)
	}

	// Another user sees nothing.
	_, data = postSync(t, ts, "tok-bob", &schema.SyncRequest{LastSyncAt: schema.Epoch()})
	out, _ = schema.DecodeSyncResponse(data)
	if len(out.Conversations) != 0 {
		t.Errorf("bob sees %d conversations, want 0", len(out.Conversations))
	}
}

func TestSync_DeltaSinceWatermark(t *testing.T) {
	ts, _ := newTestServer(t, t0.Add(time.Hour))

	postSync(t, ts, "tok-alice", &schema.SyncRequest{
		LastSyncAt: schema.Epoch(),
		Data:       schema.SyncData{Conversations: []*schema.Conversation{conv("c1", "a", t0)}},
	})

	_, data := postSync(t, ts, "tok-alice", &schema.SyncRequest{LastSyncAt: t0.Add(2 * time.Hour)})
	out, err := schema.DecodeSyncResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Conversations) != 0 {
		t.Errorf("delta after watermark returned %d conversations, want 0", len(out.Conversations))
	}
}

func TestSync_StaleSubmissionIsSupersededAndReturned(t *testing.T) {
	ts, _ := newTestServer(t, t0.Add(time.Hour))

	postSync(t, ts, "tok-alice", &schema.SyncRequest{
		LastSyncAt: schema.Epoch(),
		Data:       schema.SyncData{Conversations: []*schema.Conversation{conv("c1", "newer", t0.Add(time.Minute))}},
	})

	// A second device submits an older edit with a recent watermark.
	_, data := postSync(t, ts, "tok-alice", &schema.SyncRequest{
		LastSyncAt: t0.Add(2 * time.Hour),
		Data:       schema.SyncData{Conversations: []*schema.Conversation{conv("c1", "older", t0)}},
	})
	out, err := schema.DecodeSyncResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"c1"}, out.Accepted.Conversations); diff != "" {
		t.Errorf("superseded record should be acknowledged (-want +got):\n%s", diff)
	}
	if len(out.Conversations) != 1 || out.Conversations[0].Title != "newer" {
		t.Errorf("response should carry the winning version, got %+v", out.Conversations)
	}
}

func TestSync_RejectsOrphansAndForeignRecords(t *testing.T) {
	ts, _ := newTestServer(t, t0.Add(time.Hour))

	postSync(t, ts, "tok-bob", &schema.SyncRequest{
		LastSyncAt: schema.Epoch(),
		Data:       schema.SyncData{Conversations: []*schema.Conversation{conv("bobs", "mine", t0)}},
	})

	_, data := postSync(t, ts, "tok-alice", &schema.SyncRequest{
		LastSyncAt: schema.Epoch(),
		Data: schema.SyncData{
			Conversations: []*schema.Conversation{conv("bobs", "hijack", t0.Add(time.Minute)), conv("c1", "ok", t0)},
			Messages:      []*schema.Message{msg("m1", "c1", t0), msg("orphan", "missing", t0), msg("m2", "bobs", t0)},
		},
	})
	out, err := schema.DecodeSyncResponse(data)
	if err != nil {
		t.Fatal(err)
	}

	want := &schema.AcceptedIDs{Conversations: []string{"c1"}, Messages: []string{"m1"}}
	if diff := cmp.Diff(want, out.Accepted); diff != "" {
		t.Errorf("accepted mismatch (-want +got):\n%s", diff)
	}
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	if got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"); got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("rebind() = %q", got)
	}
	lite := &Store{dialect: DialectSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind() = %q", got)
	}
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{"": DialectSQLite, "sqlite3": DialectSQLite, "Postgres": DialectPostgres, "postgresql": DialectPostgres} {
		got, err := ParseDialect(in)
		if err != nil || got != want {
			t.Errorf("ParseDialect(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDialect("mysql"); err == nil {
		t.Error("ParseDialect(mysql) should fail")
	}
}
