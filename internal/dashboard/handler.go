package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	chatsync "github.com/lumen-chat/chatsync/internal/sync"
	"github.com/lumen-chat/chatsync/internal/tracker"
)

// Default polling cadences for status queries.
const (
	DefaultStatsInterval  = 60 * time.Second
	DefaultCountsInterval = 30 * time.Second
)

// StatsSource answers the status queries the dashboard publishes.
// *sync.Engine implements it.
type StatsSource interface {
	GetSyncStats(ctx context.Context) (tracker.SyncStats, error)
	GetDirtyRecordsCount(ctx context.Context) (tracker.DirtyCounts, error)
}

// SyncStartedData is the payload of sync_started.
type SyncStartedData struct {
	ForceFullSync bool `json:"forceFullSync"`
}

// SyncCompleteData is the payload of sync_complete.
type SyncCompleteData struct {
	SyncedAt   time.Time `json:"syncedAt"`
	DurationMs int64     `json:"durationMs"`
	Attempts   int       `json:"attempts"`
	Sent       int       `json:"sent"`
	Received   int       `json:"received"`
	Applied    int       `json:"applied"`
	Kept       int       `json:"kept"`
	Cleaned    int       `json:"cleaned"`
	Rejected   int       `json:"rejected"`
}

// SyncFailedData is the payload of sync_failed.
type SyncFailedData struct {
	Error     string `json:"error"`
	Transient bool   `json:"transient"`
}

// Handler turns sync rounds and status polls into dashboard messages.
// It implements sync.Listener.
type Handler struct {
	server *Server
	source StatsSource
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	stats  *tracker.SyncStats
	counts *tracker.DirtyCounts
}

var _ chatsync.Listener = (*Handler)(nil)

// NewHandler creates a handler publishing to server. It registers itself
// as the server's connect snapshot.
func NewHandler(server *Server, source StatsSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	h := &Handler{
		server: server,
		source: source,
		logger: logger,
		now:    time.Now,
	}
	server.SetSnapshot(h.snapshot)
	return h
}

// OnSyncStarted implements sync.Listener.
func (h *Handler) OnSyncStarted(opts chatsync.Options) {
	h.publish(MessageTypeSyncStarted, SyncStartedData{ForceFullSync: opts.ForceFullSync})
}

// OnSyncComplete implements sync.Listener. Fresh stats follow the result.
func (h *Handler) OnSyncComplete(result *chatsync.Result) {
	h.publish(MessageTypeSyncComplete, SyncCompleteData{
		SyncedAt:   result.SyncedAt,
		DurationMs: result.Duration.Milliseconds(),
		Attempts:   result.Attempts,
		Sent:       result.Sent.Total(),
		Received:   result.Received.Total(),
		Applied:    result.Applied,
		Kept:       result.Kept,
		Cleaned:    result.Cleaned,
		Rejected:   len(result.Rejected),
	})
	h.RefreshStats(context.Background())
	h.RefreshCounts(context.Background())
}

// OnSyncFailed implements sync.Listener.
func (h *Handler) OnSyncFailed(err error) {
	h.publish(MessageTypeSyncFailed, SyncFailedData{Error: err.Error(), Transient: chatsync.IsTransient(err)})
}

// RefreshStats polls sync stats and broadcasts them.
func (h *Handler) RefreshStats(ctx context.Context) {
	stats, err := h.source.GetSyncStats(ctx)
	if err != nil {
		h.logger.Printf("WARNING: failed to read sync stats: %v", err)
		return
	}
	h.mu.Lock()
	h.stats = &stats
	h.mu.Unlock()
	h.publish(MessageTypeStats, stats)
}

// RefreshCounts polls dirty counts and broadcasts them.
func (h *Handler) RefreshCounts(ctx context.Context) {
	counts, err := h.source.GetDirtyRecordsCount(ctx)
	if err != nil {
		h.logger.Printf("WARNING: failed to read dirty counts: %v", err)
		return
	}
	h.mu.Lock()
	h.counts = &counts
	h.mu.Unlock()
	h.publish(MessageTypeDirtyCounts, counts)
}

// Poll refreshes stats and counts on their intervals until ctx is done.
// Both are refreshed once immediately. Non-positive intervals use the
// defaults.
func (h *Handler) Poll(ctx context.Context, statsEvery, countsEvery time.Duration) {
	if statsEvery <= 0 {
		statsEvery = DefaultStatsInterval
	}
	if countsEvery <= 0 {
		countsEvery = DefaultCountsInterval
	}

	h.RefreshStats(ctx)
	h.RefreshCounts(ctx)

	statsTicker := time.NewTicker(statsEvery)
	defer statsTicker.Stop()
	countsTicker := time.NewTicker(countsEvery)
	defer countsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statsTicker.C:
			h.RefreshStats(ctx)
		case <-countsTicker.C:
			h.RefreshCounts(ctx)
		}
	}
}

// GetStats returns the latest polled stats and counts, if any.
func (h *Handler) GetStats() (*tracker.SyncStats, *tracker.DirtyCounts) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats, h.counts
}

func (h *Handler) snapshot() []Message {
	stats, counts := h.GetStats()
	var out []Message
	if stats != nil {
		if msg, ok := h.message(MessageTypeStats, stats); ok {
			out = append(out, msg)
		}
	}
	if counts != nil {
		if msg, ok := h.message(MessageTypeDirtyCounts, counts); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (h *Handler) publish(typ MessageType, data any) {
	if msg, ok := h.message(typ, data); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) message(typ MessageType, data any) (Message, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return Message{}, false
	}
	return Message{Type: typ, Timestamp: h.now(), Data: raw}, true
}
