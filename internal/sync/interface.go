package sync

import (
	"context"

	"github.com/lumen-chat/chatsync/internal/schema"
	"github.com/lumen-chat/chatsync/internal/tracker"
)

// Syncer is the surface the rest of the application uses to drive sync.
type Syncer interface {
	// TriggerSync runs one sync round, waiting for a round in progress to
	// finish first. The wait honours ctx.
	TriggerSync(ctx context.Context, opts Options) (*Result, error)

	// TryTriggerSync runs one sync round unless one is already running, in
	// which case it returns ErrSyncInProgress immediately.
	TryTriggerSync(ctx context.Context, opts Options) (*Result, error)

	// GetSyncStats reports whether an initial sync is needed and how many
	// records are pending.
	GetSyncStats(ctx context.Context) (tracker.SyncStats, error)

	// GetDirtyRecordsCount returns the number of records awaiting upload.
	GetDirtyRecordsCount(ctx context.Context) (tracker.DirtyCounts, error)
}

// Transport carries one sync exchange to the remote.
//
// Implementations should return *TransientError for failures worth
// retrying and *ProtocolError for answers that will not change on retry.
type Transport interface {
	Exchange(ctx context.Context, req *schema.SyncRequest) (*schema.SyncResponse, error)
}

// Settings is the durable key-value store holding the watermark.
type Settings interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Listener observes sync rounds. Callbacks run on the syncing goroutine and
// must not block.
type Listener interface {
	OnSyncStarted(opts Options)
	OnSyncComplete(result *Result)
	OnSyncFailed(err error)
}
