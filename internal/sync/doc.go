// Package sync reconciles the local record store with the remote sync endpoint.
//
// Overview
//
// One call to TriggerSync executes one round of the delta protocol:
//
//	Settings ("last-sync-at")      Record Store (dirty rows)
//	          │                            │
//	          └──────────┬─────────────────┘
//	                     ↓
//	          POST /sync {lastSyncAt, data}     ← retried with backoff
//	                     ↓
//	          {conversations, messages, syncedAt, accepted}
//	                     ↓
//	   ┌─────────────────┴──────────────────┐
//	   ↓                                    ↓
//	ApplyRemote (LWW per record)     MarkClean (acknowledged rows)
//	   └─────────────────┬──────────────────┘
//	                     ↓
//	          Settings ("last-sync-at" = syncedAt)
//
// The outgoing batch is a snapshot. Records edited while a round is in
// flight keep their dirty flag because MarkClean only clears rows whose
// updatedAt still matches the snapshot, and ApplyRemote never overwrites a
// strictly newer local version.
//
// Rounds are serialized per Engine. The watermark is written last, and only
// when both the apply and the clean step succeeded, so a failed round is
// simply repeated by the next one.
//
// Usage
//
//	store, _ := db.Open(filepath.Join(dataDir, "chatsync.db"))
//	kv, _ := settings.Open(filepath.Join(dataDir, "settings.db"))
//	transport := sync.NewHTTPTransport("https://api.example.com", sync.StaticToken(token), 30*time.Second)
//
//	engine, err := sync.New(store, nil, kv, transport, nil)
//	if err != nil {
//	    return err
//	}
//	result, err := engine.TriggerSync(ctx, sync.Options{})
//
// Errors
//
// Network failures are *TransientError and are retried by the engine's
// retry policy. Rejections and malformed answers from the remote are
// *ProtocolError and are not retried. Storage errors are returned as-is.
package sync
