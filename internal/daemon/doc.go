// Package daemon keeps a replica in sync in the background.
//
// The daemon runs a sync round on startup, then on a fixed interval, and
// shortly after local writes to the database. Write detection uses fsnotify
// on the database's directory, filtered to the database file and its
// -wal, -shm and -journal sidecars.
//
// # Debouncing
//
// File events only record the time of the latest activity. A round is
// triggered once activity has been quiet for DebounceInterval and the store
// reports dirty records. Sync rounds write to the database too (clean
// marking, remote merges) but leave nothing dirty, so they never trigger a
// follow-up round.
//
//	d, err := daemon.NewWithConfig(engine, store, &daemon.Config{
//	    SyncInterval:     time.Minute,
//	    DebounceInterval: 2 * time.Second,
//	    WatchPath:        store.Path(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Overlap
//
// Every round goes through TryTriggerSync. A tick that fires while a round
// is running is counted as skipped rather than queued.
//
// # Graceful Shutdown
//
// Start blocks until its context is cancelled or Stop is called. Stop
// closes the watcher and waits for the scheduling goroutines; a round that
// is mid-flight finishes first.
package daemon
