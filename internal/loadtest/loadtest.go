// Package loadtest drives many simulated devices against one sync endpoint.
//
// Every device owns a full local replica (database, settings, engine) and
// belongs to the same user. Devices edit concurrently, including renaming
// one shared conversation so that last-write-wins conflicts occur, and the
// run reports sync round latency. VerifyConvergence then checks that every
// replica ended up with identical records.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lumen-chat/chatsync/internal/db"
	"github.com/lumen-chat/chatsync/internal/retry"
	"github.com/lumen-chat/chatsync/internal/schema"
	"github.com/lumen-chat/chatsync/internal/settings"
	chatsync "github.com/lumen-chat/chatsync/internal/sync"
	"github.com/lumen-chat/chatsync/internal/tracker"
)

// Options configures a fleet.
type Options struct {
	Devices          int
	Rounds           int
	MessagesPerRound int

	// Endpoint and Token address the sync endpoint. All devices share the
	// token, so they sync the same user's history.
	Endpoint string
	Token    string

	// Dir holds one replica directory per device.
	Dir string

	// Logger for engine diagnostics (default: discard).
	Logger *log.Logger
}

// LatencyStats captures sync round latency.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalRounds int
	Errors      int
	Durations   []time.Duration
}

// Device is one simulated client.
type Device struct {
	Name     string
	store    *db.DB
	settings *settings.Store
	tracker  *tracker.Tracker
	engine   *chatsync.Engine
}

// Fleet is a set of devices sharing one endpoint.
type Fleet struct {
	opts    Options
	Devices []*Device
	shared  string
}

// NewFleet creates the device replicas.
func NewFleet(opts Options) (*Fleet, error) {
	if opts.Devices < 1 || opts.Rounds < 1 || opts.MessagesPerRound < 0 {
		return nil, fmt.Errorf("devices and rounds must be positive")
	}
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	f := &Fleet{opts: opts}
	for i := 0; i < opts.Devices; i++ {
		d, err := newDevice(opts, fmt.Sprintf("device-%03d", i))
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		f.Devices = append(f.Devices, d)
	}
	return f, nil
}

func newDevice(opts Options, name string) (*Device, error) {
	dir := filepath.Join(opts.Dir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	store, err := db.Open(filepath.Join(dir, "chatsync.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	kv, err := settings.Open(filepath.Join(dir, "settings.db"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	tr := tracker.New(store)
	transport := chatsync.NewHTTPTransport(opts.Endpoint, chatsync.StaticToken(opts.Token), 30*time.Second)
	engine, err := chatsync.New(store, tr, kv, transport, &chatsync.Config{
		Retry:  retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond},
		Logger: opts.Logger,
	})
	if err != nil {
		_ = kv.Close()
		_ = store.Close()
		return nil, err
	}

	return &Device{Name: name, store: store, settings: kv, tracker: tr, engine: engine}, nil
}

// Close closes every replica.
func (f *Fleet) Close() error {
	var firstErr error
	for _, d := range f.Devices {
		if err := d.settings.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := d.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Run seeds a shared conversation, then lets every device edit and sync
// concurrently for the configured number of rounds.
func (f *Fleet) Run(ctx context.Context) (*LatencyStats, error) {
	if err := f.seed(ctx); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, len(f.Devices))
	errorsChan := make(chan error, len(f.Devices)*f.opts.Rounds)

	for _, d := range f.Devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()

			durations := make([]time.Duration, 0, f.opts.Rounds)
			for round := 0; round < f.opts.Rounds; round++ {
				if err := f.edit(ctx, d, round); err != nil {
					errorsChan <- err
					return
				}

				start := time.Now()
				_, err := d.engine.TriggerSync(ctx, chatsync.Options{})
				elapsed := time.Since(start)
				if err != nil {
					errorsChan <- fmt.Errorf("%s round %d failed: %w", d.Name, round, err)
					continue
				}
				durations = append(durations, elapsed)
			}
			resultsChan <- durations
		}(d)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		f.opts.Logger.Printf("WARNING: %v", err)
		errs = append(errs, err)
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		if len(errs) > 0 {
			return nil, fmt.Errorf("no successful sync rounds: %w", errs[0])
		}
		return nil, fmt.Errorf("no successful sync rounds")
	}

	stats := computeLatencyStats(all)
	stats.Errors = len(errs)
	return stats, nil
}

// seed creates the shared conversation on the first device and
// distributes it to the rest.
func (f *Fleet) seed(ctx context.Context) error {
	first := f.Devices[0]
	c, err := first.tracker.CreateConversation(ctx, tracker.ConversationInput{Title: "Shared"})
	if err != nil {
		return fmt.Errorf("failed to seed: %w", err)
	}
	f.shared = c.ID

	for _, d := range f.Devices {
		if _, err := d.engine.TriggerSync(ctx, chatsync.Options{}); err != nil {
			return fmt.Errorf("%s initial sync failed: %w", d.Name, err)
		}
	}
	return nil
}

func (f *Fleet) edit(ctx context.Context, d *Device, round int) error {
	if _, err := d.tracker.UpdateConversation(ctx, f.shared, fmt.Sprintf("Renamed by %s in round %d", d.Name, round)); err != nil {
		return fmt.Errorf("%s rename failed: %w", d.Name, err)
	}
	for i := 0; i < f.opts.MessagesPerRound; i++ {
		parts, _ := json.Marshal([]map[string]string{{"type": "text", "text": fmt.Sprintf("%s r%d m%d", d.Name, round, i)}})
		if _, err := d.tracker.CreateMessage(ctx, tracker.MessageInput{
			ConversationID: f.shared,
			Role:           schema.RoleUser,
			Parts:          parts,
		}); err != nil {
			return fmt.Errorf("%s message failed: %w", d.Name, err)
		}
	}
	return nil
}

// VerifyConvergence syncs every device twice in turn, so each sees every
// other device's last upload, then checks that all replicas hold the same
// records at the same versions with nothing left dirty.
func (f *Fleet) VerifyConvergence(ctx context.Context) error {
	for pass := 0; pass < 2; pass++ {
		for _, d := range f.Devices {
			if _, err := d.engine.TriggerSync(ctx, chatsync.Options{}); err != nil {
				return fmt.Errorf("%s settle pass %d failed: %w", d.Name, pass, err)
			}
		}
	}

	var want []string
	for i, d := range f.Devices {
		dirty, err := d.store.CountDirty(ctx)
		if err != nil {
			return err
		}
		if dirty.Total() != 0 {
			return fmt.Errorf("%s still has %d dirty records", d.Name, dirty.Total())
		}

		got, err := fingerprint(ctx, d.store)
		if err != nil {
			return err
		}
		if i == 0 {
			want = got
			continue
		}
		if len(got) != len(want) {
			return fmt.Errorf("%s has %d records, %s has %d", d.Name, len(got), f.Devices[0].Name, len(want))
		}
		for j := range got {
			if got[j] != want[j] {
				return fmt.Errorf("%s diverged from %s: %s vs %s", d.Name, f.Devices[0].Name, got[j], want[j])
			}
		}
	}
	return nil
}

// fingerprint lists every record as "id@updatedAt:title-or-conversation".
func fingerprint(ctx context.Context, store *db.DB) ([]string, error) {
	all := db.ListOptions{IncludeDeleted: true}
	convs, err := store.ListConversations(ctx, all)
	if err != nil {
		return nil, err
	}
	msgs, err := store.ListMessages(ctx, all)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(convs)+len(msgs))
	for _, c := range convs {
		out = append(out, fmt.Sprintf("%s@%s:%s", c.ID, schema.FormatTime(c.UpdatedAt), c.Title))
	}
	for _, m := range msgs {
		out = append(out, fmt.Sprintf("%s@%s:%s", m.ID, schema.FormatTime(m.UpdatedAt), m.ConversationID))
	}
	sort.Strings(out)
	return out, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         sorted[len(sorted)*50/100],
		P95:         sorted[len(sorted)*95/100],
		P99:         sorted[len(sorted)*99/100],
		TotalRounds: len(durations),
		Durations:   sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Sync Round Latency:\n")
	fmt.Fprintf(w, "  Total Rounds:  %d\n", s.TotalRounds)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
