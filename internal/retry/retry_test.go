package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// recordingSleep returns a SleepFunc that records requested delays without waiting.
func recordingSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: recordingSleep(&delays)}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if calls != 1 || len(delays) != 0 {
		t.Errorf("calls = %d, delays = %v", calls, delays)
	}
}

func TestDo_ExhaustsAttemptsWithBackoff(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: recordingSleep(&delays)}

	var attempts []int
	errs := []error{errors.New("one"), errors.New("two"), errors.New("three")}
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return errs[attempt-1]
	})

	if err != errs[2] {
		t.Errorf("Do() error = %v, want last error unmodified", err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, attempts); diff != "" {
		t.Errorf("attempts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]time.Duration{time.Second, 2 * time.Second}, delays); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}
}

func TestDo_RecoversOnThirdAttempt(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, Sleep: recordingSleep(&delays)}

	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if len(delays) != 2 {
		t.Errorf("delays = %v, want 2 waits", delays)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	var delays []time.Duration
	p := Policy{MaxAttempts: 5, Sleep: recordingSleep(&delays)}

	inner := errors.New("bad request")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(inner)
	})

	if err != inner {
		t.Errorf("Do() error = %v, want unwrapped permanent error", err)
	}
	if calls != 1 || len(delays) != 0 {
		t.Errorf("calls = %d, delays = %v; permanent errors must not retry", calls, delays)
	}
}

func TestDo_CancelledBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Hour,
		Sleep:       Sleep,
		OnRetry:     func(int, time.Duration, error) { cancel() },
	}

	opErr := errors.New("offline")
	calls := 0
	err := p.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return opErr
	})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	if !errors.Is(err, opErr) {
		t.Errorf("Do() error = %v, want it to carry the last attempt error", err)
	}
}

func TestDo_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := DefaultPolicy().Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.Canceled) || calls != 0 {
		t.Errorf("Do() error = %v, calls = %d", err, calls)
	}
}

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	inner := errors.New("x")
	err := Permanent(inner)
	if !IsPermanent(err) || !errors.Is(err, inner) {
		t.Errorf("Permanent(%v) = %v", inner, err)
	}
	if IsPermanent(inner) {
		t.Error("plain errors are not permanent")
	}
}
