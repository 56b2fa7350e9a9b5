package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/edgewatch/popwatch/internal/utils"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := newBreaker("test_op", cfg, nil)
	b.now = clock.Now
	return b, clock
}

var errBackend = errors.New("backend unavailable")

func failing(context.Context) error { return errBackend }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second, MonitoringPeriod: time.Minute})

	for i := 0; i < 5; i++ {
		if err := b.Execute(context.Background(), failing); !errors.Is(err, errBackend) {
			t.Fatalf("call %d: expected backend error, got %v", i, err)
		}
	}

	if snap := b.Snapshot(); snap.State != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", 5, snap.State)
	}

	invoked := false
	err := b.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatalf("action must not run while circuit is open")
	}
	if open.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", open.RetryAfter)
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 2, ResetTimeout: 30 * time.Second, MonitoringPeriod: time.Minute})

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	if snap := b.Snapshot(); snap.State != StateOpen {
		t.Fatalf("expected open, got %s", snap.State)
	}

	clock.Advance(31 * time.Second)

	release := make(chan error)
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Execute(context.Background(), func(context.Context) error {
			return <-release
		})
	}()

	// Wait until the trial has been admitted.
	deadline := time.After(time.Second)
	for {
		if snap := b.Snapshot(); snap.State == StateHalfOpen {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("trial was never admitted")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// A second call while the trial is pending is rejected.
	err := b.Execute(context.Background(), func(context.Context) error { return nil })
	var open *ErrCircuitOpen
	if !errors.As(err, &open) {
		t.Fatalf("expected concurrent call to be rejected, got %v", err)
	}

	release <- nil
	if err := <-trialDone; err != nil {
		t.Fatalf("trial should have succeeded, got %v", err)
	}
	if snap := b.Snapshot(); snap.State != StateClosed {
		t.Fatalf("expected closed after successful trial, got %s", snap.State)
	}
	if snap := b.Snapshot(); snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected failure count reset, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 2, ResetTimeout: 30 * time.Second, MonitoringPeriod: time.Minute})

	for i := 0; i < 2; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	clock.Advance(31 * time.Second)

	if err := b.Execute(context.Background(), failing); !errors.Is(err, errBackend) {
		t.Fatalf("expected trial to run and fail, got %v", err)
	}

	snap := b.Snapshot()
	if snap.State != StateOpen {
		t.Fatalf("expected reopen after failed trial, got %s", snap.State)
	}
	if snap.NextTrialAt == nil || !snap.NextTrialAt.After(clock.Now()) {
		t.Fatalf("expected nextTrialAt pushed forward, got %v", snap.NextTrialAt)
	}
}

func TestBreakerStaleFailuresReset(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second, MonitoringPeriod: time.Minute})

	for i := 0; i < 4; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	if snap := b.Snapshot(); snap.ConsecutiveFailures != 4 {
		t.Fatalf("expected 4 consecutive failures, got %d", snap.ConsecutiveFailures)
	}

	clock.Advance(2 * time.Minute)

	// The streak is stale; one more failure starts over at 1.
	_ = b.Execute(context.Background(), failing)
	snap := b.Snapshot()
	if snap.State != StateClosed {
		t.Fatalf("expected closed, got %s", snap.State)
	}
	if snap.ConsecutiveFailures != 1 {
		t.Fatalf("expected streak restart at 1, got %d", snap.ConsecutiveFailures)
	}
}

func TestBreakerTimeoutCountsAsFailure(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second, MonitoringPeriod: time.Minute, CallTimeout: 10 * time.Millisecond})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if utils.CategoryOf(err) != utils.CategoryTimeout {
		t.Fatalf("expected timeout category, got %v", err)
	}

	snap := b.Snapshot()
	if snap.Counters.Failures != 1 || snap.ConsecutiveFailures != 1 {
		t.Fatalf("timeout not counted as failure: %+v", snap)
	}
}

func TestBreakerCounters(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, ResetTimeout: 30 * time.Second, MonitoringPeriod: time.Minute})

	_ = b.Execute(context.Background(), func(context.Context) error { return nil })
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), func(context.Context) error { return nil }) // rejected: open

	snap := b.Snapshot()
	if snap.Counters.Requests != 4 {
		t.Fatalf("expected 4 requests, got %d", snap.Counters.Requests)
	}
	if snap.Counters.Successes != 1 || snap.Counters.Failures != 2 {
		t.Fatalf("unexpected counters: %+v", snap.Counters)
	}
	if snap.Counters.StateChanges != 1 {
		t.Fatalf("expected 1 state change, got %d", snap.Counters.StateChanges)
	}
}

func TestRegistryPerOperationConfig(t *testing.T) {
	reg := NewRegistry(nil, Config{FailureThreshold: 5})
	reg.Configure("fast_op", Config{FailureThreshold: 1, ResetTimeout: time.Second})

	_ = reg.Execute(context.Background(), "fast_op", failing)

	snaps := reg.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected one breaker, got %d", len(snaps))
	}
	if snaps[0].Op != "fast_op" || snaps[0].State != StateOpen {
		t.Fatalf("configured threshold not applied: %+v", snaps[0])
	}

	// Default config applies to unknown operations.
	_ = reg.Execute(context.Background(), "slow_op", failing)
	snaps = reg.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected two breakers, got %d", len(snaps))
	}
	if snaps[1].Op != "slow_op" || snaps[1].State != StateClosed {
		t.Fatalf("expected slow_op still closed: %+v", snaps[1])
	}
}
