package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgewatch/popwatch/internal/metrics"
	"github.com/edgewatch/popwatch/internal/utils"
)

// State identifies the breaker position for one protected operation.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls failure accounting for a single breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures within
	// MonitoringPeriod that trips the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a trial.
	ResetTimeout time.Duration
	// MonitoringPeriod bounds how long a consecutive-failure streak stays relevant.
	MonitoringPeriod time.Duration
	// CallTimeout is the hard deadline raced against every wrapped action.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.MonitoringPeriod <= 0 {
		c.MonitoringPeriod = time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	return c
}

// ErrCircuitOpen rejects a call without running the wrapped action.
type ErrCircuitOpen struct {
	Op         string
	RetryAfter time.Duration
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit %s open, retry in %s", e.Op, e.RetryAfter.Round(time.Millisecond))
}

// Counters accumulate cumulative per-breaker call statistics.
type Counters struct {
	Requests     uint64 `json:"requests"`
	Failures     uint64 `json:"failures"`
	Successes    uint64 `json:"successes"`
	StateChanges uint64 `json:"state_changes"`
}

// Snapshot is a point-in-time copy of one breaker's state for reporting.
type Snapshot struct {
	Op                  string     `json:"operation"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	NextTrialAt         *time.Time `json:"next_trial_at,omitempty"`
	Counters            Counters   `json:"counters"`
}

// Breaker guards one operation name with a closed/open/half-open state machine.
type Breaker struct {
	op     string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	consecFails   int
	lastFailureAt time.Time
	nextTrialAt   time.Time
	trialInFlight bool
	counters      Counters
}

func newBreaker(op string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		op:     op,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs action under the breaker's protection and a hard call timeout.
// A result arriving after the timeout has fired is discarded.
func (b *Breaker) Execute(ctx context.Context, action func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- action(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = utils.NewQueryError(b.op, utils.CategoryTimeout, callCtx.Err())
	}

	b.record(err)
	return err
}

// admit decides whether a call may proceed, handling open-state rejection and
// the single half-open trial slot.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.counters.Requests++

	switch b.state {
	case StateOpen:
		if now.Before(b.nextTrialAt) {
			return &ErrCircuitOpen{Op: b.op, RetryAfter: b.nextTrialAt.Sub(now)}
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return &ErrCircuitOpen{Op: b.op, RetryAfter: 0}
		}
		b.trialInFlight = true
		return nil
	default:
		// Stale failures outside the monitoring period do not accumulate.
		if b.consecFails > 0 && now.Sub(b.lastFailureAt) > b.cfg.MonitoringPeriod {
			b.consecFails = 0
		}
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}

	if err == nil {
		b.counters.Successes++
		b.consecFails = 0
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		return
	}

	b.counters.Failures++
	if b.consecFails > 0 && now.Sub(b.lastFailureAt) > b.cfg.MonitoringPeriod {
		b.consecFails = 0
	}
	b.lastFailureAt = now

	switch b.state {
	case StateHalfOpen:
		b.nextTrialAt = now.Add(b.cfg.ResetTimeout)
		b.transition(StateOpen)
	default:
		b.consecFails++
		if b.consecFails >= b.cfg.FailureThreshold {
			b.nextTrialAt = now.Add(b.cfg.ResetTimeout)
			b.transition(StateOpen)
		}
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.counters.StateChanges++
	metrics.ObserveBreakerTransition(b.op, string(to))
	b.logger.Warn("circuit state change",
		slog.String("operation", b.op),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("consecutive_failures", b.consecFails),
	)
}

// Snapshot copies the breaker state for reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Op:                  b.op,
		State:               b.state,
		ConsecutiveFailures: b.consecFails,
		Counters:            b.counters,
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		snap.LastFailureAt = &t
	}
	if !b.nextTrialAt.IsZero() {
		t := b.nextTrialAt
		snap.NextTrialAt = &t
	}
	return snap
}
