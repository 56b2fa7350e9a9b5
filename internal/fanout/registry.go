package fanout

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/edgewatch/popwatch/internal/metrics"
	"github.com/edgewatch/popwatch/internal/models"
	"github.com/edgewatch/popwatch/internal/utils"
)

// ErrClosed is returned by Conn.Send once the underlying transport is gone.
// The registry drops the connection when it sees this error.
var ErrClosed = errors.New("connection closed")

// Conn is one live subscriber transport.
type Conn interface {
	ID() string
	Send(event models.Event) error
	Close() error
}

// record tracks per-connection bookkeeping alongside the transport.
type record struct {
	conn            Conn
	connectedAt     time.Time
	lastSeen        time.Time
	lastBroadcastAt time.Time
	broadcastCount  uint64
	errorCount      uint64
	lastError       error
}

// lastActivity is the newest sign of life for a connection, inbound or
// outbound.
func (rec *record) lastActivity() time.Time {
	if rec.lastBroadcastAt.After(rec.lastSeen) {
		return rec.lastBroadcastAt
	}
	return rec.lastSeen
}

// Registry owns the set of live subscribers and fans events out to them.
// Delivery failures are isolated per connection.
type Registry struct {
	logger     *slog.Logger
	idleWindow time.Duration
	now        func() time.Time
	latency    *utils.LatencyTracker

	mu    sync.RWMutex
	conns map[string]*record
}

// NewRegistry constructs an empty subscriber registry. Connections idle
// longer than idleWindow are dropped by the eviction loop.
func NewRegistry(logger *slog.Logger, idleWindow time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if idleWindow <= 0 {
		idleWindow = 5 * time.Minute
	}
	return &Registry{
		logger:     logger,
		idleWindow: idleWindow,
		now:        time.Now,
		latency:    utils.NewLatencyTracker(256),
		conns:      make(map[string]*record),
	}
}

// Add registers a connection and publishes the new subscriber count.
func (r *Registry) Add(conn Conn) {
	now := r.now()
	r.mu.Lock()
	r.conns[conn.ID()] = &record{conn: conn, connectedAt: now, lastSeen: now}
	count := len(r.conns)
	r.mu.Unlock()

	metrics.SetSubscribers(count)
	r.logger.Info("subscriber connected",
		slog.String("conn_id", conn.ID()), slog.Int("subscribers", count))
}

// Remove drops a connection and closes its transport. Removing an unknown id
// is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	rec, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	count := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = rec.conn.Close()
	metrics.SetSubscribers(count)
	r.logger.Info("subscriber disconnected",
		slog.String("conn_id", id), slog.Int("subscribers", count))
}

// Touch marks a connection as recently active.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if rec, ok := r.conns[id]; ok {
		rec.lastSeen = r.now()
	}
	r.mu.Unlock()
}

// Count returns the current number of subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Broadcast sends event to every subscriber. A failing connection never
// blocks the others; connections reporting ErrClosed are removed. Every send
// attempt, successful or not, counts as activity on the connection.
func (r *Registry) Broadcast(event models.Event) models.BroadcastResult {
	start := time.Now()

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, rec := range r.conns {
		targets = append(targets, rec.conn)
	}
	r.mu.RUnlock()

	result := models.BroadcastResult{TotalClients: len(targets)}
	outcomes := make(map[string]error, len(targets))
	var closed []string

	for _, conn := range targets {
		err := conn.Send(event)
		outcomes[conn.ID()] = err
		if err != nil {
			result.FailedBroadcasts++
			if errors.Is(err, ErrClosed) {
				closed = append(closed, conn.ID())
			} else {
				r.logger.Warn("event delivery failed",
					slog.String("conn_id", conn.ID()),
					slog.String("event", string(event.Type)),
					slog.Any("error", err),
				)
			}
			continue
		}
		result.SuccessfulBroadcasts++
	}

	r.mu.Lock()
	now := r.now()
	for id, err := range outcomes {
		rec, ok := r.conns[id]
		if !ok {
			continue
		}
		rec.lastBroadcastAt = now
		rec.broadcastCount++
		if err != nil {
			rec.errorCount++
			rec.lastError = err
		}
	}
	r.mu.Unlock()

	for _, id := range closed {
		r.Remove(id)
	}
	metrics.AddBroadcastFailures(result.FailedBroadcasts)
	if result.TotalClients > 0 {
		r.latency.Observe(time.Since(start))
	}
	return result
}

// BroadcastP95 returns the 95th percentile of recent full-fanout durations.
func (r *Registry) BroadcastP95() time.Duration {
	return r.latency.Percentile(95)
}

// RunEviction drops idle connections on the given interval until ctx ends.
func (r *Registry) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	cutoff := r.now().Add(-r.idleWindow)

	r.mu.RLock()
	var stale []string
	for id, rec := range r.conns {
		// A listen-only peer that still receives broadcasts is not idle.
		if rec.lastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("evicting idle subscriber", slog.String("conn_id", id))
		r.Remove(id)
	}
}
