package fanout

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgewatch/popwatch/internal/models"
	"github.com/edgewatch/popwatch/internal/repo"
)

// SnapshotSource supplies the per-PoP aggregates streamed to subscribers.
type SnapshotSource interface {
	Snapshot(ctx context.Context, window time.Duration) ([]repo.PopSnapshot, error)
}

// Streamer pushes periodic metrics_update events to the registry. When nobody
// is subscribed it skips the backend query entirely.
type Streamer struct {
	logger   *slog.Logger
	source   SnapshotSource
	registry *Registry
	interval time.Duration
	window   time.Duration
}

// NewStreamer constructs a streamer over the given source and registry.
func NewStreamer(logger *slog.Logger, source SnapshotSource, registry *Registry, interval, window time.Duration) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Streamer{
		logger:   logger,
		source:   source,
		registry: registry,
		interval: interval,
		window:   window,
	}
}

// Run streams snapshots on the configured interval until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step(ctx)
		}
	}
}

func (s *Streamer) step(ctx context.Context) {
	if s.registry.Count() == 0 {
		return
	}

	snaps, err := s.source.Snapshot(ctx, s.window)
	if err != nil {
		s.logger.Warn("snapshot query failed", slog.Any("error", err))
		s.registry.Broadcast(models.NewEvent(models.EventError, map[string]string{
			"message": "metrics snapshot unavailable",
		}))
		return
	}

	s.registry.Broadcast(models.NewEvent(models.EventMetricsUpdate, snaps))
}
