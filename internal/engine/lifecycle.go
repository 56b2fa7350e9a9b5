package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgewatch/popwatch/internal/metrics"
	"github.com/edgewatch/popwatch/internal/models"
	"github.com/edgewatch/popwatch/internal/repo"
	"github.com/edgewatch/popwatch/internal/utils"
)

// criticalZScore is the score above which a regression is classed critical
// rather than high.
const criticalZScore = 3.5

// maxResolvePerPop bounds the defensive resolve-all loop on recovery.
const maxResolvePerPop = 8

// AlertStore persists alert records across cycles.
type AlertStore interface {
	FindOne(ctx context.Context, filter models.AlertFilter) (models.AlertRecord, error)
	Insert(ctx context.Context, rec models.AlertRecord) error
	Update(ctx context.Context, id string, patch models.AlertPatch) (models.AlertRecord, error)
}

// Broadcaster pushes lifecycle events to live subscribers.
type Broadcaster interface {
	Broadcast(event models.Event) models.BroadcastResult
}

// Notifier delivers best-effort out-of-band alert notifications.
type Notifier interface {
	Notify(ctx context.Context, rec models.AlertRecord)
}

// Lifecycle turns detector outcomes into alert records: it raises one alert
// per ongoing regression and retires it once the PoP recovers.
type Lifecycle struct {
	logger      *slog.Logger
	store       AlertStore
	broadcaster Broadcaster
	notifier    Notifier
	now         func() time.Time
	newID       func() string
	dispatch    func(func())
}

// NewLifecycle constructs a lifecycle manager. broadcaster and notifier may be
// nil; persistence is the only hard dependency.
func NewLifecycle(logger *slog.Logger, store AlertStore, broadcaster Broadcaster, notifier Notifier) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		logger:      logger,
		store:       store,
		broadcaster: broadcaster,
		notifier:    notifier,
		now:         time.Now,
		newID:       uuid.NewString,
		dispatch:    func(task func()) { go task() },
	}
}

// notify hands the record to the notifier on a detached task with its own
// deadline, so a slow webhook endpoint never stalls a detection cycle.
func (l *Lifecycle) notify(rec models.AlertRecord) {
	if l.notifier == nil {
		return
	}
	l.dispatch(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		l.notifier.Notify(ctx, rec)
	})
}

// HandleDetection raises an alert for det's PoP unless one is already active.
func (l *Lifecycle) HandleDetection(ctx context.Context, det models.DetectionResult) error {
	existing, err := l.store.FindOne(ctx, activeFilter(det.Pop))
	if err == nil {
		l.logger.Debug("regression already alerted",
			slog.String("pop", det.Pop), slog.String("alert_id", existing.ID))
		return nil
	}
	if !errors.Is(err, repo.ErrAlertNotFound) {
		return fmt.Errorf("dedup lookup for %s: %w", det.Pop, err)
	}

	rec := models.AlertRecord{
		ID:        l.newID(),
		Kind:      models.AlertKindRegression,
		Severity:  severityFor(det.ZScore),
		Status:    models.StatusActive,
		Pop:       det.Pop,
		Detail:    det,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert alert for %s: %w", det.Pop, err)
	}

	metrics.AlertCreated()
	l.logger.Info("alert raised",
		slog.String("alert_id", rec.ID),
		slog.String("pop", rec.Pop),
		slog.String("severity", string(rec.Severity)),
		slog.Float64("z_score", det.ZScore),
	)

	l.emit(models.EventAlertCreated, rec)
	l.notify(rec)
	return nil
}

// HandleRecovery retires every active alert for det's PoP. Normally there is
// at most one, but duplicates left by a crash mid-cycle are cleared too.
// Recoveries for PoPs without an active alert are silently ignored.
func (l *Lifecycle) HandleRecovery(ctx context.Context, det models.DetectionResult) error {
	for i := 0; i < maxResolvePerPop; i++ {
		existing, err := l.store.FindOne(ctx, activeFilter(det.Pop))
		if errors.Is(err, repo.ErrAlertNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recovery lookup for %s: %w", det.Pop, err)
		}
		if err := l.resolve(ctx, existing, det); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) resolve(ctx context.Context, existing models.AlertRecord, det models.DetectionResult) error {
	now := l.now().UTC()
	status := models.StatusResolved
	resolvedBy := models.ResolvedByDetector
	notes := fmt.Sprintf("latency returned to baseline (z=%.2f, +%.1f%%)", det.ZScore, det.PercentIncrease)
	durationMs := utils.DurationMillis(existing.CreatedAt, now)

	updated, err := l.store.Update(ctx, existing.ID, models.AlertPatch{
		Status:          &status,
		ResolvedAt:      &now,
		ResolvedBy:      &resolvedBy,
		ResolutionNotes: &notes,
		DurationMs:      &durationMs,
	})
	if err != nil {
		return fmt.Errorf("resolve alert %s: %w", existing.ID, err)
	}

	metrics.AlertResolved()
	l.logger.Info("alert resolved",
		slog.String("alert_id", updated.ID),
		slog.String("pop", updated.Pop),
		slog.Int64("duration_ms", updated.DurationMs),
	)

	l.emit(models.EventAlertResolved, updated)
	l.notify(updated)
	return nil
}

func (l *Lifecycle) emit(eventType models.EventType, rec models.AlertRecord) {
	if l.broadcaster == nil {
		return
	}
	res := l.broadcaster.Broadcast(models.NewEvent(eventType, rec))
	if res.FailedBroadcasts > 0 {
		l.logger.Warn("partial event delivery",
			slog.String("event", string(eventType)),
			slog.Int("failed", res.FailedBroadcasts),
			slog.Int("total", res.TotalClients),
		)
	}
}

func activeFilter(pop string) models.AlertFilter {
	return models.AlertFilter{
		Pop:    pop,
		Kind:   models.AlertKindRegression,
		Status: models.StatusActive,
	}
}

func severityFor(zScore float64) models.Severity {
	if zScore > criticalZScore {
		return models.SeverityCritical
	}
	return models.SeverityHigh
}
