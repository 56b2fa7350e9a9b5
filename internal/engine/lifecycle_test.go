package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgewatch/popwatch/internal/models"
	"github.com/edgewatch/popwatch/internal/repo"
)

type memStore struct {
	records map[string]models.AlertRecord
	inserts int
	failAll error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]models.AlertRecord)}
}

func (s *memStore) FindOne(_ context.Context, filter models.AlertFilter) (models.AlertRecord, error) {
	if s.failAll != nil {
		return models.AlertRecord{}, s.failAll
	}
	for _, rec := range s.records {
		if filter.Matches(rec) {
			return rec, nil
		}
	}
	return models.AlertRecord{}, repo.ErrAlertNotFound
}

func (s *memStore) Insert(_ context.Context, rec models.AlertRecord) error {
	if s.failAll != nil {
		return s.failAll
	}
	s.inserts++
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) Update(_ context.Context, id string, patch models.AlertPatch) (models.AlertRecord, error) {
	if s.failAll != nil {
		return models.AlertRecord{}, s.failAll
	}
	rec, ok := s.records[id]
	if !ok {
		return models.AlertRecord{}, repo.ErrAlertNotFound
	}
	rec.Apply(patch)
	s.records[id] = rec
	return rec, nil
}

type memBroadcaster struct {
	events []models.Event
}

func (b *memBroadcaster) Broadcast(event models.Event) models.BroadcastResult {
	b.events = append(b.events, event)
	return models.BroadcastResult{TotalClients: 1, SuccessfulBroadcasts: 1}
}

type memNotifier struct {
	notified []models.AlertRecord
}

func (n *memNotifier) Notify(_ context.Context, rec models.AlertRecord) {
	n.notified = append(n.notified, rec)
}

var lifecycleTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLifecycle(store AlertStore) (*Lifecycle, *memBroadcaster, *memNotifier) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broadcaster := &memBroadcaster{}
	notifier := &memNotifier{}
	l := NewLifecycle(logger, store, broadcaster, notifier)
	l.now = func() time.Time { return lifecycleTime }
	l.newID = func() string { return "alert-0001" }
	// Run notification tasks inline so assertions see them immediately.
	l.dispatch = func(task func()) { task() }
	return l, broadcaster, notifier
}

func detection(pop string, zScore float64) models.DetectionResult {
	return models.DetectionResult{
		Pop:             pop,
		IsAnomaly:       true,
		ZScore:          zScore,
		PercentIncrease: 30,
		RecentMean:      130,
		BaselineMean:    100,
		SampleSize:      42,
		Timestamp:       lifecycleTime,
	}
}

func TestDetectionRaisesAlert(t *testing.T) {
	store := newMemStore()
	l, broadcaster, notifier := newTestLifecycle(store)

	if err := l.HandleDetection(context.Background(), detection("lax", 3.0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, ok := store.records["alert-0001"]
	if !ok {
		t.Fatalf("alert not persisted")
	}
	if rec.Kind != models.AlertKindRegression || rec.Status != models.StatusActive {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Severity != models.SeverityHigh {
		t.Fatalf("z=3.0 should be high severity, got %s", rec.Severity)
	}
	if rec.Pop != "lax" || rec.Detail.ZScore != 3.0 {
		t.Fatalf("detection detail not carried: %+v", rec)
	}

	if len(broadcaster.events) != 1 || broadcaster.events[0].Type != models.EventAlertCreated {
		t.Fatalf("expected alert_created event, got %+v", broadcaster.events)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("notifier not invoked")
	}
}

func TestExtremeScoreIsCritical(t *testing.T) {
	store := newMemStore()
	l, _, _ := newTestLifecycle(store)

	if err := l.HandleDetection(context.Background(), detection("fra", 4.2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec := store.records["alert-0001"]; rec.Severity != models.SeverityCritical {
		t.Fatalf("z=4.2 should be critical, got %s", rec.Severity)
	}
}

func TestDetectionDeduplicatesActiveAlert(t *testing.T) {
	store := newMemStore()
	l, broadcaster, notifier := newTestLifecycle(store)

	if err := l.HandleDetection(context.Background(), detection("lax", 3.0)); err != nil {
		t.Fatalf("first detection: %v", err)
	}
	if err := l.HandleDetection(context.Background(), detection("lax", 3.4)); err != nil {
		t.Fatalf("repeat detection: %v", err)
	}

	if store.inserts != 1 {
		t.Fatalf("expected single insert, got %d", store.inserts)
	}
	if len(broadcaster.events) != 1 {
		t.Fatalf("repeat detection must not re-broadcast, got %d events", len(broadcaster.events))
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("repeat detection must not re-notify")
	}
}

func TestRecoveryResolvesActiveAlert(t *testing.T) {
	store := newMemStore()
	store.records["alert-0001"] = models.AlertRecord{
		ID:        "alert-0001",
		Kind:      models.AlertKindRegression,
		Severity:  models.SeverityHigh,
		Status:    models.StatusActive,
		Pop:       "lax",
		CreatedAt: lifecycleTime.Add(-10 * time.Minute),
	}
	l, broadcaster, notifier := newTestLifecycle(store)

	recovery := models.DetectionResult{Pop: "lax", ZScore: 0.4, PercentIncrease: 1.2}
	if err := l.HandleRecovery(context.Background(), recovery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := store.records["alert-0001"]
	if rec.Status != models.StatusResolved {
		t.Fatalf("expected resolved, got %s", rec.Status)
	}
	if rec.ResolvedBy != models.ResolvedByDetector {
		t.Fatalf("unexpected resolver: %q", rec.ResolvedBy)
	}
	if rec.ResolvedAt == nil || !rec.ResolvedAt.Equal(lifecycleTime) {
		t.Fatalf("unexpected resolve time: %v", rec.ResolvedAt)
	}
	if rec.DurationMs != 10*60*1000 {
		t.Fatalf("expected 600000ms duration, got %d", rec.DurationMs)
	}
	if rec.ResolutionNotes == "" {
		t.Fatalf("expected resolution notes")
	}

	if len(broadcaster.events) != 1 || broadcaster.events[0].Type != models.EventAlertResolved {
		t.Fatalf("expected alert_resolved event, got %+v", broadcaster.events)
	}
	if len(notifier.notified) != 1 {
		t.Fatalf("notifier not invoked on resolution")
	}
}

func TestRecoveryResolvesDuplicateActiveAlerts(t *testing.T) {
	store := newMemStore()
	for _, id := range []string{"dup-1", "dup-2"} {
		store.records[id] = models.AlertRecord{
			ID:        id,
			Kind:      models.AlertKindRegression,
			Status:    models.StatusActive,
			Pop:       "lax",
			CreatedAt: lifecycleTime.Add(-time.Hour),
		}
	}
	l, _, _ := newTestLifecycle(store)

	if err := l.HandleRecovery(context.Background(), models.DetectionResult{Pop: "lax"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for id, rec := range store.records {
		if rec.Status != models.StatusResolved {
			t.Fatalf("duplicate %s left unresolved", id)
		}
	}
}

func TestRecoveryLeavesResolvedRecordsUntouched(t *testing.T) {
	earlier := lifecycleTime.Add(-2 * time.Hour)
	original := models.AlertRecord{
		ID:              "old-1",
		Kind:            models.AlertKindRegression,
		Status:          models.StatusResolved,
		Pop:             "lax",
		CreatedAt:       lifecycleTime.Add(-3 * time.Hour),
		ResolvedAt:      &earlier,
		ResolvedBy:      models.ResolvedByDetector,
		ResolutionNotes: "latency returned to baseline (z=0.30, +2.0%)",
		DurationMs:      3600000,
	}
	store := newMemStore()
	store.records[original.ID] = original
	l, broadcaster, notifier := newTestLifecycle(store)

	if err := l.HandleRecovery(context.Background(), models.DetectionResult{Pop: "lax", ZScore: 0.1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.records[original.ID]
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(earlier) {
		t.Fatalf("resolved record re-stamped: %v", got.ResolvedAt)
	}
	if got.ResolutionNotes != original.ResolutionNotes || got.DurationMs != original.DurationMs {
		t.Fatalf("resolved record mutated: %+v", got)
	}
	if len(broadcaster.events) != 0 || len(notifier.notified) != 0 {
		t.Fatalf("resolved record must not trigger events or notifications")
	}
}

func TestRecoveryWithoutActiveAlertIsNoop(t *testing.T) {
	store := newMemStore()
	l, broadcaster, _ := newTestLifecycle(store)

	recovery := models.DetectionResult{Pop: "nrt", ZScore: 0.1}
	if err := l.HandleRecovery(context.Background(), recovery); err != nil {
		t.Fatalf("recovery without alert must be a noop, got %v", err)
	}
	if len(broadcaster.events) != 0 {
		t.Fatalf("no events expected, got %+v", broadcaster.events)
	}
}

type blockingNotifier struct {
	release chan struct{}
	done    chan struct{}
}

func (n *blockingNotifier) Notify(context.Context, models.AlertRecord) {
	<-n.release
	close(n.done)
}

func TestSlowNotifierDoesNotBlockDetection(t *testing.T) {
	store := newMemStore()
	notifier := &blockingNotifier{release: make(chan struct{}), done: make(chan struct{})}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewLifecycle(logger, store, nil, notifier)

	finished := make(chan error, 1)
	go func() {
		finished <- l.HandleDetection(context.Background(), detection("lax", 3.0))
	}()

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("detection handling blocked on the notifier")
	}

	close(notifier.release)
	select {
	case <-notifier.done:
	case <-time.After(time.Second):
		t.Fatalf("notification task never ran")
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	store := newMemStore()
	store.failAll = errors.New("redis down")
	l, _, _ := newTestLifecycle(store)

	if err := l.HandleDetection(context.Background(), detection("lax", 3.0)); err == nil {
		t.Fatalf("expected store failure to surface")
	}
}
