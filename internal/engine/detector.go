package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/edgewatch/popwatch/internal/config"
	"github.com/edgewatch/popwatch/internal/metrics"
	"github.com/edgewatch/popwatch/internal/models"
	"github.com/edgewatch/popwatch/internal/repo"
	"github.com/edgewatch/popwatch/internal/utils"
)

// ErrCycleInFlight signals that a cycle trigger was dropped because the
// previous cycle had not finished.
var ErrCycleInFlight = errors.New("detection cycle already in flight")

// MetricsReader provides the latency lookups the detector needs.
type MetricsReader interface {
	ActivePops(ctx context.Context, window time.Duration) ([]string, error)
	FetchSamples(ctx context.Context, pop string, start, stop time.Time) ([]repo.Sample, error)
}

// AlertHandler receives per-PoP scoring outcomes from each cycle.
type AlertHandler interface {
	HandleDetection(ctx context.Context, det models.DetectionResult) error
	HandleRecovery(ctx context.Context, det models.DetectionResult) error
}

// Detector periodically scores every active PoP's recent latency against its
// day-earlier baseline and hands anomalies and recoveries to the alert handler.
type Detector struct {
	logger  *slog.Logger
	cfg     config.DetectionConfig
	reader  MetricsReader
	handler AlertHandler
	now     func() time.Time
	latency *utils.LatencyTracker

	// mu enforces one cycle at a time. Triggers while a cycle runs are
	// dropped, not queued.
	mu     sync.Mutex
	cycles int
}

// NewDetector constructs a detector. handler may be nil for scoring-only use.
func NewDetector(logger *slog.Logger, cfg config.DetectionConfig, reader MetricsReader, handler AlertHandler) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		logger:  logger,
		cfg:     cfg,
		reader:  reader,
		handler: handler,
		now:     time.Now,
		latency: utils.NewLatencyTracker(128),
	}
}

// Run executes cycles on the configured interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("detection loop started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Duration("recent_window", d.cfg.RecentWindow),
		slog.Duration("baseline_offset", d.cfg.BaselineOffset),
	)

	// First cycle fires immediately so a restart does not wait a full
	// interval before resuming coverage.
	if _, err := d.Cycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
		d.logger.Error("detection cycle failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("detection loop stopped")
			return
		case <-ticker.C:
			if _, err := d.Cycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
				d.logger.Error("detection cycle failed", slog.Any("error", err))
			}
		}
	}
}

// Cycle scores every active PoP once. It returns ErrCycleInFlight without
// doing any work when another cycle holds the lock.
func (d *Detector) Cycle(ctx context.Context) (models.CycleResult, error) {
	if !d.mu.TryLock() {
		metrics.ObserveCycle(0, metrics.OutcomeSuppressed)
		return models.CycleResult{}, ErrCycleInFlight
	}
	defer d.mu.Unlock()

	started := d.now()
	result := models.CycleResult{StartedAt: started}

	pops, err := d.reader.ActivePops(ctx, d.cfg.RecentWindow)
	if err != nil {
		metrics.ObserveCycle(d.now().Sub(started), metrics.OutcomeError)
		return result, err
	}

	recent, baseline := utils.CycleWindows(started, d.cfg.RecentWindow, d.cfg.BaselineOffset)

	for _, pop := range pops {
		if ctx.Err() != nil {
			metrics.ObserveCycle(d.now().Sub(started), metrics.OutcomeError)
			return result, ctx.Err()
		}

		det, ok, err := d.evaluate(ctx, pop, recent, baseline)
		if err != nil {
			// One unreadable PoP must not sink the cycle.
			d.logger.Warn("skipping pop after query failure",
				slog.String("pop", pop), slog.Any("error", err))
			result.Skipped++
			continue
		}
		if !ok {
			result.Skipped++
			continue
		}
		result.Evaluated++

		switch {
		case det.IsAnomaly:
			result.Detections = append(result.Detections, det)
			d.logger.Warn("latency regression detected",
				slog.String("pop", det.Pop),
				slog.Float64("z_score", det.ZScore),
				slog.Float64("percent_increase", det.PercentIncrease),
			)
		case d.isRecovery(det):
			result.Resolutions = append(result.Resolutions, det)
		}
	}

	// Scoring finishes for every PoP before any alert work starts, so one
	// slow hand-off cannot skew a later PoP's window.
	d.handOff(ctx, result)

	result.Duration = d.now().Sub(started)
	metrics.ObserveCycle(result.Duration, metrics.OutcomeSuccess)
	metrics.AddDetections(len(result.Detections))

	d.latency.Observe(result.Duration)
	d.cycles++
	if d.cycles%20 == 0 {
		d.logger.Info("cycle latency",
			slog.Duration("p50", d.latency.Percentile(50)),
			slog.Duration("p95", d.latency.Percentile(95)),
		)
	}

	d.logger.Info("detection cycle complete",
		slog.Int("evaluated", result.Evaluated),
		slog.Int("skipped", result.Skipped),
		slog.Int("detections", len(result.Detections)),
		slog.Int("resolutions", len(result.Resolutions)),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// handOff delivers the cycle's batched outcomes to the alert handler. Handler
// failures are logged per item and never abort the batch.
func (d *Detector) handOff(ctx context.Context, result models.CycleResult) {
	if d.handler == nil {
		return
	}
	for _, det := range result.Detections {
		if err := d.handler.HandleDetection(ctx, det); err != nil {
			d.logger.Error("alert handling failed",
				slog.String("pop", det.Pop), slog.Any("error", err))
		}
	}
	for _, det := range result.Resolutions {
		if err := d.handler.HandleRecovery(ctx, det); err != nil {
			d.logger.Error("recovery handling failed",
				slog.String("pop", det.Pop), slog.Any("error", err))
		}
	}
}

// evaluate scores one PoP. ok is false when the PoP lacks enough data to
// score, which is not an error.
func (d *Detector) evaluate(ctx context.Context, pop string, recent, baseline utils.TimeWindow) (models.DetectionResult, bool, error) {
	recentSamples, err := d.reader.FetchSamples(ctx, pop, recent.Start, recent.End)
	if err != nil {
		return models.DetectionResult{}, false, err
	}
	baselineSamples, err := d.reader.FetchSamples(ctx, pop, baseline.Start, baseline.End)
	if err != nil {
		return models.DetectionResult{}, false, err
	}

	if len(recentSamples) < d.cfg.MinSampleSize || len(baselineSamples) < d.cfg.MinSampleSize {
		d.logger.Debug("insufficient samples",
			slog.String("pop", pop),
			slog.Int("recent", len(recentSamples)),
			slog.Int("baseline", len(baselineSamples)),
		)
		return models.DetectionResult{}, false, nil
	}

	recentMean := mean(values(recentSamples))
	baselineValues := values(baselineSamples)
	baselineMean := mean(baselineValues)
	baselineStd := stddev(baselineValues, baselineMean)

	// A flat baseline gives no scale for scoring.
	if baselineStd == 0 || baselineMean == 0 {
		d.logger.Debug("degenerate baseline", slog.String("pop", pop))
		return models.DetectionResult{}, false, nil
	}

	zScore := (recentMean - baselineMean) / baselineStd
	percentIncrease := (recentMean - baselineMean) / baselineMean * 100

	det := models.DetectionResult{
		Pop:             pop,
		IsAnomaly:       zScore > d.cfg.RegressionThreshold && recentMean > baselineMean,
		ZScore:          zScore,
		PercentIncrease: percentIncrease,
		RecentMean:      recentMean,
		BaselineMean:    baselineMean,
		SampleSize:      len(recentSamples),
		Timestamp:       d.now().UTC(),
	}
	return det, true, nil
}

// isRecovery reports whether a non-anomalous score is calm enough to retire an
// active alert. Scores between the resolution and regression thresholds are
// deliberately left alone so alerts do not flap.
func (d *Detector) isRecovery(det models.DetectionResult) bool {
	return !det.IsAnomaly &&
		det.ZScore < d.cfg.ResolutionThreshold &&
		det.PercentIncrease < d.cfg.ResolutionPercentMax
}

func values(samples []repo.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// stddev is the population standard deviation around the given mean.
func stddev(vals []float64, mu float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		diff := v - mu
		sum += diff * diff
	}
	return math.Sqrt(sum / float64(len(vals)))
}
