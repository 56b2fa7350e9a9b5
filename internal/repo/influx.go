package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"github.com/influxdata/influxdb-client-go/v2/domain"

	"github.com/edgewatch/popwatch/internal/cache"
	"github.com/edgewatch/popwatch/internal/config"
	"github.com/edgewatch/popwatch/internal/gate"
	"github.com/edgewatch/popwatch/internal/utils"
)

// Gate operation names. List and sample queries run under distinct breakers so
// an outage affecting one query shape does not necessarily block the other.
const (
	opListPops     = "influx_list_pops"
	opFetchSamples = "influx_fetch_samples"
	opSnapshot     = "influx_snapshot"
	opHealth       = "influx_health"
)

const (
	cacheKeyActivePops = "popwatch:cache:active_pops"
	cacheKeySnapshot   = "popwatch:cache:snapshot"
)

// Sample is one latency observation for a PoP.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// PopSnapshot is the latest aggregate view of one PoP for live streaming.
type PopSnapshot struct {
	Pop    string  `json:"pop_code"`
	MeanMs float64 `json:"mean_latency_ms"`
}

// fluxResult is the subset of the Influx result iterator the reader consumes.
type fluxResult interface {
	Next() bool
	Record() *query.FluxRecord
	Err() error
}

// fluxQuerier abstracts the Influx query API so tests can inject fakes.
type fluxQuerier interface {
	Query(ctx context.Context, flux string) (fluxResult, error)
}

// healthChecker is satisfied by influxdb2.Client.
type healthChecker interface {
	Health(ctx context.Context) (*domain.HealthCheck, error)
}

type influxQuerier struct {
	api api.QueryAPI
}

func (q influxQuerier) Query(ctx context.Context, flux string) (fluxResult, error) {
	res, err := q.api.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res, nil
}

// InfluxReader issues time-windowed latency queries against the metrics
// backend, protected by the query gate and retried with backoff.
type InfluxReader struct {
	logger  *slog.Logger
	cfg     config.InfluxConfig
	client  influxdb2.Client
	querier fluxQuerier
	health  healthChecker
	gate    *gate.Registry
	cache   cache.Provider
	popsTTL time.Duration
	snapTTL time.Duration
	sleep   func(time.Duration)
}

// NewInfluxReader constructs a reader targeting the configured InfluxDB
// instance and registers per-operation breakers with their query timeouts.
func NewInfluxReader(
	logger *slog.Logger,
	cfg config.InfluxConfig,
	breaker config.BreakerConfig,
	gateReg *gate.Registry,
	cacheProvider cache.Provider,
	popsTTL, snapTTL time.Duration,
) *InfluxReader {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	base := gate.Config{
		FailureThreshold: breaker.FailureThreshold,
		ResetTimeout:     breaker.ResetTimeout,
		MonitoringPeriod: breaker.MonitoringPeriod,
	}
	listCfg := base
	listCfg.CallTimeout = cfg.ListTimeout
	sampleCfg := base
	sampleCfg.CallTimeout = cfg.SampleTimeout
	snapCfg := base
	snapCfg.CallTimeout = cfg.SnapshotTimeout
	gateReg.Configure(opListPops, listCfg)
	gateReg.Configure(opFetchSamples, sampleCfg)
	gateReg.Configure(opSnapshot, snapCfg)

	return &InfluxReader{
		logger:  logger,
		cfg:     cfg,
		client:  client,
		querier: influxQuerier{api: client.QueryAPI(cfg.Org)},
		health:  client,
		gate:    gateReg,
		cache:   cacheProvider,
		popsTTL: popsTTL,
		snapTTL: snapTTL,
		sleep:   time.Sleep,
	}
}

// Close releases the underlying Influx client.
func (r *InfluxReader) Close() {
	if r.client != nil {
		r.client.Close()
	}
}

// ActivePops returns the distinct PoP codes that reported samples within window.
func (r *InfluxReader) ActivePops(ctx context.Context, window time.Duration) ([]string, error) {
	if data, err := r.cache.Get(ctx, cacheKeyActivePops); err == nil {
		var pops []string
		if err := json.Unmarshal(data, &pops); err == nil {
			return pops, nil
		}
	}

	flux := r.activePopsFlux(window)
	var pops []string
	err := r.query(ctx, opListPops, flux, func(res fluxResult) error {
		for res.Next() {
			if code, ok := res.Record().ValueByKey("_value").(string); ok && code != "" {
				pops = append(pops, code)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(pops); err == nil {
		if err := r.cache.Set(ctx, cacheKeyActivePops, data, r.popsTTL); err != nil {
			r.logger.Debug("cache active pops", slog.Any("error", err))
		}
	}
	return pops, nil
}

// FetchSamples returns the ordered latency samples for one PoP in [start, stop).
func (r *InfluxReader) FetchSamples(ctx context.Context, pop string, start, stop time.Time) ([]Sample, error) {
	if err := validatePopCode(pop); err != nil {
		return nil, utils.NewQueryError(opFetchSamples, utils.CategoryQuery, err)
	}

	flux := r.samplesFlux(pop, start, stop)
	var samples []Sample
	err := r.query(ctx, opFetchSamples, flux, func(res fluxResult) error {
		for res.Next() {
			rec := res.Record()
			value, ok := rec.Value().(float64)
			if !ok {
				continue
			}
			samples = append(samples, Sample{Timestamp: rec.Time(), Value: value})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// Snapshot returns the mean latency per PoP over the trailing window, used for
// live metrics_update broadcasts.
func (r *InfluxReader) Snapshot(ctx context.Context, window time.Duration) ([]PopSnapshot, error) {
	if data, err := r.cache.Get(ctx, cacheKeySnapshot); err == nil {
		var snaps []PopSnapshot
		if err := json.Unmarshal(data, &snaps); err == nil {
			return snaps, nil
		}
	}

	flux := r.snapshotFlux(window)
	var snaps []PopSnapshot
	err := r.query(ctx, opSnapshot, flux, func(res fluxResult) error {
		for res.Next() {
			rec := res.Record()
			code, ok := rec.ValueByKey("pop_code").(string)
			if !ok || code == "" {
				continue
			}
			mean, ok := rec.Value().(float64)
			if !ok {
				continue
			}
			snaps = append(snaps, PopSnapshot{Pop: code, MeanMs: mean})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(snaps); err == nil {
		if err := r.cache.Set(ctx, cacheKeySnapshot, data, r.snapTTL); err != nil {
			r.logger.Debug("cache snapshot", slog.Any("error", err))
		}
	}
	return snaps, nil
}

func (r *InfluxReader) activePopsFlux(window time.Duration) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r._field == %q)
  |> keep(columns: ["pop_code"])
  |> distinct(column: "pop_code")
`, r.cfg.Bucket, int(window.Seconds()), r.cfg.Measurement, r.cfg.Field)
}

func (r *InfluxReader) samplesFlux(pop string, start, stop time.Time) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r._field == %q)
  |> filter(fn: (r) => r.pop_code == %q)
  |> keep(columns: ["_time", "_value"])
  |> sort(columns: ["_time"])
`, r.cfg.Bucket, start.UTC().Format(time.RFC3339), stop.UTC().Format(time.RFC3339),
		r.cfg.Measurement, r.cfg.Field, pop)
}

func (r *InfluxReader) snapshotFlux(window time.Duration) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q)
  |> filter(fn: (r) => r._field == %q)
  |> group(columns: ["pop_code"])
  |> mean()
`, r.cfg.Bucket, int(window.Seconds()), r.cfg.Measurement, r.cfg.Field)
}

// query runs one gated query with health pre-check and retry on retryable
// categories. Circuit-open rejections are returned immediately.
func (r *InfluxReader) query(ctx context.Context, op, flux string, collect func(fluxResult) error) error {
	attempts := r.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			r.sleep(backoffDelay(attempt-1, r.cfg.RetryBaseDelay, r.cfg.RetryMaxDelay))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		err := r.gate.Execute(ctx, op, func(ctx context.Context) error {
			if err := r.ensureConnection(ctx); err != nil {
				return err
			}
			res, err := r.querier.Query(ctx, flux)
			if err != nil {
				return utils.NewQueryError(op, categorize(err), err)
			}
			if res == nil {
				return nil
			}
			if err := collect(res); err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return utils.NewQueryError(op, utils.CategoryQuery, err)
			}
			return nil
		})
		if err == nil {
			return nil
		}
		lastErr = err

		var open *gate.ErrCircuitOpen
		if errors.As(err, &open) {
			return err
		}
		if !utils.CategoryOf(err).Retryable() {
			return err
		}
		r.logger.Warn("influx query failed, retrying",
			slog.String("operation", op),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return lastErr
}

// ensureConnection verifies backend health before a query is issued. A failed
// health check fails the call fast without running the query.
func (r *InfluxReader) ensureConnection(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, r.healthTimeout())
	defer cancel()

	health, err := r.health.Health(hctx)
	if err != nil {
		return utils.NewQueryError(opHealth, categorize(err), err)
	}
	if health == nil || health.Status != domain.HealthCheckStatusPass {
		status := "unknown"
		if health != nil {
			status = string(health.Status)
		}
		return utils.NewQueryError(opHealth, utils.CategoryNetwork,
			fmt.Errorf("influx health status %s", status))
	}
	return nil
}

func (r *InfluxReader) healthTimeout() time.Duration {
	if r.cfg.HealthTimeout > 0 {
		return r.cfg.HealthTimeout
	}
	return 5 * time.Second
}

// categorize maps Influx client errors onto the failure taxonomy at the point
// the failure is detected.
func categorize(err error) utils.Category {
	var ierr *influxhttp.Error
	if errors.As(err, &ierr) {
		switch {
		case ierr.StatusCode == 401 || ierr.StatusCode == 403:
			return utils.CategoryAuth
		case ierr.StatusCode == 400 || ierr.StatusCode == 404 || ierr.StatusCode == 422:
			return utils.CategoryQuery
		case ierr.StatusCode >= 500:
			return utils.CategoryNetwork
		}
	}
	return utils.Categorize(err)
}

// backoffDelay computes min(base * 2^attempt, max) plus up to base of jitter.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max <= 0 {
		max = 5 * time.Second
	}
	delay := base << uint(attempt)
	if delay > max {
		delay = max
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}

func validatePopCode(pop string) error {
	if pop == "" {
		return fmt.Errorf("empty pop code")
	}
	for _, c := range pop {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("invalid pop code %q", pop)
		}
	}
	return nil
}
