package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/edgewatch/popwatch/internal/config"
	"github.com/edgewatch/popwatch/internal/models"
)

// ErrAlertNotFound is returned when no alert record matches the lookup.
var ErrAlertNotFound = errors.New("alert not found")

// RedisAlertStore persists alert records in Redis. Each record lives under
// <prefix>:record:<id> as JSON, with set-based indexes per PoP, kind, and
// status so lifecycle lookups avoid full scans.
type RedisAlertStore struct {
	logger *slog.Logger
	client *redis.Client
	prefix string
}

// NewRedisAlertStore connects to the configured Redis instance and pings it to
// fail fast on bad connectivity.
func NewRedisAlertStore(logger *slog.Logger, cfg config.AlertsConfig) (*RedisAlertStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		return nil, errors.New("alerts redis addr is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "popwatch:alerts"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping alert store: %w", err)
	}

	return &RedisAlertStore{logger: logger, client: client, prefix: cfg.KeyPrefix}, nil
}

// Close releases the underlying Redis client.
func (s *RedisAlertStore) Close() error {
	return s.client.Close()
}

func (s *RedisAlertStore) recordKey(id string) string {
	return s.prefix + ":record:" + id
}

func (s *RedisAlertStore) idsKey() string {
	return s.prefix + ":ids"
}

func (s *RedisAlertStore) popKey(pop string) string {
	return s.prefix + ":idx:pop:" + pop
}

func (s *RedisAlertStore) kindKey(kind string) string {
	return s.prefix + ":idx:kind:" + kind
}

func (s *RedisAlertStore) statusKey(status models.AlertStatus) string {
	return s.prefix + ":idx:status:" + string(status)
}

// Insert stores a new alert record and registers it in the indexes.
func (s *RedisAlertStore) Insert(ctx context.Context, rec models.AlertRecord) error {
	if rec.ID == "" {
		return errors.New("alert record missing id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", rec.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), data, 0)
	pipe.SAdd(ctx, s.idsKey(), rec.ID)
	pipe.SAdd(ctx, s.popKey(rec.Pop), rec.ID)
	pipe.SAdd(ctx, s.kindKey(rec.Kind), rec.ID)
	pipe.SAdd(ctx, s.statusKey(rec.Status), rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("insert alert %s: %w", rec.ID, err)
	}
	return nil
}

// Update applies a patch to an existing record, moving it between status
// indexes when the patch changes the status. The updated record is returned.
func (s *RedisAlertStore) Update(ctx context.Context, id string, patch models.AlertPatch) (models.AlertRecord, error) {
	rec, err := s.FindByID(ctx, id)
	if err != nil {
		return models.AlertRecord{}, err
	}

	oldStatus := rec.Status
	rec.Apply(patch)

	data, err := json.Marshal(rec)
	if err != nil {
		return models.AlertRecord{}, fmt.Errorf("marshal alert %s: %w", id, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(id), data, 0)
	if rec.Status != oldStatus {
		pipe.SRem(ctx, s.statusKey(oldStatus), id)
		pipe.SAdd(ctx, s.statusKey(rec.Status), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.AlertRecord{}, fmt.Errorf("update alert %s: %w", id, err)
	}
	return rec, nil
}

// FindByID returns the record for id or ErrAlertNotFound.
func (s *RedisAlertStore) FindByID(ctx context.Context, id string) (models.AlertRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.AlertRecord{}, ErrAlertNotFound
	}
	if err != nil {
		return models.AlertRecord{}, fmt.Errorf("load alert %s: %w", id, err)
	}

	var rec models.AlertRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.AlertRecord{}, fmt.Errorf("decode alert %s: %w", id, err)
	}
	return rec, nil
}

// Find returns all records matching the filter, newest first.
func (s *RedisAlertStore) Find(ctx context.Context, filter models.AlertFilter) ([]models.AlertRecord, error) {
	ids, err := s.candidateIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}

	records := make([]models.AlertRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Record expired or deleted out from under its index entry.
			s.logger.Debug("dangling alert index entry", slog.String("id", ids[i]))
			continue
		}
		var rec models.AlertRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			s.logger.Warn("skipping undecodable alert record",
				slog.String("id", ids[i]), slog.Any("error", err))
			continue
		}
		// Index membership can lag a concurrent status change.
		if filter.Matches(rec) {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// FindOne returns the first record matching the filter or ErrAlertNotFound.
func (s *RedisAlertStore) FindOne(ctx context.Context, filter models.AlertFilter) (models.AlertRecord, error) {
	records, err := s.Find(ctx, filter)
	if err != nil {
		return models.AlertRecord{}, err
	}
	if len(records) == 0 {
		return models.AlertRecord{}, ErrAlertNotFound
	}
	return records[0], nil
}

// Count returns how many records match the filter.
func (s *RedisAlertStore) Count(ctx context.Context, filter models.AlertFilter) (int, error) {
	records, err := s.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// candidateIDs intersects whichever index sets the filter names, falling back
// to the full id set when the filter is empty.
func (s *RedisAlertStore) candidateIDs(ctx context.Context, filter models.AlertFilter) ([]string, error) {
	var keys []string
	if filter.Pop != "" {
		keys = append(keys, s.popKey(filter.Pop))
	}
	if filter.Kind != "" {
		keys = append(keys, s.kindKey(filter.Kind))
	}
	if filter.Status != "" {
		keys = append(keys, s.statusKey(filter.Status))
	}
	if len(keys) == 0 {
		keys = []string{s.idsKey()}
	}

	ids, err := s.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query alert indexes: %w", err)
	}
	return ids, nil
}
