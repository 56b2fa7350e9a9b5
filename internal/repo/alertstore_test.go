package repo

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/edgewatch/popwatch/internal/config"
	"github.com/edgewatch/popwatch/internal/models"
)

func alertFixture(id string) models.AlertRecord {
	return models.AlertRecord{
		ID:       id,
		Kind:     models.AlertKindRegression,
		Severity: models.SeverityHigh,
		Status:   models.StatusActive,
		Pop:      "lax",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAlertStoreKeyScheme(t *testing.T) {
	s := &RedisAlertStore{prefix: "popwatch:alerts"}

	tests := []struct {
		got  string
		want string
	}{
		{s.recordKey("abc-123"), "popwatch:alerts:record:abc-123"},
		{s.idsKey(), "popwatch:alerts:ids"},
		{s.popKey("lax"), "popwatch:alerts:idx:pop:lax"},
		{s.kindKey("regression"), "popwatch:alerts:idx:kind:regression"},
		{s.statusKey("active"), "popwatch:alerts:idx:status:active"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("expected %q, got %q", tc.want, tc.got)
		}
	}
}

func TestAlertStoreRequiresAddr(t *testing.T) {
	if _, err := NewRedisAlertStore(discardLogger(), config.AlertsConfig{}); err == nil {
		t.Fatalf("expected error for missing addr")
	}
}

func TestInsertRequiresID(t *testing.T) {
	s := &RedisAlertStore{logger: discardLogger(), prefix: "popwatch:alerts"}
	if err := s.Insert(context.Background(), alertFixture("")); err == nil {
		t.Fatalf("expected error for record without id")
	}
}
