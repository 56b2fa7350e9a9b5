package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edgewatch/popwatch/internal/config"
	"github.com/edgewatch/popwatch/internal/fanout"
	"github.com/edgewatch/popwatch/internal/gate"
	"github.com/edgewatch/popwatch/internal/models"
	"github.com/edgewatch/popwatch/internal/repo"
)

type stubAlertReader struct {
	records    []models.AlertRecord
	lastFilter models.AlertFilter
	err        error
}

func (r *stubAlertReader) Find(_ context.Context, filter models.AlertFilter) ([]models.AlertRecord, error) {
	r.lastFilter = filter
	return r.records, r.err
}

func (r *stubAlertReader) FindByID(_ context.Context, id string) (models.AlertRecord, error) {
	if r.err != nil {
		return models.AlertRecord{}, r.err
	}
	for _, rec := range r.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return models.AlertRecord{}, repo.ErrAlertNotFound
}

func (r *stubAlertReader) Count(_ context.Context, filter models.AlertFilter) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	n := 0
	for _, rec := range r.records {
		if filter.Matches(rec) {
			n++
		}
	}
	return n, nil
}

func testFanoutConfig() config.FanoutConfig {
	return config.FanoutConfig{
		IdleWindow:     5 * time.Minute,
		SnapshotWindow: 5 * time.Minute,
		WriteTimeout:   time.Second,
	}
}

func newTestHandlers(reader *stubAlertReader) *Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gates := gate.NewRegistry(logger, gate.Config{FailureThreshold: 1, ResetTimeout: 30 * time.Second})
	registry := fanout.NewRegistry(logger, 5*time.Minute)
	return NewHandlers(logger, reader, gates, registry, nil, testFanoutConfig())
}

func doRequest(h *Handlers, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandlers(&stubAlertReader{})

	w := doRequest(h, http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestListAlertsAppliesFilter(t *testing.T) {
	reader := &stubAlertReader{records: []models.AlertRecord{
		{ID: "a1", Pop: "lax", Status: models.StatusActive},
	}}
	h := newTestHandlers(reader)

	w := doRequest(h, http.MethodGet, "/api/v1/alerts?pop=lax&status=active&kind=regression")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	want := models.AlertFilter{Pop: "lax", Kind: "regression", Status: models.StatusActive}
	if reader.lastFilter != want {
		t.Fatalf("filter not forwarded: %+v", reader.lastFilter)
	}

	var body struct {
		Count  int                  `json:"count"`
		Alerts []models.AlertRecord `json:"alerts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Count != 1 || body.Alerts[0].ID != "a1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestListAlertsEmptyIsArray(t *testing.T) {
	h := newTestHandlers(&stubAlertReader{})

	w := doRequest(h, http.MethodGet, "/api/v1/alerts")
	if !strings.Contains(w.Body.String(), `"alerts":[]`) {
		t.Fatalf("expected empty array, got %s", w.Body.String())
	}
}

func TestGetAlertByID(t *testing.T) {
	reader := &stubAlertReader{records: []models.AlertRecord{{ID: "a1", Pop: "fra"}}}
	h := newTestHandlers(reader)

	w := doRequest(h, http.MethodGet, "/api/v1/alerts/a1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doRequest(h, http.MethodGet, "/api/v1/alerts/missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStoreFailureIs500(t *testing.T) {
	h := newTestHandlers(&stubAlertReader{err: errors.New("redis down")})

	w := doRequest(h, http.MethodGet, "/api/v1/alerts")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestBreakersEndpointExposesState(t *testing.T) {
	h := newTestHandlers(&stubAlertReader{})
	_ = h.gates.Execute(context.Background(), "influx_fetch_samples", func(context.Context) error {
		return errors.New("backend down")
	})

	w := doRequest(h, http.MethodGet, "/api/v1/breakers")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "influx_fetch_samples") {
		t.Fatalf("breaker missing from response: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), string(gate.StateOpen)) {
		t.Fatalf("expected open state in response: %s", w.Body.String())
	}
}

func TestStatsEndpoint(t *testing.T) {
	reader := &stubAlertReader{records: []models.AlertRecord{
		{ID: "a1", Status: models.StatusActive},
		{ID: "a2", Status: models.StatusResolved},
	}}
	h := newTestHandlers(reader)

	w := doRequest(h, http.MethodGet, "/api/v1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body struct {
		Subscribers  int `json:"subscribers"`
		ActiveAlerts int `json:"active_alerts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Subscribers != 0 || body.ActiveAlerts != 1 {
		t.Fatalf("unexpected stats: %+v", body)
	}
}

func TestWebsocketWelcomeAndBroadcast(t *testing.T) {
	h := newTestHandlers(&stubAlertReader{})
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var welcome models.Event
	if err := ws.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != models.EventWelcome {
		t.Fatalf("expected welcome frame, got %s", welcome.Type)
	}

	// Registration may land just after the dial returns.
	deadline := time.After(time.Second)
	for h.registry.Count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("subscriber never registered")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	h.registry.Broadcast(models.NewEvent(models.EventAlertCreated, map[string]string{"pop": "lax"}))

	var event models.Event
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if event.Type != models.EventAlertCreated {
		t.Fatalf("expected alert_created, got %s", event.Type)
	}
}
