package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/edgewatch/popwatch/internal/config"
	"github.com/edgewatch/popwatch/internal/fanout"
	"github.com/edgewatch/popwatch/internal/gate"
	"github.com/edgewatch/popwatch/internal/models"
	"github.com/edgewatch/popwatch/internal/repo"
)

// AlertReader exposes the read-side alert queries served over HTTP.
type AlertReader interface {
	Find(ctx context.Context, filter models.AlertFilter) ([]models.AlertRecord, error)
	FindByID(ctx context.Context, id string) (models.AlertRecord, error)
	Count(ctx context.Context, filter models.AlertFilter) (int, error)
}

// Handlers bundles the dependencies behind the HTTP and WebSocket surface.
type Handlers struct {
	logger   *slog.Logger
	alerts   AlertReader
	gates    *gate.Registry
	registry *fanout.Registry
	source   fanout.SnapshotSource
	cfg      config.FanoutConfig
	upgrader websocket.Upgrader
}

// NewHandlers wires the API surface. source may be nil, in which case welcome
// frames omit the snapshot.
func NewHandlers(
	logger *slog.Logger,
	alerts AlertReader,
	gates *gate.Registry,
	registry *fanout.Registry,
	source fanout.SnapshotSource,
	cfg config.FanoutConfig,
) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		logger:   logger,
		alerts:   alerts,
		gates:    gates,
		registry: registry,
		source:   source,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards are served from other origins in localdev.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin engine with all routes attached.
func (h *Handlers) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger())

	router.GET("/healthz", h.handleHealth)
	router.GET("/ws", h.handleWS)

	v1 := router.Group("/api/v1")
	{
		v1.GET("/alerts", h.handleListAlerts)
		v1.GET("/alerts/:id", h.handleGetAlert)
		v1.GET("/breakers", h.handleBreakers)
		v1.GET("/stats", h.handleStats)
	}
	return router
}

func (h *Handlers) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" {
			return
		}
		h.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (h *Handlers) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) handleListAlerts(c *gin.Context) {
	filter := models.AlertFilter{
		Pop:    c.Query("pop"),
		Kind:   c.Query("kind"),
		Status: models.AlertStatus(c.Query("status")),
	}

	records, err := h.alerts.Find(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("list alerts", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert store unavailable"})
		return
	}
	if records == nil {
		records = []models.AlertRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": records, "count": len(records)})
}

func (h *Handlers) handleGetAlert(c *gin.Context) {
	rec, err := h.alerts.FindByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repo.ErrAlertNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		h.logger.Error("get alert", slog.String("id", c.Param("id")), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert store unavailable"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": h.gates.Snapshots()})
}

func (h *Handlers) handleStats(c *gin.Context) {
	active, err := h.alerts.Count(c.Request.Context(), models.AlertFilter{Status: models.StatusActive})
	if err != nil {
		h.logger.Warn("count active alerts", slog.Any("error", err))
		active = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"subscribers":      h.registry.Count(),
		"active_alerts":    active,
		"broadcast_p95_ms": h.registry.BroadcastP95().Milliseconds(),
		"breakers":         h.gates.Snapshots(),
	})
}

// welcomeFrame is the first event pushed to a new subscriber.
type welcomeFrame struct {
	ConnectionID string             `json:"connection_id"`
	Message      string             `json:"message"`
	Subscribers  int                `json:"subscribers"`
	Snapshot     []repo.PopSnapshot `json:"snapshot,omitempty"`
}

func (h *Handlers) handleWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	conn := fanout.NewWSConn(ws, h.cfg.WriteTimeout)
	h.registry.Add(conn)

	welcome := welcomeFrame{
		ConnectionID: conn.ID(),
		Message:      "connected to popwatch live stream",
		Subscribers:  h.registry.Count(),
	}
	if h.source != nil {
		if snaps, err := h.source.Snapshot(c.Request.Context(), h.cfg.SnapshotWindow); err == nil {
			welcome.Snapshot = snaps
		} else {
			h.logger.Debug("welcome snapshot unavailable", slog.Any("error", err))
		}
	}
	if err := conn.Send(models.NewEvent(models.EventWelcome, welcome)); err != nil {
		h.registry.Remove(conn.ID())
		return
	}

	go h.pingLoop(conn)
	go h.readLoop(conn.ID(), ws)
}

// pingLoop keeps listen-only peers alive: each ping solicits a pong, which
// the read loop treats as activity. Exits once the transport is closed.
func (h *Handlers) pingLoop(conn *fanout.WSConn) {
	interval := h.cfg.IdleWindow / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if err := conn.Ping(); err != nil {
			return
		}
	}
}

// readLoop drains inbound frames so pongs and closes are processed, marking
// the connection active on every pong or message. It exits when the peer
// goes away.
func (h *Handlers) readLoop(id string, ws *websocket.Conn) {
	defer h.registry.Remove(id)

	extend := func() {
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.IdleWindow))
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		h.registry.Touch(id)
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		extend()
		h.registry.Touch(id)
	}
}
