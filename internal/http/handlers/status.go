package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler serves liveness, readiness and build metadata.
type StatusHandler struct {
	pinger  Pinger
	env     string
	version string
	store   string
	started time.Time
}

func NewStatusHandler(pinger Pinger, env, version, store string) *StatusHandler {
	return &StatusHandler{pinger: pinger, env: env, version: version, store: store, started: time.Now()}
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	})
}

func (h *StatusHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if h.pinger == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "store": h.store})
		return
	}
	if err := h.pinger.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "store": h.store, "reason": "store_unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "store": h.store})
}

func (h *StatusHandler) Meta(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "PLN Credit Network",
		"version":     h.version,
		"env":         h.env,
		"store":       h.store,
		"server_time": time.Now().UTC(),
	})
}
