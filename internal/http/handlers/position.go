package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
	"github.com/path-hq/pln-protocol-sub000/internal/http/middleware"
)

type RouterService interface {
	GetPosition(ctx context.Context, owner string) (router.Position, error)
	Deposit(ctx context.Context, owner string, amount uint64) (router.Position, error)
	Withdraw(ctx context.Context, owner string, amount uint64) (uint64, error)
	SetPolicy(ctx context.Context, owner string, in router.PolicyInput) (router.Position, error)
	Rebalance(ctx context.Context, owner string) (router.Position, error)
	Stats(ctx context.Context) (router.Stats, error)
}

type PositionHandler struct {
	router RouterService
}

func NewPositionHandler(router RouterService) *PositionHandler {
	return &PositionHandler{router: router}
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

func (h *PositionHandler) GetPosition(c *gin.Context) {
	owner := strings.TrimSpace(c.Param("owner"))
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_owner"})
		return
	}
	pos, err := h.router.GetPosition(c.Request.Context(), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (h *PositionHandler) Deposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pos, err := h.router.Deposit(c.Request.Context(), middleware.Identity(c), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (h *PositionHandler) Withdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	owner := middleware.Identity(c)
	withdrawn, err := h.router.Withdraw(c.Request.Context(), owner, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": owner, "withdrawn": withdrawn})
}

func (h *PositionHandler) SetPolicy(c *gin.Context) {
	var req struct {
		MinP2PRateBps      *uint32 `json:"min_p2p_rate_bps"`
		PoolBufferBps      *uint32 `json:"pool_buffer_bps"`
		AutoRoute          *bool   `json:"auto_route"`
		MaxDurationSeconds *uint64 `json:"max_duration_seconds"`
		MinReputation      *uint16 `json:"min_reputation"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pos, err := h.router.SetPolicy(c.Request.Context(), middleware.Identity(c), router.PolicyInput{
		MinP2PRateBps:      req.MinP2PRateBps,
		PoolBufferBps:      req.PoolBufferBps,
		AutoRoute:          req.AutoRoute,
		MaxDurationSeconds: req.MaxDurationSeconds,
		MinReputation:      req.MinReputation,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (h *PositionHandler) Rebalance(c *gin.Context) {
	pos, err := h.router.Rebalance(c.Request.Context(), middleware.Identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (h *PositionHandler) Stats(c *gin.Context) {
	stats, err := h.router.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
