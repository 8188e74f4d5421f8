package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/http/middleware"
)

type BorrowRequestService interface {
	PostBorrowRequest(ctx context.Context, in market.PostBorrowRequestInput) (market.BorrowRequest, error)
	CancelBorrowRequest(ctx context.Context, requestID, caller string) (market.BorrowRequest, error)
	MatchBorrowRequest(ctx context.Context, requestID string) (market.Loan, error)
	GetBorrowRequest(ctx context.Context, requestID string) (market.BorrowRequest, error)
	ListBorrowRequests(ctx context.Context, f market.RequestFilter) ([]market.BorrowRequest, error)
}

type BorrowRequestHandler struct {
	market BorrowRequestService
}

func NewBorrowRequestHandler(market BorrowRequestService) *BorrowRequestHandler {
	return &BorrowRequestHandler{market: market}
}

func (h *BorrowRequestHandler) ListRequests(c *gin.Context) {
	active, ok := parseBoolQuery(c, "active")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_active"})
		return
	}
	items, err := h.market.ListBorrowRequests(c.Request.Context(), market.RequestFilter{
		Borrower:   strings.TrimSpace(c.Query("borrower")),
		ActiveOnly: active == nil || *active,
		Limit:      parseLimit(c, 50, 500),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *BorrowRequestHandler) GetRequest(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("requestId"))
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_request_id"})
		return
	}
	req, err := h.market.GetBorrowRequest(c.Request.Context(), requestID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (h *BorrowRequestHandler) PostRequest(c *gin.Context) {
	var req struct {
		Amount          uint64 `json:"amount"`
		MaxRateBps      uint32 `json:"max_rate_bps"`
		DurationSeconds uint64 `json:"duration_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	out, err := h.market.PostBorrowRequest(c.Request.Context(), market.PostBorrowRequestInput{
		Borrower:        middleware.Identity(c),
		Amount:          req.Amount,
		MaxRateBps:      req.MaxRateBps,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func (h *BorrowRequestHandler) CancelRequest(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("requestId"))
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_request_id"})
		return
	}
	out, err := h.market.CancelBorrowRequest(c.Request.Context(), requestID, middleware.Identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *BorrowRequestHandler) MatchRequest(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("requestId"))
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_request_id"})
		return
	}
	loan, err := h.market.MatchBorrowRequest(c.Request.Context(), requestID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}
