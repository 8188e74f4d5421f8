package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/http/middleware"
)

type OfferService interface {
	PostOffer(ctx context.Context, in market.PostOfferInput) (market.Offer, error)
	CancelOffer(ctx context.Context, offerID, caller string) (market.Offer, error)
	AcceptOffer(ctx context.Context, in market.AcceptOfferInput) (market.Loan, error)
	GetOffer(ctx context.Context, offerID string) (market.Offer, error)
	ListActiveOffers(ctx context.Context, f market.OfferFilter) ([]market.Offer, error)
}

type OfferHandler struct {
	market OfferService
}

func NewOfferHandler(market OfferService) *OfferHandler {
	return &OfferHandler{market: market}
}

func (h *OfferHandler) ListOffers(c *gin.Context) {
	filter := market.OfferFilter{
		Lender: strings.TrimSpace(c.Query("lender")),
		Source: market.Source(strings.ToLower(strings.TrimSpace(c.Query("source")))),
		Limit:  parseLimit(c, 50, 500),
	}
	switch filter.Source {
	case "", market.SourceDirect, market.SourceRouter:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_source"})
		return
	}
	if raw := strings.TrimSpace(c.Query("max_min_reputation")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_max_min_reputation"})
			return
		}
		rep := uint16(v)
		filter.MinReputationAtMost = &rep
	}
	active, ok := parseBoolQuery(c, "active")
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_active"})
		return
	}
	filter.IsActive = active

	items, err := h.market.ListActiveOffers(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *OfferHandler) GetOffer(c *gin.Context) {
	offerID := strings.TrimSpace(c.Param("offerId"))
	if offerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_offer_id"})
		return
	}
	offer, err := h.market.GetOffer(c.Request.Context(), offerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *OfferHandler) PostOffer(c *gin.Context) {
	var req struct {
		Amount             uint64 `json:"amount"`
		MinRateBps         uint32 `json:"min_rate_bps"`
		MaxDurationSeconds uint64 `json:"max_duration_seconds"`
		MinReputation      uint16 `json:"min_reputation"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	offer, err := h.market.PostOffer(c.Request.Context(), market.PostOfferInput{
		Lender:             middleware.Identity(c),
		Amount:             req.Amount,
		MinRateBps:         req.MinRateBps,
		MaxDurationSeconds: req.MaxDurationSeconds,
		MinReputation:      req.MinReputation,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, offer)
}

func (h *OfferHandler) CancelOffer(c *gin.Context) {
	offerID := strings.TrimSpace(c.Param("offerId"))
	if offerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_offer_id"})
		return
	}
	offer, err := h.market.CancelOffer(c.Request.Context(), offerID, middleware.Identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *OfferHandler) AcceptOffer(c *gin.Context) {
	offerID := strings.TrimSpace(c.Param("offerId"))
	if offerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_offer_id"})
		return
	}
	var req struct {
		Amount          uint64 `json:"amount"`
		DurationSeconds uint64 `json:"duration_seconds"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	loan, err := h.market.AcceptOffer(c.Request.Context(), market.AcceptOfferInput{
		OfferID:         offerID,
		Borrower:        middleware.Identity(c),
		Amount:          req.Amount,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loan)
}
