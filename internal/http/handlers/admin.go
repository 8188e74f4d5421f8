package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/auth"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/admin"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
	"github.com/path-hq/pln-protocol-sub000/internal/http/middleware"
	"github.com/path-hq/pln-protocol-sub000/internal/jobs"
)

type AdminService interface {
	SetPassiveRate(ctx context.Context, actor string, rateBps uint32) (router.PoolState, error)
	SetFeeRates(ctx context.Context, actor string, in router.FeeRatesInput) (router.PoolState, error)
	RequeueJob(ctx context.Context, actor string, jobID int64) (jobs.OutboxJob, error)
	ListJobs(ctx context.Context, status string, limit int32) ([]jobs.OutboxJob, error)
	ListAudit(ctx context.Context, limit int32) ([]admin.AuditEntry, error)
}

type TokenIssuer interface {
	IssueToken(identity, role string) (string, error)
}

type AdminHandler struct {
	admin  AdminService
	tokens TokenIssuer
}

func NewAdminHandler(svc AdminService, tokens TokenIssuer) *AdminHandler {
	return &AdminHandler{admin: svc, tokens: tokens}
}

func (h *AdminHandler) SetPassiveRate(c *gin.Context) {
	var req struct {
		RateBps *uint32 `json:"rate_bps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RateBps == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pool, err := h.admin.SetPassiveRate(c.Request.Context(), middleware.Identity(c), *req.RateBps)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

func (h *AdminHandler) SetFeeRates(c *gin.Context) {
	var req struct {
		InsuranceFeeBps *uint32 `json:"insurance_fee_bps"`
		ProtocolFeeBps  *uint32 `json:"protocol_fee_bps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pool, err := h.admin.SetFeeRates(c.Request.Context(), middleware.Identity(c), router.FeeRatesInput{
		InsuranceFeeBps: req.InsuranceFeeBps,
		ProtocolFeeBps:  req.ProtocolFeeBps,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

func (h *AdminHandler) RequeueJob(c *gin.Context) {
	jobID, err := strconv.ParseInt(strings.TrimSpace(c.Param("jobId")), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_job_id"})
		return
	}
	job, err := h.admin.RequeueJob(c.Request.Context(), middleware.Identity(c), jobID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *AdminHandler) ListJobs(c *gin.Context) {
	items, err := h.admin.ListJobs(c.Request.Context(), c.Query("status"), int32(parseLimit(c, 100, 500)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *AdminHandler) ListAudit(c *gin.Context) {
	items, err := h.admin.ListAudit(c.Request.Context(), int32(parseLimit(c, 100, 500)))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// IssueToken mints an access token on behalf of the wallet-auth collaborator.
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req struct {
		Identity string `json:"identity"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(req.Role) == "" {
		req.Role = auth.RoleAgent
	}
	token, err := h.tokens.IssueToken(req.Identity, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidIdentity):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_identity"})
		case errors.Is(err, auth.ErrInvalidRole):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"access_token": token, "token_type": "Bearer"})
}
