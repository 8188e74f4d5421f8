package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/reputation"
	"github.com/path-hq/pln-protocol-sub000/internal/http/middleware"
)

type ReputationService interface {
	GetProfile(ctx context.Context, identity string) (reputation.Profile, error)
	RegisterAgent(ctx context.Context, identity string) (reputation.Profile, bool, error)
	TierProgress(ctx context.Context, identity string) (reputation.TierProgress, error)
}

type AgentHandler struct {
	reputation ReputationService
}

func NewAgentHandler(reputation ReputationService) *AgentHandler {
	return &AgentHandler{reputation: reputation}
}

func (h *AgentHandler) GetProfile(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}
	profile, err := h.reputation.GetProfile(c.Request.Context(), identity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// Register creates a profile for the authenticated caller.
func (h *AgentHandler) Register(c *gin.Context) {
	profile, created, err := h.reputation.RegisterAgent(c.Request.Context(), middleware.Identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, profile)
}

func (h *AgentHandler) GetTier(c *gin.Context) {
	identity := strings.TrimSpace(c.Param("identity"))
	if identity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_identity"})
		return
	}
	progress, err := h.reputation.TierProgress(c.Request.Context(), identity)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}
