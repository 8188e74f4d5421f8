package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/auth"
	"github.com/path-hq/pln-protocol-sub000/internal/config"
	"github.com/path-hq/pln-protocol-sub000/internal/http/handlers"
	"github.com/path-hq/pln-protocol-sub000/internal/http/middleware"
	"github.com/path-hq/pln-protocol-sub000/internal/version"
	"github.com/path-hq/pln-protocol-sub000/internal/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Dependencies struct {
	Pinger               handlers.Pinger
	Authenticator        middleware.Authenticator
	AgentHandler         *handlers.AgentHandler
	OfferHandler         *handlers.OfferHandler
	BorrowRequestHandler *handlers.BorrowRequestHandler
	LoanHandler          *handlers.LoanHandler
	PositionHandler      *handlers.PositionHandler
	AdminHandler         *handlers.AdminHandler
	WSHandler            *ws.Handler
}

func NewRouter(cfg config.Config, logger *slog.Logger, deps Dependencies) *gin.Engine {
	if cfg.Env == "prod" || cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		logger.Warn("invalid trusted proxies, using peer address only", "error", err)
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
	r.Use(middleware.Metrics())
	r.Use(middleware.RequestBodyLimit(cfg.RequestBodyLimitBytes))

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)

	status := handlers.NewStatusHandler(deps.Pinger, cfg.Env, version.Version, cfg.StoreDriver)

	r.GET("/health", status.Health)
	r.GET("/ready", status.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/v1/meta", status.Meta)

	if deps.WSHandler != nil {
		r.GET("/v1/ws", deps.WSHandler.HandleWebSocket)
	}

	// Reads are public and limited per client address.
	public := r.Group("/v1")
	public.Use(limiter.Handler())
	if deps.AgentHandler != nil {
		public.GET("/agents/:identity", deps.AgentHandler.GetProfile)
		public.GET("/agents/:identity/tier", deps.AgentHandler.GetTier)
	}
	if deps.OfferHandler != nil {
		public.GET("/offers", deps.OfferHandler.ListOffers)
		public.GET("/offers/:offerId", deps.OfferHandler.GetOffer)
	}
	if deps.BorrowRequestHandler != nil {
		public.GET("/borrow-requests", deps.BorrowRequestHandler.ListRequests)
		public.GET("/borrow-requests/:requestId", deps.BorrowRequestHandler.GetRequest)
	}
	if deps.LoanHandler != nil {
		public.GET("/loans", deps.LoanHandler.ListLoans)
		public.GET("/loans/:loanId", deps.LoanHandler.GetLoan)
	}
	if deps.PositionHandler != nil {
		public.GET("/positions/:owner", deps.PositionHandler.GetPosition)
		public.GET("/router/stats", deps.PositionHandler.Stats)
	}

	if deps.Authenticator != nil {
		agents := r.Group("/v1")
		agents.Use(
			middleware.RequireAuth(deps.Authenticator),
			middleware.RequireRole(auth.RoleAgent, auth.RoleKeeper, auth.RoleAdmin),
			limiter.Handler(),
		)
		if deps.AgentHandler != nil {
			agents.POST("/agents", deps.AgentHandler.Register)
		}
		if deps.OfferHandler != nil {
			agents.POST("/offers", deps.OfferHandler.PostOffer)
			agents.DELETE("/offers/:offerId", deps.OfferHandler.CancelOffer)
			agents.POST("/offers/:offerId/accept", deps.OfferHandler.AcceptOffer)
		}
		if deps.BorrowRequestHandler != nil {
			agents.POST("/borrow-requests", deps.BorrowRequestHandler.PostRequest)
			agents.DELETE("/borrow-requests/:requestId", deps.BorrowRequestHandler.CancelRequest)
			agents.POST("/borrow-requests/:requestId/match", deps.BorrowRequestHandler.MatchRequest)
		}
		if deps.LoanHandler != nil {
			agents.POST("/loans/:loanId/repay", deps.LoanHandler.RepayLoan)
			agents.POST("/loans/:loanId/liquidate", deps.LoanHandler.Liquidate)
		}
		if deps.PositionHandler != nil {
			agents.POST("/positions/deposit", deps.PositionHandler.Deposit)
			agents.POST("/positions/withdraw", deps.PositionHandler.Withdraw)
			agents.PUT("/positions/policy", deps.PositionHandler.SetPolicy)
			agents.POST("/positions/rebalance", deps.PositionHandler.Rebalance)
		}

		if deps.AdminHandler != nil {
			adminGroup := r.Group("/admin")
			adminGroup.Use(middleware.RequireAuth(deps.Authenticator), middleware.RequireRole(auth.RoleAdmin))
			adminGroup.PUT("/router/passive-rate", deps.AdminHandler.SetPassiveRate)
			adminGroup.PUT("/router/fees", deps.AdminHandler.SetFeeRates)
			adminGroup.GET("/outbox", deps.AdminHandler.ListJobs)
			adminGroup.POST("/outbox/:jobId/requeue", deps.AdminHandler.RequeueJob)
			adminGroup.POST("/tokens", deps.AdminHandler.IssueToken)
			adminGroup.GET("/audit", deps.AdminHandler.ListAudit)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	return r
}
