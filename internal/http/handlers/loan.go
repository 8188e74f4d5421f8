package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/http/middleware"
)

type LoanService interface {
	RepayLoan(ctx context.Context, loanID, caller string) (market.Loan, error)
	Liquidate(ctx context.Context, loanID, caller string) (market.Loan, error)
	GetLoan(ctx context.Context, loanID string) (market.Loan, error)
	ListLoans(ctx context.Context, f market.LoanFilter) ([]market.Loan, error)
}

type LoanHandler struct {
	loanService LoanService
}

func NewLoanHandler(loanService LoanService) *LoanHandler {
	return &LoanHandler{loanService: loanService}
}

func (h *LoanHandler) ListLoans(c *gin.Context) {
	filter := market.LoanFilter{
		Borrower: strings.TrimSpace(c.Query("borrower")),
		Lender:   strings.TrimSpace(c.Query("lender")),
		Limit:    parseLimit(c, 50, 500),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := market.ParseLoanStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		filter.Status = &status
	}
	items, err := h.loanService.ListLoans(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *LoanHandler) GetLoan(c *gin.Context) {
	loanID := strings.TrimSpace(c.Param("loanId"))
	if loanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_loan_id"})
		return
	}
	item, err := h.loanService.GetLoan(c.Request.Context(), loanID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *LoanHandler) RepayLoan(c *gin.Context) {
	loanID := strings.TrimSpace(c.Param("loanId"))
	if loanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_loan_id"})
		return
	}
	loan, err := h.loanService.RepayLoan(c.Request.Context(), loanID, middleware.Identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}

func (h *LoanHandler) Liquidate(c *gin.Context) {
	loanID := strings.TrimSpace(c.Param("loanId"))
	if loanID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_loan_id"})
		return
	}
	loan, err := h.loanService.Liquidate(c.Request.Context(), loanID, middleware.Identity(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loan)
}
