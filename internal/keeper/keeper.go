// Package keeper liquidates overdue loans and fills open borrow requests on a
// schedule. Every action goes through the LoanMarket operations any other
// caller could use; the only state kept is a cursor over open requests.
package keeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/metrics"
	"github.com/robfig/cron/v3"
)

type Market interface {
	ListOverdueLoans(ctx context.Context, limit int) ([]market.Loan, error)
	Liquidate(ctx context.Context, loanID, caller string) (market.Loan, error)
	ListBorrowRequests(ctx context.Context, f market.RequestFilter) ([]market.BorrowRequest, error)
	MatchBorrowRequest(ctx context.Context, requestID string) (market.Loan, error)
}

type Result struct {
	Liquidated int
	Matched    int
	Skipped    int
	Failed     int
}

type Keeper struct {
	market    Market
	identity  string
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex
	cursor market.BorrowRequest
}

func New(mkt Market, identity string, batchSize int, logger *slog.Logger) *Keeper {
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{market: mkt, identity: identity, batchSize: batchSize, logger: logger}
}

// RunOnce performs one scan. Individual action failures are counted and
// logged; only listing failures abort the scan.
func (k *Keeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	overdue, err := k.market.ListOverdueLoans(ctx, k.batchSize)
	if err != nil {
		return res, err
	}
	for _, l := range overdue {
		_, err := k.market.Liquidate(ctx, l.ID, k.identity)
		switch {
		case err == nil:
			res.Liquidated++
			metrics.KeeperActionsTotal.WithLabelValues("liquidate", "ok").Inc()
		case errors.Is(err, errs.ErrLoanNotActive), errors.Is(err, errs.ErrNotYetDue):
			res.Skipped++
			metrics.KeeperActionsTotal.WithLabelValues("liquidate", "skipped").Inc()
		default:
			res.Failed++
			metrics.KeeperActionsTotal.WithLabelValues("liquidate", "error").Inc()
			k.logger.Error("keeper liquidation failed", "loan_id", l.ID, "err", err)
		}
	}

	requests, err := k.nextRequests(ctx)
	if err != nil {
		return res, err
	}
	for _, r := range requests {
		_, err := k.market.MatchBorrowRequest(ctx, r.ID)
		switch {
		case err == nil:
			res.Matched++
			metrics.KeeperActionsTotal.WithLabelValues("match", "ok").Inc()
		case errs.KindOf(err) == errs.KindPolicyViolation, errs.KindOf(err) == errs.KindInvalidState:
			res.Skipped++
			metrics.KeeperActionsTotal.WithLabelValues("match", "skipped").Inc()
		default:
			res.Failed++
			metrics.KeeperActionsTotal.WithLabelValues("match", "error").Inc()
			k.logger.Error("keeper match failed", "request_id", r.ID, "err", err)
		}
	}
	return res, nil
}

// nextRequests pages through open requests one batch per scan, wrapping to
// the oldest after a short page, so unmatchable requests at the head cannot
// starve newer ones.
func (k *Keeper) nextRequests(ctx context.Context) ([]market.BorrowRequest, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	page, err := k.market.ListBorrowRequests(ctx, market.RequestFilter{
		ActiveOnly:     true,
		Limit:          k.batchSize,
		AfterCreatedAt: k.cursor.CreatedAt,
		AfterID:        k.cursor.ID,
	})
	if err != nil {
		return nil, err
	}
	if len(page) < k.batchSize {
		k.cursor = market.BorrowRequest{}
	} else {
		k.cursor = page[len(page)-1]
	}
	return page, nil
}

// Run scans on the cron schedule until ctx is done. Overlapping ticks are
// skipped.
func (k *Keeper) Run(ctx context.Context, schedule string) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	_, err := c.AddFunc(schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		res, err := k.RunOnce(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			k.logger.Error("keeper scan failed", "err", err)
			return
		}
		if res != (Result{}) {
			k.logger.Info("keeper scan", "liquidated", res.Liquidated, "matched", res.Matched, "skipped", res.Skipped, "failed", res.Failed)
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	k.logger.Info("keeper started", "schedule", schedule, "identity", k.identity)
	<-ctx.Done()
	<-c.Stop().Done()
	k.logger.Info("keeper stopped")
	return nil
}
