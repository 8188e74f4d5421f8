package admin

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
	"github.com/path-hq/pln-protocol-sub000/internal/jobs"
)

type RouterAdmin interface {
	SetPassiveRate(ctx context.Context, rateBps uint32) (router.PoolState, error)
	SetFeeRates(ctx context.Context, in router.FeeRatesInput) (router.PoolState, error)
}

type JobQueue interface {
	Requeue(ctx context.Context, jobID int64) (jobs.OutboxJob, error)
	ListJobs(ctx context.Context, status string, limit int32) ([]jobs.OutboxJob, error)
}

type AuditRepository interface {
	Log(ctx context.Context, in AuditLogInput) error
	ListRecent(ctx context.Context, limit int32) ([]AuditEntry, error)
}

type AuditLogInput struct {
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Payload    []byte
}

type AuditEntry struct {
	ID         int64           `json:"id"`
	Actor      string          `json:"actor"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type Service struct {
	router    RouterAdmin
	queue     JobQueue
	auditRepo AuditRepository
}

func NewService(routerAdmin RouterAdmin, queue JobQueue, auditRepo AuditRepository) *Service {
	return &Service{router: routerAdmin, queue: queue, auditRepo: auditRepo}
}

func (s *Service) SetPassiveRate(ctx context.Context, actor string, rateBps uint32) (router.PoolState, error) {
	pool, err := s.router.SetPassiveRate(ctx, rateBps)
	if err != nil {
		return router.PoolState{}, err
	}
	payload, _ := json.Marshal(map[string]any{"passive_rate_bps": rateBps})
	_ = s.auditRepo.Log(ctx, AuditLogInput{
		Actor:      actor,
		Action:     "passive_rate_updated",
		TargetType: "router_pool",
		TargetID:   "1",
		Payload:    payload,
	})
	return pool, nil
}

func (s *Service) SetFeeRates(ctx context.Context, actor string, in router.FeeRatesInput) (router.PoolState, error) {
	pool, err := s.router.SetFeeRates(ctx, in)
	if err != nil {
		return router.PoolState{}, err
	}
	payload, _ := json.Marshal(map[string]any{
		"insurance_fee_bps": pool.InsuranceFeeBps,
		"protocol_fee_bps":  pool.ProtocolFeeBps,
	})
	_ = s.auditRepo.Log(ctx, AuditLogInput{
		Actor:      actor,
		Action:     "fee_rates_updated",
		TargetType: "router_pool",
		TargetID:   "1",
		Payload:    payload,
	})
	return pool, nil
}

func (s *Service) RequeueJob(ctx context.Context, actor string, jobID int64) (jobs.OutboxJob, error) {
	if jobID <= 0 {
		return jobs.OutboxJob{}, errs.ErrJobNotFound.WithID(strconv.FormatInt(jobID, 10))
	}
	job, err := s.queue.Requeue(ctx, jobID)
	if err != nil {
		return jobs.OutboxJob{}, err
	}
	payload, _ := json.Marshal(map[string]any{"topic": job.Topic, "key": job.Key})
	_ = s.auditRepo.Log(ctx, AuditLogInput{
		Actor:      actor,
		Action:     "outbox_job_requeued",
		TargetType: "outbox_job",
		TargetID:   strconv.FormatInt(jobID, 10),
		Payload:    payload,
	})
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, status string, limit int32) ([]jobs.OutboxJob, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", jobs.StatusPending, jobs.StatusProcessing, jobs.StatusDone, jobs.StatusFailed:
	default:
		return nil, errs.ErrInvalidJobStatus
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.queue.ListJobs(ctx, status, limit)
}

func (s *Service) ListAudit(ctx context.Context, limit int32) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.auditRepo.ListRecent(ctx, limit)
}
