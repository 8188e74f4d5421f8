package postgres

import (
	"github.com/path-hq/pln-protocol-sub000/internal/domain/admin"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/market"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/reputation"
	"github.com/path-hq/pln-protocol-sub000/internal/domain/router"
	"github.com/path-hq/pln-protocol-sub000/internal/jobs"
)

var (
	_ reputation.Store      = (*ReputationRepository)(nil)
	_ market.Store          = (*MarketRepository)(nil)
	_ router.Store          = (*RouterRepository)(nil)
	_ jobs.OutboxRepository = (*OutboxRepository)(nil)
	_ admin.JobQueue        = (*OutboxRepository)(nil)
	_ admin.AuditRepository = (*AdminAuditRepository)(nil)
)
