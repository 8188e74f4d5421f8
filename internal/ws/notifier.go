package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
)

const (
	channelLoan     = "loan"
	channelAgent    = "agent"
	channelPosition = "position"
)

func LoanChannel(id string) string {
	return channelLoan + ":" + id
}

func AgentChannel(identity string) string {
	return channelAgent + ":" + identity
}

func PositionChannel(owner string) string {
	return channelPosition + ":" + owner
}

// Broadcaster delivers a payload to every subscriber of channel. The hub
// implements it in-process; the redis event bus carries it across processes.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, payload []byte) error
}

// Notifier turns applied effects into push messages.
type Notifier struct {
	out    Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

func NewNotifier(out Broadcaster, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{out: out, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (n *Notifier) Publish(ctx context.Context, eff effect.Effect) {
	if eff.Topic == effect.TopicRateSignal {
		return
	}
	p, err := eff.Loan()
	if err != nil {
		n.logger.Warn("ws notify skipped", "key", eff.Key, "err", err)
		return
	}

	payload, _ := json.Marshal(map[string]any{
		"event": string(eff.Topic),
		"data": map[string]any{
			"loan_id":   p.LoanID,
			"offer_id":  p.OfferID,
			"lender":    p.Lender,
			"borrower":  p.Borrower,
			"principal": p.Principal,
			"repayment": p.Repayment,
			"source":    p.Source,
		},
		"sent_at": n.now().Unix(),
	})

	for _, ch := range channelsFor(eff.Topic, p) {
		if err := n.out.Broadcast(ctx, ch, payload); err != nil {
			n.logger.Warn("ws broadcast failed", "channel", ch, "err", err)
		}
	}
}

func channelsFor(topic effect.Topic, p effect.LoanPayload) []string {
	switch topic {
	case effect.TopicLoanOpened:
		return []string{LoanChannel(p.LoanID), AgentChannel(p.Borrower), AgentChannel(p.Lender)}
	case effect.TopicRepayment, effect.TopicDefault:
		return []string{LoanChannel(p.LoanID), AgentChannel(p.Borrower)}
	case effect.TopicPositionFunded, effect.TopicPositionRepaid, effect.TopicPositionImpaired:
		return []string{PositionChannel(p.Lender)}
	default:
		return nil
	}
}
