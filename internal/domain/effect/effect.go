// Package effect defines the durable follow-up effects LoanMarket emits for
// the components it does not own. Each effect carries an idempotency key so
// the receiving component applies it at most once.
package effect

import (
	"encoding/json"
	"fmt"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/errs"
)

type Topic string

const (
	TopicLoanOpened       Topic = "reputation.loan_opened"
	TopicRepayment        Topic = "reputation.repayment"
	TopicDefault          Topic = "reputation.default"
	TopicPositionFunded   Topic = "router.position_funded"
	TopicPositionRepaid   Topic = "router.position_repaid"
	TopicPositionImpaired Topic = "router.position_impaired"
	TopicRateSignal       Topic = "router.rate_signal"
)

type Effect struct {
	Key     string
	Topic   Topic
	Subject string
	Payload []byte
}

// LoanPayload is shared by every loan-scoped topic.
type LoanPayload struct {
	LoanID    string `json:"loan_id"`
	OfferID   string `json:"offer_id"`
	Lender    string `json:"lender"`
	Borrower  string `json:"borrower"`
	Principal uint64 `json:"principal"`
	Repayment uint64 `json:"repayment"`
	Source    string `json:"source"`
}

type RateSignalPayload struct {
	RequestID  string `json:"request_id"`
	Event      string `json:"event"`
	MaxRateBps uint32 `json:"max_rate_bps"`
}

// Key is loan id (or other subject) plus topic.
func Key(subject string, topic Topic) string {
	return subject + ":" + string(topic)
}

func New(topic Topic, subject string, payload any) (Effect, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Effect{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return Effect{
		Key:     Key(subject, topic),
		Topic:   topic,
		Subject: subject,
		Payload: raw,
	}, nil
}

func (e Effect) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.ErrInvalidEffect.WithID(e.Key)
	}
	return nil
}

func (e Effect) Loan() (LoanPayload, error) {
	var p LoanPayload
	if err := e.Decode(&p); err != nil {
		return p, err
	}
	if p.LoanID == "" {
		return p, errs.ErrInvalidEffect.WithID(e.Key)
	}
	return p, nil
}
