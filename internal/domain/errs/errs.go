// Package errs holds the typed error taxonomy shared by the ledger components.
package errs

import "errors"

type Kind string

const (
	KindNotFound                 Kind = "not_found"
	KindUnauthorized             Kind = "unauthorized"
	KindInvalidState             Kind = "invalid_state"
	KindPolicyViolation          Kind = "policy_violation"
	KindInsufficientLiquidAmount Kind = "insufficient_liquid_amount"
	KindInternal                 Kind = "internal"
)

// Error is a rejected operation. Code is the stable snake_case identifier
// returned to callers; EntityID names the offer, loan, profile or position
// involved when known.
type Error struct {
	Kind     Kind
	Code     string
	EntityID string
}

func New(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

func (e *Error) Error() string {
	if e.EntityID == "" {
		return e.Code
	}
	return e.Code + ": " + e.EntityID
}

// Is matches on Code so sentinels compare equal to copies carrying an entity id.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) WithID(id string) *Error {
	cp := *e
	cp.EntityID = id
	return &cp
}

// ErrNoRecord is returned by stores when a keyed entity does not exist.
var ErrNoRecord = errors.New("no_record")

var (
	ErrInvalidIdentity = New(KindPolicyViolation, "invalid_identity")
	ErrInvalidAmount   = New(KindPolicyViolation, "invalid_amount")
	ErrInvalidRate     = New(KindPolicyViolation, "invalid_rate")
	ErrInvalidDuration = New(KindPolicyViolation, "invalid_duration")
	ErrUnauthorized    = New(KindUnauthorized, "unauthorized")

	ErrProfileNotFound = New(KindNotFound, "profile_not_found")

	ErrOfferNotFound      = New(KindNotFound, "offer_not_found")
	ErrOfferNotActive     = New(KindInvalidState, "offer_not_active")
	ErrAmountExceedsOffer = New(KindPolicyViolation, "amount_exceeds_offer")
	ErrDurationExceedsMax = New(KindPolicyViolation, "duration_exceeds_max")
	ErrReputationTooLow   = New(KindPolicyViolation, "reputation_too_low")
	ErrSelfDealing        = New(KindPolicyViolation, "self_dealing")

	ErrLoanNotFound  = New(KindNotFound, "loan_not_found")
	ErrLoanNotActive = New(KindInvalidState, "loan_not_active")
	ErrNotYetDue     = New(KindInvalidState, "not_yet_due")
	ErrLoanOverdue   = New(KindInvalidState, "loan_overdue")

	ErrRequestNotFound  = New(KindNotFound, "borrow_request_not_found")
	ErrRequestNotActive = New(KindInvalidState, "borrow_request_not_active")
	ErrNoMatchingOffer  = New(KindPolicyViolation, "no_matching_offer")

	ErrPositionNotFound         = New(KindNotFound, "position_not_found")
	ErrInsufficientLiquidAmount = New(KindInsufficientLiquidAmount, "insufficient_liquid_amount")
	ErrDepositTooLarge          = New(KindPolicyViolation, "deposit_too_large")
	ErrInvalidFeeRate           = New(KindPolicyViolation, "invalid_fee_rate")

	ErrInvalidEffect     = New(KindPolicyViolation, "invalid_effect_payload")
	ErrEffectOutOfOrder  = New(KindInvalidState, "effect_out_of_order")
	ErrUnsupportedEffect = New(KindPolicyViolation, "unsupported_effect_topic")
	ErrJobNotFound       = New(KindNotFound, "job_not_found")
	ErrJobNotFailed      = New(KindInvalidState, "job_not_failed")
	ErrInvalidJobStatus  = New(KindPolicyViolation, "invalid_job_status")
)

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

func EntityOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.EntityID
	}
	return ""
}

// Retryable reports whether a failed follow-up effect may succeed on a later
// attempt. Caller errors never do.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindUnauthorized, KindPolicyViolation:
		return false
	default:
		return true
	}
}
