package reputation

type Tier struct {
	Level         uint8
	MinRepayments uint32
	Limit         uint64
}

var DefaultTiers = []Tier{
	{Level: 1, MinRepayments: 0, Limit: 50},
	{Level: 2, MinRepayments: 1, Limit: 500},
	{Level: 3, MinRepayments: 5, Limit: 5000},
	{Level: 4, MinRepayments: 20, Limit: 25000},
	{Level: 5, MinRepayments: 50, Limit: 75000},
}

const (
	maxScore              = 1000
	repaymentScoreWeight  = 20
	defaultScorePenalty   = 100
	openLoanScorePenalty  = 5
	lentScoreDivisor      = 10
	defaultScoreUnit      = 1_000_000
	defaultInitialScore   = 500
	defaultPenaltyPerLoss = 10_000
)

// Policy is the tier table plus the score weights. Tiers must be sorted by
// MinRepayments with the first entry at zero.
type Policy struct {
	Tiers          []Tier
	DefaultPenalty uint64
	InitialScore   uint16
	ScoreUnit      uint64
}

func DefaultPolicy() Policy {
	return Policy{
		Tiers:          DefaultTiers,
		DefaultPenalty: defaultPenaltyPerLoss,
		InitialScore:   defaultInitialScore,
		ScoreUnit:      defaultScoreUnit,
	}
}

// Scaled multiplies every limit and the default penalty by unit, for ledgers
// that count in sub-token units.
func (p Policy) Scaled(unit uint64) Policy {
	if unit <= 1 {
		return p
	}
	tiers := make([]Tier, len(p.Tiers))
	for i, t := range p.Tiers {
		t.Limit *= unit
		tiers[i] = t
	}
	p.Tiers = tiers
	p.DefaultPenalty *= unit
	return p
}

func (p Policy) TierFor(repayments uint32) Tier {
	out := p.Tiers[0]
	for _, t := range p.Tiers {
		if repayments >= t.MinRepayments {
			out = t
		}
	}
	return out
}

func (p Policy) tier(level uint8) Tier {
	for _, t := range p.Tiers {
		if t.Level == level {
			return t
		}
	}
	return p.Tiers[0]
}

func (p Policy) next(level uint8) (Tier, bool) {
	for _, t := range p.Tiers {
		if t.Level > level {
			return t, true
		}
	}
	return Tier{}, false
}

// LimitFor is the tier limit less the per-default penalty, never below the
// base tier limit.
func (p Policy) LimitFor(level uint8, defaults uint32) uint64 {
	floor := p.Tiers[0].Limit
	limit := p.tier(level).Limit
	penalty := uint64(defaults) * p.DefaultPenalty
	if defaults > 0 && penalty/uint64(defaults) != p.DefaultPenalty {
		return floor
	}
	if penalty >= limit || limit-penalty < floor {
		return floor
	}
	return limit - penalty
}

func (p Policy) Score(pr Profile) uint16 {
	unit := p.ScoreUnit
	if unit == 0 {
		unit = defaultScoreUnit
	}
	resolved := uint64(pr.SuccessfulRepayments) + uint64(pr.Defaults)
	var open uint64
	if uint64(pr.LoansTaken) > resolved {
		open = uint64(pr.LoansTaken) - resolved
	}

	plus := uint64(p.InitialScore) +
		uint64(pr.SuccessfulRepayments)*repaymentScoreWeight +
		pr.TotalRepaid/unit +
		pr.TotalLent/(unit*lentScoreDivisor)
	minus := uint64(pr.Defaults)*defaultScorePenalty + open*openLoanScorePenalty

	if minus >= plus {
		return 0
	}
	if plus-minus > maxScore {
		return maxScore
	}
	return uint16(plus - minus)
}

func (p Policy) newProfile(identity string, now int64) Profile {
	base := p.Tiers[0]
	return Profile{
		Identity:       identity,
		CreditTier:     base.Level,
		MaxBorrowLimit: base.Limit,
		Score:          p.InitialScore,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// recompute refreshes the derived fields. The tier never moves down.
func (p Policy) recompute(pr *Profile, now int64) {
	t := p.TierFor(pr.SuccessfulRepayments)
	if t.Level > pr.CreditTier {
		pr.CreditTier = t.Level
	}
	pr.MaxBorrowLimit = p.LimitFor(pr.CreditTier, pr.Defaults)
	pr.Score = p.Score(*pr)
	pr.UpdatedAt = now
}
