// Package risk implements the scoring engine that gates the transition from
// LIGHTNING_PAID to CONVERTING. Lightning settlement happens before risk is
// evaluated, by design: scoring a transaction before the customer has paid
// would let an attacker probe the scoring function for free.
package risk

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/internal/quote"
)

// Decision is the Risk Engine's verdict for a transaction.
type Decision string

const (
	Allow Decision = "ALLOW"
	Flag  Decision = "FLAG"
	Block Decision = "BLOCK"
)

const (
	thresholdFlag  = 0.7
	thresholdBlock = 0.8

	nearCapFactor = 0.9

	roundNumberFloorCents = 100_000_00 // KES 100,000 in cents

	ipHourlyVelocityLimit  = 5
	msisdnDailyCountLimit  = 3
	defaultDailyLimitCents = 1_000_000_00 // KES 1,000,000 in cents
)

var botUserAgent = regexp.MustCompile(`(?i)bot|crawler|spider|scraper|curl|wget`)

// Result carries the score, the contributing factor names and the decision
// derived from it, plus enough detail to append an EventRiskScored row.
type Result struct {
	Score    float64
	Factors  []string
	Decision Decision
}

// Counters is the velocity/aggregate data the Risk Engine needs that isn't
// derivable from the transaction row alone. The orchestrator backs this with
// Redis counters keyed by source IP / MSISDN with the relevant TTL; tests can
// supply an in-memory fake.
type Counters interface {
	// IPTransactionsLastHour returns how many transactions originated from
	// sourceIP in the trailing hour, excluding the transaction being scored.
	IPTransactionsLastHour(ctx context.Context, sourceIP string) (int, error)
	// MSISDNTransactionsLast24h returns how many transactions targeted
	// recipientPhone in the trailing 24 hours, excluding this one.
	MSISDNTransactionsLast24h(ctx context.Context, recipientPhone string) (int, error)
	// IPVolumeTodayCents returns the sum of in-flight and completed KES
	// amounts (in cents) from sourceIP so far today, excluding this one.
	IPVolumeTodayCents(ctx context.Context, sourceIP string) (int64, error)
}

// Config parameterises the risk thresholds as deployment policy rather
// than fixed constants.
type Config struct {
	// HighRiskCountryCodes are MSISDN country-calling-code prefixes treated
	// as high risk.
	HighRiskCountryCodes []string
	// DailyLimitCents is the per-IP daily volume ceiling; exceeding it
	// contributes the heaviest single factor. Defaults to KES 1,000,000.
	DailyLimitCents int64
}

// countryDialCodes maps the high-risk ISO country codes the bridge cares
// about to their E.164 calling-code prefixes. Kenyan MSISDNs always start
// with 254, so this list only needs to cover the configured block set.
var countryDialCodes = map[string]string{
	"AF": "93",
	"IR": "98",
	"KP": "850",
	"SY": "963",
}

// Engine scores transactions against the velocity, amount, geography and
// device signals the create path can observe.
type Engine struct {
	counters Counters
	cfg      Config
}

// NewEngine builds a Risk Engine backed by counters. A zero-value Config
// falls back to the default daily limit and the default high-risk set.
func NewEngine(counters Counters, cfg Config) *Engine {
	if cfg.DailyLimitCents <= 0 {
		cfg.DailyLimitCents = defaultDailyLimitCents
	}
	if len(cfg.HighRiskCountryCodes) == 0 {
		cfg.HighRiskCountryCodes = []string{"AF", "IR", "KP", "SY"}
	}
	return &Engine{counters: counters, cfg: cfg}
}

// Score evaluates tx against every signal, additively, clamped to 1.0, and
// returns the resulting decision. userAgent is the HTTP header captured at
// transaction creation time.
func (e *Engine) Score(ctx context.Context, tx *database.Transaction, userAgent string) (Result, error) {
	var score float64
	var factors []string

	add := func(weight float64, factor string) {
		score += weight
		factors = append(factors, factor)
	}

	limits := quote.LimitsFor(tx.Flow)
	if limits.MaxKesCents > 0 {
		switch {
		case tx.KesAmountCents > limits.MaxKesCents:
			add(0.40, "amount_over_cap")
		case float64(tx.KesAmountCents) > nearCapFactor*float64(limits.MaxKesCents):
			add(0.10, "amount_near_cap")
		}
	}

	if tx.KesAmountCents >= roundNumberFloorCents && tx.KesAmountCents%10000_00 == 0 {
		add(0.20, "round_number_structuring")
	}

	ipCount, err := e.counters.IPTransactionsLastHour(ctx, tx.SourceIP)
	if err != nil {
		return Result{}, fmt.Errorf("risk: ip velocity lookup: %w", err)
	}
	if ipCount >= ipHourlyVelocityLimit {
		add(0.30, "ip_velocity")
	}

	msisdnCount, err := e.counters.MSISDNTransactionsLast24h(ctx, tx.RecipientPhone)
	if err != nil {
		return Result{}, fmt.Errorf("risk: msisdn velocity lookup: %w", err)
	}
	if msisdnCount >= msisdnDailyCountLimit {
		add(0.20, "msisdn_velocity")
	}

	ipVolume, err := e.counters.IPVolumeTodayCents(ctx, tx.SourceIP)
	if err != nil {
		return Result{}, fmt.Errorf("risk: ip daily volume lookup: %w", err)
	}
	if ipVolume+tx.KesAmountCents > e.cfg.DailyLimitCents {
		add(0.40, "ip_daily_limit_exceeded")
	}

	if botUserAgent.MatchString(userAgent) {
		add(0.20, "bot_user_agent")
	}

	if dialCode, ok := highRiskDialCode(tx.RecipientPhone, e.cfg.HighRiskCountryCodes); ok {
		add(0.30, fmt.Sprintf("high_risk_country:%s", dialCode))
	}

	if score > 1.0 {
		score = 1.0
	}

	return Result{Score: score, Factors: factors, Decision: decide(score)}, nil
}

func decide(score float64) Decision {
	switch {
	case score >= thresholdBlock:
		return Block
	case score >= thresholdFlag:
		return Flag
	default:
		return Allow
	}
}

// highRiskDialCode reports whether msisdn's calling code matches one of the
// configured high-risk ISO country codes, returning the matched dial code.
func highRiskDialCode(msisdn string, highRiskCodes []string) (string, bool) {
	msisdn = strings.TrimPrefix(msisdn, "+")
	for _, iso := range highRiskCodes {
		dial, ok := countryDialCodes[strings.ToUpper(iso)]
		if ok && strings.HasPrefix(msisdn, dial) {
			return dial, true
		}
	}
	return "", false
}
