// Package quote converts a requested KES amount into the locked BTC amount,
// fee and rate a transaction is created with. It holds no state; every function is a pure transform so the
// orchestrator can call it inline without a network round trip.
package quote

import (
	"fmt"
	"math"

	"lightning-mpesa-bridge/internal/database"
)

// lightningFeeReserve is added to the locked sats amount to cover routing
// fees on the inbound Lightning payment.
const lightningFeeReserve = 0.001 // 0.1%

// satsPerBTC is the fixed-point scale of the base Lightning unit.
const satsPerBTC = 100_000_000

// Limits describes the min/max KES bounds and fee schedule for one flow.
type Limits struct {
	MinKesCents int64
	MaxKesCents int64
	FeeRate     float64 // fraction of kes_amount, e.g. 0.025 for 2.5%
	MinFeeCents int64
	MaxFeeCents int64
}

// limitTable is the authoritative fee and limit table for every flow.
var limitTable = map[database.Flow]Limits{
	database.SendMoney:  {MinKesCents: 1000, MaxKesCents: 15_000_000, FeeRate: 0.025, MinFeeCents: 100, MaxFeeCents: 100_000},
	database.BuyAirtime: {MinKesCents: 500, MaxKesCents: 1_000_000, FeeRate: 0.025, MinFeeCents: 100, MaxFeeCents: 20_000},
	database.Paybill:    {MinKesCents: 1000, MaxKesCents: 15_000_000, FeeRate: 0.025, MinFeeCents: 100, MaxFeeCents: 100_000},
	database.BuyGoods:   {MinKesCents: 1000, MaxKesCents: 15_000_000, FeeRate: 0.025, MinFeeCents: 100, MaxFeeCents: 100_000},
	database.ScanPay:    {MinKesCents: 1000, MaxKesCents: 15_000_000, FeeRate: 0.025, MinFeeCents: 100, MaxFeeCents: 100_000},
}

// LimitsFor returns the fee and limit schedule for a flow. The caller must
// have already validated the flow with database.ParseFlow.
func LimitsFor(flow database.Flow) Limits {
	return limitTable[flow]
}

// ErrAmountOutOfRange is returned when the requested KES amount falls
// outside the flow's configured min/max.
type ErrAmountOutOfRange struct {
	Flow           database.Flow
	KesAmountCents int64
	Limits         Limits
}

func (e ErrAmountOutOfRange) Error() string {
	return fmt.Sprintf("%s: amount %d cents out of range [%d, %d]",
		e.Flow, e.KesAmountCents, e.Limits.MinKesCents, e.Limits.MaxKesCents)
}

// Quote is the result of pricing one transaction request.
type Quote struct {
	KesAmountCents int64
	FeeKesCents    int64
	Rate           float64 // KES per whole BTC, spread already applied
	BtcAmountSats  int64
}

// Price computes the fee, spread-adjusted rate and locked sats amount for a
// KES request. spotRate is the mid-market KES-per-BTC rate from the
// aggregated provider; spread is the configured markup applied against the
// customer rate (default 0.5%, configurable).
func Price(flow database.Flow, kesAmountCents int64, spotRate, spread float64) (Quote, error) {
	limits, ok := limitTable[flow]
	if !ok {
		return Quote{}, fmt.Errorf("quote: unknown flow %q", flow)
	}
	if kesAmountCents < limits.MinKesCents || kesAmountCents > limits.MaxKesCents {
		return Quote{}, ErrAmountOutOfRange{Flow: flow, KesAmountCents: kesAmountCents, Limits: limits}
	}

	fee := int64(math.Round(float64(kesAmountCents) * limits.FeeRate))
	if fee < limits.MinFeeCents {
		fee = limits.MinFeeCents
	}
	if fee > limits.MaxFeeCents {
		fee = limits.MaxFeeCents
	}

	// The customer's Lightning payment must cover the KES principal plus
	// the service fee plus a small reserve for the inbound routing fee.
	rate := spotRate * (1 + spread)
	totalKes := float64(kesAmountCents+fee) / 100.0
	btc := totalKes / rate
	btc *= 1 + lightningFeeReserve
	sats := int64(math.Ceil(btc * satsPerBTC))

	return Quote{
		KesAmountCents: kesAmountCents,
		FeeKesCents:    fee,
		Rate:           rate,
		BtcAmountSats:  sats,
	}, nil
}
