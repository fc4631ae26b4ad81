package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/internal/quote"
)

type fakeCounters struct {
	ipHourly    int
	msisdnDaily int
	ipVolume    int64
	err         error
}

func (f fakeCounters) IPTransactionsLastHour(ctx context.Context, ip string) (int, error) {
	return f.ipHourly, f.err
}

func (f fakeCounters) MSISDNTransactionsLast24h(ctx context.Context, msisdn string) (int, error) {
	return f.msisdnDaily, f.err
}

func (f fakeCounters) IPVolumeTodayCents(ctx context.Context, ip string) (int64, error) {
	return f.ipVolume, f.err
}

func baseTx() *database.Transaction {
	return &database.Transaction{
		Flow:           database.SendMoney,
		KesAmountCents: 500_00,
		RecipientPhone: "254700000001",
		SourceIP:       "41.90.0.1",
	}
}

func TestScore_CleanTransactionAllows(t *testing.T) {
	e := NewEngine(fakeCounters{}, Config{})
	res, err := e.Score(context.Background(), baseTx(), "Mozilla/5.0")
	require.NoError(t, err)
	assert.Equal(t, Allow, res.Decision)
	assert.Empty(t, res.Factors)
	assert.Zero(t, res.Score)
}

func TestScore_AmountOverCapBlocks(t *testing.T) {
	tx := baseTx()
	tx.KesAmountCents = 16_000_000_00 // well over SEND_MONEY's 150,000 KES cap... actually cap is 150000 KES = 15_000_000 cents
	e := NewEngine(fakeCounters{}, Config{})
	res, err := e.Score(context.Background(), tx, "Mozilla/5.0")
	require.NoError(t, err)
	assert.Contains(t, res.Factors, "amount_over_cap")
	assert.GreaterOrEqual(t, res.Score, 0.40)
}

func TestScore_AmountNearCapAddsPartialWeight(t *testing.T) {
	tx := baseTx()
	limits := quote.LimitsFor(database.SendMoney)
	tx.KesAmountCents = int64(float64(limits.MaxKesCents) * 0.95)
	e := NewEngine(fakeCounters{}, Config{})
	res, err := e.Score(context.Background(), tx, "Mozilla/5.0")
	require.NoError(t, err)
	assert.Contains(t, res.Factors, "amount_near_cap")
	assert.InDelta(t, 0.10, res.Score, 0.001)
}

func TestScore_RoundNumberStructuring(t *testing.T) {
	tx := baseTx()
	tx.KesAmountCents = 100_000_00
	e := NewEngine(fakeCounters{}, Config{})
	res, err := e.Score(context.Background(), tx, "Mozilla/5.0")
	require.NoError(t, err)
	assert.Contains(t, res.Factors, "round_number_structuring")
}

func TestScore_IPVelocityFlag(t *testing.T) {
	e := NewEngine(fakeCounters{ipHourly: 5}, Config{})
	res, err := e.Score(context.Background(), baseTx(), "Mozilla/5.0")
	require.NoError(t, err)
	assert.Contains(t, res.Factors, "ip_velocity")
}

func TestScore_MSISDNVelocity(t *testing.T) {
	e := NewEngine(fakeCounters{msisdnDaily: 3}, Config{})
	res, err := e.Score(context.Background(), baseTx(), "Mozilla/5.0")
	require.NoError(t, err)
	assert.Contains(t, res.Factors, "msisdn_velocity")
}

func TestScore_DailyLimitExceededBlocksAlone(t *testing.T) {
	tx := baseTx()
	tx.KesAmountCents = 140_000_00
	e := NewEngine(fakeCounters{ipVolume: 900_000_00}, Config{})
	res, err := e.Score(context.Background(), tx, "Mozilla/5.0")
	require.NoError(t, err)
	assert.Contains(t, res.Factors, "ip_daily_limit_exceeded")
	assert.Equal(t, Block, res.Decision)
}

func TestScore_BotUserAgentFlag(t *testing.T) {
	e := NewEngine(fakeCounters{}, Config{})
	for _, ua := range []string{"curl/8.0", "Googlebot", "python-requests scraper", "Wget/1.21"} {
		res, err := e.Score(context.Background(), baseTx(), ua)
		require.NoError(t, err)
		assert.Contains(t, res.Factors, "bot_user_agent", "ua=%s", ua)
	}
}

func TestScore_HighRiskCountry(t *testing.T) {
	tx := baseTx()
	tx.RecipientPhone = "93700000001" // Afghanistan dial code
	e := NewEngine(fakeCounters{}, Config{})
	res, err := e.Score(context.Background(), tx, "Mozilla/5.0")
	require.NoError(t, err)
	found := false
	for _, f := range res.Factors {
		if f == "high_risk_country:93" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestScore_ClampedToOne(t *testing.T) {
	tx := baseTx()
	tx.KesAmountCents = 16_000_000_00
	tx.RecipientPhone = "98700000001" // Iran
	e := NewEngine(fakeCounters{ipHourly: 10, msisdnDaily: 10, ipVolume: 5_000_000_00}, Config{})
	res, err := e.Score(context.Background(), tx, "curl/8.0")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, Block, res.Decision)
}

func TestScore_PropagatesCounterError(t *testing.T) {
	e := NewEngine(fakeCounters{err: assert.AnError}, Config{})
	_, err := e.Score(context.Background(), baseTx(), "Mozilla/5.0")
	assert.Error(t, err)
}

func TestDecide_Thresholds(t *testing.T) {
	assert.Equal(t, Allow, decide(0.0))
	assert.Equal(t, Allow, decide(0.19))
	assert.Equal(t, Allow, decide(0.69))
	assert.Equal(t, Flag, decide(0.7))
	assert.Equal(t, Flag, decide(0.79))
	assert.Equal(t, Block, decide(0.8))
	assert.Equal(t, Block, decide(1.0))
}

func TestHighRiskDialCode_DefaultsAppliedWhenConfigEmpty(t *testing.T) {
	e := NewEngine(fakeCounters{}, Config{})
	assert.ElementsMatch(t, []string{"AF", "IR", "KP", "SY"}, e.cfg.HighRiskCountryCodes)
}

func TestNewEngine_DefaultsDailyLimit(t *testing.T) {
	e := NewEngine(fakeCounters{}, Config{})
	assert.Equal(t, int64(defaultDailyLimitCents), e.cfg.DailyLimitCents)
}
