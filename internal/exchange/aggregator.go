package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lightning-mpesa-bridge/pkg/logger"

	"go.uber.org/zap"
)

// quoteCacheTTL bounds how long an aggregated rate may be reused before it
// is considered stale for the purposes of quoting a new transaction.
const quoteCacheTTL = 30 * time.Second

// ErrRateUnavailable is returned when fewer than two of the three upstream
// feeds answer within the aggregation window.
var ErrRateUnavailable = fmt.Errorf("exchange: insufficient upstream quotes to form a rate")

// RateAggregator fans out to all configured price providers in parallel and
// combines their answers with a trimmed mean, discarding the single
// highest and lowest quote when three or more respond. It caches the last
// good result so bursts of quote requests do not hammer the upstream feeds.
type RateAggregator struct {
	providers []PriceProvider
	fiat      string

	mu        sync.Mutex
	cachedAt  time.Time
	cachedVal float64
}

// NewRateAggregator builds an aggregator over the given providers quoting
// BTC in the given fiat currency (e.g. "KES").
func NewRateAggregator(fiat string, providers ...PriceProvider) *RateAggregator {
	return &RateAggregator{providers: providers, fiat: fiat}
}

// Rate returns the current BTC price in the aggregator's fiat currency,
// serving from cache when the last successful read is within
// quoteCacheTTL.
func (a *RateAggregator) Rate(ctx context.Context) (float64, error) {
	a.mu.Lock()
	if !a.cachedAt.IsZero() && time.Since(a.cachedAt) < quoteCacheTTL {
		rate := a.cachedVal
		a.mu.Unlock()
		return rate, nil
	}
	a.mu.Unlock()

	type result struct {
		price float64
		err   error
	}
	results := make([]result, len(a.providers))
	var wg sync.WaitGroup
	for i, p := range a.providers {
		wg.Add(1)
		go func(i int, p PriceProvider) {
			defer wg.Done()
			price, err := p.GetPrice(ctx, a.fiat)
			results[i] = result{price: price, err: err}
		}(i, p)
	}
	wg.Wait()

	var quotes []float64
	for _, r := range results {
		if r.err != nil {
			logger.Warn("rate feed failed", zap.Error(r.err))
			continue
		}
		quotes = append(quotes, r.price)
	}
	if len(quotes) < 2 {
		return 0, ErrRateUnavailable
	}

	rate := trimmedMean(quotes)

	a.mu.Lock()
	a.cachedAt = time.Now()
	a.cachedVal = rate
	a.mu.Unlock()

	return rate, nil
}

// trimmedMean drops the single lowest and highest values when there are
// three or more quotes, then averages the rest. With only two quotes it
// averages both.
func trimmedMean(quotes []float64) float64 {
	sorted := append([]float64(nil), quotes...)
	sort.Float64s(sorted)

	if len(sorted) >= 3 {
		sorted = sorted[1 : len(sorted)-1]
	}

	var sum float64
	for _, q := range sorted {
		sum += q
	}
	return sum / float64(len(sorted))
}
