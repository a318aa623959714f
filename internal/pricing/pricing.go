// Package pricing supplies latest USD quotes from independent sources for
// the cross-source mismatch check.
package pricing

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Source yields the latest USD price for an asset identifier.
type Source interface {
	Name() string
	LatestPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

// FetchAll queries every source concurrently and returns the quotes that
// succeeded, keyed by source name. A failed source is logged and skipped;
// the caller decides what too few quotes means.
func FetchAll(ctx context.Context, sources []Source, asset string, logger zerolog.Logger) map[string]float64 {
	type quote struct {
		name  string
		price decimal.Decimal
		err   error
	}

	quotes := make([]quote, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			price, err := src.LatestPrice(ctx, asset)
			quotes[i] = quote{name: src.Name(), price: price, err: err}
		}(i, src)
	}
	wg.Wait()

	out := make(map[string]float64, len(sources))
	for _, q := range quotes {
		if q.err != nil {
			logger.Warn().Err(q.err).Str("source", q.name).Str("asset", asset).Msg("price source failed") // 价格源请求失败
			continue
		}
		out[q.name] = q.price.InexactFloat64()
	}
	return out
}
