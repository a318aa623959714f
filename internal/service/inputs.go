package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"withdrawguard/internal/evaluator"
	"withdrawguard/internal/pricing"
	"withdrawguard/internal/storage"
)

// Fetcher assembles evaluator inputs from the database and the configured
// price sources. It is the only place evaluation touches I/O.
type Fetcher struct {
	series  storage.SeriesStore
	sources []pricing.Source
	window  time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewFetcher wires the input side of the pipeline. Pass no sources to skip
// the price comparison (backfill does this: latest quotes are meaningless
// for historical cycles).
func NewFetcher(series storage.SeriesStore, sources []pricing.Source, windowHours float64, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		series:  series,
		sources: sources,
		window:  time.Duration(windowHours * float64(time.Hour)),
		logger:  logger.With().Str("component", "input_fetcher").Logger(),
		now:     time.Now,
	}
}

// Fetch gathers the asset's inputs for a window ending now.
func (f *Fetcher) Fetch(ctx context.Context, asset string) (evaluator.Inputs, error) {
	return f.FetchAt(ctx, asset, f.now())
}

// FetchAt gathers the asset's inputs for a window ending at asOf.
func (f *Fetcher) FetchAt(ctx context.Context, asset string, asOf time.Time) (evaluator.Inputs, error) {
	if f.series == nil {
		return evaluator.Inputs{}, errors.New("series store not configured")
	}

	to := asOf.UTC()
	from := to.Add(-f.window)

	samples, err := f.series.FetchPositionSeries(ctx, asset, from, to)
	if err != nil {
		return evaluator.Inputs{}, err
	}
	byWallet, err := f.series.FetchPositionSeriesByWallet(ctx, asset, from, to)
	if err != nil {
		return evaluator.Inputs{}, err
	}
	events, err := f.series.FetchTransactions(ctx, asset, from, to)
	if err != nil {
		return evaluator.Inputs{}, err
	}
	rates, err := f.series.FetchRateSeries(ctx, asset, from, to)
	if err != nil {
		return evaluator.Inputs{}, err
	}

	in := evaluator.Inputs{
		Samples:         samples,
		SamplesByWallet: byWallet,
		Events:          events,
		Rates:           rates,
	}
	if len(f.sources) > 0 {
		in.Prices = pricing.FetchAll(ctx, f.sources, asset, f.logger)
	}
	return in, nil
}

var _ evaluator.InputFetcher = (*Fetcher)(nil)
