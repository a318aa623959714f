// Package exporter publishes the latest decision snapshots as Prometheus
// gauges. It reads only from returned decisions and never re-enters the
// evaluation pipeline.
package exporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"withdrawguard/internal/evaluator"
)

// Exporter owns the metric registry and the HTTP endpoint.
type Exporter struct {
	registry *prometheus.Registry
	logger   zerolog.Logger

	decision      *prometheus.GaugeVec
	gainUSD       *prometheus.GaugeVec
	wmaxUSD       *prometheus.GaugeVec
	residualUSD   *prometheus.GaugeVec
	sigmaUSD      *prometheus.GaugeVec
	trigger       *prometheus.GaugeVec
	priceDeltaRel *prometheus.GaugeVec
	mismatchCount *prometheus.GaugeVec
	lastEval      *prometheus.GaugeVec
}

// New builds an exporter with its own registry.
func New(logger zerolog.Logger) *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		logger:   logger.With().Str("component", "exporter").Logger(),
		decision: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_decision",
			Help: "Latest decision per asset (1=WITHDRAW_OK, 0=HOLD, -1=ERROR).",
		}, []string{"asset"}),
		gainUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_gain_usd",
			Help: "Transaction-corrected gain at the newest instant.",
		}, []string{"asset"}),
		wmaxUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_wmax_usd",
			Help: "Per-wallet withdrawal cap.",
		}, []string{"asset", "wallet"}),
		residualUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_residual_usd",
			Help: "Newest residual against the fitted baseline.",
		}, []string{"asset"}),
		sigmaUSD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_sigma_usd",
			Help: "Residual spread used for thresholding.",
		}, []string{"asset"}),
		trigger: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_residual_trigger",
			Help: "Whether the residual gate triggered (1/0).",
		}, []string{"asset"}),
		priceDeltaRel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_price_delta_rel",
			Help: "Relative cross-source price delta.",
		}, []string{"asset"}),
		mismatchCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_price_mismatch_count",
			Help: "Consecutive price-mismatch cycles.",
		}, []string{"asset"}),
		lastEval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "withdrawguard_last_eval_timestamp_seconds",
			Help: "Unix time of the asset's latest evaluation.",
		}, []string{"asset"}),
	}

	e.registry.MustRegister(
		e.decision,
		e.gainUSD,
		e.wmaxUSD,
		e.residualUSD,
		e.sigmaUSD,
		e.trigger,
		e.priceDeltaRel,
		e.mismatchCount,
		e.lastEval,
	)
	return e
}

// Update publishes one batch of decisions.
func (e *Exporter) Update(decisions []evaluator.AssetDecision) {
	for _, dec := range decisions {
		labels := prometheus.Labels{"asset": dec.Asset}
		e.decision.With(labels).Set(float64(dec.Decision))
		e.lastEval.With(labels).Set(float64(dec.EvaluatedAt.Unix()))
		if dec.Decision == evaluator.Errored {
			continue
		}

		e.gainUSD.With(labels).Set(dec.Diag.GainUSD)
		for _, w := range dec.Wallets {
			e.wmaxUSD.With(prometheus.Labels{"asset": dec.Asset, "wallet": w.WalletAddress}).Set(w.WmaxUSD)
		}
		if gd := dec.Diag.Gate; gd != nil {
			e.residualUSD.With(labels).Set(gd.ResidualUSD)
			e.sigmaUSD.With(labels).Set(gd.SigmaUSD)
			e.trigger.With(labels).Set(boolToFloat(gd.Triggered))
		}
		if pd := dec.Diag.PriceCompare; pd != nil && !pd.Unavailable {
			e.priceDeltaRel.With(labels).Set(pd.DeltaRel)
			e.mismatchCount.With(labels).Set(float64(pd.MismatchCount))
		}
	}
}

// Handler returns the scrape endpoint router.
func (e *Exporter) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return router
}

// Serve blocks on the HTTP endpoint until the context is cancelled.
func (e *Exporter) Serve(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           e.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info().Str("listen", listen).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
