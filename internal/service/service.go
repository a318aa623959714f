// Package service orchestrates the periodic evaluation cycle: evaluate every
// configured asset, archive the decisions, publish metrics, and alert on
// transitions. Cycles run sequentially so the mismatch counters stay
// consistent.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"withdrawguard/internal/alerting"
	"withdrawguard/internal/config"
	"withdrawguard/internal/diagnostics"
	"withdrawguard/internal/evaluator"
	"withdrawguard/internal/exporter"
	"withdrawguard/internal/scheduler"
	"withdrawguard/internal/storage"
)

// Service drives evaluation cycles and fans results out to collaborators.
type Service struct {
	scheduler *scheduler.Scheduler
	eval      *evaluator.Evaluator
	decisions storage.DecisionStore
	notifier  alerting.Notifier
	exporter  *exporter.Exporter
	logger    zerolog.Logger

	assets   []string
	channels []string
	alertsOn bool
	cooldown time.Duration
	locker   storage.AdvisoryLocker
	lockKey  int64

	diagEnabled bool
	diagDir     string
	diagMax     int

	// prevDecision and lastAlert are per-asset cycle state; the service runs
	// cycles sequentially, so no locking.
	prevDecision map[string]evaluator.Outcome
	lastAlert    map[string]time.Time
}

// New constructs the evaluation service.
func New(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	eval *evaluator.Evaluator,
	decisions storage.DecisionStore,
	locker storage.AdvisoryLocker,
	notifier alerting.Notifier,
	exp *exporter.Exporter,
	logger zerolog.Logger,
) *Service {
	return &Service{
		scheduler:    sched,
		eval:         eval,
		decisions:    decisions,
		notifier:     notifier,
		exporter:     exp,
		logger:       logger.With().Str("component", "service").Logger(),
		assets:       cfg.Assets,
		channels:     cfg.Alerting.Channels,
		alertsOn:     cfg.Alerting.Enabled,
		cooldown:     cfg.Alerting.Cooldown,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		diagEnabled:  cfg.Diagnostics.Enabled,
		diagDir:      cfg.Diagnostics.OutputDir,
		diagMax:      cfg.Diagnostics.MaxDataPoints,
		prevDecision: make(map[string]evaluator.Outcome),
		lastAlert:    make(map[string]time.Time),
	}
}

// Run begins the aligned evaluation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessCycle)
}

// ProcessCycle 执行单个评估周期。
func (s *Service) ProcessCycle(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeCycle(ctx, bucket)
}

func (s *Service) executeCycle(ctx context.Context, bucket time.Time) error {
	batch := s.eval.EvaluateAll(ctx, s.assets)

	for _, dec := range batch {
		s.archive(ctx, dec)
		s.maybeAlert(ctx, dec)
		s.maybeChart(dec)
		s.prevDecision[dec.Asset] = dec.Decision
	}

	if s.exporter != nil {
		s.exporter.Update(batch)
	}

	s.logger.Info().Time("bucket", bucket).Int("assets", len(batch)).Msg("evaluation cycle complete")
	return nil
}

func (s *Service) archive(ctx context.Context, dec evaluator.AssetDecision) {
	if s.decisions == nil {
		return
	}
	if _, err := s.decisions.InsertDecision(ctx, ToRecord(dec)); err != nil {
		s.logger.Error().Err(err).Str("asset", dec.Asset).Msg("failed to archive decision")
	}
}

// maybeAlert notifies on decision transitions and on every ERROR, subject to
// the per-asset cooldown.
func (s *Service) maybeAlert(ctx context.Context, dec evaluator.AssetDecision) {
	if !s.alertsOn || s.notifier == nil {
		return
	}

	prev, seen := s.prevDecision[dec.Asset]
	transition := seen && prev != dec.Decision
	if !transition && dec.Decision != evaluator.Errored {
		return
	}
	if last, ok := s.lastAlert[dec.Asset]; ok && s.cooldown > 0 && dec.EvaluatedAt.Sub(last) < s.cooldown {
		s.logger.Debug().Str("asset", dec.Asset).Msg("alert suppressed by cooldown")
		return
	}

	note := alerting.Notification{
		Asset:        dec.Asset,
		EvaluatedAt:  dec.EvaluatedAt,
		Decision:     dec.Decision.String(),
		GainUSD:      decimal.NewFromFloat(dec.Diag.GainUSD),
		WmaxTotalUSD: decimal.NewFromFloat(evaluator.TotalWmax(dec.Wallets)),
		Reason:       decisionReason(dec),
		Channels:     s.channels,
	}
	if seen {
		note.PrevDecision = prev.String()
	}

	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("asset", dec.Asset).Msg("failed to dispatch alert")
		return
	}
	s.lastAlert[dec.Asset] = dec.EvaluatedAt
}

func (s *Service) maybeChart(dec evaluator.AssetDecision) {
	if !s.diagEnabled || dec.Diag.Gate == nil {
		return
	}
	path := diagnostics.ChartPath(s.diagDir, dec.Asset, dec.EvaluatedAt)
	if err := diagnostics.RenderResidualChart(path, dec, s.diagMax); err != nil {
		s.logger.Error().Err(err).Str("asset", dec.Asset).Msg("failed to render residual chart")
	}
}

// decisionReason summarises why the decision came out the way it did.
func decisionReason(dec evaluator.AssetDecision) string {
	if dec.Err != "" {
		return dec.Err
	}
	if pd := dec.Diag.PriceCompare; pd != nil && pd.ForcedHold {
		return fmt.Sprintf("price mismatch persisted %d cycles", pd.MismatchCount)
	}
	if gd := dec.Diag.Gate; gd != nil {
		if gd.SkipReason != "" {
			return "gate skipped: " + gd.SkipReason
		}
		if gd.Triggered {
			return fmt.Sprintf("residual %.2f exceeded threshold %.2f", gd.ResidualUSD, gd.ThresholdHigh)
		}
		return "residual gate not triggered"
	}
	return ""
}

// ToRecord converts a decision snapshot into its archive row.
func ToRecord(dec evaluator.AssetDecision) storage.DecisionRecord {
	rec := storage.DecisionRecord{
		Asset:        dec.Asset,
		EvaluatedAt:  dec.EvaluatedAt,
		Decision:     int(dec.Decision),
		GainUSD:      decimal.NewFromFloat(dec.Diag.GainUSD),
		WmaxTotalUSD: decimal.NewFromFloat(evaluator.TotalWmax(dec.Wallets)),
		RefMode:      dec.Diag.RefMode.String(),
	}
	if !dec.Diag.T0.IsZero() {
		t0 := dec.Diag.T0
		rec.T0 = &t0
	}
	if dec.Err != "" {
		msg := dec.Err
		rec.Error = &msg
	}
	if len(dec.Wallets) > 0 {
		if payload, err := json.Marshal(dec.Wallets); err == nil {
			rec.Wallets = payload
		}
	}
	return rec
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
