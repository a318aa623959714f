package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"withdrawguard/internal/alerting"
	"withdrawguard/internal/config"
	"withdrawguard/internal/evaluator"
	"withdrawguard/internal/exporter"
	"withdrawguard/internal/pricing"
	"withdrawguard/internal/scheduler"
	"withdrawguard/internal/service"
	"withdrawguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newSources() []pricing.Source {
	var sources []pricing.Source
	if agg := a.Config.Sources.Aggregator; agg.Enabled {
		sources = append(sources, pricing.NewAggregator(pricing.AggregatorOptions{
			Name:      agg.Name,
			BaseURL:   agg.BaseURL,
			AssetIDs:  agg.AssetIDs,
			Timeout:   agg.RequestTimeout,
			UserAgent: agg.UserAgent,
		}, a.Logger))
	}
	if vault := a.Config.Sources.Vault; vault.Enabled {
		sources = append(sources, pricing.NewVault(pricing.VaultOptions{
			Name:    vault.Name,
			RPCURL:  vault.RPCURL,
			Vaults:  vault.Vaults,
			Timeout: vault.RequestTimeout,
		}, a.Logger))
	}
	return sources
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool, a.Logger)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// newEvaluator assembles the decision pipeline over the given collaborators.
func (a *App) newEvaluator(series storage.SeriesStore, sources []pricing.Source, state *evaluator.MismatchState) (*evaluator.Evaluator, error) {
	evalCfg, err := a.Config.EvaluatorConfig()
	if err != nil {
		return nil, err
	}
	fetcher := service.NewFetcher(series, sources, a.Config.Evaluation.WindowHours, a.Logger)
	return evaluator.New(evalCfg, fetcher, state, a.Logger), nil
}

// Run executes the long-running evaluation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; evaluations will report ERROR decisions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var series storage.SeriesStore
	var decisions storage.DecisionStore
	var locker storage.AdvisoryLocker
	if store != nil {
		series = store
		decisions = store
		locker = store
	}

	eval, err := a.newEvaluator(series, a.newSources(), nil)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	var exp *exporter.Exporter
	if a.Config.Exporter.Enabled {
		exp = exporter.New(a.Logger)
		go func() {
			if err := exp.Serve(ctx, a.Config.Exporter.Listen); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("metrics endpoint terminated")
			}
		}()
	}

	svc := service.New(a.Config, sched, eval, decisions, locker, a.newNotifier(), exp, a.Logger)

	a.Logger.Info().Msg("starting evaluation service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("evaluation service stopped")
	return nil
}

// ExportOptions hold parameters for exporting archived decisions.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Asset string
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}
