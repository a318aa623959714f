package app

import (
	"context"
	"errors"
	"time"

	"withdrawguard/internal/evaluator"
	"withdrawguard/internal/service"
)

// Backfill 重放历史评估周期并归档决策。Latest price quotes are meaningless
// for historical cycles, so the mismatch check is skipped here.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	interval := a.Config.Scheduler.Interval
	if interval <= 0 {
		return errors.New("scheduler interval 配置不合法")
	}

	start := alignForward(opts.From.UTC(), interval)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法回填")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	}

	fetcher := service.NewFetcher(store, nil, a.Config.Evaluation.WindowHours, a.Logger)
	eval, err := a.newEvaluator(store, nil, nil)
	if err != nil {
		return err
	}

	processed := 0
	failed := 0
	for bucket := start; bucket.Before(end); bucket = bucket.Add(interval) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		for _, asset := range a.Config.Assets {
			in, fetchErr := fetcher.FetchAt(ctx, asset, bucket)
			if fetchErr != nil {
				failed++
				a.Logger.Error().Err(fetchErr).Time("bucket", bucket).Str("asset", asset).Msg("回填取数失败")
				continue
			}

			dec := eval.EvaluateInputs(asset, in, bucket)
			if dec.Decision == evaluator.Errored {
				failed++
			} else {
				processed++
			}

			if opts.DryRun {
				continue
			}
			if _, insErr := store.InsertDecision(ctx, service.ToRecord(dec)); insErr != nil {
				a.Logger.Error().Err(insErr).Time("bucket", bucket).Str("asset", asset).Msg("回填写入失败")
			}
		}
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("回填完成")
	if failed > 0 {
		return errors.New("部分周期回填失败，请检查日志")
	}
	return nil
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
