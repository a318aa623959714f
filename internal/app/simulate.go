package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"withdrawguard/internal/alerting"
)

// SimulateAlert 构造一条决策变化告警并走完整推送链路。
func (a *App) SimulateAlert(ctx context.Context, asset, decision string, gain, wmax decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		Asset:         asset,
		EvaluatedAt:   time.Now().UTC(),
		Decision:      decision,
		GainUSD:       gain,
		WmaxTotalUSD:  wmax,
		Reason:        "simulated",
		Channels:      a.Config.Alerting.Channels,
		AdditionalMsg: "(模拟告警，非真实决策)",
	}
	return notifier.Notify(ctx, note)
}
