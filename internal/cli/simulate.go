package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateAsset    string
	simulateDecision string
	simulateGain     float64
	simulateWmax     float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次决策变化并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAsset == "" {
			return errors.New("--asset 必须提供")
		}

		gain := decimal.NewFromFloat(simulateGain)
		wmax := decimal.NewFromFloat(simulateWmax)
		return getApp().SimulateAlert(cmd.Context(), simulateAsset, simulateDecision, gain, wmax)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "资产标识")
	simulateCmd.Flags().StringVar(&simulateDecision, "decision", "HOLD", "模拟决策 (WITHDRAW_OK/HOLD/ERROR)")
	simulateCmd.Flags().Float64Var(&simulateGain, "gain", 0, "模拟 gain (USD)")
	simulateCmd.Flags().Float64Var(&simulateWmax, "wmax", 0, "模拟 wmax 总额 (USD)")
}
