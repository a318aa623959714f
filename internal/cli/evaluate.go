package cli

import (
	"github.com/spf13/cobra"
)

var evaluateAssets []string

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate assets once and print the decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Evaluate(cmd.Context(), evaluateAssets)
	},
}

func init() {
	evaluateCmd.Flags().StringSliceVar(&evaluateAssets, "asset", nil, "Assets to evaluate (defaults to all configured)")
}
