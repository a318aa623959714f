package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"withdrawguard/internal/app"
)

var (
	showAsset string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent archived decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showAsset == "" {
			return fmt.Errorf("--asset must be provided")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Asset: showAsset,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Asset to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of decisions to display")
}
