package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
)

// Show prints the asset's recent archived decisions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show decisions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentDecisions(ctx, opts.Asset, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no decisions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tDecision\tGain (USD)\tWmax (USD)\tRef\tError")

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			formatInstant(rec.EvaluatedAt),
			decisionLabel(rec.Decision),
			rec.GainUSD.StringFixed(2),
			rec.WmaxTotalUSD.StringFixed(2),
			rec.RefMode,
			errMsg,
		)
	}

	writer.Flush()
	return nil
}

func decisionLabel(d int) string {
	switch d {
	case 1:
		return "WITHDRAW_OK"
	case -1:
		return "ERROR"
	default:
		return "HOLD"
	}
}
