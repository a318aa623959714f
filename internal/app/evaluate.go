package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"withdrawguard/internal/evaluator"
)

// Evaluate runs one evaluation batch immediately and prints the decisions.
// Nothing is archived; this is the operator's dry look at current state.
func (a *App) Evaluate(ctx context.Context, assets []string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot evaluate")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if len(assets) == 0 {
		assets = a.Config.Assets
	}

	eval, err := a.newEvaluator(store, a.newSources(), nil)
	if err != nil {
		return err
	}

	decisions := eval.EvaluateAll(ctx, assets)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tDecision\tGain (USD)\tWmax (USD)\tRef\tWallets\tError")
	for _, dec := range decisions {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%.2f\t%.2f\t%s\t%d\t%s\n",
			dec.Asset,
			dec.Decision.String(),
			dec.Diag.GainUSD,
			evaluator.TotalWmax(dec.Wallets),
			dec.Diag.RefMode.String(),
			len(dec.Wallets),
			sanitizeInline(dec.Err),
		)
	}
	writer.Flush()

	for _, dec := range decisions {
		if len(dec.Wallets) == 0 {
			continue
		}
		fmt.Fprintf(os.Stdout, "\n%s wallet breakdown:\n", dec.Asset)
		ww := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(ww, "Wallet\tWmax (USD)\tValue (USD)")
		for _, w := range dec.Wallets {
			fmt.Fprintf(ww, "%s\t%.2f\t%.2f\n", w.WalletAddress, w.WmaxUSD, w.VT1USD)
		}
		ww.Flush()
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
