package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"withdrawguard/internal/storage"
)

// Export renders an asset's archived decision history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListDecisionsBetween(ctx, opts.Asset, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no decisions found for export window")
		return nil
	}

	downsampled := downsampleDecisions(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting decisions")

	if opts.CSVPath != "" {
		if err := writeDecisionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDecisionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleDecisions(records []storage.DecisionRecord, max int) []storage.DecisionRecord {
	if max <= 0 || len(records) <= max {
		return records
	}

	result := make([]storage.DecisionRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeDecisionsCSV(path string, records []storage.DecisionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"evaluated_at", "decision", "gain_usd", "wmax_total_usd", "ref_mode", "t0", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		t0 := ""
		if rec.T0 != nil {
			t0 = rec.T0.UTC().Format(time.RFC3339)
		}
		row := []string{
			rec.EvaluatedAt.UTC().Format(time.RFC3339),
			decisionLabel(rec.Decision),
			rec.GainUSD.String(),
			rec.WmaxTotalUSD.String(),
			rec.RefMode,
			t0,
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeDecisionsPNG(path string, records []storage.DecisionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	gain := make([]float64, len(records))
	wmax := make([]float64, len(records))
	decision := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.EvaluatedAt
		gain[i] = rec.GainUSD.InexactFloat64()
		wmax[i] = rec.WmaxTotalUSD.InexactFloat64()
		decision[i] = float64(rec.Decision)
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "USD",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Decision",
			ValueFormatter: usdFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Gain",
				XValues: x,
				YValues: gain,
			},
			chart.TimeSeries{
				Name:    "Wmax total",
				XValues: x,
				YValues: wmax,
			},
			chart.TimeSeries{
				Name:    "Decision",
				XValues: x,
				YValues: decision,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
