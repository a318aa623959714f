// Package diagnostics renders gate state as PNG charts for offline review.
package diagnostics

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"withdrawguard/internal/evaluator"
)

// RenderResidualChart writes a composite chart of the gate's basis series,
// fitted baseline, and residuals for one decision. Decisions without gate
// telemetry are an error; callers filter first.
func RenderResidualChart(path string, dec evaluator.AssetDecision, maxPoints int) error {
	gd := dec.Diag.Gate
	if gd == nil || len(gd.Times) == 0 {
		return errors.New("decision carries no gate series to render")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	times, values, fitted, residuals := downsampleGate(gd, maxPoints)

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s residual gate (%s)", dec.Asset, dec.Decision.String()),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Basis (USD)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Residual (USD)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Basis",
				XValues: times,
				YValues: values,
			},
			chart.TimeSeries{
				Name:    "Baseline",
				XValues: times,
				YValues: fitted,
			},
			chart.TimeSeries{
				Name:    "Residual",
				XValues: times,
				YValues: residuals,
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

// ChartPath builds the conventional output location for one asset's chart.
func ChartPath(dir, asset string, at time.Time) string {
	name := fmt.Sprintf("%s-%s.png", asset, at.UTC().Format("20060102T150405Z"))
	return filepath.Join(dir, name)
}

func downsampleGate(gd *evaluator.GateDiagnostics, max int) ([]time.Time, []float64, []float64, []float64) {
	n := len(gd.Times)
	if max <= 0 || n <= max {
		return gd.Times, gd.Values, fillIfEmpty(gd.Fitted, n), fillIfEmpty(gd.Residuals, n)
	}

	times := make([]time.Time, 0, max)
	values := make([]float64, 0, max)
	fitted := make([]float64, 0, max)
	residuals := make([]float64, 0, max)
	srcFitted := fillIfEmpty(gd.Fitted, n)
	srcResiduals := fillIfEmpty(gd.Residuals, n)

	step := float64(n-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= n {
			idx = n - 1
		}
		times = append(times, gd.Times[idx])
		values = append(values, gd.Values[idx])
		fitted = append(fitted, srcFitted[idx])
		residuals = append(residuals, srcResiduals[idx])
	}
	return times, values, fitted, residuals
}

// fillIfEmpty pads a missing series (gate skipped before fitting) with zeros
// so the chart still renders the basis.
func fillIfEmpty(values []float64, n int) []float64 {
	if len(values) == n {
		return values
	}
	return make([]float64, n)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
