package gate

import (
	"math"
	"sort"
)

// polyfit returns the least-squares polynomial coefficients (ascending
// powers) of the given order, solved via the normal equations. Orders in
// this system are small (1-3), where this is numerically adequate on an
// elapsed-hours axis.
func polyfit(xs, ys []float64, order int) []float64 {
	m := order + 1

	// Precompute power sums sum(x^k) for k in [0, 2*order].
	pow := make([]float64, 2*order+1)
	for _, x := range xs {
		xp := 1.0
		for k := 0; k <= 2*order; k++ {
			pow[k] += xp
			xp *= x
		}
	}

	a := make([][]float64, m)
	b := make([]float64, m)
	for i := 0; i < m; i++ {
		a[i] = make([]float64, m)
		for j := 0; j < m; j++ {
			a[i][j] = pow[i+j]
		}
	}
	for i, x := range xs {
		xp := 1.0
		for k := 0; k < m; k++ {
			b[k] += ys[i] * xp
			xp *= x
		}
	}

	return solveLinear(a, b)
}

// solveLinear solves a*x = b with Gaussian elimination and partial pivoting.
func solveLinear(a [][]float64, b []float64) []float64 {
	n := len(b)
	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]

		if a[col][col] == 0 {
			continue
		}
		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			for c := col; c < n; c++ {
				a[r][c] -= f * a[col][c]
			}
			b[r] -= f * b[col]
		}
	}

	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := b[i]
		for j := i + 1; j < n; j++ {
			sum -= a[i][j] * x[j]
		}
		if a[i][i] != 0 {
			x[i] = sum / a[i][i]
		}
	}
	return x
}

func polyval(coeffs []float64, x float64) float64 {
	// Horner, coefficients in ascending powers.
	v := 0.0
	for i := len(coeffs) - 1; i >= 0; i-- {
		v = v*x + coeffs[i]
	}
	return v
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// populationStdDev computes the uncorrected (N-denominator) deviation.
func populationStdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// quantile returns the q-quantile (0..1) using linear interpolation between
// order statistics, matching the conventional default.
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
