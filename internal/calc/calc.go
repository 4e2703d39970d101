// Package calc holds the pure numeric routines consumed by the pipeline
// stages: returns, betas, factor exposures, correlations, and portfolio
// valuation. Functions here take plain slices and maps and touch no I/O.
package calc

import "math"

// Returns converts a close-price series into simple daily returns. The
// result has len(prices)-1 entries; nil when fewer than two prices.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	rets := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 {
			rets = append(rets, 0)
			continue
		}
		rets = append(rets, prices[i]/prices[i-1]-1)
	}
	return rets
}

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Covariance returns the sample covariance of two equal-length series.
func Covariance(xs, ys []float64) float64 {
	n := min(len(xs), len(ys))
	if n < 2 {
		return 0
	}
	mx, my := Mean(xs[:n]), Mean(ys[:n])
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += (xs[i] - mx) * (ys[i] - my)
	}
	return sum / float64(n-1)
}

// Variance returns the sample variance of xs.
func Variance(xs []float64) float64 {
	return Covariance(xs, xs)
}

// StdDev returns the sample standard deviation of xs.
func StdDev(xs []float64) float64 {
	return math.Sqrt(Variance(xs))
}

// Beta returns the regression beta of an asset's returns against a factor's
// returns, or 0 when the factor has no variance.
func Beta(asset, factor []float64) float64 {
	v := Variance(factor)
	if v == 0 {
		return 0
	}
	return Covariance(asset, factor) / v
}

// Correlation returns the Pearson correlation of two series, or 0 when
// either has no variance.
func Correlation(xs, ys []float64) float64 {
	sx, sy := StdDev(xs), StdDev(ys)
	if sx == 0 || sy == 0 {
		return 0
	}
	return Covariance(xs, ys) / (sx * sy)
}

// Exposures computes the beta of the asset returns against each factor
// return series, keyed by factor symbol.
func Exposures(asset []float64, factors map[string][]float64) map[string]float64 {
	out := make(map[string]float64, len(factors))
	for sym, rets := range factors {
		out[sym] = Beta(asset, rets)
	}
	return out
}

// CorrelationMatrix computes pairwise correlations for the given return
// series, ordered by the symbols slice. Result is symmetric with a unit
// diagonal.
func CorrelationMatrix(symbols []string, returns map[string][]float64) [][]float64 {
	n := len(symbols)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			c := Correlation(returns[symbols[i]], returns[symbols[j]])
			m[i][j], m[j][i] = c, c
		}
	}
	return m
}

// AnnualizedVol converts the standard deviation of daily returns into an
// annualized volatility using 252 trading days.
func AnnualizedVol(dailyReturns []float64) float64 {
	return StdDev(dailyReturns) * math.Sqrt(252)
}

// MarketValue prices a set of quantities against close prices. Symbols with
// no price contribute nothing; the second return value counts them.
func MarketValue(quantities map[string]float64, closes map[string]float64) (float64, int) {
	total := 0.0
	unpriced := 0
	for sym, qty := range quantities {
		px, ok := closes[sym]
		if !ok {
			unpriced++
			continue
		}
		total += qty * px
	}
	return total, unpriced
}
