package dataset

import (
	"fmt"
	"math"
	"sort"
)

// Feature set selectors.
const (
	FeatureSetAlias = "alias"
	FeatureSetOHLCV = "ohlcv"
)

// aliasFeatureNames is the minimal alias feature set, in emission order.
var aliasFeatureNames = []string{
	"logret1", "logret5", "logret20",
	"rvol10", "rvol20",
	"atr14", "bbw20", "kcw20",
	"volz20", "amihud20",
}

// ohlcvFeatureNames is the raw base set.
var ohlcvFeatureNames = []string{"open", "high", "low", "close", "volume"}

// cube is the aligned (T, N, F) feature tensor with its axis labels.
type cube struct {
	data         []float64 // flat, index ((t*N)+n)*F+f
	timestamps   []int64
	symbols      []string
	featureNames []string
}

func (c *cube) at(t, n, f int) float64 {
	return c.data[((t*len(c.symbols))+n)*len(c.featureNames)+f]
}

func (c *cube) set(t, n, f int, v float64) {
	c.data[((t*len(c.symbols))+n)*len(c.featureNames)+f] = v
}

// buildCube union-aligns the per-symbol frames on their timestamp index,
// trims leading rows until every symbol has traded at least once, forward
// fills interior gaps, and computes the requested feature set.
//
// All features are trailing-window computations over bars at or before the
// row's timestamp; nothing here may read a later bar.
func buildCube(series map[string][]Bar, symbols []string, featureSet string) (*cube, error) {
	// Union of all timestamps, ascending.
	tsSet := make(map[int64]struct{})
	for _, bars := range series {
		for _, bar := range bars {
			tsSet[bar.Ts] = struct{}{}
		}
	}
	allTs := make([]int64, 0, len(tsSet))
	for ts := range tsSet {
		allTs = append(allTs, ts)
	}
	sort.Slice(allTs, func(i, j int) bool { return allTs[i] < allTs[j] })

	// Trim to the first row where every symbol has a bar at or before it,
	// so leading gaps never backfill from the future.
	firstValid := 0
	for _, sym := range symbols {
		bars := series[sym]
		if len(bars) == 0 {
			return nil, fmt.Errorf("no bars for %s", sym)
		}
		idx := sort.Search(len(allTs), func(i int) bool { return allTs[i] >= bars[0].Ts })
		if idx > firstValid {
			firstValid = idx
		}
	}
	allTs = allTs[firstValid:]
	if len(allTs) == 0 {
		return nil, fmt.Errorf("no overlapping history across symbols")
	}

	// Forward-filled bar grid, (T, N).
	T, N := len(allTs), len(symbols)
	grid := make([]Bar, T*N)
	for n, sym := range symbols {
		bars := series[sym]
		bi := 0
		var last Bar
		for t, ts := range allTs {
			for bi < len(bars) && bars[bi].Ts <= ts {
				last = bars[bi]
				bi++
			}
			filled := last
			if filled.Ts != ts {
				// Gap row: carry prices, zero the volume so fills do not
				// fabricate liquidity.
				filled.Volume = 0
			}
			grid[t*N+n] = filled
		}
	}

	var names []string
	switch featureSet {
	case FeatureSetOHLCV:
		names = ohlcvFeatureNames
	case FeatureSetAlias, "":
		names = aliasFeatureNames
	default:
		return nil, fmt.Errorf("unknown feature set %q", featureSet)
	}

	c := &cube{
		data:         make([]float64, T*N*len(names)),
		timestamps:   allTs,
		symbols:      symbols,
		featureNames: names,
	}

	for n := range symbols {
		col := make([]Bar, T)
		for t := 0; t < T; t++ {
			col[t] = grid[t*N+n]
		}
		if featureSet == FeatureSetOHLCV {
			for t := 0; t < T; t++ {
				c.set(t, n, 0, col[t].Open)
				c.set(t, n, 1, col[t].High)
				c.set(t, n, 2, col[t].Low)
				c.set(t, n, 3, col[t].Close)
				c.set(t, n, 4, col[t].Volume)
			}
			continue
		}
		computeAliasFeatures(c, n, col)
	}
	return c, nil
}

// computeAliasFeatures fills the alias feature columns for one symbol.
// Values before a feature's warm-up horizon are zero.
func computeAliasFeatures(c *cube, n int, col []Bar) {
	T := len(col)
	closes := make([]float64, T)
	for t := 0; t < T; t++ {
		closes[t] = col[t].Close
	}

	ret1 := logReturns(closes, 1)
	ret5 := logReturns(closes, 5)
	ret20 := logReturns(closes, 20)
	rvol10 := rollingStd(ret1, 10)
	rvol20 := rollingStd(ret1, 20)
	atr14 := atr(col, 14)
	ema20 := ema(closes, 20)
	sma20 := rollingMean(closes, 20)
	std20 := rollingStd(closes, 20)

	vols := make([]float64, T)
	dollar := make([]float64, T)
	for t := 0; t < T; t++ {
		vols[t] = col[t].Volume
		dollar[t] = col[t].Close * col[t].Volume
	}
	volMean20 := rollingMean(vols, 20)
	volStd20 := rollingStd(vols, 20)

	amihudDaily := make([]float64, T)
	for t := 0; t < T; t++ {
		if dollar[t] > 0 {
			amihudDaily[t] = math.Abs(ret1[t]) / dollar[t] * 1e6
		}
	}
	amihud20 := rollingMean(amihudDaily, 20)

	for t := 0; t < T; t++ {
		c.set(t, n, 0, ret1[t])
		c.set(t, n, 1, ret5[t])
		c.set(t, n, 2, ret20[t])
		c.set(t, n, 3, rvol10[t])
		c.set(t, n, 4, rvol20[t])
		c.set(t, n, 5, safeDiv(atr14[t], closes[t]))
		// Bollinger width: (upper − lower) / mid with k = 2.
		c.set(t, n, 6, safeDiv(4*std20[t], sma20[t]))
		// Keltner width: (upper − lower) / mid with 2×ATR bands.
		c.set(t, n, 7, safeDiv(4*atr14[t], ema20[t]))
		c.set(t, n, 8, safeDiv(vols[t]-volMean20[t], volStd20[t]))
		c.set(t, n, 9, amihud20[t])
	}
}

// logReturns computes ln(x_t / x_{t-h}); zero inside the warm-up horizon.
func logReturns(xs []float64, h int) []float64 {
	out := make([]float64, len(xs))
	for t := h; t < len(xs); t++ {
		if xs[t-h] > 0 && xs[t] > 0 {
			out[t] = math.Log(xs[t] / xs[t-h])
		}
	}
	return out
}

// rollingMean is a trailing simple moving average; zero until w samples.
func rollingMean(xs []float64, w int) []float64 {
	out := make([]float64, len(xs))
	var sum float64
	for t := 0; t < len(xs); t++ {
		sum += xs[t]
		if t >= w {
			sum -= xs[t-w]
		}
		if t >= w-1 {
			out[t] = sum / float64(w)
		}
	}
	return out
}

// rollingStd is a trailing sample standard deviation; zero until w samples.
func rollingStd(xs []float64, w int) []float64 {
	out := make([]float64, len(xs))
	if w < 2 {
		return out
	}
	for t := w - 1; t < len(xs); t++ {
		var mean float64
		for i := t - w + 1; i <= t; i++ {
			mean += xs[i]
		}
		mean /= float64(w)
		var ss float64
		for i := t - w + 1; i <= t; i++ {
			d := xs[i] - mean
			ss += d * d
		}
		out[t] = math.Sqrt(ss / float64(w-1))
	}
	return out
}

// ema is an exponential moving average seeded with the first value.
func ema(xs []float64, w int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	alpha := 2.0 / (float64(w) + 1.0)
	out[0] = xs[0]
	for t := 1; t < len(xs); t++ {
		out[t] = alpha*xs[t] + (1-alpha)*out[t-1]
	}
	return out
}

// atr is a trailing simple average of the true range; zero until w samples.
func atr(col []Bar, w int) []float64 {
	T := len(col)
	tr := make([]float64, T)
	for t := 0; t < T; t++ {
		hl := col[t].High - col[t].Low
		if t == 0 {
			tr[t] = hl
			continue
		}
		hc := math.Abs(col[t].High - col[t-1].Close)
		lc := math.Abs(col[t].Low - col[t-1].Close)
		tr[t] = math.Max(hl, math.Max(hc, lc))
	}
	return rollingMean(tr, w)
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}
