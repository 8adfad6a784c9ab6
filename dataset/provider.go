// Package dataset produces reproducible training inputs: a content-hashed
// manifest over cached per-symbol OHLCV files and leak-free feature windows
// with a trailing embargo.
package dataset

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Bar is one OHLCV observation. Rows are persisted in the parquet cache
// files referenced by the manifest.
type Bar struct {
	// Ts is the bar timestamp in unix seconds (UTC).
	Ts     int64   `parquet:"ts"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume float64 `parquet:"volume"`
}

// Provider materializes an OHLCV slice for one symbol. Vendor API clients
// are external collaborators; the core only needs this narrow surface.
type Provider interface {
	// Bars returns the slice for [start, end] (inclusive YYYY-MM-DD dates)
	// in ascending timestamp order.
	Bars(ctx context.Context, symbol, interval string, adjusted bool, start, end string) ([]Bar, error)
	// Vendor identifies the data source, recorded in the manifest.
	Vendor() string
}

// SyntheticProvider generates deterministic geometric-random-walk bars.
// It backs tests and offline development; the seed derives from the symbol
// so identical queries always produce identical slices.
type SyntheticProvider struct{}

// Vendor implements Provider.
func (SyntheticProvider) Vendor() string { return "synthetic" }

// Bars implements Provider. Daily bars only; intraday intervals reuse the
// daily grid.
func (SyntheticProvider) Bars(_ context.Context, symbol, _ string, _ bool, start, end string) ([]Bar, error) {
	startT, err := time.Parse("2006-01-02", start)
	if err != nil {
		return nil, fmt.Errorf("parse start %q: %w", start, err)
	}
	endT, err := time.Parse("2006-01-02", end)
	if err != nil {
		return nil, fmt.Errorf("parse end %q: %w", end, err)
	}
	if endT.Before(startT) {
		return nil, fmt.Errorf("end %s before start %s", end, start)
	}

	rng := rand.New(rand.NewSource(int64(seedFor(symbol))))
	price := 50.0 + 100.0*rng.Float64()

	var bars []Bar
	for d := startT; !d.After(endT); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		ret := rng.NormFloat64() * 0.02
		open := price
		price = price * math.Exp(ret)
		high := math.Max(open, price) * (1 + 0.005*rng.Float64())
		low := math.Min(open, price) * (1 - 0.005*rng.Float64())
		bars = append(bars, Bar{
			Ts:     d.UTC().Unix(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  price,
			Volume: math.Floor(1e6 * (0.5 + rng.Float64())),
		})
	}
	return bars, nil
}

func seedFor(symbol string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(symbol); i++ {
		h ^= uint32(symbol[i])
		h *= 16777619
	}
	return h
}
