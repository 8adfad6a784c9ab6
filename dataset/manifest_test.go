package dataset

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(filepath.Join(t.TempDir(), "cache"), SyntheticProvider{}, nil)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return b
}

func TestManifestHashStable(t *testing.T) {
	b := newTestBuilder(t)
	req := validRequest()

	m1, err := b.BuildManifest(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	m2, err := b.BuildManifest(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildManifest again: %v", err)
	}
	if m1.ContentHash != m2.ContentHash {
		t.Errorf("hash not stable: %s vs %s", m1.ContentHash, m2.ContentHash)
	}
	if m1.Vendor != "synthetic" {
		t.Errorf("vendor = %q", m1.Vendor)
	}
	if len(m1.ParquetMap) != len(req.Symbols) {
		t.Errorf("parquet map = %v", m1.ParquetMap)
	}
}

func TestManifestHashVariesWithQuery(t *testing.T) {
	b := newTestBuilder(t)

	base := validRequest()
	m1, err := b.BuildManifest(context.Background(), base)
	if err != nil {
		t.Fatal(err)
	}

	shifted := validRequest()
	shifted.End = "2024-07-31"
	m2, err := b.BuildManifest(context.Background(), shifted)
	if err != nil {
		t.Fatal(err)
	}
	if m1.ContentHash == m2.ContentHash {
		t.Error("different date ranges share a hash")
	}
}

func TestManifestSaveLoadAndDrift(t *testing.T) {
	b := newTestBuilder(t)
	req := validRequest()
	req.Symbols = []string{"SPY"}

	m, err := b.BuildManifest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), ManifestFileName)
	if err := m.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if loaded.ContentHash != m.ContentHash {
		t.Errorf("hash changed across save/load")
	}

	// Touch a cached file: the recomputed hash must diverge.
	cached := m.ParquetMap["SPY"]
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(cached, future, future); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); !errors.Is(err, ErrManifestDrift) {
		t.Errorf("err = %v, want ErrManifestDrift", err)
	}
}

func TestEnsureCachedIdempotent(t *testing.T) {
	b := newTestBuilder(t)
	req := validRequest()
	req.Symbols = []string{"AAPL"}

	m, err := b.BuildManifest(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	info1, err := os.Stat(m.ParquetMap["AAPL"])
	if err != nil {
		t.Fatal(err)
	}

	// Second build must reuse the cached file, not rewrite it.
	if _, err := b.BuildManifest(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	info2, err := os.Stat(m.ParquetMap["AAPL"])
	if err != nil {
		t.Fatal(err)
	}
	if !info1.ModTime().Equal(info2.ModTime()) || info1.Size() != info2.Size() {
		t.Error("cache file rewritten on identical query")
	}
}

func TestSyntheticProviderDeterministic(t *testing.T) {
	p := SyntheticProvider{}
	a1, err := p.Bars(context.Background(), "AAPL", "1d", true, "2024-01-01", "2024-01-31")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := p.Bars(context.Background(), "AAPL", "1d", true, "2024-01-01", "2024-01-31")
	if len(a1) == 0 || len(a1) != len(a2) {
		t.Fatalf("bars = %d / %d", len(a1), len(a2))
	}
	for i := range a1 {
		if a1[i] != a2[i] {
			t.Fatalf("bar %d differs across identical queries", i)
		}
	}

	other, _ := p.Bars(context.Background(), "MSFT", "1d", true, "2024-01-01", "2024-01-31")
	if a1[0].Close == other[0].Close {
		t.Error("different symbols share a price path")
	}

	for _, bar := range a1 {
		if wd := time.Unix(bar.Ts, 0).UTC().Weekday(); wd == time.Saturday || wd == time.Sunday {
			t.Fatalf("weekend bar at %d", bar.Ts)
		}
	}
}
