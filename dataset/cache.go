package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// cacheFileName encodes the full query identity so that a cached file can
// never be reused for a different slice.
func cacheFileName(symbol, interval string, adjusted bool, start, end string) string {
	adj := "raw"
	if adjusted {
		adj = "adj"
	}
	return fmt.Sprintf("%s_%s_%s_%s_%s.parquet", symbol, interval, adj, start, end)
}

// ensureCached returns the cache path for a slice, materializing it via the
// provider when missing. Writes are idempotent: the file lands via a temp
// name and rename, and an existing file is never rewritten.
func (b *Builder) ensureCached(ctx context.Context, symbol string, req WindowRequest) (string, error) {
	path := filepath.Join(b.cacheDir, cacheFileName(symbol, req.Interval, req.Adjusted, req.Start, req.End))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	bars, err := b.provider.Bars(ctx, symbol, req.Interval, req.Adjusted, req.Start, req.End)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return "", fmt.Errorf("fetch %s: empty slice %s..%s", symbol, req.Start, req.End)
	}

	tmp := path + ".tmp"
	if err := writeBars(tmp, bars); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("cache %s: %w", symbol, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("cache %s: %w", symbol, err)
	}
	return path, nil
}

func writeBars(path string, bars []Bar) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := parquet.NewGenericWriter[Bar](f)
	if _, err := w.Write(bars); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readBars loads a cached slice in timestamp order.
func readBars(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	r := parquet.NewGenericReader[Bar](f)
	defer func() { _ = r.Close() }()

	bars := make([]Bar, 0, info.Size()/64)
	buf := make([]Bar, 256)
	for {
		n, err := r.Read(buf)
		bars = append(bars, buf[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("read parquet %s: %w", path, err)
		}
	}
	return bars, nil
}
