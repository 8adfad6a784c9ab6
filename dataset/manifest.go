package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/stockbot-io/stockbot/iox"
)

// ErrManifestDrift indicates a manifest re-opened from disk no longer
// matches the hash recomputed over its cached files — a configuration or
// cache drift the caller must surface.
var ErrManifestDrift = errors.New("manifest content hash drift")

// Manifest is the content-addressed description of one input slice.
//
// ContentHash is a SHA-256 over the canonical JSON of the query fields plus,
// for each cached file, the tuple (path, size, mtime_seconds). File contents
// are deliberately not hashed — the (size, mtime) pair matches the original
// reproducibility token and keeps manifest builds O(1) in file size.
type Manifest struct {
	Symbols     []string          `json:"symbols"`
	Interval    string            `json:"interval"`
	Adjusted    bool              `json:"adjusted"`
	Start       string            `json:"start"`
	End         string            `json:"end"`
	Vendor      string            `json:"vendor"`
	ParquetMap  map[string]string `json:"parquet_map"`
	ContentHash string            `json:"content_hash"`
}

// BuildManifest ensures every symbol's slice is cached and returns the
// hashed manifest. Identical queries over unchanged caches produce
// byte-equal hashes.
func (b *Builder) BuildManifest(ctx context.Context, req WindowRequest) (*Manifest, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m := &Manifest{
		Symbols:    append([]string(nil), req.Symbols...),
		Interval:   req.Interval,
		Adjusted:   req.Adjusted,
		Start:      req.Start,
		End:        req.End,
		Vendor:     b.provider.Vendor(),
		ParquetMap: make(map[string]string, len(req.Symbols)),
	}
	for _, sym := range req.Symbols {
		path, err := b.ensureCached(ctx, sym, req)
		if err != nil {
			return nil, err
		}
		m.ParquetMap[sym] = path
	}

	hash, err := m.computeHash()
	if err != nil {
		return nil, err
	}
	m.ContentHash = hash
	return m, nil
}

// computeHash digests the canonical manifest fields and per-file stat tuples.
func (m *Manifest) computeHash() (string, error) {
	canonical := struct {
		Symbols    []string          `json:"symbols"`
		Interval   string            `json:"interval"`
		Adjusted   bool              `json:"adjusted"`
		Start      string            `json:"start"`
		End        string            `json:"end"`
		Vendor     string            `json:"vendor"`
		ParquetMap map[string]string `json:"parquet_map"`
	}{m.Symbols, m.Interval, m.Adjusted, m.Start, m.End, m.Vendor, m.ParquetMap}

	// json.Marshal sorts map keys, so the encoding is canonical.
	head, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}

	h := sha256.New()
	h.Write(head)
	for _, sym := range m.Symbols {
		path := m.ParquetMap[sym]
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("stat cached file %s: %w", path, err)
		}
		fmt.Fprintf(h, "|%s:%d:%d", path, info.Size(), info.ModTime().Unix())
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Save writes the manifest JSON atomically.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return iox.WriteFileAtomic(path, data, 0o644)
}

// LoadManifest reads a manifest and verifies its content hash against the
// current cache state. A mismatch returns ErrManifestDrift wrapping both
// hashes.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	current, err := m.computeHash()
	if err != nil {
		return nil, err
	}
	if current != m.ContentHash {
		return nil, fmt.Errorf("%w: recorded %s, recomputed %s", ErrManifestDrift, m.ContentHash, current)
	}
	return &m, nil
}
