package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stockbot-io/stockbot/iox"
	"github.com/stockbot-io/stockbot/log"
)

// Output file names under the preparation directory.
const (
	ManifestFileName  = "manifest.json"
	WindowsFileName   = "windows.bin"
	MetadataFileName  = "windows_meta.json"
	ObsSchemaFileName = "obs_schema.json"
)

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// WindowRequest describes one dataset preparation: which slice to cache and
// how to cut it into lookback windows.
type WindowRequest struct {
	Symbols     []string `json:"symbols" yaml:"symbols"`
	Interval    string   `json:"interval" yaml:"interval"`
	Adjusted    bool     `json:"adjusted" yaml:"adjusted"`
	Start       string   `json:"start" yaml:"start"`
	End         string   `json:"end" yaml:"end"`
	FeatureSet  string   `json:"feature_set" yaml:"feature_set"`
	Lookback    int      `json:"lookback" yaml:"lookback"`
	EmbargoBars int      `json:"embargo_bars" yaml:"embargo_bars"`
	Normalize   bool     `json:"normalize" yaml:"normalize"`
}

// Validate applies defaults and rejects malformed requests.
func (r *WindowRequest) Validate() error {
	if len(r.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	seen := make(map[string]struct{}, len(r.Symbols))
	for _, sym := range r.Symbols {
		if sym == "" {
			return fmt.Errorf("symbols must not contain empty entries")
		}
		if _, dup := seen[sym]; dup {
			return fmt.Errorf("duplicate symbol %q", sym)
		}
		seen[sym] = struct{}{}
	}
	if r.Interval == "" {
		r.Interval = "1d"
	}
	if !dateRe.MatchString(r.Start) {
		return fmt.Errorf("start %q is not YYYY-MM-DD", r.Start)
	}
	if !dateRe.MatchString(r.End) {
		return fmt.Errorf("end %q is not YYYY-MM-DD", r.End)
	}
	if r.End < r.Start {
		return fmt.Errorf("end %s before start %s", r.End, r.Start)
	}
	switch r.FeatureSet {
	case "":
		r.FeatureSet = FeatureSetAlias
	case FeatureSetAlias, FeatureSetOHLCV:
	default:
		return fmt.Errorf("unknown feature set %q", r.FeatureSet)
	}
	if r.Lookback < 1 {
		return fmt.Errorf("lookback must be >= 1, got %d", r.Lookback)
	}
	if r.EmbargoBars < 0 {
		return fmt.Errorf("embargo_bars must be >= 0, got %d", r.EmbargoBars)
	}
	return nil
}

// Builder caches slices, hashes manifests, and cuts feature windows.
type Builder struct {
	cacheDir string
	provider Provider
	logger   *log.Logger
}

// NewBuilder creates the cache directory when missing.
func NewBuilder(cacheDir string, provider Provider, logger *log.Logger) (*Builder, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", cacheDir, err)
	}
	if logger == nil {
		logger = log.New("dataset")
	}
	return &Builder{cacheDir: cacheDir, provider: provider, logger: logger}, nil
}

// FeatureWindows is the (W, lookback, N, F) tensor of lookback windows with
// the window-end timestamps and the axis labels.
//
// The window ending at Timestamps[w] holds only feature values computed from
// bars at or before that timestamp, and the trailing embargo bars of the
// source series are never valid window ends.
type FeatureWindows struct {
	Data         []float64 `msgpack:"data"`
	NumWindows   int       `msgpack:"num_windows"`
	Lookback     int       `msgpack:"lookback"`
	NumSymbols   int       `msgpack:"num_symbols"`
	NumFeatures  int       `msgpack:"num_features"`
	Timestamps   []int64   `msgpack:"timestamps"`
	Symbols      []string  `msgpack:"symbols"`
	FeatureNames []string  `msgpack:"feature_names"`
}

// At returns the value at (window, lookback-offset, symbol, feature).
func (w *FeatureWindows) At(wi, l, n, f int) float64 {
	return w.Data[(((wi*w.Lookback)+l)*w.NumSymbols+n)*w.NumFeatures+f]
}

// Shape returns (W, lookback, N, F).
func (w *FeatureWindows) Shape() [4]int {
	return [4]int{w.NumWindows, w.Lookback, w.NumSymbols, w.NumFeatures}
}

// Prepared bundles the outputs of one preparation call.
type Prepared struct {
	Dir      string
	Manifest *Manifest
	Windows  *FeatureWindows
}

// Prepare runs the full pipeline: cache, manifest, feature cube, windows,
// persistence. Any I/O error is fatal and removes the partially written
// output files.
func (b *Builder) Prepare(ctx context.Context, req WindowRequest, outDir string) (*Prepared, error) {
	manifest, err := b.BuildManifest(ctx, req)
	if err != nil {
		return nil, err
	}

	series := make(map[string][]Bar, len(req.Symbols))
	for _, sym := range req.Symbols {
		bars, err := readBars(manifest.ParquetMap[sym])
		if err != nil {
			return nil, err
		}
		series[sym] = bars
	}

	c, err := buildCube(series, req.Symbols, req.FeatureSet)
	if err != nil {
		return nil, err
	}
	windows, err := cutWindows(c, req.Lookback, req.EmbargoBars, req.Normalize)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", outDir, err)
	}
	if err := b.persist(outDir, manifest, windows); err != nil {
		return nil, err
	}

	b.logger.Info("dataset prepared", map[string]any{
		"out_dir":  outDir,
		"hash":     manifest.ContentHash,
		"windows":  windows.NumWindows,
		"symbols":  windows.NumSymbols,
		"features": windows.NumFeatures,
	})
	return &Prepared{Dir: outDir, Manifest: manifest, Windows: windows}, nil
}

// cutWindows emits the window for each valid end t in
// [lookback-1, T-embargo). With normalize, each (symbol, feature) column is
// z-scored over the window's own lookback rows.
func cutWindows(c *cube, lookback, embargo int, normalize bool) (*FeatureWindows, error) {
	T := len(c.timestamps)
	N := len(c.symbols)
	F := len(c.featureNames)
	last := T - embargo
	if last <= lookback-1 {
		return nil, fmt.Errorf("series too short: %d rows, lookback %d, embargo %d", T, lookback, embargo)
	}

	W := last - (lookback - 1)
	fw := &FeatureWindows{
		Data:         make([]float64, W*lookback*N*F),
		NumWindows:   W,
		Lookback:     lookback,
		NumSymbols:   N,
		NumFeatures:  F,
		Timestamps:   make([]int64, W),
		Symbols:      append([]string(nil), c.symbols...),
		FeatureNames: append([]string(nil), c.featureNames...),
	}

	for wi := 0; wi < W; wi++ {
		end := lookback - 1 + wi
		fw.Timestamps[wi] = c.timestamps[end]
		base := wi * lookback * N * F
		for l := 0; l < lookback; l++ {
			t := end - lookback + 1 + l
			copy(fw.Data[base+l*N*F:base+(l+1)*N*F], c.data[t*N*F:(t+1)*N*F])
		}
		if normalize {
			normalizeWindow(fw.Data[base:base+lookback*N*F], lookback, N, F)
		}
	}
	return fw, nil
}

// normalizeWindow z-scores each (symbol, feature) column across the lookback
// rows of a single window. Constant columns map to zero.
func normalizeWindow(win []float64, lookback, N, F int) {
	for n := 0; n < N; n++ {
		for f := 0; f < F; f++ {
			var mean float64
			for l := 0; l < lookback; l++ {
				mean += win[(l*N+n)*F+f]
			}
			mean /= float64(lookback)
			var ss float64
			for l := 0; l < lookback; l++ {
				d := win[(l*N+n)*F+f] - mean
				ss += d * d
			}
			std := math.Sqrt(ss / float64(lookback))
			for l := 0; l < lookback; l++ {
				i := (l*N + n) * F
				if std < 1e-9 {
					win[i+f] = 0
				} else {
					win[i+f] = (win[i+f] - mean) / std
				}
			}
		}
	}
}

// persist writes the four output files, removing all of them on any failure.
func (b *Builder) persist(outDir string, m *Manifest, fw *FeatureWindows) (err error) {
	written := make([]string, 0, 4)
	defer func() {
		if err == nil {
			return
		}
		for _, path := range written {
			_ = os.Remove(path)
		}
	}()

	manifestPath := filepath.Join(outDir, ManifestFileName)
	if err = m.Save(manifestPath); err != nil {
		return err
	}
	written = append(written, manifestPath)

	var packed []byte
	packed, err = msgpack.Marshal(fw)
	if err != nil {
		return fmt.Errorf("encode windows: %w", err)
	}
	windowsPath := filepath.Join(outDir, WindowsFileName)
	if err = iox.WriteFileAtomic(windowsPath, packed, 0o644); err != nil {
		return err
	}
	written = append(written, windowsPath)

	meta := map[string]any{
		"timestamps":    fw.Timestamps,
		"symbols":       fw.Symbols,
		"feature_names": fw.FeatureNames,
		"shape":         fw.Shape(),
	}
	var metaData []byte
	metaData, err = json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	metaPath := filepath.Join(outDir, MetadataFileName)
	if err = iox.WriteFileAtomic(metaPath, metaData, 0o644); err != nil {
		return err
	}
	written = append(written, metaPath)

	schema := map[string]any{
		"windows": map[string]any{
			"shape": []int{fw.Lookback, fw.NumSymbols, fw.NumFeatures},
			"dtype": "float64",
		},
		"timestamps": map[string]any{
			"shape": []int{fw.NumWindows},
			"dtype": "int64",
		},
	}
	var schemaData []byte
	schemaData, err = json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("encode obs schema: %w", err)
	}
	schemaPath := filepath.Join(outDir, ObsSchemaFileName)
	if err = iox.WriteFileAtomic(schemaPath, schemaData, 0o644); err != nil {
		return err
	}
	written = append(written, schemaPath)
	return nil
}

// LoadWindows reads a persisted tensor back.
func LoadWindows(path string) (*FeatureWindows, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read windows %s: %w", path, err)
	}
	var fw FeatureWindows
	if err := msgpack.Unmarshal(data, &fw); err != nil {
		return nil, fmt.Errorf("decode windows %s: %w", path, err)
	}
	if want := fw.NumWindows * fw.Lookback * fw.NumSymbols * fw.NumFeatures; len(fw.Data) != want {
		return nil, fmt.Errorf("windows %s: data length %d does not match shape %v", path, len(fw.Data), fw.Shape())
	}
	return &fw, nil
}
