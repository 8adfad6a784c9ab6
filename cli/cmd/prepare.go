package cmd

import (
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/stockbot-io/stockbot/cli/render"
	"github.com/stockbot-io/stockbot/dataset"
	"github.com/stockbot-io/stockbot/log"
)

// PrepareCommand returns the dataset preparation command. It runs the
// builder in-process, without a daemon.
func PrepareCommand() *cli.Command {
	return &cli.Command{
		Name:  "prepare",
		Usage: "Build a content-hashed dataset: cache, manifest, feature windows",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "symbols", Usage: "Comma-separated symbol list", Required: true},
			&cli.StringFlag{Name: "start", Usage: "Range start (YYYY-MM-DD)", Required: true},
			&cli.StringFlag{Name: "end", Usage: "Range end (YYYY-MM-DD)", Required: true},
			&cli.StringFlag{Name: "interval", Usage: "Bar interval", Value: "1d"},
			&cli.BoolFlag{Name: "adjusted", Usage: "Use adjusted prices"},
			&cli.StringFlag{Name: "features", Usage: "Feature set: alias or ohlcv", Value: dataset.FeatureSetAlias},
			&cli.IntFlag{Name: "lookback", Usage: "Window length in bars", Value: 64},
			&cli.IntFlag{Name: "embargo", Usage: "Trailing bars excluded from window ends", Value: 5},
			&cli.BoolFlag{Name: "normalize", Usage: "Per-window z-score normalization"},
			&cli.StringFlag{Name: "cache-dir", Usage: "OHLCV cache directory", Value: "data/cache"},
			&cli.StringFlag{Name: "out", Usage: "Output directory", Required: true},
			FormatFlag,
			NoColorFlag,
		},
		Action: prepareAction,
	}
}

func prepareAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	builder, err := dataset.NewBuilder(c.String("cache-dir"), dataset.SyntheticProvider{}, log.New("dataset"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	req := dataset.WindowRequest{
		Symbols:     strings.Split(c.String("symbols"), ","),
		Interval:    c.String("interval"),
		Adjusted:    c.Bool("adjusted"),
		Start:       c.String("start"),
		End:         c.String("end"),
		FeatureSet:  c.String("features"),
		Lookback:    c.Int("lookback"),
		EmbargoBars: c.Int("embargo"),
		Normalize:   c.Bool("normalize"),
	}
	prepared, err := builder.Prepare(c.Context, req, c.String("out"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return r.Render(map[string]any{
		"out_dir":      prepared.Dir,
		"content_hash": prepared.Manifest.ContentHash,
		"vendor":       prepared.Manifest.Vendor,
		"windows":      prepared.Windows.NumWindows,
		"shape":        prepared.Windows.Shape(),
	})
}
