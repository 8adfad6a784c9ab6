package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/stockbot-io/stockbot/cli/render"
	"github.com/stockbot-io/stockbot/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Schema  string `json:"telemetry_schema"`
}

// VersionCommand returns the version command. It never contacts a daemon.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: []cli.Flag{FormatFlag, NoColorFlag},
		Action: func(c *cli.Context) error {
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			return r.Render(VersionResponse{
				Version: types.Version,
				Commit:  commit,
				Schema:  types.TelemetrySchema,
			})
		},
	}
}
