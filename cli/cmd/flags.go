// Package cmd provides CLI commands for the stockbot binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// AddrFlag points read commands at a running daemon.
	AddrFlag = &cli.StringFlag{
		Name:    "addr",
		Aliases: []string{"a"},
		Usage:   "Daemon base URL",
		Value:   "http://127.0.0.1:8420",
		EnvVars: []string{"STOCKBOT_ADDR"},
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, NoColorFlag, AddrFlag}
}
