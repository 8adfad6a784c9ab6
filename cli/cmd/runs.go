package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/stockbot-io/stockbot/cli/client"
	"github.com/stockbot-io/stockbot/cli/render"
	"github.com/stockbot-io/stockbot/types"
)

// RunsCommand groups the run inspection and control subcommands.
func RunsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Inspect and control runs on a daemon",
		Subcommands: []*cli.Command{
			runsListCommand(),
			runsInspectCommand(),
			runsCancelCommand(),
			runsDeleteCommand(),
		},
	}
}

func runsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List runs, newest first",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status: QUEUED, RUNNING, SUCCEEDED, FAILED, CANCELLED",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of runs to return (0 = no limit)",
			},
		),
		Action: runsListAction,
	}
}

func runsListAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	runs, err := client.New(c.String("addr")).ListRuns()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if status := c.String("status"); status != "" {
		filtered := runs[:0]
		for _, rec := range runs {
			if string(rec.Status) == status {
				filtered = append(filtered, rec)
			}
		}
		runs = filtered
	}
	if limit := c.Int("limit"); limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}

	// The full record is inspect-level detail; the listing shows frames.
	frames := make([]types.StatusFrame, 0, len(runs))
	for _, rec := range runs {
		frames = append(frames, rec.Frame())
	}
	return r.Render(frames)
}

func runsInspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show one run in full detail",
		ArgsUsage: "<run_id>",
		Flags:     ReadOnlyFlags(),
		Action:    runsInspectAction,
	}
}

func runsInspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: stockbot runs inspect <run_id>", 2)
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	api := client.New(c.String("addr"))
	rec, err := api.GetRun(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	artifacts, err := api.Artifacts(rec.ID)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return r.Render(map[string]any{
		"run":       rec,
		"artifacts": artifacts,
	})
}

func runsCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Request cancellation of a run",
		ArgsUsage: "<run_id>",
		Flags:     []cli.Flag{AddrFlag},
		Action:    runsCancelAction,
	}
}

func runsCancelAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: stockbot runs cancel <run_id>", 2)
	}
	status, err := client.New(c.String("addr")).Cancel(c.Args().First())
	if err != nil && status == "" {
		return cli.Exit(err.Error(), 1)
	}
	if err != nil {
		// Intent recorded but the signal could not be delivered.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	fmt.Printf("%s\n", status)
	return nil
}

func runsDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a run record and its output tree",
		ArgsUsage: "<run_id>",
		Flags:     []cli.Flag{AddrFlag},
		Action:    runsDeleteAction,
	}
}

func runsDeleteAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: stockbot runs delete <run_id>", 2)
	}
	if err := client.New(c.String("addr")).Delete(c.Args().First()); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println("deleted")
	return nil
}
