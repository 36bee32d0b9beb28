package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"import-worker-service/internal/ingest"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a YAML config file (default: ./config.yaml if present)",
		Sources: cli.EnvVars("IMPORTER_CONFIG"),
	}
	typeFlag := &cli.StringFlag{
		Name:  "type",
		Usage: "import type",
		Value: ingest.Institutions.Name,
	}

	return &cli.Command{
		Name:  "importer",
		Usage: "bulk file import service",
		Flags: []cli.Flag{configFlag},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the HTTP API",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "with-worker",
						Usage: "also consume the channel in this process",
					},
				},
				Action: serveAction,
			},
			{
				Name:   "worker",
				Usage:  "consume the channel and run imports",
				Action: workerAction,
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "down",
						Usage: "roll back this many migrations instead",
					},
				},
				Action: migrateAction,
			},
			{
				Name:      "run",
				Usage:     "import one file in-process with in-memory stores",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					typeFlag,
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "identity, parallel, dedup or dedup-parallel (default from config)",
					},
					&cli.StringFlag{
						Name:  "owner",
						Usage: "owner recorded on the job",
						Value: "cli",
					},
					&cli.BoolFlag{
						Name:  "dry-run",
						Usage: "validate and map records without keeping them",
					},
				},
				Action: runAction,
			},
			{
				Name:      "validate",
				Usage:     "check the header and every row of a file without importing it",
				ArgsUsage: "<file>",
				Flags:     []cli.Flag{typeFlag},
				Action:    validateAction,
			},
		},
	}
}
