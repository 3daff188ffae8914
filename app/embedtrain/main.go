// Command embedtrain trains a bag-of-embeddings sentence encoder on a
// synthetic paired corpus, on one worker or data-parallel across several.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		slog.Error("embedtrain failed", "err", err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML configuration file",
		},
		&cli.StringFlag{
			Name:  "env",
			Usage: "environment file",
			Value: ".env",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "run name (checkpoint and metric stream)",
		},
		&cli.IntFlag{
			Name:  "epochs",
			Usage: "number of epochs",
		},
		&cli.IntFlag{
			Name:  "warmup",
			Usage: "learning rate warmup steps",
		},
		&cli.StringFlag{
			Name:  "metrics-listen",
			Usage: "serve Prometheus metrics on this address (e.g. :9090)",
		},
		&cli.BoolFlag{
			Name:  "progress",
			Usage: "render progress bars on stderr",
		},
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "embedtrain",
		Usage:   "train sentence embedders on paired similarity data",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:   "train",
				Usage:  "train on a single worker",
				Flags:  commonFlags(),
				Action: trainAction,
			},
			{
				Name:  "train-ddp",
				Usage: "train data-parallel across workers",
				Flags: append(commonFlags(),
					&cli.IntFlag{
						Name:  "workers",
						Usage: "number of workers (default: one per physical core)",
					},
				),
				Action: trainDDPAction,
			},
		},
	}
}
