package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/flowtrack/pkg/cmd"
	"github.com/dukex/flowtrack/pkg/log"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func main() {
	flags := append(cmd.Flags(),
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
	)

	command := &cli.Command{
		Name:                  "flowtrack-worker",
		EnableShellCompletion: true,
		Usage:                 "Run workflow executions, booking polls and maintenance jobs",
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("flowtrack-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing FlowTrack Worker")

			opts, err := cmd.OptionsFromCommand(command)
			if err != nil {
				return err
			}

			services, err := cmd.NewServices(ctx, "flowtrack-worker", logger, opts)
			if err != nil {
				return err
			}

			defer func() {
				err := services.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close services", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return NewWorkerManager(services, opts.Config, logger).Run(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("flowtrack-worker").Error("FlowTrack Worker stopped", "error", err)
		os.Exit(1)
	}
}
