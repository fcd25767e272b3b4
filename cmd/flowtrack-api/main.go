package main

import (
	"context"
	"os"

	"github.com/dukex/flowtrack/pkg/cmd"
	"github.com/dukex/flowtrack/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	flags := append(cmd.Flags(),
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:    "app-url",
			Usage:   "Public base URL, used to advertise webhook endpoints",
			Sources: cli.EnvVars("APP_URL"),
		},
	)

	command := &cli.Command{
		Name:                  "flowtrack-api",
		Usage:                 "Receive webhooks and form submissions, and operate the booking pipeline",
		EnableShellCompletion: true,
		Flags:                 flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("api")

			logger.InfoContext(ctx, "Initializing FlowTrack API")

			opts, err := cmd.OptionsFromCommand(command)
			if err != nil {
				return err
			}

			services, err := cmd.NewServices(ctx, "flowtrack-api", logger, opts)
			if err != nil {
				return err
			}

			defer func() {
				err := services.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close services", "error", err)
				}
			}()

			api := NewAPI(logger, services, command.String("app-url"))

			return api.Start(command.Int("port"))
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		log.WithModule("api").Error("FlowTrack API stopped", "error", err)
		os.Exit(1)
	}
}
