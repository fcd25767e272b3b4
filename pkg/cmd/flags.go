package cmd

import (
	"fmt"

	"github.com/dukex/flowtrack/pkg/config"
	cli "github.com/urfave/cli/v3"
)

// Flags are the connection flags every binary accepts.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL for persistence (postgres://... or memory)",
			Value:   "memory",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL of the job queue; empty uses an in-process queue",
			Sources: cli.EnvVars("REDIS_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Comma separated Kafka brokers",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "calendly-client-id",
			Usage:   "Calendly OAuth client id used to refresh tokens",
			Sources: cli.EnvVars("CALENDLY_CLIENT_ID"),
		},
		&cli.StringFlag{
			Name:    "calendly-client-secret",
			Usage:   "Calendly OAuth client secret used to refresh tokens",
			Sources: cli.EnvVars("CALENDLY_CLIENT_SECRET"),
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to the YAML tunables file",
			Value:   "flowtrack.yaml",
			Sources: cli.EnvVars("FLOWTRACK_CONFIG"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export traces over OTLP/HTTP",
			Sources: cli.EnvVars("FLOWTRACK_TRACING"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Value:   "text",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

// OptionsFromCommand reads the connection flags and loads the config file.
func OptionsFromCommand(command *cli.Command) (Options, error) {
	cfg, err := config.LoadOrDefault(command.String("config"))
	if err != nil {
		return Options{}, fmt.Errorf("failed to load config: %w", err)
	}

	return Options{
		DatabaseURL:          command.String("database-url"),
		RedisURL:             command.String("redis-url"),
		EventBus:             command.String("event-bus"),
		KafkaBrokers:         command.String("kafka-brokers"),
		CalendlyClientID:     command.String("calendly-client-id"),
		CalendlyClientSecret: command.String("calendly-client-secret"),
		Tracing:              command.Bool("tracing"),
		Config:               cfg,
	}, nil
}
