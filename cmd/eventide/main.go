package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/petrijr/eventide"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("eventide failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "eventide",
		Usage:                 "Run and inspect durable workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("EVENTIDE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "Storage backend (memory, sqlite, postgres, redis, mongo)",
				Sources: cli.EnvVars("EVENTIDE_BACKEND"),
			},
			&cli.StringFlag{
				Name:    "dsn",
				Usage:   "Database DSN for the sqlite and postgres backends",
				Sources: cli.EnvVars("EVENTIDE_DSN"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the redis backend",
				Sources: cli.EnvVars("EVENTIDE_REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "mongo-uri",
				Usage:   "MongoDB URI for the mongo backend",
				Sources: cli.EnvVars("EVENTIDE_MONGO_URI"),
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "Execution queue transport (memory, watermill)",
				Sources: cli.EnvVars("EVENTIDE_TRANSPORT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Sources: cli.EnvVars("EVENTIDE_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			NewWorkerCommand(),
			NewRunCommand(),
			NewExecutionsCommand(),
			NewHistoryCommand(),
		},
	}
}

// loadConfig builds the runtime configuration from the config file and the
// global flags, in that order of precedence.
func loadConfig(command *cli.Command) (eventide.Config, error) {
	cfg := eventide.DefaultConfig()
	if path := command.String("config"); path != "" {
		loaded, err := eventide.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	overrides := map[string]*string{
		"backend":    &cfg.Backend,
		"dsn":        &cfg.DSN,
		"redis-addr": &cfg.RedisAddr,
		"mongo-uri":  &cfg.MongoURI,
		"transport":  &cfg.Transport,
		"log-level":  &cfg.LogLevel,
	}
	for flag, field := range overrides {
		if v := command.String(flag); v != "" {
			*field = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogger(cfg eventide.Config) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	return logger
}

// openRuntime loads the configuration and opens a runtime with the demo
// workflows registered. The caller closes it.
func openRuntime(ctx context.Context, command *cli.Command) (*eventide.Runtime, error) {
	cfg, err := loadConfig(command)
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg)

	rt, err := eventide.NewRuntime(ctx, cfg,
		eventide.WithLogger(logger),
		eventide.WithObserver(eventide.NewLoggingObserver(logger.With("module", "observer"))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime: %w", err)
	}
	if err := registerDemo(rt); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}
