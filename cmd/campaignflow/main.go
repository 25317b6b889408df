package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/RealZimboGuy/campaignflow/internal/config"
	"github.com/RealZimboGuy/campaignflow/pkg/campaignflow"
)

func main() {
	cmd := &cli.Command{
		Name:                  "campaignflow",
		Usage:                 "Marketing automation workflow engine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("CFLOW_LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			campaignflow.SetupLogger(command.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			newServeCommand(),
			newValidateCommand(),
			newImportCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("campaignflow exited with error", "error", err)
		os.Exit(1)
	}
}

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the scheduler, event consumers and HTTP API",
		Action: func(ctx context.Context, command *cli.Command) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := campaignflow.New(ctx, settings, campaignflow.Options{})
			if err != nil {
				return fmt.Errorf("start engine: %w", err)
			}
			defer func() {
				if err := app.Close(); err != nil {
					slog.Error("Failed to close engine resources", "error", err)
				}
			}()
			slog.Info("Engine starting", "executor", settings.ResolveExecutorName(), "port", settings.ServerWebPort)
			return app.Run(ctx)
		},
	}
}
