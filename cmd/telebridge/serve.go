package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/telebridge/telebridge"
	"github.com/telebridge/telebridge/internal/config"
)

var (
	serveDebug       bool
	serveFinalNotify bool
	serveEngine      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge",
	Long:  "Start the bridge: long-poll Telegram and run agent turns until interrupted.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	serveCmd.Flags().BoolVar(&serveFinalNotify, "final-notify", false, "deliver final answers as new notifying messages")
	serveCmd.Flags().StringVar(&serveEngine, "engine", "", "override the default engine")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveDebug {
		cfg.Debug = true
	}
	if serveFinalNotify {
		cfg.FinalNotify = true
	}
	if serveEngine != "" {
		cfg.DefaultEngine = serveEngine
	}

	app, err := telebridge.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, syscall.SIGINT)

	if err := app.Run(ctx); err != nil {
		return err
	}
	select {
	case <-interrupted:
		// Conventional exit code for SIGINT.
		os.Exit(130)
	default:
	}
	return nil
}
