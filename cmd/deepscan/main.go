// Command deepscan analyzes face images for manipulation artifacts.
//
// Usage:
//
//	deepscan serve [-addr :8080] [-env .env]
//	deepscan analyze (-file path | -url url) [-json] [-env .env]
//	deepscan analyze -dir path [-ext jpg,jpeg,png,bmp] [-out results.json] [-json]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raysh454/deepscan/internal/app"
	"github.com/raysh454/deepscan/internal/cli"
	"github.com/raysh454/deepscan/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "deepscan:", err)
		if errors.Is(err, cli.ErrUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(argv []string) error {
	args, err := cli.ParseArgs(argv)
	if err != nil {
		return err
	}

	cfg, err := app.LoadConfig(args.EnvFile)
	if err != nil {
		return err
	}
	if args.Addr != "" {
		cfg.ListenAddr = args.Addr
	}

	logger, err := logging.NewZapLogger("", cfg.LogDebug)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := cli.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	switch args.Command {
	case cli.CommandServe:
		return cli.Serve(ctx, st)
	case cli.CommandAnalyze:
		return cli.Analyze(ctx, st, args, os.Stdout)
	default:
		return cli.ErrUsage
	}
}
