package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"orbit/internal/app"
	"orbit/internal/config"
	"orbit/internal/logging"
)

const usage = `usage: orbit <command> [args]

commands:
  stream                       ingest live news until interrupted
  backfill <start> <end>       fetch historical news for [start, end)
  social <start> <end>         fetch historical social posts for [start, end)
  prices                       fetch daily bars for configured symbols
  preprocess <start> <end>     curate raw partitions for [start, end)
  run                          cron-driven daily pipeline

dates use YYYY-MM-DD.`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := dispatch(ctx, application, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, application *app.Application, command string, args []string) error {
	switch command {
	case "stream":
		return application.RunStream(ctx)
	case "backfill":
		start, end, err := dateRange(args)
		if err != nil {
			return err
		}
		return application.RunNewsBackfill(ctx, start, end)
	case "social":
		start, end, err := dateRange(args)
		if err != nil {
			return err
		}
		return application.RunSocialBackfill(ctx, start, end)
	case "prices":
		return application.RunPrices(ctx)
	case "preprocess":
		start, end, err := dateRange(args)
		if err != nil {
			return err
		}
		return application.RunPreprocess(ctx, start, end)
	case "run":
		return application.RunScheduled(ctx)
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

func dateRange(args []string) (string, string, error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("expected <start> <end> dates\n%s", usage)
	}
	return args[0], args[1], nil
}
