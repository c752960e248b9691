package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"

	"NestFS/internal/daemon"
	"NestFS/internal/logger"
	"NestFS/internal/network"
)

func main() {
	logger.Init()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return fmt.Errorf("parse config:\n%w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	msgr, err := network.Listen(network.Config{ListenAddr: cfg.Listen})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	m := daemon.NewMon(daemon.MonConfig{
		Monitor:   cfg.monitorConfig(),
		AdminAddr: cfg.Admin,
	}, msgr)

	logger.Info("starting NestFS monitor",
		"inst", m.Inst(),
		"max_ranks", cfg.MaxRanks,
		"grace", cfg.Grace,
		"admin", cfg.Admin,
	)

	if err := m.Start(); err != nil {
		return multierr.Append(err, m.Close())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info("shutting down")

	return m.Close()
}
