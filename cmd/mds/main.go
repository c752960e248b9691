package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"NestFS/internal/cluster"
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
// A fatal result of the node is returned as the error.
func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return fmt.Errorf("parse config:\n%w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	key, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	msgr, err := network.Listen(network.Config{
		ListenAddr:    cfg.Listen,
		AdvertiseAddr: cfg.Advertise,
		PrivateKey:    key,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	mons := make([]cluster.Instance, 0, len(cfg.Mons))
	for _, addr := range cfg.Mons {
		mons = append(mons, cluster.Instance{Addr: addr})
	}

	d, err := daemon.NewMDS(daemon.Config{
		DataPath:   cfg.Data,
		AdminAddr:  cfg.Admin,
		Mons:       mons,
		CacheLimit: cfg.CacheLimit,
		Node:       cfg.nodeConfig(),
	}, msgr)
	if err != nil {
		return multierr.Append(fmt.Errorf("create node:\n%w", err), msgr.Close())
	}

	logger.Info("starting NestFS metadata server",
		"inst", msgr.MyInst(),
		"key", msgr.Fingerprint(),
		"mons", cfg.Mons,
		"admin", cfg.Admin,
		"data", cfg.Data,
	)

	if err := d.Start(); err != nil {
		return multierr.Append(err, d.Close())
	}

	return multierr.Append(serve(d), d.Close())
}

// serve waits for the node to halt or for a stop signal.
// SIGUSR1 starts a clean shutdown of the whole cluster.
func serve(d *daemon.MDS) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-d.Done():
			if err := d.Err(); err != nil {
				return fmt.Errorf("node halted:\n%w", err)
			}
			logger.Info("node stopped")
			return errStopped
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	})

	g.Go(func() error {
		usr1 := make(chan os.Signal, 1)
		signal.Notify(usr1, syscall.SIGUSR1)
		defer signal.Stop(usr1)

		for {
			select {
			case <-usr1:
				logger.Info("cluster shutdown requested")
				d.Node().ShutdownStart()
			case <-ctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); !errors.Is(err, errStopped) {
		return err
	}

	return nil
}

// errStopped ends the run group after a clean stop.
var errStopped = errors.New("stopped")
