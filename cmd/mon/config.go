package main

import (
	"flag"
	"time"

	"NestFS/internal/config"
	"NestFS/internal/monitor"
)

// Config holds the monitor configuration.
// Precedence, lowest first: defaults, the -config file, NESTFS_* variables, flags.
type Config struct {
	Listen   string `json:"listen"`    // Listen is the QUIC listen address
	Admin    string `json:"admin"`     // Admin is the admin HTTP address, disabled when empty
	LogLevel string `json:"log_level"` // LogLevel is one of debug, info, warn and error

	Grace        config.Duration `json:"grace"`
	TickInterval config.Duration `json:"tick_interval"`
	MaxRanks     int             `json:"max_ranks"`
}

func defaultConfig() Config {
	d := monitor.DefaultConfig()

	return Config{
		Listen:       ":6789",
		Admin:        ":8079",
		LogLevel:     "info",
		Grace:        config.Duration(d.Grace),
		TickInterval: config.Duration(d.TickInterval),
		MaxRanks:     d.MaxRanks,
	}
}

// parseConfig layers the configuration sources over the defaults.
func parseConfig(args []string) (*Config, error) {
	cfg := defaultConfig()

	var flags Config
	var path string

	fs := flag.NewFlagSet("mon", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "JSON config file")
	fs.StringVar(&flags.Listen, "listen", cfg.Listen, "QUIC listen address")
	fs.StringVar(&flags.Admin, "admin", cfg.Admin, "Admin HTTP address (empty disables)")
	fs.StringVar(&flags.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.DurationVar((*time.Duration)(&flags.Grace), "grace", time.Duration(cfg.Grace), "Silence before a rank is failed")
	fs.DurationVar((*time.Duration)(&flags.TickInterval), "tick-interval", time.Duration(cfg.TickInterval), "Interval between failure checks")
	fs.IntVar(&flags.MaxRanks, "max-ranks", cfg.MaxRanks, "Number of ranks the cluster grows to")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if path != "" {
		if err := config.LoadJSON(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = flags.Listen
		case "admin":
			cfg.Admin = flags.Admin
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		case "grace":
			cfg.Grace = flags.Grace
		case "tick-interval":
			cfg.TickInterval = flags.TickInterval
		case "max-ranks":
			cfg.MaxRanks = flags.MaxRanks
		}
	})

	return &cfg, nil
}

// applyEnv applies the NESTFS_* overrides.
func applyEnv(cfg *Config) error {
	config.EnvString(&cfg.Listen, "MON_LISTEN")
	config.EnvString(&cfg.Admin, "MON_ADMIN")
	config.EnvString(&cfg.LogLevel, "LOG_LEVEL")

	if err := config.EnvInt(&cfg.MaxRanks, "MAX_RANKS"); err != nil {
		return err
	}
	if err := config.EnvDuration(&cfg.Grace, "MON_GRACE"); err != nil {
		return err
	}

	return config.EnvDuration(&cfg.TickInterval, "MON_TICK_INTERVAL")
}

// monitorConfig returns the monitor tunables.
func (c *Config) monitorConfig() monitor.Config {
	return monitor.Config{
		Grace:        time.Duration(c.Grace),
		TickInterval: time.Duration(c.TickInterval),
		MaxRanks:     c.MaxRanks,
	}
}
