package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"NestFS/internal/config"
	"NestFS/internal/mds"
)

// Config holds the metadata server configuration.
// Precedence, lowest first: defaults, the -config file, NESTFS_* variables, flags.
type Config struct {
	// Listen is the QUIC listen address.
	Listen string `json:"listen"`

	// Advertise is the address peers dial, the listen address when empty.
	Advertise string `json:"advertise"`

	// Mons are the monitor addresses.
	Mons []string `json:"mons"`

	// Admin is the admin HTTP address, disabled when empty.
	Admin string `json:"admin"`

	// Data is the directory for persistent storage.
	Data string `json:"data"`

	// KeyPath is the path to the Ed25519 key signing the TLS certificate.
	KeyPath string `json:"key"`

	BeaconInterval config.Duration `json:"beacon_interval"`
	BeaconGrace    config.Duration `json:"beacon_grace"`
	TickInterval   config.Duration `json:"tick_interval"`

	DumpCacheOnMap     bool `json:"dump_cache_on_map"`
	RearmWatchdogOnMap bool `json:"rearm_watchdog_on_map"`
	ArmWatchdogOnStart bool `json:"arm_watchdog_on_start"`

	// CacheLimit is the number of resolved paths kept after a trim.
	CacheLimit int `json:"cache_limit"`

	// LogLevel is one of debug, info, warn and error.
	LogLevel string `json:"log_level"`
}

func defaultConfig() Config {
	d := mds.DefaultConfig()

	return Config{
		Listen:         ":6800",
		Mons:           []string{"127.0.0.1:6789"},
		Admin:          ":8080",
		Data:           "./data",
		BeaconInterval: config.Duration(d.BeaconInterval),
		BeaconGrace:    config.Duration(d.BeaconGrace),
		TickInterval:   config.Duration(d.TickInterval),
		LogLevel:       "info",
	}
}

// parseConfig layers the configuration sources over the defaults.
func parseConfig(args []string) (*Config, error) {
	cfg := defaultConfig()

	var flags Config
	var path, mons string

	fs := flag.NewFlagSet("mds", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "JSON config file")
	fs.StringVar(&flags.Listen, "listen", cfg.Listen, "QUIC listen address")
	fs.StringVar(&flags.Advertise, "advertise", "", "Address peers dial (defaults to the listen address)")
	fs.StringVar(&mons, "mon", "", "Comma list of monitor addresses")
	fs.StringVar(&flags.Admin, "admin", cfg.Admin, "Admin HTTP address (empty disables)")
	fs.StringVar(&flags.Data, "data", cfg.Data, "Data directory path")
	fs.StringVar(&flags.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	fs.DurationVar((*time.Duration)(&flags.BeaconInterval), "beacon-interval", time.Duration(cfg.BeaconInterval), "Interval between beacons")
	fs.DurationVar((*time.Duration)(&flags.BeaconGrace), "beacon-grace", time.Duration(cfg.BeaconGrace), "Time without beacon acks before giving up")
	fs.DurationVar((*time.Duration)(&flags.TickInterval), "tick-interval", time.Duration(cfg.TickInterval), "Interval between ticks")
	fs.BoolVar(&flags.DumpCacheOnMap, "dump-cache-on-map", false, "Log the cache on every map")
	fs.BoolVar(&flags.RearmWatchdogOnMap, "rearm-on-map", false, "Treat a newer map from a monitor as a beacon ack")
	fs.BoolVar(&flags.ArmWatchdogOnStart, "arm-on-start", false, "Arm the beacon watchdog before the first ack")
	fs.IntVar(&flags.CacheLimit, "cache-limit", 0, "Resolved paths kept after a trim")
	fs.StringVar(&flags.LogLevel, "log-level", cfg.LogLevel, "Log level")

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
		case "advertise":
			cfg.Advertise = flags.Advertise
		case "mon":
			cfg.Mons = config.SplitList(mons)
		case "admin":
			cfg.Admin = flags.Admin
		case "data":
			cfg.Data = flags.Data
		case "key":
			cfg.KeyPath = flags.KeyPath
		case "beacon-interval":
			cfg.BeaconInterval = flags.BeaconInterval
		case "beacon-grace":
			cfg.BeaconGrace = flags.BeaconGrace
		case "tick-interval":
			cfg.TickInterval = flags.TickInterval
		case "dump-cache-on-map":
			cfg.DumpCacheOnMap = flags.DumpCacheOnMap
		case "rearm-on-map":
			cfg.RearmWatchdogOnMap = flags.RearmWatchdogOnMap
		case "arm-on-start":
			cfg.ArmWatchdogOnStart = flags.ArmWatchdogOnStart
		case "cache-limit":
			cfg.CacheLimit = flags.CacheLimit
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		}
	})

	if len(cfg.Mons) == 0 {
		return nil, fmt.Errorf("at least one monitor address is required")
	}

	return &cfg, nil
}

// applyEnv applies the NESTFS_* overrides.
func applyEnv(cfg *Config) error {
	config.EnvString(&cfg.Listen, "LISTEN")
	config.EnvString(&cfg.Advertise, "ADVERTISE")
	config.EnvList(&cfg.Mons, "MONS")
	config.EnvString(&cfg.Admin, "ADMIN")
	config.EnvString(&cfg.Data, "DATA")
	config.EnvString(&cfg.KeyPath, "KEY")
	config.EnvBool(&cfg.DumpCacheOnMap, "DUMP_CACHE_ON_MAP")
	config.EnvBool(&cfg.RearmWatchdogOnMap, "REARM_ON_MAP")
	config.EnvBool(&cfg.ArmWatchdogOnStart, "ARM_ON_START")
	config.EnvString(&cfg.LogLevel, "LOG_LEVEL")

	if err := config.EnvInt(&cfg.CacheLimit, "CACHE_LIMIT"); err != nil {
		return err
	}
	if err := config.EnvDuration(&cfg.BeaconInterval, "BEACON_INTERVAL"); err != nil {
		return err
	}
	if err := config.EnvDuration(&cfg.BeaconGrace, "BEACON_GRACE"); err != nil {
		return err
	}

	return config.EnvDuration(&cfg.TickInterval, "TICK_INTERVAL")
}

// nodeConfig returns the coordination core tunables.
func (c *Config) nodeConfig() mds.Config {
	return mds.Config{
		BeaconInterval:     time.Duration(c.BeaconInterval),
		BeaconGrace:        time.Duration(c.BeaconGrace),
		TickInterval:       time.Duration(c.TickInterval),
		DumpCacheOnMap:     c.DumpCacheOnMap,
		RearmWatchdogOnMap: c.RearmWatchdogOnMap,
		ArmWatchdogOnStart: c.ArmWatchdogOnStart,
	}
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
