package mds

import "time"

// Config holds the tunables of a metadata server node.
type Config struct {
	BeaconInterval time.Duration // BeaconInterval is the period between beacons
	BeaconGrace    time.Duration // BeaconGrace is how long the node lives without a beacon ack
	TickInterval   time.Duration // TickInterval is the period of the housekeeping tick

	DumpCacheOnMap     bool // DumpCacheOnMap dumps the cache on every new map
	RearmWatchdogOnMap bool // RearmWatchdogOnMap treats a newer map from a monitor as an ack
	ArmWatchdogOnStart bool // ArmWatchdogOnStart arms the watchdog before the first ack
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		BeaconInterval: 4 * time.Second,
		BeaconGrace:    15 * time.Second,
		TickInterval:   5 * time.Second,
	}
}

// withDefaults fills unset durations from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()

	if c.BeaconInterval <= 0 {
		c.BeaconInterval = def.BeaconInterval
	}
	if c.BeaconGrace <= 0 {
		c.BeaconGrace = def.BeaconGrace
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}

	return c
}
