package daemon

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"NestFS/internal/api"
	"NestFS/internal/cluster"
	"NestFS/internal/logger"
	"NestFS/internal/monitor"
)

// MonConfig holds what a monitor needs besides its transport.
type MonConfig struct {
	Monitor   monitor.Config
	AdminAddr string      // AdminAddr is the admin HTTP address, disabled when empty
	Clock     clock.Clock // Clock defaults to the wall clock
}

// Mon is one assembled monitor.
type Mon struct {
	transport Transport
	monitor   *monitor.Monitor
	api       *api.Server
}

// NewMon wires a monitor to its transport.
func NewMon(cfg MonConfig, t Transport) *Mon {
	m := &Mon{
		transport: t,
		monitor:   monitor.New(cfg.Monitor, t, cfg.Clock),
	}
	t.SetHandler(m.monitor)

	if cfg.AdminAddr != "" {
		m.api = api.New(cfg.AdminAddr, func() any { return m.monitor.Status() }, nil, m.monitor.Registry())
	}

	return m
}

// Start starts delivery, failure detection and the admin server.
func (m *Mon) Start() error {
	if err := m.transport.Start(); err != nil {
		return fmt.Errorf("start transport:\n%w", err)
	}

	m.monitor.Start()

	if m.api != nil {
		if err := m.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	return nil
}

// Monitor returns the monitor.
func (m *Mon) Monitor() *monitor.Monitor {
	return m.monitor
}

// Inst returns the monitor's instance, which metadata servers beacon to.
func (m *Mon) Inst() cluster.Instance {
	return m.transport.MyInst()
}

// Close stops the monitor, its admin server and its transport.
func (m *Mon) Close() error {
	var err error

	if m.api != nil {
		err = multierr.Append(err, m.api.Stop())
	}

	m.monitor.Stop()
	err = multierr.Append(err, m.transport.Close())
	logger.Info("monitor stopped")

	return err
}
