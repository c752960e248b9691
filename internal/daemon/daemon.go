// Package daemon assembles metadata servers and monitors from their
// subsystems and a transport.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"NestFS/internal/anchor"
	"NestFS/internal/api"
	"NestFS/internal/cache"
	"NestFS/internal/cluster"
	"NestFS/internal/idalloc"
	"NestFS/internal/journal"
	"NestFS/internal/logger"
	"NestFS/internal/mds"
	"NestFS/internal/metrics"
	"NestFS/internal/monitor"
	"NestFS/internal/network"
	"NestFS/internal/objecter"
	"NestFS/internal/server"
	"NestFS/internal/storage"
)

// Transport is a messenger a node or monitor can be attached to.
// Both network.Messenger and network.Endpoint are transports.
type Transport interface {
	mds.Messenger
	SetHandler(h network.Handler)
	Start() error
}

var (
	_ Transport = (*network.Messenger)(nil)
	_ Transport = (*network.Endpoint)(nil)

	_ network.Handler = (*mds.Node)(nil)
	_ network.Handler = (*monitor.Monitor)(nil)
	_ cache.Host      = (*mds.Node)(nil)
	_ server.Host     = (*mds.Node)(nil)
	_ anchor.Host     = (*mds.Node)(nil)
)

// errHalted is reported by the health check of a node that finished cleanly.
var errHalted = errors.New("halted")

// Config holds what a metadata server needs besides its transport.
type Config struct {
	DataPath   string             // DataPath is the directory of the local store
	AdminAddr  string             // AdminAddr is the admin HTTP address, disabled when empty
	Mons       []cluster.Instance // Mons are the monitors beacons go to
	CacheLimit int                // CacheLimit is the number of resolved paths kept after a trim
	Node       mds.Config
	Clock      clock.Clock // Clock defaults to the wall clock
}

// MDS is one assembled metadata server.
type MDS struct {
	cfg       Config
	transport Transport

	store   *storage.Store
	metrics *metrics.Metrics
	node    *mds.Node

	journal      *journal.Journal
	ids          *idalloc.Table
	anchorTable  *anchor.Table
	anchorClient *anchor.Client
	cache        *cache.Cache
	locker       *cache.Locker
	migrator     *cache.Migrator
	balancer     *cache.Balancer
	server       *server.Server
	objecter     *objecter.Client

	api *api.Server
}

// Status is the metadata server view served on GET /status.
type Status struct {
	mds.Status
	Cache cache.Stats `json:"cache"`
}

// NewMDS opens the store and wires a node to its subsystems and transport.
// The transport is owned by the returned server from then on.
func NewMDS(cfg Config, t Transport) (*MDS, error) {
	d := &MDS{cfg: cfg, transport: t}

	if err := d.initStorage(); err != nil {
		return nil, err
	}

	d.initNode()

	if err := d.initSubsystems(); err != nil {
		d.store.Close()
		return nil, err
	}

	t.SetHandler(d.node)

	if cfg.AdminAddr != "" {
		d.api = api.New(cfg.AdminAddr, func() any { return d.Status() }, d.healthy, d.metrics.Registry)
	}

	return d, nil
}

// initStorage opens the pebble store under the data directory.
func (d *MDS) initStorage() error {
	if err := os.MkdirAll(d.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	store, err := storage.Open(filepath.Join(d.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	d.store = store

	return nil
}

// initNode creates the coordination core.
func (d *MDS) initNode() {
	d.metrics = metrics.New()
	d.node = mds.New(mds.Options{
		Config:    d.cfg.Node,
		Messenger: d.transport,
		MonMap:    cluster.NewMonMap(d.cfg.Mons...),
		Clock:     d.cfg.Clock,
		Metrics:   d.metrics,
		Store:     d.store,
	})
}

// initSubsystems creates the subsystems and hands them to the node.
func (d *MDS) initSubsystems() error {
	d.journal = journal.New(d.store, d.node.Whoami)
	d.ids = idalloc.New(d.store, d.node.Whoami)
	d.anchorTable = anchor.NewTable(d.node, d.store)
	d.anchorClient = anchor.NewClient(d.node)

	c, err := cache.New(d.node, d.store, d.journal, d.cfg.CacheLimit)
	if err != nil {
		return fmt.Errorf("init cache:\n%w", err)
	}
	d.cache = c

	d.locker = cache.NewLocker(d.node)
	d.migrator = cache.NewMigrator(d.node)
	d.balancer = cache.NewBalancer(d.node)
	d.objecter = objecter.New()

	d.server = server.New(d.node, server.Deps{
		Store:    d.store,
		Journal:  d.journal,
		Cache:    d.cache,
		IDs:      d.ids,
		Anchors:  d.anchorClient,
		Balancer: d.balancer,
		Metrics:  d.metrics,
	})

	d.node.SetCollaborators(mds.Collaborators{
		IDs:          d.ids,
		AnchorTable:  d.anchorTable,
		AnchorClient: d.anchorClient,
		Journal:      d.journal,
		Cache:        d.cache,
		Sessions:     d.server,
		Objecter:     d.objecter,
		Locker:       d.locker,
		Migrator:     d.migrator,
		Balancer:     d.balancer,
	})

	return nil
}

// Start starts delivery, the node and the admin server.
func (d *MDS) Start() error {
	if err := d.transport.Start(); err != nil {
		return fmt.Errorf("start transport:\n%w", err)
	}

	d.node.Init()

	if d.api != nil {
		if err := d.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	logger.Info("metadata server started", "inst", d.transport.MyInst(), "data", d.cfg.DataPath)

	return nil
}

// Node returns the coordination core.
func (d *MDS) Node() *mds.Node {
	return d.node
}

// Cache returns the metadata cache.
func (d *MDS) Cache() *cache.Cache {
	return d.cache
}

// AdminAddr returns the bound admin address, empty when disabled.
func (d *MDS) AdminAddr() string {
	if d.api == nil {
		return ""
	}

	return d.api.Addr()
}

// Status returns the node status with cache statistics.
func (d *MDS) Status() Status {
	return Status{Status: d.node.Status(), Cache: d.cache.Stats()}
}

// Done is closed when the node halts.
func (d *MDS) Done() <-chan struct{} {
	return d.node.Done()
}

// Err returns the node's fatal result, nil after a clean stop.
func (d *MDS) Err() error {
	return d.node.Err()
}

func (d *MDS) healthy() error {
	select {
	case <-d.node.Done():
		if err := d.node.Err(); err != nil {
			return err
		}
		return errHalted
	default:
		return nil
	}
}

// Close stops the admin server and the node. The node closes the
// transport and the store.
func (d *MDS) Close() error {
	var err error

	if d.api != nil {
		err = multierr.Append(err, d.api.Stop())
	}

	return multierr.Append(err, d.node.Close())
}
