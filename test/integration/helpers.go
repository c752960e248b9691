// Package integration runs monitors, metadata servers and clients in one
// process over an in-memory transport.
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"NestFS/client"
	"NestFS/internal/cluster"
	"NestFS/internal/daemon"
	"NestFS/internal/mds"
	"NestFS/internal/monitor"
	"NestFS/internal/network"
)

const waitTimeout = 15 * time.Second

// nodeConfig keeps beacons fast so state changes take milliseconds.
var nodeConfig = mds.Config{
	BeaconInterval: 50 * time.Millisecond,
	BeaconGrace:    5 * time.Second,
	TickInterval:   100 * time.Millisecond,
}

// testCluster is a monitor and the metadata servers beaconing to it.
type testCluster struct {
	t   *testing.T
	hub *network.Hub
	mon *daemon.Mon
}

// newCluster starts a monitor growing the cluster to maxRanks.
func newCluster(t *testing.T, maxRanks int) *testCluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	hub := network.NewHub()
	mon := daemon.NewMon(daemon.MonConfig{
		Monitor: monitor.Config{
			Grace:        600 * time.Millisecond,
			TickInterval: 50 * time.Millisecond,
			MaxRanks:     maxRanks,
		},
	}, hub.Join("mon-0"))

	require.NoError(t, mon.Start())
	t.Cleanup(func() { mon.Close() })

	return &testCluster{t: t, hub: hub, mon: mon}
}

// startMDS starts a metadata server at addr storing its data under dir.
func (c *testCluster) startMDS(addr, dir string) *daemon.MDS {
	c.t.Helper()

	d, err := daemon.NewMDS(daemon.Config{
		DataPath:  dir,
		AdminAddr: "127.0.0.1:0",
		Mons:      []cluster.Instance{c.mon.Inst()},
		Node:      nodeConfig,
	}, c.hub.Join(addr))
	require.NoError(c.t, err)

	require.NoError(c.t, d.Start())
	c.t.Cleanup(func() { d.Close() })

	return d
}

// startClient starts client id talking to target.
func (c *testCluster) startClient(id int32, target cluster.Instance) *client.Client {
	c.t.Helper()

	cl := client.New(id, target, c.hub.Join(fmt.Sprintf("client-%d", id)))
	require.NoError(c.t, cl.Start())
	c.t.Cleanup(func() { cl.Close() })

	return cl
}

// waitState waits until d reports state.
func waitState(t *testing.T, d *daemon.MDS, state string) {
	t.Helper()

	require.Eventually(t, func() bool {
		return d.Status().State == state
	}, waitTimeout, 10*time.Millisecond, "never reached %s, status %+v", state, d.Status())
}

// waitDone waits until d halts.
func waitDone(t *testing.T, d *daemon.MDS) {
	t.Helper()

	select {
	case <-d.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("node still running, status %+v", d.Status())
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	t.Cleanup(cancel)

	return ctx
}
