package mds

import (
	"time"

	"NestFS/internal/gather"
	"NestFS/internal/logger"
	"NestFS/internal/mdsmap"
)

// bootMode is how a rank comes up.
type bootMode int

const (
	bootOriginate bootMode = iota // bootOriginate creates a fresh rank
	bootJoin                      // bootJoin restarts a cleanly stopped rank
	bootReplay                    // bootReplay recovers a failed rank from its journal
)

func (m bootMode) String() string {
	switch m {
	case bootOriginate:
		return "originate"
	case bootJoin:
		return "join"
	case bootReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// bootStep is a step of the replay sequence.
type bootStep int

const (
	stepStart bootStep = iota
	stepLoadIDTable
	stepLoadAnchorTable
	stepOpenJournal
	stepReplayJournal
	stepDecide
)

func (s bootStep) String() string {
	switch s {
	case stepStart:
		return "start"
	case stepLoadIDTable:
		return "load_id_table"
	case stepLoadAnchorTable:
		return "load_anchor_table"
	case stepOpenJournal:
		return "open_journal"
	case stepReplayJournal:
		return "replay_journal"
	case stepDecide:
		return "decide_post_replay"
	default:
		return "unknown"
	}
}

// bootPlan is one boot attempt. It stays set while a step is outstanding.
type bootPlan struct {
	mode    bootMode
	step    bootStep
	started time.Time
}

// startBoot picks the boot mode from the current state.
func (n *Node) startBoot() {
	switch n.state {
	case mdsmap.StateCreating:
		n.bootCreate()
	case mdsmap.StateStarting:
		n.bootStart()
	case mdsmap.StateReplay:
		n.bootReplay(stepStart)
	default:
		n.log.Error("boot in unexpected state", "state", n.state)
	}
}

// bootCreate writes the initial structures of a fresh rank.
func (n *Node) bootCreate() {
	n.boot = &bootPlan{mode: bootOriginate, started: n.clk.Now()}
	n.log.Info("creating rank", "root", n.mdsmap.Root() == n.whoami, "anchortable", n.mdsmap.AnchorTable() == n.whoami)

	g := gather.New(n.Resume(n.bootFinish))

	if n.whoami == n.mdsmap.Root() {
		n.c.Cache.CreateRoot(g.Sub())
	}
	n.c.Cache.CreateStray(g.Sub())

	n.c.Journal.Reset()
	n.c.Journal.WriteHead(g.Sub())
	n.c.Cache.LogImportMap(g.Sub())

	n.c.IDs.Reset()
	n.c.IDs.Save(g.Sub())

	if n.whoami == n.mdsmap.AnchorTable() {
		n.c.AnchorTable.CreateFresh()
		n.c.AnchorTable.Save(g.Sub())
	}

	g.Activate()
}

// bootStart reopens a cleanly stopped rank.
func (n *Node) bootStart() {
	n.boot = &bootPlan{mode: bootJoin, started: n.clk.Now()}
	n.log.Info("starting rank")

	g := gather.New(n.Resume(n.bootFinish))

	n.c.IDs.Load(g.Sub())
	if n.whoami == n.mdsmap.AnchorTable() {
		n.c.AnchorTable.Load(g.Sub())
	}
	n.c.Journal.Open(g.Sub())
	if n.whoami == n.mdsmap.Root() {
		n.c.Cache.OpenRoot(g.Sub())
	}
	n.c.Cache.OpenStray(g.Sub())

	g.Activate()
}

// bootReplay runs one step of the replay sequence. Each step resumes the next.
func (n *Node) bootReplay(step bootStep) {
	if step == stepStart {
		n.boot = &bootPlan{mode: bootReplay, started: n.clk.Now()}
		n.log.Info("replaying rank")
		step = stepLoadIDTable
	}
	n.boot.step = step

	next := func(s bootStep) gather.Continuation {
		return n.Resume(func(err error) {
			if err != nil {
				n.bootFailed(err)
				return
			}
			n.bootReplay(s)
		})
	}

	switch step {
	case stepLoadIDTable:
		n.c.IDs.Load(next(stepLoadAnchorTable))

	case stepLoadAnchorTable:
		if n.whoami != n.mdsmap.AnchorTable() {
			n.bootReplay(stepOpenJournal)
			return
		}
		n.c.AnchorTable.Load(next(stepOpenJournal))

	case stepOpenJournal:
		n.c.Journal.Open(next(stepReplayJournal))

	case stepReplayJournal:
		n.c.Journal.Replay(next(stepDecide))

	case stepDecide:
		n.log.Info("replay done", logger.Timed(n.boot.started))
		n.boot = nil

		if n.mdsmap.NumIn() == 1 {
			n.setWantState(mdsmap.StateReconnect)
		} else {
			n.setWantState(mdsmap.StateResolve)
		}
	}
}

// bootFinish completes originate and join boots.
func (n *Node) bootFinish(err error) {
	if err != nil {
		n.bootFailed(err)
		return
	}

	plan := n.boot
	if plan.mode == bootJoin && n.c.Journal.ReadPos() != n.c.Journal.WritePos() {
		n.fatal(ErrJournalNotEmpty, "read", n.c.Journal.ReadPos(), "write", n.c.Journal.WritePos())
		return
	}

	n.log.Info("boot done", "mode", plan.mode, logger.Timed(plan.started))
	n.boot = nil
	n.setWantState(mdsmap.StateActive)
}

// bootFailed logs a failed step. The plan stays in place.
func (n *Node) bootFailed(err error) {
	n.log.Error("boot step failed", "mode", n.boot.mode, "step", n.boot.step, "error", err)
}
