package mdsmap

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"NestFS/internal/cluster"
)

// RankInfo is the map's record of one rank.
type RankInfo struct {
	State State            // State is the rank's lifecycle state
	Inst  cluster.Instance // Inst is the process holding the rank, zero when none
	Inc   int32            // Inc counts the processes that have held the rank
}

// Map is an immutable snapshot of the cluster map at one epoch.
// A newer epoch replaces a Map wholesale; a Map is never modified after Build.
type Map struct {
	epoch       uint64
	created     time.Time
	root        cluster.Rank
	anchorTable cluster.Rank
	ranks       map[cluster.Rank]RankInfo
}

// Empty returns the epoch-zero map a node starts with.
func Empty() *Map {
	return &Map{
		root:        0,
		anchorTable: 0,
		ranks:       map[cluster.Rank]RankInfo{},
	}
}

// Epoch returns the map version.
func (m *Map) Epoch() uint64 { return m.epoch }

// Created returns the creation time of the cluster.
func (m *Map) Created() time.Time { return m.created }

// Root returns the rank that owns the root directory.
func (m *Map) Root() cluster.Rank { return m.root }

// AnchorTable returns the rank that owns the anchor table.
func (m *Map) AnchorTable() cluster.Rank { return m.anchorTable }

// State returns the state of rank r, StateDNE when unknown.
func (m *Map) State(r cluster.Rank) State {
	info, ok := m.ranks[r]
	if !ok {
		return StateDNE
	}

	return info.State
}

// Info returns the full record of rank r.
func (m *Map) Info(r cluster.Rank) (RankInfo, bool) {
	info, ok := m.ranks[r]
	return info, ok
}

// Inst returns the instance holding rank r.
func (m *Map) Inst(r cluster.Rank) cluster.Instance {
	return m.ranks[r].Inst
}

// Inc returns the incarnation of rank r.
func (m *Map) Inc(r cluster.Rank) int32 {
	return m.ranks[r].Inc
}

// HaveInst reports whether the map names a process for rank r.
func (m *Map) HaveInst(r cluster.Rank) bool {
	info, ok := m.ranks[r]
	return ok && !info.Inst.IsZero()
}

// IsDown reports whether rank r is in a down state.
func (m *Map) IsDown(r cluster.Rank) bool {
	return m.State(r).IsDown()
}

// IsUp reports whether rank r is held by a live process.
func (m *Map) IsUp(r cluster.Rank) bool {
	return m.State(r).IsUp()
}

// RankOf returns the lowest rank recorded for inst, or NoRank.
// Down ranks still match so a process can learn it was marked down.
func (m *Map) RankOf(inst cluster.Instance) cluster.Rank {
	if inst.IsZero() {
		return cluster.NoRank
	}

	for _, r := range m.Ranks() {
		if m.ranks[r].Inst == inst {
			return r
		}
	}

	return cluster.NoRank
}

// Ranks returns the sorted ranks whose state is one of states.
// With no states it returns every rank in the map.
func (m *Map) Ranks(states ...State) []cluster.Rank {
	out := make([]cluster.Rank, 0, len(m.ranks))

	for r, info := range m.ranks {
		if len(states) == 0 || slices.Contains(states, info.State) {
			out = append(out, r)
		}
	}

	slices.Sort(out)

	return out
}

// Count returns the number of ranks in state s.
func (m *Map) Count(s State) int {
	n := 0

	for _, info := range m.ranks {
		if info.State == s {
			n++
		}
	}

	return n
}

// RecoverySet returns the ranks that are failed or still recovering.
func (m *Map) RecoverySet() []cluster.Rank {
	return m.Ranks(StateFailed, StateReplay, StateResolve, StateReconnect, StateRejoin)
}

// NumIn returns the number of ranks taking part in the namespace.
func (m *Map) NumIn() int {
	n := 0

	for _, info := range m.ranks {
		if info.State.IsIn() {
			n++
		}
	}

	return n
}

// IsRejoining reports whether the cluster is in the rejoin phase:
// some rank is rejoining and none is still failed, replaying, resolving or reconnecting.
func (m *Map) IsRejoining() bool {
	if m.Count(StateRejoin) == 0 {
		return false
	}

	return m.Count(StateReplay) == 0 &&
		m.Count(StateResolve) == 0 &&
		m.Count(StateReconnect) == 0 &&
		m.Count(StateFailed) == 0
}

// Len returns the number of ranks the map lists.
func (m *Map) Len() int {
	return len(m.ranks)
}

// Next returns a builder for the following epoch seeded with this map.
func (m *Map) Next() *Builder {
	b := &Builder{
		epoch:       m.epoch + 1,
		created:     m.created,
		root:        m.root,
		anchorTable: m.anchorTable,
		ranks:       make(map[cluster.Rank]RankInfo, len(m.ranks)),
	}

	for r, info := range m.ranks {
		b.ranks[r] = info
	}

	return b
}

func (m *Map) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "e%d", m.epoch)

	for _, r := range m.Ranks() {
		info := m.ranks[r]
		fmt.Fprintf(&sb, " mds.%d=%s", r, info.State)
	}

	return sb.String()
}

// Builder assembles a Map. It is not safe for concurrent use.
type Builder struct {
	epoch       uint64
	created     time.Time
	root        cluster.Rank
	anchorTable cluster.Rank
	ranks       map[cluster.Rank]RankInfo
}

// NewBuilder creates a builder for the given epoch.
func NewBuilder(epoch uint64) *Builder {
	return &Builder{
		epoch: epoch,
		ranks: map[cluster.Rank]RankInfo{},
	}
}

// Epoch overrides the epoch of the map being built.
func (b *Builder) Epoch(e uint64) *Builder {
	b.epoch = e
	return b
}

// Created sets the cluster creation time.
func (b *Builder) Created(t time.Time) *Builder {
	b.created = t
	return b
}

// Root sets the root owner rank.
func (b *Builder) Root(r cluster.Rank) *Builder {
	b.root = r
	return b
}

// AnchorTable sets the anchor table owner rank.
func (b *Builder) AnchorTable(r cluster.Rank) *Builder {
	b.anchorTable = r
	return b
}

// Set records rank r with the given state and instance, keeping its incarnation.
func (b *Builder) Set(r cluster.Rank, s State, inst cluster.Instance) *Builder {
	info := b.ranks[r]
	info.State = s
	info.Inst = inst
	b.ranks[r] = info

	return b
}

// SetState changes only the state of rank r.
func (b *Builder) SetState(r cluster.Rank, s State) *Builder {
	info := b.ranks[r]
	info.State = s
	b.ranks[r] = info

	return b
}

// SetInc sets the incarnation of rank r.
func (b *Builder) SetInc(r cluster.Rank, inc int32) *Builder {
	info := b.ranks[r]
	info.Inc = inc
	b.ranks[r] = info

	return b
}

// Remove drops rank r from the map.
func (b *Builder) Remove(r cluster.Rank) *Builder {
	delete(b.ranks, r)
	return b
}

// Build freezes the builder into a Map. The builder must not be reused.
func (b *Builder) Build() *Map {
	m := &Map{
		epoch:       b.epoch,
		created:     b.created,
		root:        b.root,
		anchorTable: b.anchorTable,
		ranks:       b.ranks,
	}
	b.ranks = nil

	return m
}
