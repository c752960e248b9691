package mdsmap

import "fmt"

// State is the lifecycle state of a rank in the cluster map.
type State int32

// Down states are <= StateStopped. Values follow the on-disk map format.
const (
	StateDNE     State = 0  // StateDNE means the rank does not exist
	StateOut     State = 1  // StateOut means the rank is out of the cluster
	StateFailed  State = 2  // StateFailed means the rank's process died and needs replay
	StateStopped State = 3  // StateStopped means the rank shut down cleanly

	StateBoot     State = -1 // StateBoot is wanted by a process asking for a rank
	StateStandby  State = -2 // StateStandby is a process waiting for a rank
	StateCreating State = -3 // StateCreating builds a fresh rank
	StateStarting State = -4 // StateStarting rejoins a cleanly stopped rank

	StateReplay    State = 8  // StateReplay replays the journal of a failed rank
	StateResolve   State = 9  // StateResolve exchanges subtree authority
	StateReconnect State = 10 // StateReconnect waits for clients to reconnect
	StateRejoin    State = 11 // StateRejoin rebuilds replicated cache state
	StateActive    State = 12 // StateActive serves requests
	StateStopping  State = 13 // StateStopping drains before stopping
)

func (s State) String() string {
	switch s {
	case StateDNE:
		return "down:dne"
	case StateOut:
		return "down:out"
	case StateFailed:
		return "down:failed"
	case StateStopped:
		return "down:stopped"
	case StateBoot:
		return "up:boot"
	case StateStandby:
		return "up:standby"
	case StateCreating:
		return "up:creating"
	case StateStarting:
		return "up:starting"
	case StateReplay:
		return "up:replay"
	case StateResolve:
		return "up:resolve"
	case StateReconnect:
		return "up:reconnect"
	case StateRejoin:
		return "up:rejoin"
	case StateActive:
		return "up:active"
	case StateStopping:
		return "up:stopping"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// IsDown reports whether the state is one of the down states.
func (s State) IsDown() bool {
	return s >= StateDNE && s <= StateStopped
}

// IsUp reports whether a process holds the rank.
func (s State) IsUp() bool {
	return !s.IsDown()
}

// IsIn reports whether the rank takes part in the namespace.
// Failed ranks are in: their subtrees still belong to them.
func (s State) IsIn() bool {
	return s == StateFailed || s == StateCreating || s == StateStarting || s >= StateReplay
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return (s >= StateStarting && s <= StateStopped) || (s >= StateReplay && s <= StateStopping)
}
