package spawn

import "github.com/adamavenir/murmur/internal/types"

var edges = map[types.SpawnStatus][]types.SpawnStatus{
	types.SpawnPending: {types.SpawnRunning, types.SpawnFailed, types.SpawnKilled, types.SpawnTimeout},
	types.SpawnRunning: {types.SpawnActive, types.SpawnPaused, types.SpawnCompleted, types.SpawnFailed, types.SpawnTimeout, types.SpawnKilled},
	types.SpawnActive:  {types.SpawnRunning, types.SpawnPaused, types.SpawnCompleted, types.SpawnFailed, types.SpawnTimeout, types.SpawnKilled},
	types.SpawnPaused:  {types.SpawnRunning, types.SpawnCompleted, types.SpawnFailed, types.SpawnTimeout, types.SpawnKilled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to types.SpawnStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}
