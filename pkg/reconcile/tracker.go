package reconcile

import (
	"sync"
	"time"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

// Tracker keeps a Vehicle for every remote player of one match. The network
// goroutine calls Apply while the render loop calls Advance.
type Tracker struct {
	self types.PlayerID

	mu       sync.Mutex
	vehicles map[types.PlayerID]*Vehicle
	newest   int64
}

func NewTracker(self types.PlayerID) *Tracker {
	return &Tracker{self: self, vehicles: make(map[types.PlayerID]*Vehicle)}
}

// Apply feeds one broadcast into the tracker. Packets older than the newest
// one applied are dropped and reported as false.
func (t *Tracker) Apply(pkt types.GameStatePacket) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pkt.ServerTimestamp < t.newest {
		return false
	}
	t.newest = pkt.ServerTimestamp

	for _, st := range pkt.PlayerStates {
		if st.PlayerID == t.self {
			continue
		}
		v, ok := t.vehicles[st.PlayerID]
		if !ok {
			v = &Vehicle{}
			t.vehicles[st.PlayerID] = v
		}
		v.Push(st)
	}
	return true
}

// Advance steps every vehicle by dt and returns their poses.
func (t *Tracker) Advance(dt time.Duration) map[types.PlayerID]Pose {
	t.mu.Lock()
	defer t.mu.Unlock()

	poses := make(map[types.PlayerID]Pose, len(t.vehicles))
	for id, v := range t.vehicles {
		poses[id] = v.Advance(dt)
	}
	return poses
}

// Forget drops a player who left the room.
func (t *Tracker) Forget(id types.PlayerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.vehicles, id)
}

// Reset clears everything at the end of a match.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.vehicles)
	t.newest = 0
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.vehicles)
}
