package lobby

import (
	"slices"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

// Everything in this file is safe to call from any goroutine and never waits
// on the lobby inbox.

// Snapshot returns the room view published after the last mutation.
func (l *Lobby) Snapshot() types.RoomState {
	return *l.view.Load()
}

func (l *Lobby) Phase() types.Phase {
	return l.view.Load().Phase
}

// Members returns the current roster sorted by player id.
func (l *Lobby) Members() []types.PlayerID {
	return *l.members.Load()
}

func (l *Lobby) IsMember(id types.PlayerID) bool {
	_, found := slices.BinarySearch(l.Members(), id)
	return found
}

// UpdateState stores the latest snapshot of a member, replacing any older
// one. It reports false when the snapshot was dropped.
func (l *Lobby) UpdateState(id types.PlayerID, st types.PlayerState) bool {
	if l.ctx.Err() != nil || l.Phase() == types.PhaseFinished || !l.IsMember(id) {
		return false
	}
	st.PlayerID = id
	l.snapshots.Store(id, &st)
	return true
}

// ResolveSnapshots copies the stored snapshots in player id order, lets
// resolve correct the copy and writes corrected entries back. A snapshot that
// was replaced by a newer client update in the meantime is left alone.
func (l *Lobby) ResolveSnapshots(resolve func([]types.PlayerState)) []types.PlayerState {
	var orig []*types.PlayerState
	l.snapshots.Range(func(_, v any) bool {
		orig = append(orig, v.(*types.PlayerState))
		return true
	})
	if len(orig) == 0 {
		return nil
	}
	slices.SortFunc(orig, func(a, b *types.PlayerState) int { return int(a.PlayerID) - int(b.PlayerID) })

	states := make([]types.PlayerState, len(orig))
	for i, p := range orig {
		states[i] = *p
	}
	if resolve != nil {
		resolve(states)
	}

	for i, p := range orig {
		if states[i] == *p {
			continue
		}
		corrected := states[i]
		l.snapshots.CompareAndSwap(p.PlayerID, p, &corrected)
	}
	return states
}
