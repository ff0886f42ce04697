package hub

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/race-lobby-backend/internal/engine"
	"github.com/DoyleJ11/race-lobby-backend/internal/lobby"
	"github.com/DoyleJ11/race-lobby-backend/internal/session"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type fakePeer struct {
	id  types.PlayerID
	out chan []byte
}

func (p *fakePeer) PlayerID() types.PlayerID { return p.id }

func (p *fakePeer) Send(frame []byte) bool {
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

func (p *fakePeer) Close(string) {}

func newTestHub(t *testing.T, opts Options) (*Hub, *session.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if opts.Lobby.CountdownStep == 0 {
		opts.Lobby.CountdownStep = 10 * time.Millisecond
	}
	reg := session.NewRegistry()
	return NewHub(ctx, reg, opts), reg
}

func connect(t *testing.T, reg *session.Registry) types.PlayerID {
	t.Helper()
	p := &fakePeer{id: reg.NextID(), out: make(chan []byte, 256)}
	_, err := reg.Register(p)
	require.NoError(t, err)
	return p.id
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCreateRoom(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a := connect(t, reg)

	roomID, self, state, err := h.CreateRoom(ctxT(t), a, "", "alice", 0)
	require.NoError(t, err)
	assert.Len(t, roomID, 8)
	assert.Equal(t, a, self.PlayerID)
	assert.Equal(t, "Room", state.RoomName)
	assert.Equal(t, 4, state.MaxPlayers)
	assert.Equal(t, a, state.HostID)

	cur, ok := reg.RoomOf(a)
	require.True(t, ok)
	assert.Equal(t, roomID, cur)

	rooms := h.ListRooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, roomID, rooms[0].RoomID)
}

func TestCreateRoomRegeneratesTakenID(t *testing.T) {
	var n atomic.Int32
	ids := []string{"aaaa", "aaaa", "bbbb"}
	h, reg := newTestHub(t, Options{NewRoomID: func() string { return ids[n.Add(1)-1] }})

	first, _, _, err := h.CreateRoom(ctxT(t), connect(t, reg), "one", "a", 2)
	require.NoError(t, err)
	second, _, _, err := h.CreateRoom(ctxT(t), connect(t, reg), "two", "b", 2)
	require.NoError(t, err)

	assert.Equal(t, "aaaa", first)
	assert.Equal(t, "bbbb", second)
}

func TestJoinRoom(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a, b, c := connect(t, reg), connect(t, reg), connect(t, reg)

	roomID, _, _, err := h.CreateRoom(ctxT(t), a, "duel", "a", 2)
	require.NoError(t, err)

	_, _, err = h.JoinRoom(ctxT(t), b, "nope", "b")
	assert.ErrorIs(t, err, engine.ErrRoomNotFound)

	self, state, err := h.JoinRoom(ctxT(t), b, roomID, "b")
	require.NoError(t, err)
	assert.Equal(t, b, self.PlayerID)
	assert.Len(t, state.Players, 2)

	_, _, err = h.JoinRoom(ctxT(t), c, roomID, "c")
	assert.ErrorIs(t, err, engine.ErrRoomFull)
	_, ok := reg.RoomOf(c)
	assert.False(t, ok)
}

func TestSingleMembership(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a, b := connect(t, reg), connect(t, reg)

	first, _, _, err := h.CreateRoom(ctxT(t), a, "first", "a", 4)
	require.NoError(t, err)
	_, _, err = h.JoinRoom(ctxT(t), b, first, "b")
	require.NoError(t, err)

	second, _, _, err := h.CreateRoom(ctxT(t), b, "second", "b", 4)
	require.NoError(t, err)

	lb, ok := h.Lookup(first)
	require.True(t, ok)
	assert.Equal(t, []types.PlayerID{a}, lb.Members())

	// Moving a as well empties and removes the first room.
	_, _, err = h.JoinRoom(ctxT(t), a, second, "a")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := h.Lookup(first)
		return !ok
	}, time.Second, 5*time.Millisecond)

	rooms := h.ListRooms()
	require.Len(t, rooms, 1)
	assert.Len(t, rooms[0].Players, 2)
}

func TestFailedJoinKeepsCurrentRoom(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a, c, d := connect(t, reg), connect(t, reg), connect(t, reg)

	home, _, _, err := h.CreateRoom(ctxT(t), c, "home", "c", 4)
	require.NoError(t, err)
	_, _, err = h.JoinRoom(ctxT(t), a, home, "a")
	require.NoError(t, err)
	full, _, _, err := h.CreateRoom(ctxT(t), d, "solo", "d", 1)
	require.NoError(t, err)

	_, _, err = h.JoinRoom(ctxT(t), c, full, "c")
	require.ErrorIs(t, err, engine.ErrRoomFull)
	_, _, err = h.JoinRoom(ctxT(t), c, "missing", "c")
	require.ErrorIs(t, err, engine.ErrRoomNotFound)

	cur, ok := reg.RoomOf(c)
	require.True(t, ok)
	assert.Equal(t, home, cur)

	lb, ok := h.Lookup(home)
	require.True(t, ok)
	assert.Equal(t, []types.PlayerID{a, c}, lb.Members())
	assert.Equal(t, c, lb.Snapshot().HostID, "host is untouched")
}

func TestLeaveRoom(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a, b := connect(t, reg), connect(t, reg)

	roomID, _, _, err := h.CreateRoom(ctxT(t), a, "r", "a", 4)
	require.NoError(t, err)

	assert.ErrorIs(t, h.LeaveRoom(ctxT(t), b, roomID), engine.ErrNotInRoom)
	assert.ErrorIs(t, h.LeaveRoom(ctxT(t), a, "other"), engine.ErrNotInRoom)

	require.NoError(t, h.LeaveRoom(ctxT(t), a, roomID))
	_, ok := reg.RoomOf(a)
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return len(h.ListRooms()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestDisconnectRunsLeavePath(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a, b := connect(t, reg), connect(t, reg)

	roomID, _, _, err := h.CreateRoom(ctxT(t), a, "r", "a", 4)
	require.NoError(t, err)
	_, _, err = h.JoinRoom(ctxT(t), b, roomID, "b")
	require.NoError(t, err)

	h.Disconnect(ctxT(t), a)

	lb, ok := h.Lookup(roomID)
	require.True(t, ok)
	assert.Equal(t, []types.PlayerID{b}, lb.Members())
	assert.Equal(t, b, lb.Snapshot().HostID)

	// Disconnecting a player that is in no room is harmless.
	h.Disconnect(ctxT(t), a)
}

func TestStartRaceThroughHub(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a, b, outsider := connect(t, reg), connect(t, reg), connect(t, reg)

	roomID, _, _, err := h.CreateRoom(ctxT(t), a, "r", "a", 4)
	require.NoError(t, err)

	assert.ErrorIs(t, h.StartRace(ctxT(t), a, roomID, 3, -1), engine.ErrInsufficientPlayers)
	assert.ErrorIs(t, h.StartRace(ctxT(t), a, "missing", 3, -1), engine.ErrRoomNotFound)
	assert.ErrorIs(t, h.StartRace(ctxT(t), outsider, roomID, 3, -1), engine.ErrNotInRoom)
	assert.ErrorIs(t, h.StartRace(ctxT(t), outsider, "", 3, -1), engine.ErrNotInRoom)

	_, _, err = h.JoinRoom(ctxT(t), b, roomID, "b")
	require.NoError(t, err)
	require.NoError(t, h.SetReady(ctxT(t), a, roomID, true))
	require.NoError(t, h.SetReady(ctxT(t), b, "", true))
	require.NoError(t, h.SetSelection(ctxT(t), a, roomID, 2, 1))

	assert.ErrorIs(t, h.StartRace(ctxT(t), b, roomID, 3, -1), engine.ErrNotHost)
	require.NoError(t, h.StartRace(ctxT(t), a, roomID, 10, -1))

	lb, _ := h.Lookup(roomID)
	assert.Equal(t, types.PhaseCountdown, lb.Phase())
	assert.Equal(t, 2, lb.Snapshot().SelectedTrack)

	_, _, err = h.JoinRoom(ctxT(t), outsider, roomID, "late")
	assert.ErrorIs(t, err, engine.ErrNotWaiting)
}

func TestUpdateStateFiltersSenders(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a, b := connect(t, reg), connect(t, reg)

	roomID, _, _, err := h.CreateRoom(ctxT(t), a, "r", "a", 4)
	require.NoError(t, err)

	assert.True(t, h.UpdateState(a, roomID, types.PlayerState{X: 1}))
	assert.False(t, h.UpdateState(b, roomID, types.PlayerState{X: 1}), "not a member")
	assert.False(t, h.UpdateState(a, "missing", types.PlayerState{X: 1}), "unknown room")
}

func TestListRoomsSorted(t *testing.T) {
	var n atomic.Int32
	h, reg := newTestHub(t, Options{NewRoomID: func() string { return fmt.Sprintf("r%d", 9-n.Add(1)) }})

	for i := 0; i < 3; i++ {
		_, _, _, err := h.CreateRoom(ctxT(t), connect(t, reg), "x", "p", 4)
		require.NoError(t, err)
	}

	rooms := h.ListRooms()
	require.Len(t, rooms, 3)
	assert.Equal(t, "r6", rooms[0].RoomID)
	assert.Equal(t, "r8", rooms[2].RoomID)
}

func TestShutdownStopsLobbies(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	roomID, _, _, err := h.CreateRoom(ctxT(t), connect(t, reg), "r", "a", 4)
	require.NoError(t, err)
	lb, _ := h.Lookup(roomID)

	require.NoError(t, h.Shutdown(ctxT(t)))

	select {
	case <-lb.Done():
	case <-time.After(time.Second):
		t.Fatal("lobby still running after hub shutdown")
	}
	assert.Empty(t, h.ListRooms())

	_, _, _, err = h.CreateRoom(ctxT(t), connect(t, reg), "r", "a", 4)
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestLobbyDoneMeansRoomNotFound(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a := connect(t, reg)
	roomID, _, _, err := h.CreateRoom(ctxT(t), a, "r", "a", 4)
	require.NoError(t, err)
	lb, _ := h.Lookup(roomID)

	require.NoError(t, lb.Post(ctxT(t), lobby.Shutdown{}))
	<-lb.Done()

	_, _, err = h.JoinRoom(ctxT(t), connect(t, reg), roomID, "b")
	assert.ErrorIs(t, err, engine.ErrRoomNotFound)
}

// runningRoom creates a room hosted by ids[0], joins the rest and waits for
// the race to be RUNNING.
func runningRoom(t *testing.T, h *Hub, ids ...types.PlayerID) *lobby.Lobby {
	t.Helper()
	roomID, _, _, err := h.CreateRoom(ctxT(t), ids[0], "r", "host", 4)
	require.NoError(t, err)
	for _, id := range ids[1:] {
		_, _, err := h.JoinRoom(ctxT(t), id, roomID, fmt.Sprintf("p%d", id))
		require.NoError(t, err)
	}
	for _, id := range ids {
		require.NoError(t, h.SetReady(ctxT(t), id, roomID, true))
	}
	lb, ok := h.Lookup(roomID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		for _, p := range lb.Snapshot().Players {
			if !p.Ready {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.StartRace(ctxT(t), ids[0], roomID, 1, -1))
	require.Eventually(t, func() bool { return lb.Phase() == types.PhaseRunning }, time.Second, 5*time.Millisecond)
	return lb
}

func TestFinishedRoomRejectsStartAndJoin(t *testing.T) {
	h, reg := newTestHub(t, Options{Lobby: lobby.Options{FinishCountdown: 1}})
	a, b, late := connect(t, reg), connect(t, reg), connect(t, reg)
	lb := runningRoom(t, h, a, b)

	require.NoError(t, h.ReportFinish(ctxT(t), a, lb.ID(), 42, []float64{42}))
	require.Eventually(t, func() bool { return lb.Phase() == types.PhaseFinished }, time.Second, 5*time.Millisecond)

	err := h.StartRace(ctxT(t), a, lb.ID(), 5, -1)
	require.ErrorIs(t, err, engine.ErrNotWaiting)
	assert.Equal(t, "NotWaiting", engine.Code(err))

	_, _, err = h.JoinRoom(ctxT(t), late, lb.ID(), "late")
	require.ErrorIs(t, err, engine.ErrNotWaiting)
	assert.Equal(t, "NotWaiting", engine.Code(err))
	_, ok := reg.RoomOf(late)
	assert.False(t, ok)
}

func TestReportFinishAfterLeavingIsRejected(t *testing.T) {
	h, reg := newTestHub(t, Options{})
	a, b, c := connect(t, reg), connect(t, reg), connect(t, reg)
	lb := runningRoom(t, h, a, b, c)

	require.NoError(t, h.LeaveRoom(ctxT(t), b, lb.ID()))
	assert.ErrorIs(t, h.ReportFinish(ctxT(t), b, lb.ID(), 10, nil), engine.ErrNotInRoom)
	assert.ErrorIs(t, h.ReportFinish(ctxT(t), b, "", 10, nil), engine.ErrNotInRoom)

	require.NoError(t, h.ReportFinish(ctxT(t), a, lb.ID(), 11, nil))
	v, err := lobby.Ask(ctxT(t), lb, func(r chan lobby.View) lobby.Msg { return lobby.GetState{Reply: r} })
	require.NoError(t, err)
	require.Len(t, v.State.Finishes, 1)
	assert.Equal(t, a, v.State.Finishes[0].PlayerID)
}
