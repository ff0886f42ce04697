package broadcast

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/race-lobby-backend/internal/collision"
	"github.com/DoyleJ11/race-lobby-backend/internal/engine"
	"github.com/DoyleJ11/race-lobby-backend/internal/lobby"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type peer struct{ id types.PlayerID }

func (p peer) PlayerID() types.PlayerID { return p.id }
func (peer) Send([]byte) bool           { return true }
func (peer) Close(string)               {}

type rooms []*lobby.Lobby

func (r rooms) Range(fn func(*lobby.Lobby) bool) {
	for _, lb := range r {
		if !fn(lb) {
			return
		}
	}
}

type addrs map[types.PlayerID]netip.AddrPort

func (a addrs) AddrOf(id types.PlayerID) (netip.AddrPort, bool) {
	addr, ok := a[id]
	return addr, ok
}

type sent struct {
	addr netip.AddrPort
	dg   types.Datagram
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) WriteTo(frame []byte, addr netip.AddrPort) error {
	dg, err := types.DecodeDatagram(frame)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{addr: addr, dg: dg})
	return nil
}

func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func newRoom(t *testing.T, id string, players ...types.PlayerID) *lobby.Lobby {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	lb := lobby.NewLobby(ctx, engine.NewState(id, id, 4), lobby.Options{})
	for _, p := range players {
		res, err := lobby.Ask(ctx, lb, func(r chan lobby.JoinResult) lobby.Msg {
			return lobby.Join{Peer: peer{id: p}, Reply: r}
		})
		require.NoError(t, err)
		require.NoError(t, res.Err)
	}
	return lb
}

var (
	addr1 = netip.MustParseAddrPort("127.0.0.1:5001")
	addr2 = netip.MustParseAddrPort("127.0.0.1:5002")
	addr3 = netip.MustParseAddrPort("127.0.0.1:5003")
)

func TestTickSkipsRoomsWithoutSnapshots(t *testing.T) {
	quiet := newRoom(t, "quiet", 1)
	rec := &recorder{}
	b := New(rooms{quiet}, addrs{1: addr1}, rec, Config{}, nil)

	assert.Zero(t, b.Tick())
	assert.Empty(t, rec.take())
}

func TestTickSendsMergedStateToBoundMembers(t *testing.T) {
	lb := newRoom(t, "r1", 1, 2, 3)
	lb.UpdateState(2, types.PlayerState{X: 10, Y: 0})
	lb.UpdateState(1, types.PlayerState{X: 0, Y: 0})

	now := time.UnixMilli(1_700_000_000_123)
	rec := &recorder{}
	// Player 3 never bound a UDP address.
	b := New(rooms{lb}, addrs{1: addr1, 2: addr2}, rec, Config{Clock: func() time.Time { return now }}, nil)

	assert.Equal(t, 1, b.Tick())
	out := rec.take()
	require.Len(t, out, 2)

	got := map[netip.AddrPort]bool{}
	for _, s := range out {
		got[s.addr] = true
		assert.Equal(t, types.DatagramGameState, s.dg.Kind)
		assert.Equal(t, "r1", s.dg.RoomID)
		require.NotNil(t, s.dg.GameState)
		assert.Equal(t, now.UnixMilli(), s.dg.GameState.ServerTimestamp)
		require.Len(t, s.dg.GameState.PlayerStates, 2)
		assert.Equal(t, types.PlayerID(1), s.dg.GameState.PlayerStates[0].PlayerID)
		assert.Equal(t, types.PlayerID(2), s.dg.GameState.PlayerStates[1].PlayerID)
	}
	assert.True(t, got[addr1])
	assert.True(t, got[addr2])
	assert.False(t, got[addr3])
}

func TestTickAppliesCollisions(t *testing.T) {
	lb := newRoom(t, "r1", 1, 2)
	lb.UpdateState(1, types.PlayerState{X: 0, VelocityX: 10})
	lb.UpdateState(2, types.PlayerState{X: 0.2, VelocityX: -10})

	rec := &recorder{}
	b := New(rooms{lb}, addrs{1: addr1}, rec, Config{}, nil)
	b.Tick()

	out := rec.take()
	require.Len(t, out, 1)
	states := out[0].dg.GameState.PlayerStates
	r := collision.DefaultConfig().Radius
	assert.InDelta(t, 2*r, states[1].X-states[0].X, 1e-9)
	assert.InDelta(t, 3.0, states[0].VelocityX, 1e-9)

	// The correction is stored, so the next tick starts from separated cars.
	b.Tick()
	again := rec.take()[0].dg.GameState.PlayerStates
	assert.InDelta(t, states[0].X, again[0].X, 1e-9)
	assert.InDelta(t, states[1].X, again[1].X, 1e-9)
}

func TestRunStopsWithContext(t *testing.T) {
	lb := newRoom(t, "r1", 1)
	lb.UpdateState(1, types.PlayerState{X: 1})
	rec := &recorder{}
	b := New(rooms{lb}, addrs{1: addr1}, rec, Config{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.sent) >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("broadcaster did not stop")
	}
}
