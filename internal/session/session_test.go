package session

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type stubPeer struct{ id types.PlayerID }

func (p stubPeer) PlayerID() types.PlayerID { return p.id }
func (stubPeer) Send([]byte) bool           { return true }
func (stubPeer) Close(string)               {}

func TestNextIDIsUniqueAndStartsAtOne(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, types.PlayerID(1), r.NextID())

	var mu sync.Mutex
	seen := map[types.PlayerID]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.NextID()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
	assert.NotContains(t, seen, types.PlayerID(1))
}

func TestRoomMembership(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(stubPeer{id: 3})
	require.NoError(t, err)

	_, ok := r.RoomOf(3)
	assert.False(t, ok)

	r.SetRoom(3, "abc")
	room, ok := r.RoomOf(3)
	require.True(t, ok)
	assert.Equal(t, "abc", room)

	r.ClearRoom(3, "other")
	_, ok = r.RoomOf(3)
	assert.True(t, ok, "clearing a different room keeps membership")

	r.ClearRoom(3, "abc")
	_, ok = r.RoomOf(3)
	assert.False(t, ok)
}

func TestBindAddr(t *testing.T) {
	r := NewRegistry()
	tok1, err := r.Register(stubPeer{id: 1})
	require.NoError(t, err)
	tok2, err := r.Register(stubPeer{id: 2})
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)

	a := netip.MustParseAddrPort("127.0.0.1:4000")
	b := netip.MustParseAddrPort("127.0.0.1:4001")

	assert.ErrorIs(t, r.BindAddr(1, "nope", a), ErrBadToken)
	assert.ErrorIs(t, r.BindAddr(1, "", a), ErrBadToken)
	assert.ErrorIs(t, r.BindAddr(9, tok1, a), ErrUnknownPlayer)

	require.NoError(t, r.BindAddr(1, tok1, a))
	id, ok := r.PlayerAt(a)
	require.True(t, ok)
	assert.Equal(t, types.PlayerID(1), id)

	// Rebinding moves the player to the new address.
	require.NoError(t, r.BindAddr(1, tok1, b))
	_, ok = r.PlayerAt(a)
	assert.False(t, ok)
	got, ok := r.AddrOf(1)
	require.True(t, ok)
	assert.Equal(t, b, got)

	// Another player taking the address evicts the previous owner.
	require.NoError(t, r.BindAddr(2, tok2, b))
	_, ok = r.AddrOf(1)
	assert.False(t, ok)

	r.Unregister(2)
	_, ok = r.PlayerAt(b)
	assert.False(t, ok)
	_, ok = r.Peer(2)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken(16)
	require.NoError(t, err)
	assert.Len(t, tok, 16)
}
