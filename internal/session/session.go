// Package session tracks connected players: id allocation, the room each one
// is in, its reliable-channel peer and its bound UDP address.
package session

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

var ErrUnknownPlayer = errors.New("unknown player")
var ErrBadToken = errors.New("token mismatch")

// Peer is one player's reliable connection.
type Peer interface {
	PlayerID() types.PlayerID
	// Send queues frame without blocking and reports false if the peer could
	// not take it.
	Send(frame []byte) bool
	Close(reason string)
}

type entry struct {
	peer  Peer
	token string
	room  string
	addr  netip.AddrPort
}

type Registry struct {
	nextID atomic.Int32

	mu      sync.RWMutex
	players map[types.PlayerID]*entry
	byAddr  map[netip.AddrPort]types.PlayerID
}

func NewRegistry() *Registry {
	return &Registry{
		players: make(map[types.PlayerID]*entry),
		byAddr:  make(map[netip.AddrPort]types.PlayerID),
	}
}

// NextID hands out player ids starting at 1.
func (r *Registry) NextID() types.PlayerID {
	return types.PlayerID(r.nextID.Add(1))
}

// Register stores p and returns the token its UDP hello must carry.
func (r *Registry) Register(p Peer) (string, error) {
	token, err := GenerateToken(16)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.players[p.PlayerID()] = &entry{peer: p, token: token}
	return token, nil
}

func (r *Registry) Unregister(id types.PlayerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.players[id]
	if !ok {
		return
	}
	if e.addr.IsValid() {
		delete(r.byAddr, e.addr)
	}
	delete(r.players, id)
}

func (r *Registry) Peer(id types.PlayerID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.players[id]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

func (r *Registry) SetRoom(id types.PlayerID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.players[id]; ok {
		e.room = roomID
	}
}

// ClearRoom forgets the membership only if it still points at roomID.
func (r *Registry) ClearRoom(id types.PlayerID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.players[id]; ok && e.room == roomID {
		e.room = ""
	}
}

func (r *Registry) RoomOf(id types.PlayerID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.players[id]
	if !ok || e.room == "" {
		return "", false
	}
	return e.room, true
}

// BindAddr associates addr with id after checking the session token. A
// player rebinding from a new address releases the old one.
func (r *Registry) BindAddr(id types.PlayerID, token string, addr netip.AddrPort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.players[id]
	if !ok {
		return ErrUnknownPlayer
	}
	if token == "" || token != e.token {
		return ErrBadToken
	}
	if e.addr.IsValid() {
		delete(r.byAddr, e.addr)
	}
	if prev, taken := r.byAddr[addr]; taken && prev != id {
		r.players[prev].addr = netip.AddrPort{}
	}
	e.addr = addr
	r.byAddr[addr] = id
	return nil
}

func (r *Registry) AddrOf(id types.PlayerID) (netip.AddrPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.players[id]
	if !ok || !e.addr.IsValid() {
		return netip.AddrPort{}, false
	}
	return e.addr, true
}

func (r *Registry) PlayerAt(addr netip.AddrPort) (types.PlayerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

func GenerateToken(n int) (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	token := make([]byte, n)
	for i := range token {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		token[i] = charset[num.Int64()]
	}
	return string(token), nil
}
