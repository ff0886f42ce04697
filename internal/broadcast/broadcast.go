// Package broadcast pushes every room's merged vehicle snapshots to its
// members on a fixed tick.
package broadcast

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/internal/collision"
	"github.com/DoyleJ11/race-lobby-backend/internal/lobby"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

// Rooms is the registry the broadcaster walks each tick.
type Rooms interface {
	Range(fn func(*lobby.Lobby) bool)
}

type Addrs interface {
	AddrOf(id types.PlayerID) (netip.AddrPort, bool)
}

type Datagrams interface {
	WriteTo(frame []byte, addr netip.AddrPort) error
}

type Config struct {
	Interval  time.Duration
	Collision collision.Config
	Clock     func() time.Time
}

type Broadcaster struct {
	rooms Rooms
	addrs Addrs
	out   Datagrams
	cfg   Config
	log   *zap.Logger
}

func New(rooms Rooms, addrs Addrs, out Datagrams, cfg Config, log *zap.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.Collision == (collision.Config{}) {
		cfg.Collision = collision.DefaultConfig()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{rooms: rooms, addrs: addrs, out: out, cfg: cfg, log: log.Named("broadcast")}
}

// Run ticks until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Tick()
		case <-ctx.Done():
			return nil
		}
	}
}

// Tick sends one GameState datagram per room that has snapshots and returns
// how many rooms were sent.
func (b *Broadcaster) Tick() int {
	sent := 0
	b.rooms.Range(func(lb *lobby.Lobby) bool {
		if b.room(lb) {
			sent++
		}
		return true
	})
	return sent
}

func (b *Broadcaster) room(lb *lobby.Lobby) bool {
	if lb.Phase() == types.PhaseFinished {
		return false
	}
	contacts := 0
	states := lb.ResolveSnapshots(func(s []types.PlayerState) {
		contacts = collision.Resolve(s, b.cfg.Collision)
	})
	if len(states) == 0 {
		return false
	}
	if contacts > 0 {
		b.log.Debug("collisions resolved", zap.String("room", lb.ID()), zap.Int("contacts", contacts))
	}

	frame, err := types.EncodeDatagram(types.Datagram{
		Kind:   types.DatagramGameState,
		RoomID: lb.ID(),
		GameState: &types.GameStatePacket{
			ServerTimestamp: b.cfg.Clock().UnixMilli(),
			PlayerStates:    states,
		},
	})
	if err != nil {
		b.log.Error("encode game state", zap.String("room", lb.ID()), zap.Error(err))
		return false
	}

	for _, id := range lb.Members() {
		addr, ok := b.addrs.AddrOf(id)
		if !ok {
			continue
		}
		if err := b.out.WriteTo(frame, addr); err != nil {
			b.log.Debug("send game state", zap.Int32("player", int32(id)), zap.Error(err))
		}
	}
	return true
}
