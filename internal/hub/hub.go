package hub

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/internal/engine"
	"github.com/DoyleJ11/race-lobby-backend/internal/lobby"
	"github.com/DoyleJ11/race-lobby-backend/internal/session"
)

type HubMsg interface{ isHubMsg() }

type CreateLobby struct {
	Name       string
	MaxPlayers int
	Reply      chan *lobby.Lobby
}

type ShutdownHub struct {
	Done chan struct{}
}

func (CreateLobby) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}

type Options struct {
	Lobby  lobby.Options
	Logger *zap.Logger
	// NewRoomID overrides room id generation in tests.
	NewRoomID func() string
}

type Hub struct {
	inbox    chan HubMsg
	lobbies  sync.Map // room id -> *lobby.Lobby
	sessions *session.Registry
	opts     Options
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, sessions *session.Registry, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewRoomID == nil {
		opts.NewRoomID = newRoomID
	}
	if opts.Lobby.Logger == nil {
		opts.Lobby.Logger = opts.Logger
	}

	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: sessions,
		opts:     opts,
		log:      opts.Logger.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

// Done is closed after the hub has shut down.
func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				msg.Reply <- h.createLobby(msg)

			case ShutdownHub:
				h.shutdown()
				close(msg.Done)
				return
			}
		}
	}
}

func (h *Hub) createLobby(msg CreateLobby) *lobby.Lobby {
	id := h.opts.NewRoomID()
	for {
		if _, taken := h.lobbies.Load(id); !taken {
			break
		}
		h.log.Debug("collision on room id, regenerating", zap.String("room", id))
		id = h.opts.NewRoomID()
	}

	var lb *lobby.Lobby
	opts := h.opts.Lobby
	opts.OnEmpty = func(roomID string) {
		if h.lobbies.CompareAndDelete(roomID, lb) {
			h.log.Info("room removed", zap.String("room", roomID))
		}
	}
	lb = lobby.NewLobby(h.ctx, engine.NewState(id, msg.Name, msg.MaxPlayers), opts)
	h.lobbies.Store(id, lb)
	h.log.Info("room created", zap.String("room", id), zap.Int("maxPlayers", engine.ClampMaxPlayers(msg.MaxPlayers)))
	return lb
}

func (h *Hub) shutdown() {
	h.lobbies.Range(func(k, v any) bool {
		_ = v.(*lobby.Lobby).Post(context.Background(), lobby.Shutdown{})
		h.lobbies.Delete(k)
		return true
	})
	h.cancel()
}

// Shutdown stops every lobby and then the hub itself.
func (h *Hub) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case h.inbox <- ShutdownHub{Done: done}:
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup is a lock-free registry read.
func (h *Hub) Lookup(roomID string) (*lobby.Lobby, bool) {
	v, ok := h.lobbies.Load(roomID)
	if !ok {
		return nil, false
	}
	return v.(*lobby.Lobby), true
}

// Range calls fn for every live room until fn returns false.
func (h *Hub) Range(fn func(*lobby.Lobby) bool) {
	h.lobbies.Range(func(_, v any) bool {
		return fn(v.(*lobby.Lobby))
	})
}

func newRoomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
