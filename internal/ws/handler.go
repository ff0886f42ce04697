package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/internal/hub"
	"github.com/DoyleJ11/race-lobby-backend/internal/session"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type Config struct {
	UDPPort        int
	KeepAlive      time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	OutboxSize     int
	// In dev ONLY, loosen origin checks, e.g. "localhost:*".
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 8 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 20 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 64
	}
	return c
}

func Handler(h *hub.Hub, sessions *session.Registry, cfg Config, log *zap.Logger) http.HandlerFunc {
	cfg = cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: cfg.OriginPatterns})
		if err != nil {
			log.Debug("accept failed", zap.Error(err))
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		c := newConn(sessions.NextID(), wsConn, cfg.OutboxSize)
		token, err := sessions.Register(c)
		if err != nil {
			log.Error("register session", zap.Error(err))
			_ = wsConn.Close(websocket.StatusInternalError, "session unavailable")
			return
		}
		plog := log.With(zap.Int32("player", int32(c.id)))
		plog.Info("connected", zap.String("remote", r.RemoteAddr))

		var wg sync.WaitGroup
		defer wg.Wait()
		defer func() {
			// Same cleanup path as an explicit leave.
			dctx, dcancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
			h.Disconnect(dctx, c.id)
			dcancel()
			sessions.Unregister(c.id)
			c.Close("bye")
			plog.Info("disconnected")
		}()

		// Writer goroutine
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.writeLoop(ctx, plog)
		}()
		go func() {
			defer wg.Done()
			c.pingLoop(ctx, cfg.KeepAlive)
		}()
		go func() {
			// Stop reading as soon as the peer is closed from elsewhere.
			select {
			case <-c.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		c.send(types.MsgWelcome, types.Welcome{
			PlayerID:        c.id,
			Token:           token,
			UDPPort:         cfg.UDPPort,
			KeepAliveMillis: cfg.KeepAlive.Milliseconds(),
		})

		d := &dispatcher{hub: h, conn: c, timeout: cfg.RequestTimeout, log: plog}

		// Reader loop
		for {
			rctx, rcancel := context.WithTimeout(ctx, cfg.IdleTimeout)
			_, data, err := wsConn.Read(rctx)
			rcancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					plog.Debug("closed by client")
				default:
					plog.Debug("read ended", zap.Error(err))
				}
				return
			}

			var env types.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.sendError("BadRequest", "bad json")
				continue
			}
			d.dispatch(ctx, env)
		}
	}
}
