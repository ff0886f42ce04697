package ws

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

const writeTimeout = 3 * time.Second

// conn is one player's reliable connection. It implements session.Peer.
type conn struct {
	id   types.PlayerID
	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}

	closeOnce sync.Once
	reason    string
}

func newConn(id types.PlayerID, ws *websocket.Conn, queue int) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		out:  make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (c *conn) PlayerID() types.PlayerID { return c.id }

func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Close never blocks; the writer goroutine closes the socket.
func (c *conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *conn) send(t types.MessageType, payload any) {
	frame, err := types.Marshal(t, payload)
	if err != nil {
		return
	}
	c.Send(frame)
}

func (c *conn) sendError(code, message string) {
	c.send(types.MsgError, types.ErrorResponse{Code: code, Message: message})
}

// writeLoop drains the outbox until the connection is closed.
func (c *conn) writeLoop(ctx context.Context, log *zap.Logger) {
	for {
		select {
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				log.Debug("write failed", zap.Error(err))
				c.Close("write failed")
			}

		case <-c.done:
			status := websocket.StatusPolicyViolation
			if c.reason == "bye" {
				status = websocket.StatusNormalClosure
			}
			_ = c.ws.Close(status, c.reason)
			return

		case <-ctx.Done():
			c.Close("bye")
		}
	}
}

// pingLoop keeps the connection alive and notices dead peers.
func (c *conn) pingLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.Close("keep-alive timeout")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
