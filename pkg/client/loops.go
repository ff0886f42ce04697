package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

const helloRetry = 250 * time.Millisecond

// SendState streams one local snapshot. It goes over UDP once the address is
// bound and over the WebSocket otherwise.
func (c *Client) SendState(ctx context.Context, roomID string, st types.PlayerState) error {
	st.PlayerID = c.welcome.PlayerID
	if c.udp != nil && c.udpBound() {
		frame, err := types.EncodeDatagram(types.Datagram{
			Kind:     types.DatagramState,
			PlayerID: c.welcome.PlayerID,
			RoomID:   roomID,
			State:    &st,
		})
		if err != nil {
			return err
		}
		_, err = c.udp.Write(frame)
		return err
	}
	return c.send(ctx, types.MsgPlayerState, types.PlayerStateUpdate{RoomID: roomID, State: st})
}

func (c *Client) udpBound() bool {
	select {
	case <-c.udpReady:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.events)
	defer c.cancel()

	for {
		var env types.Envelope
		if err := readEnvelope(c.ctx, c.ws, &env); err != nil {
			if c.ctx.Err() == nil {
				c.log.Debug("connection ended", zap.Error(err))
			}
			return
		}
		if c.deliver(env) {
			continue
		}
		select {
		case c.events <- env:
		default:
			c.log.Warn("event buffer full, dropping", zap.String("type", string(env.Type)))
		}
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	every := time.Duration(c.welcome.KeepAliveMillis) * time.Millisecond
	if every <= 0 {
		every = 8 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, every)
			err := c.send(ctx, types.MsgHeartbeat, nil)
			cancel()
			if err != nil {
				c.log.Debug("heartbeat failed", zap.Error(err))
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// helloLoop repeats the hello until the server acknowledges it.
func (c *Client) helloLoop() {
	defer c.wg.Done()

	hello, err := types.EncodeDatagram(types.Datagram{
		Kind:     types.DatagramHello,
		PlayerID: c.welcome.PlayerID,
		Token:    c.welcome.Token,
	})
	if err != nil {
		c.log.Error("encode hello", zap.Error(err))
		return
	}

	ticker := time.NewTicker(helloRetry)
	defer ticker.Stop()
	for {
		if _, err := c.udp.Write(hello); err != nil {
			c.log.Debug("send hello", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-c.udpReady:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) udpLoop() {
	defer c.wg.Done()
	defer close(c.states)

	buf := make([]byte, types.MaxDatagramSize)
	for {
		n, err := c.udp.Read(buf)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			// ICMP refusals surface as read errors on a connected socket.
			c.log.Debug("udp read", zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(helloRetry):
			}
			continue
		}
		d, err := types.DecodeDatagram(buf[:n])
		if err != nil {
			continue
		}
		switch d.Kind {
		case types.DatagramHelloAck:
			c.ackOnce.Do(func() { close(c.udpReady) })
		case types.DatagramGameState:
			if d.GameState == nil {
				continue
			}
			select {
			case c.states <- *d.GameState:
			default:
				// stale state is worthless; the next tick replaces it
			}
		}
	}
}
