// Package client speaks the lobby protocol: reliable requests over a
// WebSocket and vehicle snapshots over UDP.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

var ErrRejected = errors.New("request rejected")
var ErrClosed = errors.New("client closed")

type Options struct {
	// RequestTimeout bounds create/join/list when ctx has no deadline.
	RequestTimeout time.Duration
	// UDPHost overrides the host taken from the WebSocket URL. "-" disables
	// UDP; snapshots then go over the WebSocket.
	UDPHost     string
	EventBuffer int
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 5 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 128
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Client struct {
	ws      *websocket.Conn
	udp     *net.UDPConn
	welcome types.Welcome
	opts    Options
	log     *zap.Logger

	events chan types.Envelope
	states chan types.GameStatePacket

	mu      sync.Mutex
	waiters map[types.MessageType][]chan types.Envelope

	udpReady chan struct{}
	ackOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects, waits for the welcome and starts binding the UDP address.
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", wsURL, err)
	}
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	var env types.Envelope
	if err := readEnvelope(ctx, ws, &env); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if env.Type != types.MsgWelcome {
		ws.CloseNow()
		return nil, fmt.Errorf("expected %s, got %s", types.MsgWelcome, env.Type)
	}
	var welcome types.Welcome
	if err := env.Decode(&welcome); err != nil {
		ws.CloseNow()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ws:       ws,
		welcome:  welcome,
		opts:     opts,
		log:      opts.Logger.Named("client").With(zap.Int32("player", int32(welcome.PlayerID))),
		events:   make(chan types.Envelope, opts.EventBuffer),
		states:   make(chan types.GameStatePacket, opts.EventBuffer),
		waiters:  make(map[types.MessageType][]chan types.Envelope),
		udpReady: make(chan struct{}),
		ctx:      cctx,
		cancel:   cancel,
	}

	if opts.UDPHost != "-" && welcome.UDPPort > 0 {
		host := opts.UDPHost
		if host == "" {
			host = u.Hostname()
		}
		ua, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(welcome.UDPPort)))
		if err == nil {
			c.udp, err = net.DialUDP("udp", nil, ua)
		}
		if err != nil {
			// The reliable channel still works without UDP.
			c.log.Warn("udp unavailable", zap.Error(err))
			c.udp = nil
		}
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.heartbeatLoop()
	if c.udp != nil {
		c.wg.Add(2)
		go c.udpLoop()
		go c.helloLoop()
	}
	return c, nil
}

func (c *Client) Self() types.Welcome { return c.welcome }

func (c *Client) PlayerID() types.PlayerID { return c.welcome.PlayerID }

// Events carries every reliable message that is not the answer to a pending
// request. It is closed when the connection ends.
func (c *Client) Events() <-chan types.Envelope { return c.events }

// GameStates carries the merged snapshots pushed over UDP.
func (c *Client) GameStates() <-chan types.GameStatePacket { return c.states }

// UDPReady is closed once the server acknowledged the UDP hello.
func (c *Client) UDPReady() <-chan struct{} { return c.udpReady }

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Client) Close() error {
	if err := c.ws.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		c.log.Debug("close websocket", zap.Error(err))
	}
	c.cancel()
	var err error
	if c.udp != nil {
		err = c.udp.Close()
	}
	c.wg.Wait()
	return err
}
