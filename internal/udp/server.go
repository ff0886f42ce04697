// Package udp is the unreliable channel: clients bind their address with a
// hello, stream vehicle snapshots in and receive merged game state out.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type StateSink interface {
	UpdateState(id types.PlayerID, roomID string, st types.PlayerState) bool
}

type Sessions interface {
	BindAddr(id types.PlayerID, token string, addr netip.AddrPort) error
	PlayerAt(addr netip.AddrPort) (types.PlayerID, bool)
}

type Server struct {
	conn     *net.UDPConn
	states   StateSink
	sessions Sessions
	log      *zap.Logger
}

func Listen(addr string, states StateSink, sessions Sessions, log *zap.Logger) (*Server, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{conn: conn, states: states, sessions: sessions, log: log.Named("udp")}, nil
}

func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *Server) Close() error {
	return s.conn.Close()
}

func (s *Server) WriteTo(frame []byte, addr netip.AddrPort) error {
	_, err := s.conn.WriteToUDPAddrPort(frame, addr)
	return err
}

// Serve reads datagrams until ctx is done or the socket is closed.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	buf := make([]byte, types.MaxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("read datagram", zap.Error(err))
			continue
		}
		s.handle(buf[:n], normalize(addr))
	}
}

func (s *Server) handle(b []byte, addr netip.AddrPort) {
	d, err := types.DecodeDatagram(b)
	if err != nil {
		s.log.Debug("dropping malformed datagram", zap.Stringer("from", addr), zap.Error(err))
		return
	}

	switch d.Kind {
	case types.DatagramHello:
		if err := s.sessions.BindAddr(d.PlayerID, d.Token, addr); err != nil {
			s.log.Debug("hello rejected", zap.Int32("player", int32(d.PlayerID)), zap.Stringer("from", addr), zap.Error(err))
			return
		}
		ack, err := types.EncodeDatagram(types.Datagram{Kind: types.DatagramHelloAck, PlayerID: d.PlayerID})
		if err != nil {
			s.log.Error("encode hello ack", zap.Error(err))
			return
		}
		if err := s.WriteTo(ack, addr); err != nil {
			s.log.Debug("send hello ack", zap.Error(err))
		}

	case types.DatagramState:
		id, ok := s.sessions.PlayerAt(addr)
		if !ok || d.State == nil || (d.PlayerID != 0 && d.PlayerID != id) {
			return
		}
		s.states.UpdateState(id, d.RoomID, *d.State)

	default:
		// server-bound traffic only
	}
}

// normalize folds IPv4-mapped IPv6 sources so one client keeps one key.
func normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
