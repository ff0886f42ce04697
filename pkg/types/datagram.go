package types

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type DatagramKind uint8

const (
	DatagramHello     DatagramKind = iota + 1 // client -> server, binds the source address
	DatagramHelloAck                          // server -> client
	DatagramState                             // client -> server, PlayerStateUpdate
	DatagramGameState                         // server -> client, GameStatePacket
)

// MaxDatagramSize bounds reads on both sides. Four vehicles fit comfortably.
const MaxDatagramSize = 2048

// Datagram is the single frame shape on the unreliable channel.
type Datagram struct {
	Kind      DatagramKind     `msgpack:"k"`
	PlayerID  PlayerID         `msgpack:"p,omitempty"`
	Token     string           `msgpack:"t,omitempty"`
	RoomID    string           `msgpack:"r,omitempty"`
	State     *PlayerState     `msgpack:"s,omitempty"`
	GameState *GameStatePacket `msgpack:"g,omitempty"`
}

func EncodeDatagram(d Datagram) ([]byte, error) {
	b, err := msgpack.Marshal(&d)
	if err != nil {
		return nil, fmt.Errorf("encode datagram: %w", err)
	}
	return b, nil
}

func DecodeDatagram(b []byte) (Datagram, error) {
	var d Datagram
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return Datagram{}, fmt.Errorf("decode datagram: %w", err)
	}
	if d.Kind < DatagramHello || d.Kind > DatagramGameState {
		return Datagram{}, fmt.Errorf("decode datagram: unknown kind %d", d.Kind)
	}
	return d, nil
}
