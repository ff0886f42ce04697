package engine

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

const (
	defaultUsername = "Player"
	defaultRoomName = "Room"
	maxNameRunes    = 24
)

func NewState(roomID, name string, maxPlayers int) State {
	return State{
		RoomID:     roomID,
		Name:       safe(name, defaultRoomName),
		MaxPlayers: ClampMaxPlayers(maxPlayers),
		Phase:      types.PhaseWaiting,
		Order:      []types.PlayerID{},
		Players:    map[types.PlayerID]Player{},
		Ready:      map[types.PlayerID]bool{},
	}
}

// Clone copies every map and slice so Apply never aliases its input.
func (s State) Clone() State {
	c := s
	c.Order = slices.Clone(s.Order)
	c.Players = maps.Clone(s.Players)
	c.Ready = maps.Clone(s.Ready)
	c.Racers = slices.Clone(s.Racers)
	c.Finishes = slices.Clone(s.Finishes)
	if c.Players == nil {
		c.Players = map[types.PlayerID]Player{}
	}
	if c.Ready == nil {
		c.Ready = map[types.PlayerID]bool{}
	}
	return c
}

// View is the wire snapshot of the room, players in join order.
func (s State) View() types.RoomState {
	rs := types.RoomState{
		RoomID:        s.RoomID,
		RoomName:      s.Name,
		MaxPlayers:    s.MaxPlayers,
		Phase:         s.Phase,
		Players:       make([]types.PlayerInfo, 0, len(s.Order)),
		SelectedTrack: s.SelectedTrack,
		HostID:        s.HostID,
	}
	for _, id := range s.Order {
		p, ok := s.Players[id]
		if !ok {
			continue
		}
		rs.Players = append(rs.Players, types.PlayerInfo{
			PlayerID:     p.ID,
			Username:     p.Username,
			Ready:        s.Ready[id],
			VehicleIndex: p.VehicleIndex,
		})
	}
	return rs
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

func ClampMaxPlayers(n int) int {
	if n <= 0 || n > MaxPlayersCap {
		return MaxPlayersCap
	}
	return n
}

func ClampCountdown(seconds int) int {
	if seconds <= 0 {
		return DefaultCountdownSeconds
	}
	return min(seconds, MaxCountdownSeconds)
}

// SafeName normalizes a display name: NFC, trimmed, at most 24 runes.
func SafeName(s string) string {
	return safe(s, defaultUsername)
}

func safe(s, fallback string) string {
	n := strings.TrimSpace(norm.NFC.String(s))
	if n == "" {
		return fallback
	}
	if utf8.RuneCountInString(n) > maxNameRunes {
		n = string([]rune(n)[:maxNameRunes])
	}
	return n
}

// Code maps an engine error onto the name clients see in ErrorResponse.Code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "RoomNotFound"
	case errors.Is(err, ErrRoomFull):
		return "RoomFull"
	case errors.Is(err, ErrNotHost):
		return "NotHost"
	case errors.Is(err, ErrNotWaiting):
		return "NotWaiting"
	case errors.Is(err, ErrInsufficientPlayers):
		return "InsufficientPlayers"
	case errors.Is(err, ErrNotAllReady):
		return "NotAllReady"
	case errors.Is(err, ErrNotInRoom):
		return "NotInRoom"
	default:
		return "Internal"
	}
}

// Silent reports errors that are dropped instead of being sent to the caller.
func Silent(err error) bool {
	return errors.Is(err, ErrNotRunning) ||
		errors.Is(err, ErrAlreadyFinished) ||
		errors.Is(err, ErrRaceOver) ||
		errors.Is(err, ErrUnexpectedPhase)
}
