package lobby

import (
	"strings"
	"unicode/utf8"

	"github.com/DoyleJ11/race-lobby-backend/internal/engine"
	"github.com/DoyleJ11/race-lobby-backend/internal/session"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type Msg interface{ isLobbyMsg() }

type Join struct {
	Peer     session.Peer
	Username string
	Reply    chan JoinResult
}

type JoinResult struct {
	Self  types.PlayerInfo
	State types.RoomState
	Err   error
}

// Leave removes the player from the roster. Reply may be nil.
type Leave struct {
	PlayerID types.PlayerID
	Reply    chan error
}

type SetReady struct {
	PlayerID types.PlayerID
	Ready    bool
}

type Select struct {
	PlayerID     types.PlayerID
	TrackIndex   int
	VehicleIndex int
}

type StartRace struct {
	PlayerID         types.PlayerID
	CountdownSeconds int
	TrackIndex       int
	Reply            chan error
}

type ReportFinish struct {
	PlayerID  types.PlayerID
	TotalTime float64
	LapTimes  []float64
	Reply     chan error
}

type Chat struct {
	PlayerID types.PlayerID
	Text     string
	Reply    chan error
}

type Shutdown struct{}

type GetState struct {
	Reply chan View
}

type View struct {
	State    engine.State
	NumPeers int
	Timers   int
}

// Posted by the lobby's own timers.
type raceBegin struct{ gen int }

type countdownTick struct {
	gen       int
	remaining int
}

type finalize struct{ gen int }

func (Join) isLobbyMsg()          {}
func (Leave) isLobbyMsg()         {}
func (SetReady) isLobbyMsg()      {}
func (Select) isLobbyMsg()        {}
func (StartRace) isLobbyMsg()     {}
func (ReportFinish) isLobbyMsg()  {}
func (Chat) isLobbyMsg()          {}
func (Shutdown) isLobbyMsg()      {}
func (GetState) isLobbyMsg()      {}
func (raceBegin) isLobbyMsg()     {}
func (countdownTick) isLobbyMsg() {}
func (finalize) isLobbyMsg()      {}

const maxChatRunes = 256

func sanitizeChat(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxChatRunes {
		s = string([]rune(s)[:maxChatRunes])
	}
	return s
}
