package engine

import (
	"errors"
	"slices"
	"sort"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

var ErrRoomNotFound = errors.New("room not found")
var ErrRoomFull = errors.New("room full")
var ErrNotHost = errors.New("only host can start")
var ErrNotWaiting = errors.New("not in WAITING phase")
var ErrInsufficientPlayers = errors.New("need at least 2 players")
var ErrNotAllReady = errors.New("not all players ready")
var ErrNotInRoom = errors.New("not in room")

// Swallowed by the lobby: the caller gets no response for these.
var ErrNotRunning = errors.New("race not running")
var ErrAlreadyFinished = errors.New("finish already recorded")
var ErrRaceOver = errors.New("race already finished")
var ErrUnexpectedPhase = errors.New("unexpected phase")
var ErrUnsupportedCommand = errors.New("unsupported command")

const (
	MaxPlayersCap           = 4
	MinPlayersToStart       = 2
	DefaultCountdownSeconds = 5
	MaxCountdownSeconds     = 10
	FinishCountdownSeconds  = 10
)

type Player struct {
	ID           types.PlayerID
	Username     string
	VehicleIndex int
}

type Finish struct {
	PlayerID  types.PlayerID
	TotalTime float64
	LapTimes  []float64
}

type State struct {
	RoomID        string
	Name          string
	MaxPlayers    int
	Phase         types.Phase
	Order         []types.PlayerID
	Players       map[types.PlayerID]Player
	Ready         map[types.PlayerID]bool
	HostID        types.PlayerID
	SelectedTrack int
	Racers        []Player // grid frozen when the race starts
	Finishes      []Finish // arrival order
}

type CommandType string

const (
	CmdJoin         CommandType = "Join"
	CmdLeave        CommandType = "Leave"
	CmdSetReady     CommandType = "SetReady"
	CmdSelect       CommandType = "Select"
	CmdStartRace    CommandType = "StartRace"
	CmdBeginRace    CommandType = "BeginRace"
	CmdReportFinish CommandType = "ReportFinish"
)

/*
	CmdJoin         -> EvtPlayerJoined (+ EvtHostChanged for the first player)
	CmdLeave        -> EvtPlayerLeft (+ EvtHostChanged) (+ EvtRoomEmptied)
	CmdSetReady     -> EvtReadyChanged
	CmdSelect       -> EvtSelectionChanged
	CmdStartRace    -> EvtRaceStarting          WAITING   -> COUNTDOWN
	CmdBeginRace    -> EvtRaceRunning           COUNTDOWN -> RUNNING
	CmdReportFinish -> EvtFinishRecorded (+ EvtFirstFinish)
	Finalize()                                  RUNNING   -> FINISHED
*/

type Command struct {
	Type             CommandType
	PlayerID         types.PlayerID
	Username         string
	Ready            bool
	TrackIndex       int
	VehicleIndex     int
	CountdownSeconds int
	TotalTime        float64
	LapTimes         []float64
}

type EventType string

const (
	EvtPlayerJoined     EventType = "PlayerJoined"
	EvtPlayerLeft       EventType = "PlayerLeft"
	EvtHostChanged      EventType = "HostChanged"
	EvtRoomEmptied      EventType = "RoomEmptied"
	EvtReadyChanged     EventType = "ReadyChanged"
	EvtSelectionChanged EventType = "SelectionChanged"
	EvtRaceStarting     EventType = "RaceStarting"
	EvtRaceRunning      EventType = "RaceRunning"
	EvtFinishRecorded   EventType = "FinishRecorded"
	EvtFirstFinish      EventType = "FirstFinish"
)

type Event struct {
	Type             EventType
	PlayerID         types.PlayerID
	CountdownSeconds int
	TrackIndex       int
	TotalTime        float64
}

// Apply validates cmd against s and returns the resulting events and state.
// s is never modified; on error the returned state is s.
func Apply(s State, cmd Command) ([]Event, State, error) {
	if s.Phase == types.PhaseFinished {
		switch cmd.Type {
		case CmdLeave, CmdJoin, CmdStartRace:
			// join and start fail below with ErrNotWaiting, which the caller sees
		default:
			return nil, s, ErrRaceOver
		}
	}

	newState := s.Clone()

	switch cmd.Type {
	case CmdJoin:
		if _, ok := s.Players[cmd.PlayerID]; ok {
			return nil, s, nil
		}
		if s.Phase != types.PhaseWaiting {
			return nil, s, ErrNotWaiting
		}
		if len(s.Players) >= s.MaxPlayers {
			return nil, s, ErrRoomFull
		}

		newState.Players[cmd.PlayerID] = Player{ID: cmd.PlayerID, Username: SafeName(cmd.Username)}
		newState.Order = append(newState.Order, cmd.PlayerID)

		events := []Event{{Type: EvtPlayerJoined, PlayerID: cmd.PlayerID}}
		if newState.deriveHost() {
			events = append(events, Event{Type: EvtHostChanged, PlayerID: newState.HostID})
		}
		return events, newState, nil

	case CmdLeave:
		if _, ok := s.Players[cmd.PlayerID]; !ok {
			return nil, s, ErrNotInRoom
		}

		delete(newState.Players, cmd.PlayerID)
		delete(newState.Ready, cmd.PlayerID)
		newState.Order = slices.DeleteFunc(newState.Order, func(id types.PlayerID) bool { return id == cmd.PlayerID })

		events := []Event{{Type: EvtPlayerLeft, PlayerID: cmd.PlayerID}}
		if newState.deriveHost() && newState.HostID != 0 {
			events = append(events, Event{Type: EvtHostChanged, PlayerID: newState.HostID})
		}
		if len(newState.Players) == 0 {
			events = append(events, Event{Type: EvtRoomEmptied})
		}
		return events, newState, nil

	case CmdSetReady:
		if _, ok := s.Players[cmd.PlayerID]; !ok {
			return nil, s, ErrNotInRoom
		}
		if cmd.Ready {
			newState.Ready[cmd.PlayerID] = true
		} else {
			delete(newState.Ready, cmd.PlayerID)
		}
		return []Event{{Type: EvtReadyChanged, PlayerID: cmd.PlayerID}}, newState, nil

	case CmdSelect:
		p, ok := s.Players[cmd.PlayerID]
		if !ok {
			return nil, s, ErrNotInRoom
		}
		if cmd.VehicleIndex >= 0 {
			p.VehicleIndex = cmd.VehicleIndex
			newState.Players[cmd.PlayerID] = p
		}
		// Non-host or late track changes are dropped without an error: clients
		// resend their whole selection after every ready toggle.
		if cmd.TrackIndex >= 0 && s.HostID == cmd.PlayerID && s.Phase == types.PhaseWaiting {
			newState.SelectedTrack = cmd.TrackIndex
		}
		return []Event{{Type: EvtSelectionChanged, PlayerID: cmd.PlayerID, TrackIndex: newState.SelectedTrack}}, newState, nil

	case CmdStartRace:
		if _, ok := s.Players[cmd.PlayerID]; !ok {
			return nil, s, ErrNotInRoom
		}
		if s.Phase != types.PhaseWaiting {
			return nil, s, ErrNotWaiting
		}
		if s.HostID != cmd.PlayerID {
			return nil, s, ErrNotHost
		}
		if len(s.Players) < MinPlayersToStart {
			return nil, s, ErrInsufficientPlayers
		}
		if !s.AllReady() {
			return nil, s, ErrNotAllReady
		}

		seconds := ClampCountdown(cmd.CountdownSeconds)
		if cmd.TrackIndex >= 0 {
			newState.SelectedTrack = cmd.TrackIndex
		}
		newState.Phase = types.PhaseCountdown
		newState.Racers = make([]Player, 0, len(s.Order))
		for _, id := range s.Order {
			newState.Racers = append(newState.Racers, s.Players[id])
		}

		return []Event{{
			Type:             EvtRaceStarting,
			PlayerID:         cmd.PlayerID,
			CountdownSeconds: seconds,
			TrackIndex:       newState.SelectedTrack,
		}}, newState, nil

	case CmdBeginRace:
		if s.Phase != types.PhaseCountdown {
			return nil, s, ErrUnexpectedPhase
		}
		newState.Phase = types.PhaseRunning
		return []Event{{Type: EvtRaceRunning}}, newState, nil

	case CmdReportFinish:
		if s.Phase != types.PhaseRunning {
			return nil, s, ErrNotRunning
		}
		if _, ok := s.Racer(cmd.PlayerID); !ok {
			return nil, s, ErrNotInRoom
		}
		if s.HasFinished(cmd.PlayerID) {
			return nil, s, ErrAlreadyFinished
		}

		newState.Finishes = append(newState.Finishes, Finish{
			PlayerID:  cmd.PlayerID,
			TotalTime: cmd.TotalTime,
			LapTimes:  slices.Clone(cmd.LapTimes),
		})

		events := []Event{{Type: EvtFinishRecorded, PlayerID: cmd.PlayerID, TotalTime: cmd.TotalTime}}
		if len(newState.Finishes) == 1 {
			events = append(events, Event{Type: EvtFirstFinish, PlayerID: cmd.PlayerID, TotalTime: cmd.TotalTime})
		}
		return events, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// Finalize ranks the recorded finishes and resolves every other racer as DNF.
// Only valid while RUNNING, so a second call fails with ErrNotRunning.
func Finalize(s State) (types.RaceResultsPacket, State, error) {
	if s.Phase != types.PhaseRunning {
		return types.RaceResultsPacket{}, s, ErrNotRunning
	}

	finished := slices.Clone(s.Finishes)
	// Stable: equal times keep arrival order.
	sort.SliceStable(finished, func(i, j int) bool { return finished[i].TotalTime < finished[j].TotalTime })

	res := types.RaceResultsPacket{
		Results:         make([]types.PlayerResult, 0, len(s.Racers)),
		FailedPlayerIDs: []types.PlayerID{},
	}
	for i, f := range finished {
		res.Results = append(res.Results, types.PlayerResult{
			PlayerID:  f.PlayerID,
			Username:  s.usernameOf(f.PlayerID),
			Rank:      i + 1,
			TotalTime: f.TotalTime,
			LapTimes:  nonNil(f.LapTimes),
		})
	}
	for _, r := range s.Racers {
		if s.HasFinished(r.ID) {
			continue
		}
		res.Results = append(res.Results, types.PlayerResult{
			PlayerID: r.ID,
			Username: r.Username,
			LapTimes: []float64{},
			Failed:   true,
		})
		res.FailedPlayerIDs = append(res.FailedPlayerIDs, r.ID)
	}

	newState := s.Clone()
	newState.Phase = types.PhaseFinished
	return res, newState, nil
}

func (s State) AllReady() bool {
	if len(s.Players) == 0 {
		return false
	}
	for id := range s.Players {
		if !s.Ready[id] {
			return false
		}
	}
	return true
}

func (s State) Racer(id types.PlayerID) (Player, bool) {
	for _, r := range s.Racers {
		if r.ID == id {
			return r, true
		}
	}
	return Player{}, false
}

func (s State) HasFinished(id types.PlayerID) bool {
	return slices.ContainsFunc(s.Finishes, func(f Finish) bool { return f.PlayerID == id })
}

func (s State) usernameOf(id types.PlayerID) string {
	if p, ok := s.Players[id]; ok {
		return p.Username
	}
	if r, ok := s.Racer(id); ok {
		return r.Username
	}
	return defaultUsername
}

// deriveHost re-reads the host from join order and reports whether it changed.
func (s *State) deriveHost() bool {
	var host types.PlayerID
	if len(s.Order) > 0 {
		host = s.Order[0]
	}
	changed := host != s.HostID
	s.HostID = host
	return changed
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return slices.Clone(v)
}
