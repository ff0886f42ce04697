package types

import (
	"encoding/json"
	"fmt"
)

type MessageType string

// Client -> Server (reliable channel)
const (
	MsgCreateRoom     MessageType = "create_room"
	MsgJoinRoom       MessageType = "join_room"
	MsgLeaveRoom      MessageType = "leave_room"
	MsgReady          MessageType = "ready"
	MsgSelection      MessageType = "selection"
	MsgRoomList       MessageType = "room_list"
	MsgStartRace      MessageType = "start_race"
	MsgChat           MessageType = "chat"
	MsgPlayerFinished MessageType = "player_finished"
	MsgPlayerState    MessageType = "player_state" // fallback when UDP is unavailable
	MsgHeartbeat      MessageType = "heartbeat"
)

// Server -> Client (reliable channel)
const (
	MsgWelcome          MessageType = "welcome"
	MsgCreateRoomResult MessageType = "create_room_result"
	MsgJoinRoomResult   MessageType = "join_room_result"
	MsgRoomListResult   MessageType = "room_list_result"
	MsgRoomState        MessageType = "room_state"
	MsgRaceStart        MessageType = "race_start"
	MsgCountdownStart   MessageType = "countdown_start"
	MsgCountdownUpdate  MessageType = "countdown_update"
	MsgRaceResults      MessageType = "race_results"
	MsgError            MessageType = "error"
)

// Envelope frames every message on the reliable channel.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal builds one encoded envelope, ready to be written to any number of
// connections.
func Marshal(t MessageType, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

type Welcome struct {
	PlayerID        PlayerID `json:"playerId"`
	Token           string   `json:"token"`
	UDPPort         int      `json:"udpPort"`
	KeepAliveMillis int64    `json:"keepAliveMillis"`
}

type CreateRoomRequest struct {
	RoomName   string `json:"roomName"`
	Username   string `json:"username"`
	MaxPlayers int    `json:"maxPlayers"`
}

type CreateRoomResponse struct {
	OK      bool       `json:"ok"`
	Message string     `json:"message,omitempty"`
	RoomID  string     `json:"roomId,omitempty"`
	Self    PlayerInfo `json:"self"`
}

type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type JoinRoomResponse struct {
	OK      bool       `json:"ok"`
	Message string     `json:"message,omitempty"`
	Self    PlayerInfo `json:"self"`
	State   *RoomState `json:"state,omitempty"`
}

type LeaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

type ReadyRequest struct {
	RoomID string `json:"roomId"`
	Ready  bool   `json:"ready"`
}

// SelectionRequest is fire-and-forget. A negative index leaves that choice
// unchanged.
type SelectionRequest struct {
	RoomID       string `json:"roomId"`
	TrackIndex   int    `json:"trackIndex"`
	VehicleIndex int    `json:"vehicleIndex"`
}

type RoomListResponse struct {
	Rooms []RoomState `json:"rooms"`
}

type StartRaceRequest struct {
	RoomID           string `json:"roomId"`
	CountdownSeconds int    `json:"countdownSeconds"`
	TrackIndex       int    `json:"trackIndex"`
}

type RaceStartPacket struct {
	CountdownSeconds int        `json:"countdownSeconds"`
	StartTimeMillis  int64      `json:"startTimeMillis"`
	TrackIndex       int        `json:"trackIndex"`
	PlayerIDs        []PlayerID `json:"playerIds"`
	VehicleIndices   []int      `json:"vehicleIndices"`
}

type ChatMessage struct {
	RoomID string `json:"roomId"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text"`
	TS     int64  `json:"ts,omitempty"`
}

type PlayerStateUpdate struct {
	RoomID string      `json:"roomId"`
	State  PlayerState `json:"state"`
}

type RoomStatePacket struct {
	State RoomState `json:"state"`
}

type PlayerFinishedPacket struct {
	RoomID    string    `json:"roomId"`
	PlayerID  PlayerID  `json:"playerId"`
	TotalTime float64   `json:"totalTime"`
	LapTimes  []float64 `json:"lapTimes"`
}

type CountdownStartPacket struct {
	FirstPlacePlayerID PlayerID `json:"firstPlacePlayerId"`
	FirstPlaceUsername string   `json:"firstPlaceUsername"`
	FirstPlaceTime     float64  `json:"firstPlaceTime"`
	RemainingSeconds   int      `json:"remainingSeconds"`
}

type CountdownUpdatePacket struct {
	RemainingSeconds int `json:"remainingSeconds"`
}

type RaceResultsPacket struct {
	Results         []PlayerResult `json:"results"`
	FailedPlayerIDs []PlayerID     `json:"failedPlayerIds"`
}

// ErrorResponse goes only to the connection that caused it.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
