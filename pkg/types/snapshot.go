package types

// PlayerID is assigned per connection by the server, starting at 1.
// Zero means "no player".
type PlayerID int32

type Phase string

const (
	PhaseWaiting   Phase = "WAITING"
	PhaseCountdown Phase = "COUNTDOWN"
	PhaseRunning   Phase = "RUNNING"
	PhaseFinished  Phase = "FINISHED"
)

// RoomState:
//
//	roomId, roomName, maxPlayers, phase
//	players: join order, players[0] is the host
//	selectedTrackIndex
type RoomState struct {
	RoomID        string       `json:"roomId"`
	RoomName      string       `json:"roomName"`
	MaxPlayers    int          `json:"maxPlayers"`
	Phase         Phase        `json:"phase"`
	Players       []PlayerInfo `json:"players"`
	SelectedTrack int          `json:"selectedTrackIndex"`
	HostID        PlayerID     `json:"hostId,omitempty"`
}

type PlayerInfo struct {
	PlayerID     PlayerID `json:"playerId"`
	Username     string   `json:"username"`
	Ready        bool     `json:"ready"`
	VehicleIndex int      `json:"vehicleIndex"`
}

// PlayerState is one vehicle snapshot. Only the latest one per player is kept
// server side. All fields are scalars so values compare with ==.
type PlayerState struct {
	PlayerID        PlayerID `json:"playerId" msgpack:"id"`
	X               float64  `json:"x" msgpack:"x"`
	Y               float64  `json:"y" msgpack:"y"`
	Rotation        float64  `json:"rotation" msgpack:"r"`
	VelocityX       float64  `json:"velocityX" msgpack:"vx"`
	VelocityY       float64  `json:"velocityY" msgpack:"vy"`
	AngularVelocity float64  `json:"angularVelocity" msgpack:"w"`
	CurrentLap      int      `json:"currentLap" msgpack:"lap"`
	LapTime         float64  `json:"lapTime" msgpack:"lt"`
	VehicleIndex    int      `json:"vehicleIndex" msgpack:"veh"`
}

// GameStatePacket is the merged snapshot set of one room at one broadcast tick.
type GameStatePacket struct {
	ServerTimestamp int64         `json:"serverTimestamp" msgpack:"ts"`
	PlayerStates    []PlayerState `json:"playerStates" msgpack:"states"`
}

type PlayerResult struct {
	PlayerID  PlayerID  `json:"playerId"`
	Username  string    `json:"username"`
	Rank      int       `json:"rank"` // 0 = DNF
	TotalTime float64   `json:"totalTime"`
	LapTimes  []float64 `json:"lapTimes"`
	Failed    bool      `json:"failed"`
}
