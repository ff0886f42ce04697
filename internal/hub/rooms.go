package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/internal/engine"
	"github.com/DoyleJ11/race-lobby-backend/internal/lobby"
	"github.com/DoyleJ11/race-lobby-backend/internal/session"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

var ErrHubClosed = errors.New("hub closed")

// CreateRoom makes a new room and joins the caller to it as host. A caller
// already in another room leaves it once the new room has been joined.
func (h *Hub) CreateRoom(ctx context.Context, id types.PlayerID, name, username string, maxPlayers int) (string, types.PlayerInfo, types.RoomState, error) {
	peer, err := h.peer(id)
	if err != nil {
		return "", types.PlayerInfo{}, types.RoomState{}, err
	}
	prev, hadPrev := h.sessions.RoomOf(id)

	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- CreateLobby{Name: name, MaxPlayers: maxPlayers, Reply: reply}:
	case <-h.ctx.Done():
		return "", types.PlayerInfo{}, types.RoomState{}, ErrHubClosed
	case <-ctx.Done():
		return "", types.PlayerInfo{}, types.RoomState{}, ctx.Err()
	}

	var lb *lobby.Lobby
	select {
	case lb = <-reply:
	case <-h.ctx.Done():
		return "", types.PlayerInfo{}, types.RoomState{}, ErrHubClosed
	case <-ctx.Done():
		return "", types.PlayerInfo{}, types.RoomState{}, ctx.Err()
	}

	self, state, err := h.join(ctx, lb, peer, username)
	if err != nil {
		// Nobody else can know the id yet.
		h.lobbies.CompareAndDelete(lb.ID(), lb)
		_ = lb.Post(context.Background(), lobby.Shutdown{})
		return "", types.PlayerInfo{}, types.RoomState{}, fmt.Errorf("create room: %w", err)
	}
	if hadPrev {
		h.leavePrevious(ctx, id, prev)
	}
	return lb.ID(), self, state, nil
}

// JoinRoom adds the caller to roomID and returns its own entry and the room
// as it is after the join. The caller leaves its previous room only once the
// join succeeded; a failed join changes nothing.
func (h *Hub) JoinRoom(ctx context.Context, id types.PlayerID, roomID, username string) (types.PlayerInfo, types.RoomState, error) {
	peer, err := h.peer(id)
	if err != nil {
		return types.PlayerInfo{}, types.RoomState{}, err
	}
	lb, ok := h.Lookup(roomID)
	if !ok {
		return types.PlayerInfo{}, types.RoomState{}, engine.ErrRoomNotFound
	}
	prev, hadPrev := h.sessions.RoomOf(id)

	self, state, err := h.join(ctx, lb, peer, username)
	if err != nil {
		return types.PlayerInfo{}, types.RoomState{}, err
	}
	if hadPrev && prev != roomID {
		h.leavePrevious(ctx, id, prev)
	}
	return self, state, nil
}

func (h *Hub) join(ctx context.Context, lb *lobby.Lobby, peer session.Peer, username string) (types.PlayerInfo, types.RoomState, error) {
	res, err := lobby.Ask(ctx, lb, func(r chan lobby.JoinResult) lobby.Msg {
		return lobby.Join{Peer: peer, Username: username, Reply: r}
	})
	if err == nil {
		err = res.Err
	}
	if err != nil {
		return types.PlayerInfo{}, types.RoomState{}, err
	}
	h.sessions.SetRoom(peer.PlayerID(), lb.ID())
	h.log.Debug("player joined", zap.String("room", lb.ID()), zap.Int32("player", int32(peer.PlayerID())))
	return res.Self, res.State, nil
}

// LeaveRoom removes the caller from roomID. An empty roomID means the room
// the caller is currently in.
func (h *Hub) LeaveRoom(ctx context.Context, id types.PlayerID, roomID string) error {
	lb, err := h.memberRoom(id, roomID)
	if err != nil {
		return err
	}
	err = h.leave(ctx, id, lb)
	if errors.Is(err, lobby.ErrClosed) {
		return nil
	}
	return err
}

func (h *Hub) leave(ctx context.Context, id types.PlayerID, lb *lobby.Lobby) error {
	h.sessions.ClearRoom(id, lb.ID())
	return askErr(ctx, lb, func(r chan error) lobby.Msg { return lobby.Leave{PlayerID: id, Reply: r} })
}

// leavePrevious drops the caller from roomID. The session keeps pointing at
// whatever room the caller joined since.
func (h *Hub) leavePrevious(ctx context.Context, id types.PlayerID, roomID string) {
	lb, ok := h.Lookup(roomID)
	if !ok {
		h.sessions.ClearRoom(id, roomID)
		return
	}
	if err := h.leave(ctx, id, lb); err != nil && !errors.Is(err, lobby.ErrClosed) {
		h.log.Debug("leave previous room", zap.String("room", roomID), zap.Error(err))
	}
}

// SetReady is fire-and-forget; a caller outside the room is ignored.
func (h *Hub) SetReady(ctx context.Context, id types.PlayerID, roomID string, ready bool) error {
	lb, err := h.room(roomID, id)
	if err != nil {
		return err
	}
	return lb.Post(ctx, lobby.SetReady{PlayerID: id, Ready: ready})
}

// SetSelection is fire-and-forget. A negative index leaves that choice
// unchanged.
func (h *Hub) SetSelection(ctx context.Context, id types.PlayerID, roomID string, trackIndex, vehicleIndex int) error {
	lb, err := h.room(roomID, id)
	if err != nil {
		return err
	}
	return lb.Post(ctx, lobby.Select{PlayerID: id, TrackIndex: trackIndex, VehicleIndex: vehicleIndex})
}

func (h *Hub) StartRace(ctx context.Context, id types.PlayerID, roomID string, countdownSeconds, trackIndex int) error {
	lb, err := h.room(roomID, id)
	if err != nil {
		return err
	}
	return askErr(ctx, lb, func(r chan error) lobby.Msg {
		return lobby.StartRace{PlayerID: id, CountdownSeconds: countdownSeconds, TrackIndex: trackIndex, Reply: r}
	})
}

// ReportFinish records the caller's finish. The reporting player is always
// the authenticated sender, and must still be in the room: a racer who left
// stays on the grid only as a DNF.
func (h *Hub) ReportFinish(ctx context.Context, id types.PlayerID, roomID string, totalTime float64, lapTimes []float64) error {
	lb, err := h.memberRoom(id, roomID)
	if err != nil {
		return err
	}
	return askErr(ctx, lb, func(r chan error) lobby.Msg {
		return lobby.ReportFinish{PlayerID: id, TotalTime: totalTime, LapTimes: lapTimes, Reply: r}
	})
}

func (h *Hub) Chat(ctx context.Context, id types.PlayerID, roomID, text string) error {
	lb, err := h.room(roomID, id)
	if err != nil {
		return err
	}
	return askErr(ctx, lb, func(r chan error) lobby.Msg {
		return lobby.Chat{PlayerID: id, Text: text, Reply: r}
	})
}

// UpdateState stores a snapshot. Anything that does not fit is dropped
// silently and reported as false.
func (h *Hub) UpdateState(id types.PlayerID, roomID string, st types.PlayerState) bool {
	lb, err := h.room(roomID, id)
	if err != nil {
		return false
	}
	return lb.UpdateState(id, st)
}

// ListRooms returns every room's last published view, ordered by room id.
func (h *Hub) ListRooms() []types.RoomState {
	rooms := []types.RoomState{}
	h.Range(func(lb *lobby.Lobby) bool {
		rooms = append(rooms, lb.Snapshot())
		return true
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms
}

// Disconnect runs the leave path for a dropped connection.
func (h *Hub) Disconnect(ctx context.Context, id types.PlayerID) {
	cur, ok := h.sessions.RoomOf(id)
	if !ok {
		return
	}
	h.log.Debug("player disconnected", zap.String("room", cur), zap.Int32("player", int32(id)))
	h.leavePrevious(ctx, id, cur)
}

func (h *Hub) peer(id types.PlayerID) (session.Peer, error) {
	p, ok := h.sessions.Peer(id)
	if !ok {
		return nil, session.ErrUnknownPlayer
	}
	return p, nil
}

// room resolves roomID, falling back to the caller's current room when it is
// empty.
func (h *Hub) room(roomID string, id types.PlayerID) (*lobby.Lobby, error) {
	if roomID == "" {
		cur, ok := h.sessions.RoomOf(id)
		if !ok {
			return nil, engine.ErrNotInRoom
		}
		roomID = cur
	}
	lb, ok := h.Lookup(roomID)
	if !ok {
		return nil, engine.ErrRoomNotFound
	}
	return lb, nil
}

func (h *Hub) memberRoom(id types.PlayerID, roomID string) (*lobby.Lobby, error) {
	cur, ok := h.sessions.RoomOf(id)
	if !ok || (roomID != "" && roomID != cur) {
		return nil, engine.ErrNotInRoom
	}
	return h.room(cur, id)
}

func askErr(ctx context.Context, lb *lobby.Lobby, build func(chan error) lobby.Msg) error {
	err, postErr := lobby.Ask(ctx, lb, build)
	if postErr != nil {
		return postErr
	}
	return err
}
