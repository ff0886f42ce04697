package ws

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/internal/engine"
	"github.com/DoyleJ11/race-lobby-backend/internal/hub"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type dispatcher struct {
	hub     *hub.Hub
	conn    *conn
	timeout time.Duration
	log     *zap.Logger
}

func (d *dispatcher) dispatch(parent context.Context, env types.Envelope) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()
	id := d.conn.id

	switch env.Type {
	case types.MsgHeartbeat:
		// reading it already refreshed the idle timeout

	case types.MsgCreateRoom:
		var req types.CreateRoomRequest
		if !d.decode(env, &req) {
			return
		}
		roomID, self, _, err := d.hub.CreateRoom(ctx, id, req.RoomName, req.Username, req.MaxPlayers)
		if err != nil {
			d.conn.send(types.MsgCreateRoomResult, types.CreateRoomResponse{OK: false, Message: message(err)})
			return
		}
		d.conn.send(types.MsgCreateRoomResult, types.CreateRoomResponse{OK: true, RoomID: roomID, Self: self})

	case types.MsgJoinRoom:
		var req types.JoinRoomRequest
		if !d.decode(env, &req) {
			return
		}
		self, state, err := d.hub.JoinRoom(ctx, id, req.RoomID, req.Username)
		if err != nil {
			d.conn.send(types.MsgJoinRoomResult, types.JoinRoomResponse{OK: false, Message: message(err)})
			return
		}
		d.conn.send(types.MsgJoinRoomResult, types.JoinRoomResponse{OK: true, Self: self, State: &state})

	case types.MsgLeaveRoom:
		var req types.LeaveRoomRequest
		if !d.decode(env, &req) {
			return
		}
		d.reply(d.hub.LeaveRoom(ctx, id, req.RoomID))

	case types.MsgReady:
		var req types.ReadyRequest
		if !d.decode(env, &req) {
			return
		}
		d.ignore(env.Type, d.hub.SetReady(ctx, id, req.RoomID, req.Ready))

	case types.MsgSelection:
		var req types.SelectionRequest
		if !d.decode(env, &req) {
			return
		}
		d.ignore(env.Type, d.hub.SetSelection(ctx, id, req.RoomID, req.TrackIndex, req.VehicleIndex))

	case types.MsgRoomList:
		d.conn.send(types.MsgRoomListResult, types.RoomListResponse{Rooms: d.hub.ListRooms()})

	case types.MsgStartRace:
		var req types.StartRaceRequest
		if !d.decode(env, &req) {
			return
		}
		d.reply(d.hub.StartRace(ctx, id, req.RoomID, req.CountdownSeconds, req.TrackIndex))

	case types.MsgChat:
		var req types.ChatMessage
		if !d.decode(env, &req) {
			return
		}
		d.reply(d.hub.Chat(ctx, id, req.RoomID, req.Text))

	case types.MsgPlayerFinished:
		var req types.PlayerFinishedPacket
		if !d.decode(env, &req) {
			return
		}
		d.reply(d.hub.ReportFinish(ctx, id, req.RoomID, req.TotalTime, req.LapTimes))

	case types.MsgPlayerState:
		var req types.PlayerStateUpdate
		if !d.decode(env, &req) {
			return
		}
		d.hub.UpdateState(id, req.RoomID, req.State)

	default:
		d.conn.sendError("BadRequest", "unknown type")
	}
}

func (d *dispatcher) decode(env types.Envelope, dst any) bool {
	if err := env.Decode(dst); err != nil {
		d.conn.sendError("BadRequest", "bad json")
		return false
	}
	return true
}

// reply reports err to this connection only.
func (d *dispatcher) reply(err error) {
	if err == nil {
		return
	}
	d.log.Debug("request failed", zap.Error(err))
	d.conn.sendError(engine.Code(err), message(err))
}

// ignore is for fire-and-forget requests.
func (d *dispatcher) ignore(t types.MessageType, err error) {
	if err != nil {
		d.log.Debug("request dropped", zap.String("type", string(t)), zap.Error(err))
	}
}

func message(err error) string {
	for _, known := range []error{
		engine.ErrRoomNotFound, engine.ErrRoomFull, engine.ErrNotHost, engine.ErrNotWaiting,
		engine.ErrInsufficientPlayers, engine.ErrNotAllReady, engine.ErrNotInRoom,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}
