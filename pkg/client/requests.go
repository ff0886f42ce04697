package client

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/coder/websocket"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

func (c *Client) CreateRoom(ctx context.Context, roomName, username string, maxPlayers int) (types.CreateRoomResponse, error) {
	var resp types.CreateRoomResponse
	err := c.request(ctx, types.MsgCreateRoom, types.CreateRoomRequest{
		RoomName: roomName, Username: username, MaxPlayers: maxPlayers,
	}, types.MsgCreateRoomResult, &resp)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("create room: %w: %s", ErrRejected, resp.Message)
	}
	return resp, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID, username string) (types.JoinRoomResponse, error) {
	var resp types.JoinRoomResponse
	err := c.request(ctx, types.MsgJoinRoom, types.JoinRoomRequest{RoomID: roomID, Username: username}, types.MsgJoinRoomResult, &resp)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("join room %s: %w: %s", roomID, ErrRejected, resp.Message)
	}
	return resp, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]types.RoomState, error) {
	var resp types.RoomListResponse
	if err := c.request(ctx, types.MsgRoomList, nil, types.MsgRoomListResult, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// The requests below are fire-and-forget. Failures come back on Events as
// error messages.

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	return c.send(ctx, types.MsgLeaveRoom, types.LeaveRoomRequest{RoomID: roomID})
}

func (c *Client) SetReady(ctx context.Context, roomID string, ready bool) error {
	return c.send(ctx, types.MsgReady, types.ReadyRequest{RoomID: roomID, Ready: ready})
}

func (c *Client) SetSelection(ctx context.Context, roomID string, trackIndex, vehicleIndex int) error {
	return c.send(ctx, types.MsgSelection, types.SelectionRequest{RoomID: roomID, TrackIndex: trackIndex, VehicleIndex: vehicleIndex})
}

func (c *Client) StartRace(ctx context.Context, roomID string, countdownSeconds, trackIndex int) error {
	return c.send(ctx, types.MsgStartRace, types.StartRaceRequest{RoomID: roomID, CountdownSeconds: countdownSeconds, TrackIndex: trackIndex})
}

func (c *Client) Chat(ctx context.Context, roomID, text string) error {
	return c.send(ctx, types.MsgChat, types.ChatMessage{RoomID: roomID, Text: text})
}

func (c *Client) ReportFinish(ctx context.Context, roomID string, totalTime float64, lapTimes []float64) error {
	return c.send(ctx, types.MsgPlayerFinished, types.PlayerFinishedPacket{
		RoomID: roomID, PlayerID: c.welcome.PlayerID, TotalTime: totalTime, LapTimes: lapTimes,
	})
}

// request sends one message and waits for the first reply of type want.
func (c *Client) request(ctx context.Context, t types.MessageType, payload any, want types.MessageType, dst any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	reply := make(chan types.Envelope, 1)
	c.mu.Lock()
	c.waiters[want] = append(c.waiters[want], reply)
	c.mu.Unlock()

	if err := c.send(ctx, t, payload); err != nil {
		c.dropWaiter(want, reply)
		return err
	}

	select {
	case env := <-reply:
		return env.Decode(dst)
	case <-ctx.Done():
		c.dropWaiter(want, reply)
		return fmt.Errorf("%s: %w", t, ctx.Err())
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Client) dropWaiter(t types.MessageType, reply chan types.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters[t] = slices.DeleteFunc(c.waiters[t], func(ch chan types.Envelope) bool { return ch == reply })
}

// deliver hands env to the oldest waiter for its type.
func (c *Client) deliver(env types.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.waiters[env.Type]
	if len(q) == 0 {
		return false
	}
	c.waiters[env.Type] = q[1:]
	q[0] <- env
	return true
}

func (c *Client) send(ctx context.Context, t types.MessageType, payload any) error {
	frame, err := types.Marshal(t, payload)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

func readEnvelope(ctx context.Context, ws *websocket.Conn, env *types.Envelope) error {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, env)
}
