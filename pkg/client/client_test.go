package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

const within = 2 * time.Second

// scriptedServer sends a welcome and hands every client frame to handle,
// writing back whatever it returns.
func scriptedServer(t *testing.T, handle func(types.Envelope) [][]byte) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		welcome, _ := types.Marshal(types.MsgWelcome, types.Welcome{PlayerID: 7, Token: "tok", KeepAliveMillis: 60_000})
		if err := conn.Write(ctx, websocket.MessageText, welcome); err != nil {
			return
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env types.Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			for _, out := range handle(env) {
				if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func frame(t *testing.T, mt types.MessageType, payload any) []byte {
	t.Helper()
	b, err := types.Marshal(mt, payload)
	require.NoError(t, err)
	return b
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	c, err := Dial(ctx, url, Options{UDPHost: "-"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDial_ReadsWelcome(t *testing.T) {
	url := scriptedServer(t, func(types.Envelope) [][]byte { return nil })
	c := dial(t, url)

	assert.Equal(t, types.PlayerID(7), c.PlayerID())
	assert.Equal(t, "tok", c.Self().Token)
}

func TestRequest_RepliesSkipUnrelatedEvents(t *testing.T) {
	url := scriptedServer(t, func(env types.Envelope) [][]byte {
		if env.Type != types.MsgCreateRoom {
			return nil
		}
		return [][]byte{
			frame(t, types.MsgRoomState, types.RoomStatePacket{State: types.RoomState{RoomID: "abcd1234"}}),
			frame(t, types.MsgCreateRoomResult, types.CreateRoomResponse{OK: true, RoomID: "abcd1234"}),
		}
	})
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()

	resp, err := c.CreateRoom(ctx, "r", "alice", 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", resp.RoomID)

	select {
	case env := <-c.Events():
		assert.Equal(t, types.MsgRoomState, env.Type, "non-reply messages go to Events")
	case <-time.After(within):
		t.Fatal("room state not delivered as an event")
	}
}

func TestRequest_Rejected(t *testing.T) {
	url := scriptedServer(t, func(types.Envelope) [][]byte {
		return [][]byte{frame(t, types.MsgJoinRoomResult, types.JoinRoomResponse{OK: false, Message: "room full"})}
	})
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()

	resp, err := c.JoinRoom(ctx, "abcd1234", "bob")
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "room full")
	assert.False(t, resp.OK)
}

func TestRequest_TimesOut(t *testing.T) {
	url := scriptedServer(t, func(types.Envelope) [][]byte { return nil })
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ListRooms(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.waiters[types.MsgRoomListResult], "waiter is dropped on timeout")
}

func TestSendState_FallsBackToWebSocket(t *testing.T) {
	got := make(chan types.PlayerStateUpdate, 1)
	url := scriptedServer(t, func(env types.Envelope) [][]byte {
		if env.Type == types.MsgPlayerState {
			var u types.PlayerStateUpdate
			if env.Decode(&u) == nil {
				got <- u
			}
		}
		return nil
	})
	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()

	require.NoError(t, c.SendState(ctx, "abcd1234", types.PlayerState{PlayerID: 99, X: 3}))
	select {
	case u := <-got:
		assert.Equal(t, "abcd1234", u.RoomID)
		assert.Equal(t, types.PlayerID(7), u.State.PlayerID, "the sender id is always our own")
		assert.InDelta(t, 3, u.State.X, 1e-9)
	case <-time.After(within):
		t.Fatal("state not received over websocket")
	}
}

func TestClose_EndsEvents(t *testing.T) {
	url := scriptedServer(t, func(types.Envelope) [][]byte { return nil })
	c := dial(t, url)

	require.NoError(t, c.Close())
	select {
	case _, ok := <-c.Events():
		assert.False(t, ok)
	case <-time.After(within):
		t.Fatal("events not closed")
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
}
