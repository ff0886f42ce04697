package lobby

import (
	"context"
	"fmt"

	"github.com/DoyleJ11/race-lobby-backend/internal/engine"
)

// ErrClosed is returned for requests to a lobby that has already shut down.
// From the caller's side the room no longer exists.
var ErrClosed = fmt.Errorf("lobby closed: %w", engine.ErrRoomNotFound)

// Post delivers msg to the lobby inbox.
func (l *Lobby) Post(ctx context.Context, msg Msg) error {
	select {
	case l.inbox <- msg:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ask posts the message built around a fresh reply channel and waits for the
// lobby to answer.
func Ask[T any](ctx context.Context, l *Lobby, build func(reply chan T) Msg) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if err := l.Post(ctx, build(reply)); err != nil {
		return zero, err
	}

	select {
	case v := <-reply:
		return v, nil
	case <-l.ctx.Done():
		// The lobby may have answered right before stopping.
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
