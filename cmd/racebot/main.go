// racebot is a headless player. It joins the first open room (or creates
// one), readies up, starts the race when it is the host, drives laps around a
// circle and reports its finish.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/race-lobby-backend/internal/logging"
	"github.com/DoyleJ11/race-lobby-backend/pkg/client"
	"github.com/DoyleJ11/race-lobby-backend/pkg/reconcile"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "server WebSocket URL (RACE_SERVER_URL overrides)")
	name := flag.String("name", "bot", "username")
	room := flag.String("room", "", "room id to join; empty picks the first open room")
	laps := flag.Int("laps", 3, "laps to drive")
	lap := flag.Duration("lap", 5*time.Second, "time per lap")
	vehicle := flag.Int("vehicle", 0, "vehicle index")
	level := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	if v := os.Getenv("RACE_SERVER_URL"); v != "" {
		*url = v
	}

	log, err := logging.New(*level, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := &bot{
		name:    *name,
		roomID:  *room,
		laps:    max(*laps, 1),
		lap:     *lap,
		vehicle: *vehicle,
		log:     log,
	}
	if err := b.run(ctx, *url); err != nil && ctx.Err() == nil {
		log.Fatal("bot stopped", zap.Error(err))
	}
}

type bot struct {
	name    string
	roomID  string
	laps    int
	lap     time.Duration
	vehicle int
	log     *zap.Logger

	c        *client.Client
	tracker  *reconcile.Tracker
	starting bool
}

func (b *bot) run(ctx context.Context, url string) error {
	c, err := client.Dial(ctx, url, client.Options{Logger: b.log})
	if err != nil {
		return err
	}
	defer c.Close()
	b.c = c
	b.tracker = reconcile.NewTracker(c.PlayerID())
	b.log = b.log.With(zap.Int32("player", int32(c.PlayerID())))

	if err := b.enter(ctx); err != nil {
		return err
	}
	if err := c.SetSelection(ctx, b.roomID, -1, b.vehicle); err != nil {
		return err
	}
	if err := c.SetReady(ctx, b.roomID, true); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case pkt, ok := <-c.GameStates():
				if !ok {
					return nil
				}
				b.tracker.Apply(pkt)
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		defer c.Close()
		return b.events(gctx, g)
	})
	return g.Wait()
}

// enter joins the requested room, else the first waiting room with space,
// else creates a new one.
func (b *bot) enter(ctx context.Context) error {
	if b.roomID == "" {
		rooms, err := b.c.ListRooms(ctx)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			if r.Phase == types.PhaseWaiting && len(r.Players) < r.MaxPlayers {
				b.roomID = r.RoomID
				break
			}
		}
	}

	if b.roomID != "" {
		resp, err := b.c.JoinRoom(ctx, b.roomID, b.name)
		if err == nil {
			b.log.Info("joined room", zap.String("room", b.roomID), zap.Int("players", len(resp.State.Players)))
			return nil
		}
		b.log.Warn("join failed, creating a room", zap.String("room", b.roomID), zap.Error(err))
	}

	resp, err := b.c.CreateRoom(ctx, b.name+"'s room", b.name, 4)
	if err != nil {
		return err
	}
	b.roomID = resp.RoomID
	b.log.Info("created room", zap.String("room", b.roomID))
	return nil
}

func (b *bot) events(ctx context.Context, g *errgroup.Group) error {
	for {
		var env types.Envelope
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-b.c.Events():
			if !ok {
				return client.ErrClosed
			}
			env = e
		}

		switch env.Type {
		case types.MsgRoomState:
			var pkt types.RoomStatePacket
			if env.Decode(&pkt) == nil {
				b.maybeStart(ctx, pkt.State)
			}

		case types.MsgRaceStart:
			var pkt types.RaceStartPacket
			if err := env.Decode(&pkt); err != nil {
				return err
			}
			b.log.Info("race starting", zap.Int("countdown", pkt.CountdownSeconds), zap.Int("track", pkt.TrackIndex))
			b.tracker.Reset()
			g.Go(func() error { return b.drive(ctx, pkt) })

		case types.MsgCountdownStart:
			var pkt types.CountdownStartPacket
			if env.Decode(&pkt) == nil {
				b.log.Info("first finisher", zap.String("username", pkt.FirstPlaceUsername),
					zap.Float64("time", pkt.FirstPlaceTime), zap.Int("remaining", pkt.RemainingSeconds))
			}

		case types.MsgRaceResults:
			var pkt types.RaceResultsPacket
			if err := env.Decode(&pkt); err != nil {
				return err
			}
			for _, r := range pkt.Results {
				b.log.Info("result", zap.Int("rank", r.Rank), zap.String("username", r.Username),
					zap.Float64("time", r.TotalTime), zap.Bool("dnf", r.Failed))
			}
			return nil

		case types.MsgChat:
			var m types.ChatMessage
			if env.Decode(&m) == nil {
				b.log.Info("chat", zap.String("from", m.Sender), zap.String("text", m.Text))
			}

		case types.MsgError:
			var e types.ErrorResponse
			if env.Decode(&e) == nil {
				b.log.Warn("server error", zap.String("code", e.Code), zap.String("message", e.Message))
				b.starting = false
			}
		}
	}
}

// maybeStart starts the race once the bot hosts a room where everyone is ready.
func (b *bot) maybeStart(ctx context.Context, st types.RoomState) {
	if st.HostID != b.c.PlayerID() || st.Phase != types.PhaseWaiting || len(st.Players) < 2 {
		return
	}
	for _, p := range st.Players {
		if !p.Ready {
			return
		}
	}
	if b.starting {
		return
	}
	b.starting = true
	if err := b.c.StartRace(ctx, b.roomID, 3, -1); err != nil {
		b.log.Warn("start race", zap.Error(err))
		b.starting = false
	}
}

const frame = time.Second / 30
const radius = 20.0

// drive sends 30 snapshots a second until the configured laps are done.
func (b *bot) drive(ctx context.Context, pkt types.RaceStartPacket) error {
	start := time.UnixMilli(pkt.StartTimeMillis)
	select {
	case <-time.After(time.Until(start)):
	case <-ctx.Done():
		return nil
	}

	omega := 2 * math.Pi / b.lap.Seconds()
	ticker := time.NewTicker(frame)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			poses := b.tracker.Advance(now.Sub(last))
			last = now

			elapsed := now.Sub(start)
			if elapsed >= time.Duration(b.laps)*b.lap {
				return b.finish(ctx, elapsed)
			}
			theta := omega * elapsed.Seconds()
			st := types.PlayerState{
				X:               radius * math.Cos(theta),
				Y:               radius * math.Sin(theta),
				Rotation:        theta + math.Pi/2,
				VelocityX:       -radius * omega * math.Sin(theta),
				VelocityY:       radius * omega * math.Cos(theta),
				AngularVelocity: omega,
				CurrentLap:      int(elapsed/b.lap) + 1,
				LapTime:         (elapsed % b.lap).Seconds(),
				VehicleIndex:    b.vehicle,
			}
			if err := b.c.SendState(ctx, b.roomID, st); err != nil {
				return err
			}
			if ce := b.log.Check(zap.DebugLevel, "frame"); ce != nil {
				ce.Write(zap.Int("rivals", len(poses)), zap.Int("lap", st.CurrentLap))
			}
		}
	}
}

func (b *bot) finish(ctx context.Context, elapsed time.Duration) error {
	lapTimes := make([]float64, b.laps)
	for i := range lapTimes {
		lapTimes[i] = b.lap.Seconds()
	}
	b.log.Info("finished", zap.Duration("total", elapsed))
	return b.c.ReportFinish(ctx, b.roomID, elapsed.Seconds(), lapTimes)
}
