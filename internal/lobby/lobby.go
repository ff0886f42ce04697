package lobby

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/race-lobby-backend/internal/engine"
	"github.com/DoyleJ11/race-lobby-backend/internal/session"
	"github.com/DoyleJ11/race-lobby-backend/pkg/types"
)

type Options struct {
	// FinishCountdown is how many steps pass between the first finish and
	// the results.
	FinishCountdown int
	// CountdownStep is the length of one countdown step. One second in
	// production.
	CountdownStep time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	// OnEmpty runs on the lobby goroutine once the last player has left.
	OnEmpty func(roomID string)
}

func (o Options) withDefaults() Options {
	if o.FinishCountdown <= 0 {
		o.FinishCountdown = engine.FinishCountdownSeconds
	}
	if o.CountdownStep <= 0 {
		o.CountdownStep = time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Lobby struct {
	id     string
	inbox  chan Msg
	state  engine.State
	peers  map[types.PlayerID]session.Peer
	opts   Options
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	gen    int
	timers []*time.Timer
	empty  bool

	// Read without entering the inbox.
	view      atomic.Pointer[types.RoomState]
	members   atomic.Pointer[[]types.PlayerID]
	snapshots sync.Map // types.PlayerID -> *types.PlayerState
}

func NewLobby(parent context.Context, initial engine.State, opts Options) *Lobby {
	ctx, cancel := context.WithCancel(parent)
	opts = opts.withDefaults()

	l := &Lobby{
		id:     initial.RoomID,
		inbox:  make(chan Msg, 64),
		state:  initial,
		peers:  make(map[types.PlayerID]session.Peer),
		opts:   opts,
		log:    opts.Logger.Named("lobby").With(zap.String("room", initial.RoomID)),
		ctx:    ctx,
		cancel: cancel,
	}
	l.publish()

	go l.loop()
	return l
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				msg.Reply <- l.join(msg)

			case Leave:
				err := l.leave(msg.PlayerID)
				if msg.Reply != nil {
					msg.Reply <- err
				}

			case SetReady:
				l.apply(engine.Command{Type: engine.CmdSetReady, PlayerID: msg.PlayerID, Ready: msg.Ready})

			case Select:
				l.apply(engine.Command{
					Type:         engine.CmdSelect,
					PlayerID:     msg.PlayerID,
					TrackIndex:   msg.TrackIndex,
					VehicleIndex: msg.VehicleIndex,
				})

			case StartRace:
				msg.Reply <- l.apply(engine.Command{
					Type:             engine.CmdStartRace,
					PlayerID:         msg.PlayerID,
					CountdownSeconds: msg.CountdownSeconds,
					TrackIndex:       msg.TrackIndex,
				})

			case ReportFinish:
				msg.Reply <- l.apply(engine.Command{
					Type:      engine.CmdReportFinish,
					PlayerID:  msg.PlayerID,
					TotalTime: msg.TotalTime,
					LapTimes:  msg.LapTimes,
				})

			case Chat:
				msg.Reply <- l.chat(msg)

			case GetState:
				// test-only: reflect internal state without data races
				msg.Reply <- View{State: l.state.Clone(), NumPeers: len(l.peers), Timers: len(l.timers)}

			case raceBegin:
				if msg.gen == l.gen {
					l.apply(engine.Command{Type: engine.CmdBeginRace})
				}

			case countdownTick:
				if msg.gen == l.gen && l.state.Phase == types.PhaseRunning {
					l.broadcast(types.MsgCountdownUpdate, types.CountdownUpdatePacket{RemainingSeconds: msg.remaining})
				}

			case finalize:
				if msg.gen == l.gen {
					l.finalize()
				}

			case Shutdown:
				l.shutdown()
				return
			}

			if l.empty {
				l.teardown()
				return
			}
		}
	}
}

func (l *Lobby) join(msg Join) JoinResult {
	id := msg.Peer.PlayerID()
	events, err := l.commit(engine.Command{Type: engine.CmdJoin, PlayerID: id, Username: msg.Username})
	if err != nil {
		return JoinResult{Err: err}
	}
	l.peers[id] = msg.Peer
	l.publish()
	if len(events) > 0 {
		l.broadcastRoom()
	}

	view := l.state.View()
	self := types.PlayerInfo{PlayerID: id}
	for _, p := range view.Players {
		if p.PlayerID == id {
			self = p
		}
	}
	return JoinResult{Self: self, State: view}
}

func (l *Lobby) leave(id types.PlayerID) error {
	if _, err := l.commit(engine.Command{Type: engine.CmdLeave, PlayerID: id}); err != nil {
		return err
	}
	delete(l.peers, id)
	l.snapshots.Delete(id)
	l.publish()
	if len(l.state.Players) == 0 {
		l.empty = true
		return nil
	}
	l.broadcastRoom()
	return nil
}

func (l *Lobby) chat(msg Chat) error {
	p, ok := l.state.Players[msg.PlayerID]
	if !ok {
		return engine.ErrNotInRoom
	}
	text := sanitizeChat(msg.Text)
	if text == "" || l.state.Phase == types.PhaseFinished {
		return nil
	}
	l.broadcast(types.MsgChat, types.ChatMessage{
		RoomID: l.state.RoomID,
		Sender: p.Username,
		Text:   text,
		TS:     l.opts.Clock().UnixMilli(),
	})
	return nil
}

// apply runs cmd and performs the side effects of its events. Errors the
// caller should never see come back as nil.
func (l *Lobby) apply(cmd engine.Command) error {
	events, err := l.commit(cmd)
	if err != nil {
		if engine.Silent(err) {
			l.log.Debug("command ignored", zap.String("cmd", string(cmd.Type)), zap.Int32("player", int32(cmd.PlayerID)), zap.Error(err))
			return nil
		}
		return err
	}

	for _, ev := range events {
		switch ev.Type {
		case engine.EvtRaceStarting:
			l.startCountdown(ev)
		case engine.EvtFirstFinish:
			l.startFinishCountdown(ev)
		}
	}

	switch {
	case engine.ContainsEvent(events, engine.EvtFinishRecorded):
		// finishing does not change the room snapshot
	case len(events) > 0:
		l.broadcastRoom()
	}
	return nil
}

func (l *Lobby) commit(cmd engine.Command) ([]engine.Event, error) {
	events, next, err := engine.Apply(l.state, cmd)
	if err != nil {
		return nil, err
	}
	l.state = next
	l.publish()
	return events, nil
}

func (l *Lobby) startCountdown(ev engine.Event) {
	l.gen++
	gen := l.gen
	wait := time.Duration(ev.CountdownSeconds) * l.opts.CountdownStep

	start := types.RaceStartPacket{
		CountdownSeconds: ev.CountdownSeconds,
		StartTimeMillis:  l.opts.Clock().Add(wait).UnixMilli(),
		TrackIndex:       ev.TrackIndex,
		PlayerIDs:        make([]types.PlayerID, 0, len(l.state.Racers)),
		VehicleIndices:   make([]int, 0, len(l.state.Racers)),
	}
	for _, r := range l.state.Racers {
		start.PlayerIDs = append(start.PlayerIDs, r.ID)
		start.VehicleIndices = append(start.VehicleIndices, r.VehicleIndex)
	}
	l.broadcast(types.MsgRaceStart, start)
	l.log.Info("race starting", zap.Int("countdown", ev.CountdownSeconds), zap.Int("track", ev.TrackIndex), zap.Int("racers", len(start.PlayerIDs)))

	l.schedule(wait, raceBegin{gen: gen})
}

func (l *Lobby) startFinishCountdown(ev engine.Event) {
	n := l.opts.FinishCountdown
	gen := l.gen

	username := ""
	if r, ok := l.state.Racer(ev.PlayerID); ok {
		username = r.Username
	}
	l.broadcast(types.MsgCountdownStart, types.CountdownStartPacket{
		FirstPlacePlayerID: ev.PlayerID,
		FirstPlaceUsername: username,
		FirstPlaceTime:     ev.TotalTime,
		RemainingSeconds:   n,
	})
	l.log.Info("first finish", zap.Int32("player", int32(ev.PlayerID)), zap.Float64("time", ev.TotalTime))

	for i := 1; i < n; i++ {
		l.schedule(time.Duration(i)*l.opts.CountdownStep, countdownTick{gen: gen, remaining: n - i})
	}
	l.schedule(time.Duration(n)*l.opts.CountdownStep, finalize{gen: gen})
}

func (l *Lobby) finalize() {
	results, next, err := engine.Finalize(l.state)
	if err != nil {
		l.log.Debug("finalize skipped", zap.Error(err))
		return
	}
	l.state = next
	l.publish()
	l.snapshots.Clear()
	l.stopTimers()

	l.broadcast(types.MsgRaceResults, results)
	l.broadcastRoom()
	l.log.Info("race finished", zap.Int("finishers", len(results.Results)-len(results.FailedPlayerIDs)), zap.Int("dnf", len(results.FailedPlayerIDs)))
}

// schedule posts msg back into the inbox after d. Fires after teardown are
// dropped.
func (l *Lobby) schedule(d time.Duration, msg Msg) {
	t := time.AfterFunc(d, func() {
		select {
		case l.inbox <- msg:
		case <-l.ctx.Done():
		}
	})
	l.timers = append(l.timers, t)
}

func (l *Lobby) stopTimers() {
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = nil
}

func (l *Lobby) teardown() {
	l.log.Info("room emptied")
	if l.opts.OnEmpty != nil {
		l.opts.OnEmpty(l.id)
	}
	l.shutdown()
}

func (l *Lobby) shutdown() {
	l.stopTimers()
	l.snapshots.Clear()
	clear(l.peers)
	l.cancel()
}

func (l *Lobby) broadcastRoom() {
	l.broadcast(types.MsgRoomState, types.RoomStatePacket{State: l.state.View()})
}

func (l *Lobby) broadcast(t types.MessageType, payload any) {
	frame, err := types.Marshal(t, payload)
	if err != nil {
		l.log.Error("encode broadcast", zap.String("type", string(t)), zap.Error(err))
		return
	}
	for id, p := range l.peers {
		if !p.Send(frame) {
			// Client is slow/full - drop them. The connection's cleanup
			// path removes it from the roster.
			l.log.Warn("dropping slow peer", zap.Int32("player", int32(id)))
			p.Close("slow consumer")
		}
	}
}

func (l *Lobby) publish() {
	v := l.state.View()
	l.view.Store(&v)
	ids := slices.Clone(l.state.Order)
	slices.Sort(ids)
	l.members.Store(&ids)
}

func (l *Lobby) ID() string { return l.id }

// Done is closed once the lobby goroutine has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }
