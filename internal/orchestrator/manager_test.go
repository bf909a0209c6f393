package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/game/duel"
	"github.com/cory-johannsen/arena/internal/orchestrator"
)

var hexToken = regexp.MustCompile(`^[0-9a-f]+$`)

func TestConnect_IssuesVerifiableToken(t *testing.T) {
	m := newManager(t, nil, nil)
	token, err := m.Connect("p1", orchestrator.NewMailbox("p1", 1))
	require.NoError(t, err)
	assert.Len(t, token, orchestrator.DefaultTokenLength)
	assert.Regexp(t, hexToken, token)

	assert.NoError(t, m.Authenticate("p1", token))
	assert.ErrorIs(t, m.Authenticate("p1", token+"0"), orchestrator.ErrInvalidToken)
	assert.ErrorIs(t, m.Authenticate("ghost", token), orchestrator.ErrNotRegistered)

	info, ok := m.Player("p1")
	require.True(t, ok)
	assert.True(t, info.Alive)
	assert.Empty(t, info.Queue)
	assert.Zero(t, info.SessionID)
}

func TestConnect_DuplicateIdentity(t *testing.T) {
	m := newManager(t, nil, nil)
	connect(t, m, "p1")
	_, err := m.Connect("p1", orchestrator.NewMailbox("p1", 1))
	assert.ErrorIs(t, err, orchestrator.ErrAlreadyRegistered)
	assert.Equal(t, 1, m.PlayerCount())
}

func TestConnect_NilConnRejected(t *testing.T) {
	m := newManager(t, nil, nil)
	_, err := m.Connect("p1", nil)
	assert.Error(t, err)
	assert.Zero(t, m.PlayerCount())
}

func TestWithTokenLength_PanicsOnInvalidLength(t *testing.T) {
	assert.Panics(t, func() { orchestrator.WithTokenLength(0) })
	assert.Panics(t, func() { orchestrator.WithTokenLength(7) })
	assert.NotPanics(t, func() { orchestrator.WithTokenLength(8) })
}

func TestProperty_TokensHaveConfiguredLength(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(rt, "half") * 2
		m := orchestrator.NewManager(game.NewCatalog(), zap.NewNop(), orchestrator.WithTokenLength(n))
		a, err := m.Connect("a", orchestrator.NewMailbox("a", 1))
		require.NoError(rt, err)
		b, err := m.Connect("b", orchestrator.NewMailbox("b", 1))
		require.NoError(rt, err)
		assert.Len(rt, a, n)
		assert.Regexp(rt, hexToken, a)
		if n >= 16 {
			assert.NotEqual(rt, a, b)
		}
	})
}

func TestJoinQueue_Errors(t *testing.T) {
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{
		queueType("solo", 1, 50, f.New),
		queueType("pair", 2, 50, f.New),
	})

	err := m.JoinQueue("ghost", "pair")
	assert.ErrorIs(t, err, orchestrator.ErrNotRegistered)

	connect(t, m, "p1")
	err = m.JoinQueue("p1", "nope")
	require.ErrorIs(t, err, orchestrator.ErrInvalidQueue)
	assert.Contains(t, err.Error(), "pair, solo")

	require.NoError(t, m.JoinQueue("p1", "solo"))
	assert.ErrorIs(t, m.JoinQueue("p1", "pair"), orchestrator.ErrInGame)
}

func TestJoinQueue_InvalidQueueCheckedBeforeRegistration(t *testing.T) {
	m := newManager(t, nil, nil)
	assert.ErrorIs(t, m.JoinQueue("ghost", "nope"), orchestrator.ErrInvalidQueue)
}

func TestJoinQueue_DrainsOldestFirst(t *testing.T) {
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{queueType("trio", 3, 50, f.New)})

	ids := []game.PlayerID{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}
	for _, id := range ids {
		connect(t, m, id)
		require.NoError(t, m.JoinQueue(id, "trio"))
	}

	sessions := m.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, game.SessionID(1), sessions[0].ID)
	assert.Equal(t, ids[0:3], sessions[0].Players)
	assert.Equal(t, game.SessionID(2), sessions[1].ID)
	assert.Equal(t, ids[3:6], sessions[1].Players)
	assert.Equal(t, 1, m.QueueLength("trio"))

	info, _ := m.Player("p6")
	assert.Equal(t, "trio", info.Queue)
	info, _ = m.Player("p4")
	assert.Empty(t, info.Queue)
	assert.Equal(t, game.SessionID(2), info.SessionID)
}

func TestProperty_QueueDrainsInBatches(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		batch := rapid.IntRange(1, 4).Draw(rt, "batch")
		n := rapid.IntRange(0, 12).Draw(rt, "players")

		f := &stubFactory{}
		catalog := game.NewCatalog()
		require.NoError(rt, catalog.Register(queueType("q", batch, 1000, f.New)))
		m := orchestrator.NewManager(catalog, zap.NewNop())
		defer func() { _ = m.SafeStop(context.Background()) }()

		ids := make([]game.PlayerID, n)
		for i := range ids {
			ids[i] = game.PlayerID(fmt.Sprintf("p%02d", i))
			_, err := m.Connect(ids[i], orchestrator.NewMailbox(string(ids[i]), 16))
			require.NoError(rt, err)
			require.NoError(rt, m.JoinQueue(ids[i], "q"))
		}

		sessions := m.Sessions()
		require.Len(rt, sessions, n/batch)
		for i, s := range sessions {
			assert.Equal(rt, ids[i*batch:(i+1)*batch], s.Players)
		}
		assert.Equal(rt, n%batch, m.QueueLength("q"))
	})
}

func TestJoinQueue_ConcurrentAdmission(t *testing.T) {
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{queueType("quad", 4, 50, f.New)})

	const players = 40
	var wg sync.WaitGroup
	for i := range players {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := game.PlayerID(fmt.Sprintf("p%02d", i))
			if _, err := m.Connect(id, orchestrator.NewMailbox(string(id), 16)); err != nil {
				t.Error(err)
				return
			}
			if err := m.JoinQueue(id, "quad"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	sessions := m.Sessions()
	require.Len(t, sessions, players/4)
	seen := make(map[game.PlayerID]bool)
	for _, s := range sessions {
		require.Len(t, s.Players, 4)
		for _, p := range s.Players {
			assert.False(t, seen[p], "player %s in two sessions", p)
			seen[p] = true
		}
	}
	assert.Len(t, seen, players)
	assert.Zero(t, m.QueueLength("quad"))
}

func TestJoinQueue_SwitchesQueues(t *testing.T) {
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{
		queueType("a", 2, 50, f.New),
		queueType("b", 2, 50, f.New),
	})
	connect(t, m, "p1")

	require.NoError(t, m.JoinQueue("p1", "a"))
	require.NoError(t, m.JoinQueue("p1", "b"))
	assert.Zero(t, m.QueueLength("a"))
	assert.Equal(t, 1, m.QueueLength("b"))

	info, _ := m.Player("p1")
	assert.Equal(t, "b", info.Queue)
}

func TestLeaveQueue(t *testing.T) {
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 50, f.New)})
	connect(t, m, "p1")

	assert.ErrorIs(t, m.LeaveQueue("p1"), orchestrator.ErrNotInQueue)
	assert.ErrorIs(t, m.LeaveQueue("ghost"), orchestrator.ErrNotRegistered)

	require.NoError(t, m.JoinQueue("p1", "pair"))
	require.NoError(t, m.LeaveQueue("p1"))
	assert.Zero(t, m.QueueLength("pair"))

	connect(t, m, "p2")
	require.NoError(t, m.JoinQueue("p2", "pair"))
	assert.Zero(t, m.SessionCount(), "a player who left must not be batched")
}

func TestDisconnect_WhileQueued(t *testing.T) {
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 50, f.New)})
	connect(t, m, "p1")
	require.NoError(t, m.JoinQueue("p1", "pair"))

	require.NoError(t, m.Disconnect("p1"))
	assert.Zero(t, m.QueueLength("pair"))
	_, ok := m.Player("p1")
	assert.False(t, ok)
	assert.ErrorIs(t, m.Disconnect("p1"), orchestrator.ErrNotRegistered)
}

func TestDisconnect_InGameLeavesZombieUntilCleanup(t *testing.T) {
	f := &stubFactory{}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("trio", 3, 50, f.New)}, orchestrator.WithObserver(rec))
	for _, id := range []game.PlayerID{"p1", "p2", "p3"} {
		connect(t, m, id)
		require.NoError(t, m.JoinQueue(id, "trio"))
	}
	g := f.game(t, 0)

	require.NoError(t, m.Disconnect("p1"))
	waitFor(t, func() bool {
		eliminated, _ := g.snapshot()
		return slices.Contains(eliminated, "p1")
	})

	info, ok := m.Player("p1")
	require.True(t, ok, "zombie must stay registered while its session runs")
	assert.False(t, info.Alive)
	assert.Equal(t, game.SessionID(1), info.SessionID)
	assert.ErrorIs(t, m.JoinQueue("p1", "trio"), orchestrator.ErrInGame)
	require.NoError(t, m.Disconnect("p1"))

	require.NoError(t, m.SendEvent(context.Background(), "p2", game.Event{Name: "end"}))
	res := rec.next(t)
	assert.Equal(t, orchestrator.OutcomeGameOver, res.Outcome)
	require.NotNil(t, res.Winner)
	assert.Equal(t, game.PlayerID("p2"), *res.Winner)

	waitFor(t, func() bool { return m.SessionCount() == 0 })
	_, ok = m.Player("p1")
	assert.False(t, ok, "zombie must be removed by cleanup")
	for _, id := range []game.PlayerID{"p2", "p3"} {
		info, ok := m.Player(id)
		require.True(t, ok)
		assert.Zero(t, info.SessionID)
	}
}

func TestSendEvent_Errors(t *testing.T) {
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{queueType("solo", 1, 50, f.New)})
	ctx := context.Background()

	assert.ErrorIs(t, m.SendEvent(ctx, "ghost", game.Event{Name: "noop"}), orchestrator.ErrNotRegistered)
	connect(t, m, "p1")
	assert.ErrorIs(t, m.SendEvent(ctx, "p1", game.Event{Name: "noop"}), orchestrator.ErrNotInGame)

	require.NoError(t, m.JoinQueue("p1", "solo"))
	err := m.SendEvent(ctx, "p1", game.Event{Name: "dance"})
	require.ErrorIs(t, err, orchestrator.ErrInvalidEvent)
	assert.Contains(t, err.Error(), "end")

	_, events := f.game(t, 0).snapshot()
	assert.Empty(t, events, "an invalid event must not reach the game")

	err = m.SendEvent(ctx, "p1", game.Event{Name: "fail"})
	assert.EqualError(t, err, "stub event failure")
	assert.Equal(t, 1, m.SessionCount(), "a rejected event must not end the session")
}

func TestSendEvent_EndsGameAndBroadcastsWinner(t *testing.T) {
	f := &stubFactory{}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 50, f.New)}, orchestrator.WithObserver(rec))
	mb1 := connect(t, m, "p1")
	mb2 := connect(t, m, "p2")
	require.NoError(t, m.JoinQueue("p1", "pair"))
	require.NoError(t, m.JoinQueue("p2", "pair"))

	for _, mb := range []*orchestrator.Mailbox{mb1, mb2} {
		startup := recv(t, mb)
		assert.Equal(t, "startup_status", startup["cmd"])
		assert.EqualValues(t, 2, startup["players"])
	}

	require.NoError(t, m.SendEvent(context.Background(), "p2", game.Event{Name: "end"}))
	for _, mb := range []*orchestrator.Mailbox{mb1, mb2} {
		msg := recvUntil(t, mb, func(msg map[string]any) bool { return msg["command"] == "status" })
		status := msg["status"].(map[string]any)
		assert.Equal(t, true, status["didsmthhappen"])
		assert.Equal(t, "p2", status["winner"])
	}

	res := rec.next(t)
	assert.Equal(t, orchestrator.OutcomeGameOver, res.Outcome)
	waitFor(t, func() bool { return m.SessionCount() == 0 })
	assert.ErrorIs(t, m.SendEvent(context.Background(), "p1", game.Event{Name: "noop"}), orchestrator.ErrNotInGame)
	assert.NoError(t, m.JoinQueue("p1", "pair"), "players may queue again after the game")
}

func TestTick_QuietTicksAreNotBroadcast(t *testing.T) {
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{queueType("solo", 1, 100, f.New)})
	mb := connect(t, m, "p1")
	require.NoError(t, m.JoinQueue("p1", "solo"))
	assert.Equal(t, "startup_status", recv(t, mb)["cmd"])

	waitFor(t, func() bool { return f.game(t, 0).ticks() >= 5 })
	select {
	case data := <-mb.Messages():
		t.Fatalf("unexpected payload %s", data)
	default:
	}
}

func TestTick_FailureFaultsSession(t *testing.T) {
	f := &stubFactory{failAt: 3}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 100, f.New)}, orchestrator.WithObserver(rec))
	mb1 := connect(t, m, "p1")
	connect(t, m, "p2")
	require.NoError(t, m.JoinQueue("p1", "pair"))
	require.NoError(t, m.JoinQueue("p2", "pair"))

	msg := recvUntil(t, mb1, isError)
	assert.Contains(t, msg["error"], "stub tick failure")

	res := rec.next(t)
	assert.Equal(t, orchestrator.OutcomeFaulted, res.Outcome)
	assert.Equal(t, 2, res.Ticks)
	assert.Contains(t, res.Err, "stub tick failure")
	assert.Nil(t, res.Winner)

	waitFor(t, func() bool { return m.SessionCount() == 0 })
	info, ok := m.Player("p2")
	require.True(t, ok)
	assert.Zero(t, info.SessionID)
}

func TestTick_PanicFaultsSession(t *testing.T) {
	f := &stubFactory{panicAt: 2}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("solo", 1, 100, f.New)}, orchestrator.WithObserver(rec))
	mb := connect(t, m, "p1")
	require.NoError(t, m.JoinQueue("p1", "solo"))

	msg := recvUntil(t, mb, isError)
	assert.Contains(t, msg["error"], "stub tick panic")
	assert.Equal(t, orchestrator.OutcomeFaulted, rec.next(t).Outcome)
	assert.True(t, m.Running(), "a faulted session must not stop the manager")
}

func TestSendEvent_HandlerPanicFaultsSession(t *testing.T) {
	f := &stubFactory{}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("solo", 1, 50, f.New)}, orchestrator.WithObserver(rec))
	mb := connect(t, m, "p1")
	require.NoError(t, m.JoinQueue("p1", "solo"))

	err := m.SendEvent(context.Background(), "p1", game.Event{Name: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stub event panic")

	recvUntil(t, mb, isError)
	assert.Equal(t, orchestrator.OutcomeFaulted, rec.next(t).Outcome)
}

// brittleGame panics while the loop decides whether it is over, and again
// when it is closed.
type brittleGame struct {
	*stubGame
}

func (g *brittleGame) IsOver() bool { panic("game over check blew up") }

func (g *brittleGame) Close() error { panic("close blew up") }

func TestTick_GameOverCheckPanicFaultsSession(t *testing.T) {
	ctor := func(_ game.SessionID, players []game.PlayerID, _ map[string]any) (game.Game, error) {
		return &brittleGame{stubGame: &stubGame{players: players}}, nil
	}
	f := &stubFactory{}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{
		queueType("brittle", 1, 100, ctor),
		queueType("solo", 1, 50, f.New),
	}, orchestrator.WithObserver(rec))

	connect(t, m, "steady")
	require.NoError(t, m.JoinQueue("steady", "solo"))
	mb := connect(t, m, "p1")
	require.NoError(t, m.JoinQueue("p1", "brittle"))

	msg := recvUntil(t, mb, isError)
	assert.Contains(t, msg["error"], "game over check blew up")
	res := rec.next(t)
	assert.Equal(t, orchestrator.OutcomeFaulted, res.Outcome)
	assert.Contains(t, res.Err, "game over check blew up")

	assert.True(t, m.Running())
	waitFor(t, func() bool { return m.SessionCount() == 1 })
	info, ok := m.Player("p1")
	require.True(t, ok)
	assert.Zero(t, info.SessionID)

	require.NoError(t, m.SendEvent(context.Background(), "steady", game.Event{Name: "end"}),
		"other sessions keep running")
	assert.Equal(t, orchestrator.OutcomeGameOver, rec.next(t).Outcome)
}

// panickyObserver panics on every notification.
type panickyObserver struct{}

func (panickyObserver) SessionStarted(context.Context, orchestrator.SessionInfo) {
	panic("started observer blew up")
}

func (panickyObserver) SessionEnded(context.Context, orchestrator.SessionResult) {
	panic("ended observer blew up")
}

func TestObserver_PanicIsContained(t *testing.T) {
	f := &stubFactory{}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("solo", 1, 50, f.New)},
		orchestrator.WithObserver(panickyObserver{}),
		orchestrator.WithObserver(rec),
	)
	mb := connect(t, m, "p1")
	require.NoError(t, m.JoinQueue("p1", "solo"))
	assert.Equal(t, "startup_status", recv(t, mb)["cmd"])

	require.NoError(t, m.SendEvent(context.Background(), "p1", game.Event{Name: "end"}))
	assert.Equal(t, orchestrator.OutcomeGameOver, rec.next(t).Outcome)
	waitFor(t, func() bool { return m.SessionCount() == 0 })
	assert.True(t, m.Running())
}

// chattyGame reports a change on every tick.
type chattyGame struct {
	*stubGame
}

func (g *chattyGame) Advance() (game.Status, error) {
	st, err := g.stubGame.Advance()
	st.Changed = true
	return st, err
}

// deadConn rejects every payload.
type deadConn struct {
	mu    sync.Mutex
	calls int
}

func (c *deadConn) Send([]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return errors.New("connection reset by peer")
}

func (c *deadConn) attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestTick_FailedDeliveryDoesNotAbortTick(t *testing.T) {
	var g *chattyGame
	ctor := func(_ game.SessionID, players []game.PlayerID, _ map[string]any) (game.Game, error) {
		g = &chattyGame{stubGame: &stubGame{players: players}}
		return g, nil
	}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 100, ctor)}, orchestrator.WithObserver(rec))

	dead := &deadConn{}
	_, err := m.Connect("gone", dead)
	require.NoError(t, err)
	live := connect(t, m, "live")

	require.NoError(t, m.JoinQueue("gone", "pair"))
	require.NoError(t, m.JoinQueue("live", "pair"))

	assert.Equal(t, "startup_status", recv(t, live)["cmd"])
	for range 3 {
		assert.Equal(t, "status", recv(t, live)["command"])
	}
	waitFor(t, func() bool { return dead.attempts() >= 4 })
	waitFor(t, func() bool { return g.ticks() >= 4 })

	require.NoError(t, m.SendEvent(context.Background(), "live", game.Event{Name: "end"}))
	res := rec.next(t)
	assert.Equal(t, orchestrator.OutcomeGameOver, res.Outcome)
	assert.Empty(t, res.Err)
}

func TestTick_FullMailboxDoesNotAbortTick(t *testing.T) {
	f := &stubFactory{}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 100, f.New)}, orchestrator.WithObserver(rec))

	stuffed := orchestrator.NewMailbox("stuffed", 1)
	_, err := m.Connect("stuffed", stuffed)
	require.NoError(t, err)
	live := connect(t, m, "live")
	require.NoError(t, m.JoinQueue("stuffed", "pair"))
	require.NoError(t, m.JoinQueue("live", "pair"))

	// The startup payload fills the one-slot mailbox; every later send fails.
	assert.Equal(t, "startup_status", recv(t, live)["cmd"])
	require.NoError(t, m.SendEvent(context.Background(), "live", game.Event{Name: "noop"}))
	waitFor(t, func() bool { return f.game(t, 0).ticks() >= 3 })

	require.NoError(t, m.SendEvent(context.Background(), "live", game.Event{Name: "end"}))
	msg := recvUntil(t, live, func(msg map[string]any) bool { return msg["command"] == "status" })
	assert.Equal(t, "live", msg["status"].(map[string]any)["winner"])
	assert.Equal(t, orchestrator.OutcomeGameOver, rec.next(t).Outcome)
	assert.Len(t, stuffed.Messages(), 1)
}

func TestJoinQueue_ConstructorFailureReleasesPlayers(t *testing.T) {
	boom := errors.New("no arena available")
	f := &stubFactory{err: boom}
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 50, f.New)})
	mb1 := connect(t, m, "p1")
	mb2 := connect(t, m, "p2")
	require.NoError(t, m.JoinQueue("p1", "pair"))

	err := m.JoinQueue("p2", "pair")
	require.ErrorIs(t, err, boom)

	for _, mb := range []*orchestrator.Mailbox{mb1, mb2} {
		assert.Equal(t, boom.Error(), recv(t, mb)["error"])
	}
	assert.Zero(t, m.QueueLength("pair"))
	assert.Zero(t, m.SessionCount())
	info, _ := m.Player("p1")
	assert.Empty(t, info.Queue)
	assert.Zero(t, info.SessionID)
}

func TestJoinQueue_ConstructorPanicReleasesPlayers(t *testing.T) {
	ctor := func(game.SessionID, []game.PlayerID, map[string]any) (game.Game, error) {
		panic("bad constructor")
	}
	m := newManager(t, nil, []game.QueueType{queueType("solo", 1, 50, ctor)})
	connect(t, m, "p1")

	err := m.JoinQueue("p1", "solo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad constructor")
	info, _ := m.Player("p1")
	assert.Zero(t, info.SessionID)
}

func TestTick_FixedRateWithoutStacking(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{queueType("solo", 1, 20, f.New)})
	connect(t, m, "p1")
	require.NoError(t, m.JoinQueue("p1", "solo"))

	time.Sleep(time.Second)
	g := f.game(t, 0)
	g.mu.Lock()
	times := slices.Clone(g.tickTimes)
	g.mu.Unlock()

	assert.InDelta(t, 20, len(times), 2)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 40*time.Millisecond, "tick %d fired early", i)
	}
}

func TestObserver_SeesStartAndEnd(t *testing.T) {
	f := &stubFactory{}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("solo", 1, 50, f.New)}, orchestrator.WithObserver(rec))
	connect(t, m, "p1")
	require.NoError(t, m.JoinQueue("p1", "solo"))
	require.NoError(t, m.SendEvent(context.Background(), "p1", game.Event{Name: "end"}))

	res := rec.next(t)
	assert.Equal(t, game.SessionID(1), res.ID)
	assert.Equal(t, "solo", res.Queue)
	assert.Equal(t, []game.PlayerID{"p1"}, res.Players)
	assert.Equal(t, 50, res.TicksPerSecond)
	assert.False(t, res.EndedAt.Before(res.StartedAt))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.started, 1)
	assert.Equal(t, res.SessionInfo.ID, rec.started[0].ID)
}

func TestSafeStop_DrainsSessionsAndRegistry(t *testing.T) {
	f := &stubFactory{}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 50, f.New)}, orchestrator.WithObserver(rec))
	for _, id := range []game.PlayerID{"p1", "p2", "p3", "p4", "p5"} {
		connect(t, m, id)
		require.NoError(t, m.JoinQueue(id, "pair"))
	}
	require.Equal(t, 2, m.SessionCount())
	require.Equal(t, 1, m.QueueLength("pair"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.SafeStop(ctx))

	assert.False(t, m.Running())
	assert.Zero(t, m.SessionCount())
	assert.Zero(t, m.PlayerCount())
	assert.Zero(t, m.QueueLength("pair"))
	for range 2 {
		assert.Equal(t, orchestrator.OutcomeStopped, rec.next(t).Outcome)
	}

	_, err := m.Connect("late", orchestrator.NewMailbox("late", 1))
	assert.ErrorIs(t, err, orchestrator.ErrServerStopping)
	assert.ErrorIs(t, m.JoinQueue("p1", "pair"), orchestrator.ErrServerStopping)
	assert.NoError(t, m.SafeStop(ctx), "a second stop only repeats the sweep")
}

// stallGame blocks inside Advance until release is closed.
type stallGame struct {
	*stubGame
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *stallGame) Advance() (game.Status, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.stubGame.Advance()
}

func TestSafeStop_DeadlineStillSweepsPlayers(t *testing.T) {
	g := &stallGame{entered: make(chan struct{}), release: make(chan struct{})}
	ctor := func(_ game.SessionID, players []game.PlayerID, _ map[string]any) (game.Game, error) {
		g.stubGame = &stubGame{players: players}
		return g, nil
	}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 50, ctor)}, orchestrator.WithObserver(rec))
	connect(t, m, "p1")
	connect(t, m, "p2")
	connect(t, m, "idle")
	require.NoError(t, m.JoinQueue("p1", "pair"))
	require.NoError(t, m.JoinQueue("p2", "pair"))
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.SafeStop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, m.PlayerCount(), "the sweep runs after the deadline")
	assert.Equal(t, 1, m.SessionCount())

	close(g.release)
	assert.Equal(t, orchestrator.OutcomeStopped, rec.next(t).Outcome)
	waitFor(t, func() bool { return m.SessionCount() == 0 })
}

func TestJoinQueue_ConstructionDoesNotHoldLock(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := func(_ game.SessionID, players []game.PlayerID, _ map[string]any) (game.Game, error) {
		close(entered)
		<-release
		return &stubGame{players: players}, nil
	}
	f := &stubFactory{}
	m := newManager(t, nil, []game.QueueType{
		queueType("slow", 1, 50, slow),
		queueType("solo", 1, 50, f.New),
	})
	mb := connect(t, m, "p1")

	joined := make(chan error, 1)
	go func() { joined <- m.JoinQueue("p1", "slow") }()
	<-entered

	connect(t, m, "p2")
	require.NoError(t, m.JoinQueue("p2", "solo"))
	assert.ErrorIs(t, m.JoinQueue("p1", "solo"), orchestrator.ErrInGame, "a reserved player is in a game")
	assert.Equal(t, 2, m.SessionCount())

	close(release)
	require.NoError(t, <-joined)
	assert.Equal(t, "startup_status", recv(t, mb)["cmd"])
}

func TestJoinQueue_DisconnectDuringConstruction(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var g *stubGame
	slow := func(_ game.SessionID, players []game.PlayerID, _ map[string]any) (game.Game, error) {
		close(entered)
		<-release
		g = &stubGame{players: players}
		return g, nil
	}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 50, slow)}, orchestrator.WithObserver(rec))
	connect(t, m, "p1")
	mb2 := connect(t, m, "p2")
	require.NoError(t, m.JoinQueue("p1", "pair"))

	joined := make(chan error, 1)
	go func() { joined <- m.JoinQueue("p2", "pair") }()
	<-entered
	require.NoError(t, m.Disconnect("p1"))

	close(release)
	require.NoError(t, <-joined)
	res := rec.next(t)
	assert.Equal(t, orchestrator.OutcomeGameOver, res.Outcome)
	require.NotNil(t, res.Winner)
	assert.Equal(t, game.PlayerID("p2"), *res.Winner)
	assert.Equal(t, "startup_status", recv(t, mb2)["cmd"])

	waitFor(t, func() bool { return m.PlayerCount() == 1 })
	eliminated, _ := g.snapshot()
	assert.Equal(t, []game.PlayerID{"p1"}, eliminated)
}

func TestDisconnect_DoesNotWaitForWorker(t *testing.T) {
	g := &stallGame{entered: make(chan struct{}), release: make(chan struct{})}
	ctor := func(_ game.SessionID, players []game.PlayerID, _ map[string]any) (game.Game, error) {
		g.stubGame = &stubGame{players: players}
		return g, nil
	}
	rec := newRecorder()
	m := newManager(t, nil, []game.QueueType{queueType("pair", 2, 50, ctor)}, orchestrator.WithObserver(rec))
	connect(t, m, "p1")
	connect(t, m, "p2")
	require.NoError(t, m.JoinQueue("p1", "pair"))
	require.NoError(t, m.JoinQueue("p2", "pair"))
	<-g.entered

	done := make(chan error, 1)
	go func() { done <- m.Disconnect("p1") }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Disconnect blocked on a stalled session")
	}
	info, ok := m.Player("p1")
	require.True(t, ok)
	assert.False(t, info.Alive)

	close(g.release)
	res := rec.next(t)
	assert.Equal(t, orchestrator.OutcomeGameOver, res.Outcome)
	require.NotNil(t, res.Winner)
	assert.Equal(t, game.PlayerID("p2"), *res.Winner)
	waitFor(t, func() bool { return m.PlayerCount() == 1 })
}

func TestMailbox_FullAndClosed(t *testing.T) {
	mb := orchestrator.NewMailbox("p1", 1)
	require.NoError(t, mb.Send([]byte("a")))
	assert.Error(t, mb.Send([]byte("b")), "a full mailbox rejects instead of blocking")

	require.NoError(t, mb.Close())
	require.NoError(t, mb.Close())
	assert.True(t, mb.IsClosed())
	assert.Error(t, mb.Send([]byte("c")))

	got, ok := <-mb.Messages()
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), got)
	_, ok = <-mb.Messages()
	assert.False(t, ok)
}

func TestDuel_LastPlayerStandingWins(t *testing.T) {
	rec := newRecorder()
	qt := queueType("duel", 2, 50, duel.New)
	qt.InitParams = func() map[string]any { return map[string]any{"hp": 3} }
	m := newManager(t, nil, []game.QueueType{qt}, orchestrator.WithObserver(rec))

	mb1 := connect(t, m, "alice")
	mb2 := connect(t, m, "bob")
	require.NoError(t, m.JoinQueue("alice", "duel"))
	require.NoError(t, m.JoinQueue("bob", "duel"))

	startup := recv(t, mb2)
	assert.Equal(t, "startup_status", startup["cmd"])
	assert.Equal(t, "duel", startup["game"])
	assert.EqualValues(t, 3, startup["hp"])

	ctx := context.Background()
	assert.ErrorIs(t, m.SendEvent(ctx, "alice", game.Event{Name: "dodge"}), orchestrator.ErrInvalidEvent)
	for range 3 {
		require.NoError(t, m.SendEvent(ctx, "alice", game.Event{Name: duel.EventAttack}))
	}

	for _, mb := range []*orchestrator.Mailbox{mb1, mb2} {
		msg := recvUntil(t, mb, func(msg map[string]any) bool {
			st, ok := msg["status"].(map[string]any)
			return ok && st["winner"] != nil
		})
		assert.Equal(t, "alice", msg["status"].(map[string]any)["winner"])
	}

	res := rec.next(t)
	assert.Equal(t, orchestrator.OutcomeGameOver, res.Outcome)
	require.NotNil(t, res.Winner)
	assert.Equal(t, game.PlayerID("alice"), *res.Winner)

	waitFor(t, func() bool { return m.SessionCount() == 0 })
	for _, id := range []game.PlayerID{"alice", "bob"} {
		assert.ErrorIs(t, m.SendEvent(ctx, id, game.Event{Name: duel.EventAttack}), orchestrator.ErrNotInGame)
	}
	assert.Empty(t, mb1.Messages(), "no payloads after the winner")
	assert.Empty(t, mb2.Messages(), "no payloads after the winner")
}
