package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/orchestrator"
)

// stubGame is a scripted game.Game. It ends when a player sends "end" or when
// a single participant is left after eliminations.
type stubGame struct {
	mu         sync.Mutex
	players    []game.PlayerID
	tickTimes  []time.Time
	eliminated []game.PlayerID
	events     []game.Event
	dirty      bool
	over       bool
	winner     *game.PlayerID
	failAt     int
	panicAt    int
}

func (g *stubGame) Advance() (game.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tickTimes = append(g.tickTimes, time.Now())
	n := len(g.tickTimes)
	if g.panicAt > 0 && n == g.panicAt {
		panic("stub tick panic")
	}
	if g.failAt > 0 && n == g.failAt {
		return game.Status{}, errors.New("stub tick failure")
	}
	st := game.Status{Changed: g.dirty, Winner: g.winner, Fields: map[string]any{"tick": n}}
	g.dirty = false
	return st, nil
}

func (g *stubGame) IsOver() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.over
}

func (g *stubGame) Winner() (game.PlayerID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.winner == nil {
		return "", false
	}
	return *g.winner, true
}

func (g *stubGame) Eliminate(p game.PlayerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.eliminated = append(g.eliminated, p)
	var left []game.PlayerID
	for _, q := range g.players {
		if !slices.Contains(g.eliminated, q) {
			left = append(left, q)
		}
	}
	if len(left) == 1 {
		g.over, g.dirty = true, true
		g.winner = &left[0]
	}
}

func (g *stubGame) ValidEvents() []string {
	return []string{"end", "boom", "noop", "fail"}
}

func (g *stubGame) HandleEvent(p game.PlayerID, ev game.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, ev)
	switch ev.Name {
	case "end":
		g.over, g.dirty = true, true
		g.winner = &p
	case "boom":
		panic("stub event panic")
	case "fail":
		return errors.New("stub event failure")
	}
	return nil
}

func (g *stubGame) StartupStatus() map[string]any {
	return map[string]any{"players": len(g.players)}
}

func (g *stubGame) ticks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tickTimes)
}

func (g *stubGame) snapshot() (eliminated []game.PlayerID, events []game.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.eliminated), slices.Clone(g.events)
}

// stubFactory builds stubGames and remembers them in creation order.
type stubFactory struct {
	mu      sync.Mutex
	games   []*stubGame
	failAt  int
	panicAt int
	err     error
}

func (f *stubFactory) New(_ game.SessionID, players []game.PlayerID, _ map[string]any) (game.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	g := &stubGame{players: players, failAt: f.failAt, panicAt: f.panicAt}
	f.games = append(f.games, g)
	return g, nil
}

func (f *stubFactory) game(t *testing.T, i int) *stubGame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.games), i, "game %d was not constructed", i)
	return f.games[i]
}

// recorder is an Observer that collects lifecycle notifications.
type recorder struct {
	mu      sync.Mutex
	started []orchestrator.SessionInfo
	ended   chan orchestrator.SessionResult
}

func newRecorder() *recorder {
	return &recorder{ended: make(chan orchestrator.SessionResult, 64)}
}

func (r *recorder) SessionStarted(_ context.Context, info orchestrator.SessionInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, info)
}

func (r *recorder) SessionEnded(_ context.Context, result orchestrator.SessionResult) {
	r.ended <- result
}

func (r *recorder) next(t *testing.T) orchestrator.SessionResult {
	t.Helper()
	select {
	case res := <-r.ended:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("no session ended")
		return orchestrator.SessionResult{}
	}
}

func queueType(name string, batch, tps int, ctor game.Constructor) game.QueueType {
	return game.QueueType{Name: name, BatchSize: batch, TicksPerSecond: tps, New: ctor}
}

// newManager builds a Manager over queues and stops it when the test ends.
func newManager(t *testing.T, logger *zap.Logger, queues []game.QueueType, opts ...orchestrator.Option) *orchestrator.Manager {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	catalog := game.NewCatalog()
	for _, qt := range queues {
		require.NoError(t, catalog.Register(qt))
	}
	m := orchestrator.NewManager(catalog, logger, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.SafeStop(ctx)
	})
	return m
}

// connect registers id with a fresh mailbox.
func connect(t *testing.T, m *orchestrator.Manager, id game.PlayerID) *orchestrator.Mailbox {
	t.Helper()
	mb := orchestrator.NewMailbox(string(id), 256)
	_, err := m.Connect(id, mb)
	require.NoError(t, err)
	return mb
}

// recv decodes the next payload delivered to mb.
func recv(t *testing.T, mb *orchestrator.Mailbox) map[string]any {
	t.Helper()
	select {
	case data, ok := <-mb.Messages():
		require.True(t, ok, "mailbox closed")
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(3 * time.Second):
		t.Fatalf("no payload delivered to %s", mb.ID())
		return nil
	}
}

// recvUntil discards payloads until one satisfies match.
func recvUntil(t *testing.T, mb *orchestrator.Mailbox, match func(map[string]any) bool) map[string]any {
	t.Helper()
	for {
		msg := recv(t, mb)
		if match(msg) {
			return msg
		}
	}
}

func isError(msg map[string]any) bool {
	_, ok := msg["error"]
	return ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond)
}
