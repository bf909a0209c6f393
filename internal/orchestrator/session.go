package orchestrator

import (
	"fmt"
	"io"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

type requestKind int

const (
	requestEvent requestKind = iota
	requestEliminate
)

// request is a game mutation routed to the session worker.
type request struct {
	kind   requestKind
	player game.PlayerID
	event  game.Event
	// reply is buffered (cap 1); nil for eliminations.
	reply chan error
}

// session is one running game. game is set before the worker starts; fields
// below the blank line are owned by the worker goroutine.
type session struct {
	id        game.SessionID
	queue     string
	tps       int
	game      game.Game
	roster    []game.PlayerID
	startedAt time.Time
	inbox     chan request
	// kills holds one slot per participant; a player is eliminated at most once.
	kills chan request
	// done is closed once cleanup has finished.
	done chan struct{}

	ticks   int
	outcome Outcome
	winner  *game.PlayerID
	fault   error
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:             s.id,
		Queue:          s.queue,
		Players:        slices.Clone(s.roster),
		TicksPerSecond: s.tps,
		StartedAt:      s.startedAt,
	}
}

// eliminate queues the removal of player from the game without blocking. The
// worker applies it between ticks, once it is running.
func (s *session) eliminate(player game.PlayerID) {
	select {
	case s.kills <- request{kind: requestEliminate, player: player}:
	case <-s.done:
	}
}

// reserveLocked allocates a session for batch and moves the players from the
// queue into it. The game is not built yet: JoinQueue on a reserved player
// returns ErrInGame and a disconnect is queued for the worker.
//
// Precondition: m.mu is held for writing; batch was drained from qt's queue.
// Postcondition: The session is registered in m.sessions.
func (m *Manager) reserveLocked(qt game.QueueType, batch []game.PlayerID) *session {
	m.lastID++
	s := &session{
		id:        m.lastID,
		queue:     qt.Name,
		tps:       qt.TicksPerSecond,
		roster:    batch,
		startedAt: time.Now(),
		inbox:     make(chan request),
		kills:     make(chan request, len(batch)),
		done:      make(chan struct{}),
	}
	for _, pid := range batch {
		if p, ok := m.players[pid]; ok {
			p.queue = ""
			p.sessionID = s.id
		}
	}
	m.sessions[s.id] = s
	return s
}

// startGame constructs the game of a reserved session without holding the
// manager lock, sends the startup payload and starts the worker.
//
// Precondition: s was returned by reserveLocked and m.mu is not held.
// Postcondition: The worker is scheduled, or the session is released and an
// error is returned.
func (m *Manager) startGame(qt game.QueueType, s *session) error {
	logger := m.logger.With(zap.Uint64("session_id", uint64(s.id)), zap.String("queue", qt.Name))
	logger.Info("starting game", zap.Strings("players", playerStrings(s.roster)))

	g, startup, err := construct(qt, s.id, s.roster)
	if err != nil {
		logger.Error("game construction failed", zap.Error(err))
		m.release(s, errorPayload(err.Error()), logger)
		return fmt.Errorf("starting %q session %d: %w", qt.Name, s.id, err)
	}
	logger.Debug("startup status", zap.ByteString("payload", startup))

	s.game = g
	m.broadcast(s, startup)
	go m.run(s, logger)
	return nil
}

// release undoes a reservation whose game could not be built. Players who
// disconnected meanwhile are removed; the others receive payload.
func (m *Manager) release(s *session, payload []byte, logger *zap.Logger) {
	m.broadcast(s, payload)

	m.mu.Lock()
	for _, pid := range s.roster {
		p, ok := m.players[pid]
		if !ok || p.sessionID != s.id {
			continue
		}
		p.sessionID = 0
		if !p.alive {
			if _, err := m.disconnectLocked(pid); err != nil {
				logger.Warn("removing disconnected player", zap.String("player", string(pid)), zap.Error(err))
			}
		}
	}
	delete(m.sessions, s.id)
	m.mu.Unlock()
	close(s.done)
}

// construct builds the game and encodes its startup payload, converting a
// constructor panic into an error.
func construct(qt game.QueueType, id game.SessionID, batch []game.PlayerID) (g game.Game, startup []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			g, startup, err = nil, nil, fmt.Errorf("constructor panic: %v", r)
		}
	}()
	g, err = qt.New(id, slices.Clone(batch), qt.Params())
	if err != nil {
		return nil, nil, err
	}
	startup, err = startupPayload(g.StartupStatus())
	if err != nil {
		_ = closeGame(g)
		return nil, nil, err
	}
	return g, startup, nil
}

// cleanup releases every participant, finishes deferred removal of zombies,
// drops the session from the table and notifies observers. It runs exactly
// once per session, on the worker goroutine.
func (m *Manager) cleanup(s *session, logger *zap.Logger) {
	m.mu.Lock()
	for _, pid := range s.roster {
		p, ok := m.players[pid]
		if !ok || p.sessionID != s.id {
			continue
		}
		p.sessionID = 0
		if !p.alive {
			if _, err := m.disconnectLocked(pid); err != nil {
				logger.Warn("removing disconnected player", zap.String("player", string(pid)), zap.Error(err))
			}
		}
	}
	delete(m.sessions, s.id)
	m.mu.Unlock()

	if err := closeGame(s.game); err != nil {
		logger.Warn("closing game", zap.Error(err))
	}

	result := SessionResult{
		SessionInfo: s.info(),
		Outcome:     s.outcome,
		Winner:      s.winner,
		Ticks:       s.ticks,
		EndedAt:     time.Now(),
	}
	if s.fault != nil {
		result.Err = s.fault.Error()
	}
	m.notifyEnded(result)

	logger.Info("game over",
		zap.String("outcome", string(s.outcome)),
		zap.Int("ticks", s.ticks),
		zap.Duration("elapsed", result.EndedAt.Sub(s.startedAt)),
	)
	close(s.done)
}

// closeGame releases games that hold resources, converting a panic into an
// error.
func closeGame(g game.Game) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic closing game: %v", r)
		}
	}()
	if c, ok := g.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func playerStrings(ids []game.PlayerID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
