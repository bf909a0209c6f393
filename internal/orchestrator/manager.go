// Package orchestrator admits clients, batches them from matchmaking queues
// into game sessions, drives every session at a fixed tick rate on its own
// goroutine, routes player events into the owning session, and drains
// everything on shutdown.
//
// Locking: one manager-wide RWMutex guards the player, queue and session
// tables. Game objects are touched only by their session worker; callers reach
// them through the worker's inbox and never hold the manager lock while
// blocked on it. The lock is held only for table updates: game construction
// and payload delivery happen outside it, and a disconnect queues the
// elimination without waiting for the worker.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// observerTimeout bounds each Observer callback.
const observerTimeout = 5 * time.Second

// Outcome is the terminal state of a session worker.
type Outcome string

const (
	OutcomeGameOver Outcome = "game_over"
	OutcomeFaulted  Outcome = "faulted"
	OutcomeStopped  Outcome = "stopped"
)

// SessionInfo describes a started session.
type SessionInfo struct {
	ID             game.SessionID
	Queue          string
	Players        []game.PlayerID
	TicksPerSecond int
	StartedAt      time.Time
}

// SessionResult describes a finished session.
type SessionResult struct {
	SessionInfo
	Outcome Outcome
	Winner  *game.PlayerID
	Ticks   int
	EndedAt time.Time
	// Err is the fault description when Outcome is OutcomeFaulted.
	Err string
}

// Observer receives session lifecycle notifications from session workers.
// Implementations must be safe for concurrent use.
type Observer interface {
	SessionStarted(ctx context.Context, info SessionInfo)
	SessionEnded(ctx context.Context, result SessionResult)
}

// PlayerInfo is a snapshot of a registered player.
type PlayerInfo struct {
	ID        game.PlayerID
	Alive     bool
	Queue     string
	SessionID game.SessionID
}

type player struct {
	conn      Conn
	alive     bool
	queue     string
	sessionID game.SessionID
	token     tokenDigest
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenLength sets the auth token length in hex characters.
//
// Precondition: n is positive and even.
func WithTokenLength(n int) Option {
	if n <= 0 || n%2 != 0 {
		panic(fmt.Sprintf("orchestrator.WithTokenLength: length must be positive and even, got %d", n))
	}
	return func(m *Manager) { m.tokenLength = n }
}

// WithObserver adds a session lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

// Manager is the session orchestrator. All methods are safe for concurrent use.
type Manager struct {
	catalog     *game.Catalog
	logger      *zap.Logger
	tokenLength int
	observers   []Observer

	// running flips from true to false exactly once, in SafeStop.
	running atomic.Bool

	mu       sync.RWMutex
	players  map[game.PlayerID]*player
	queues   map[string][]game.PlayerID
	sessions map[game.SessionID]*session
	lastID   game.SessionID
}

// NewManager creates a running Manager over the given queue catalog.
//
// Precondition: catalog and logger must be non-nil.
// Postcondition: Returns a Manager accepting connections.
func NewManager(catalog *game.Catalog, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		catalog:     catalog,
		logger:      logger,
		tokenLength: DefaultTokenLength,
		players:     make(map[game.PlayerID]*player),
		queues:      make(map[string][]game.PlayerID),
		sessions:    make(map[game.SessionID]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.running.Store(true)
	return m
}

// Running reports whether the manager still admits work.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Catalog returns the queue catalog.
func (m *Manager) Catalog() *game.Catalog {
	return m.catalog
}

// Player returns a snapshot of the player with the given identity.
func (m *Manager) Player(id game.PlayerID) (PlayerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[id]
	if !ok {
		return PlayerInfo{}, false
	}
	return PlayerInfo{ID: id, Alive: p.alive, Queue: p.queue, SessionID: p.sessionID}, true
}

// PlayerCount returns the number of registered players, zombies included.
func (m *Manager) PlayerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.players)
}

// SessionCount returns the number of sessions whose cleanup has not finished.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// QueueLength returns the number of players waiting in the named queue.
func (m *Manager) QueueLength(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues[name])
}

// Sessions returns the live sessions ordered by id.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// send delivers payload best-effort.
func (m *Manager) send(id game.PlayerID, conn Conn, payload []byte) {
	if conn == nil {
		return
	}
	if err := conn.Send(payload); err != nil {
		m.logger.Debug("delivery failed",
			zap.String("player", string(id)),
			zap.Error(err),
		)
	}
}

func (m *Manager) notifyStarted(info SessionInfo) {
	for _, o := range m.observers {
		m.notify("session_started", info.ID, func(ctx context.Context) { o.SessionStarted(ctx, info) })
	}
}

func (m *Manager) notifyEnded(result SessionResult) {
	for _, o := range m.observers {
		m.notify("session_ended", result.ID, func(ctx context.Context) { o.SessionEnded(ctx, result) })
	}
}

// notify runs one observer callback under observerTimeout. A panicking
// observer is logged and skipped.
func (m *Manager) notify(event string, id game.SessionID, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("observer panicked",
				zap.String("event", event),
				zap.Uint64("session_id", uint64(id)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn(ctx)
}
