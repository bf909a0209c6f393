package orchestrator

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// JoinQueue appends the player to the named queue, leaving any other queue
// first. When the queue reaches its batch size, exactly that many players are
// drained oldest first and reserved for a new session, atomically with respect
// to every other admission. The game itself is built after the manager lock is
// released.
//
// Postcondition: Returns ErrServerStopping, ErrInvalidQueue, ErrNotRegistered
// or ErrInGame (checked in that order), or the error of a failed session start.
func (m *Manager) JoinQueue(id game.PlayerID, queue string) error {
	if !m.running.Load() {
		return ErrServerStopping
	}
	qt, ok := m.catalog.Get(queue)
	if !ok {
		return fmt.Errorf("%w: %q (valid queues: %s)", ErrInvalidQueue, queue, strings.Join(m.catalog.Names(), ", "))
	}

	s, err := m.enqueue(id, qt)
	if err != nil || s == nil {
		return err
	}
	return m.startGame(qt, s)
}

// enqueue applies the queue side of JoinQueue and, when the queue is full,
// drains a batch into a reserved session.
func (m *Manager) enqueue(id game.PlayerID, qt game.QueueType) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Load() {
		return nil, ErrServerStopping
	}
	p, ok := m.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if p.sessionID != 0 {
		return nil, ErrInGame
	}

	queue := qt.Name
	if p.queue != "" {
		m.removeFromQueueLocked(p.queue, id)
	}
	p.queue = queue
	m.queues[queue] = append(m.queues[queue], id)

	waiting := len(m.queues[queue])
	m.logger.Info("player joined queue",
		zap.String("player", string(id)),
		zap.String("queue", queue),
		zap.Int("waiting", waiting),
		zap.Int("batch_size", qt.BatchSize),
	)

	if waiting < qt.BatchSize {
		return nil, nil
	}
	batch := slices.Clone(m.queues[queue][:qt.BatchSize])
	m.queues[queue] = slices.Delete(m.queues[queue], 0, qt.BatchSize)
	if len(m.queues[queue]) == 0 {
		delete(m.queues, queue)
	}
	return m.reserveLocked(qt, batch), nil
}

// LeaveQueue removes the player from the queue it waits in.
func (m *Manager) LeaveQueue(id game.PlayerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if p.queue == "" {
		return ErrNotInQueue
	}
	m.removeFromQueueLocked(p.queue, id)
	m.logger.Info("player left queue",
		zap.String("player", string(id)),
		zap.String("queue", p.queue),
	)
	p.queue = ""
	return nil
}

// removeFromQueueLocked drops id from the named queue.
//
// Precondition: m.mu is held for writing.
func (m *Manager) removeFromQueueLocked(queue string, id game.PlayerID) {
	q := m.queues[queue]
	if i := slices.Index(q, id); i >= 0 {
		q = slices.Delete(q, i, i+1)
	}
	if len(q) == 0 {
		delete(m.queues, queue)
		return
	}
	m.queues[queue] = q
}
