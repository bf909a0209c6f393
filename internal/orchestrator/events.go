package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// SendEvent routes a player event to the game the player is in. The event is
// validated and applied on the session worker, between ticks, and the call
// blocks until it has been handled.
//
// Postcondition: Returns ErrNotRegistered, ErrNotInGame (also when the session
// ends before handling the event), ErrInvalidEvent (the game is unchanged),
// the game's own error, or ctx.Err().
func (m *Manager) SendEvent(ctx context.Context, id game.PlayerID, ev game.Event) error {
	m.mu.RLock()
	p, ok := m.players[id]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	s := m.sessions[p.sessionID]
	m.mu.RUnlock()
	if s == nil {
		return ErrNotInGame
	}

	m.logger.Debug("player event",
		zap.String("player", string(id)),
		zap.String("event", ev.Name),
		zap.Uint64("session_id", uint64(s.id)),
	)

	req := request{kind: requestEvent, player: id, event: ev, reply: make(chan error, 1)}
	select {
	case s.inbox <- req:
	case <-s.done:
		return ErrNotInGame
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
