package orchestrator

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// Connect registers a client and returns its auth token.
//
// Precondition: conn must be non-nil.
// Postcondition: The player is registered alive, in no queue and no session,
// or ErrServerStopping / ErrAlreadyRegistered is returned.
func (m *Manager) Connect(id game.PlayerID, conn Conn) (string, error) {
	if conn == nil {
		return "", errors.New("connection must not be nil")
	}
	if !m.running.Load() {
		return "", ErrServerStopping
	}
	token, err := newToken(m.tokenLength)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-checked under the lock so SafeStop's final sweep cannot miss a late connect.
	if !m.running.Load() {
		return "", ErrServerStopping
	}
	if _, exists := m.players[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	m.players[id] = &player{
		conn:  conn,
		alive: true,
		token: digestToken(token),
	}
	m.logger.Info("player connected", zap.String("player", string(id)))
	return token, nil
}

// Authenticate checks token against the one issued by Connect.
//
// Postcondition: Returns nil on a match, ErrNotRegistered or ErrInvalidToken otherwise.
func (m *Manager) Authenticate(id game.PlayerID, token string) error {
	m.mu.RLock()
	p, ok := m.players[id]
	var digest tokenDigest
	if ok {
		digest = p.token
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	if !digest.matches(token) {
		return ErrInvalidToken
	}
	return nil
}

// Disconnect removes a client. A player in a running session is only marked
// dead and eliminated from the game; its registry entry is removed by the
// session cleanup. While stopping, players are removed outright.
//
// Postcondition: Returns ErrNotRegistered for an unknown identity.
func (m *Manager) Disconnect(id game.PlayerID) error {
	m.mu.Lock()
	s, err := m.disconnectLocked(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if s != nil {
		s.eliminate(id)
	}
	return nil
}

// disconnectLocked applies the registry side of a disconnect and returns the
// session that must eliminate the player, if any.
//
// Precondition: m.mu is held for writing.
func (m *Manager) disconnectLocked(id game.PlayerID) (*session, error) {
	p, ok := m.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	if p.queue != "" {
		m.removeFromQueueLocked(p.queue, id)
		m.logger.Info("player left queue",
			zap.String("player", string(id)),
			zap.String("queue", p.queue),
		)
		p.queue = ""
	}

	if p.sessionID == 0 || !m.running.Load() {
		delete(m.players, id)
		m.logger.Info("player removed", zap.String("player", string(id)))
		return nil, nil
	}

	if !p.alive {
		return nil, nil
	}
	p.alive = false
	m.logger.Info("player killed in game",
		zap.String("player", string(id)),
		zap.Uint64("session_id", uint64(p.sessionID)),
	)
	return m.sessions[p.sessionID], nil
}
