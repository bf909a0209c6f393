package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// SafeStop stops admitting work, lets every running session finish its current
// tick and clean up, then removes every remaining player. It may be called more
// than once; later calls only repeat the sweep.
//
// Postcondition: The running flag is false. When ctx does not expire first,
// no session is live and the registry is empty. Sessions still running at the
// deadline are reported in the returned error; the sweep runs regardless.
func (m *Manager) SafeStop(ctx context.Context) error {
	if m.running.Swap(false) {
		m.logger.Info("stopping orchestrator")
	}

	m.mu.RLock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.RUnlock()

	var errs []error
	for _, s := range live {
		select {
		case <-s.done:
		case <-ctx.Done():
			m.logger.Warn("session did not stop in time", zap.Uint64("session_id", uint64(s.id)))
			errs = append(errs, fmt.Errorf("session %d: %w", s.id, ctx.Err()))
		}
	}

	m.mu.RLock()
	ids := make([]game.PlayerID, 0, len(m.players))
	for id := range m.players {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Disconnect(id); err != nil && !errors.Is(err, ErrNotRegistered) {
			errs = append(errs, err)
		}
	}

	m.logger.Info("orchestrator stopped",
		zap.Int("sessions", len(live)),
		zap.Int("players", len(ids)),
	)
	return errors.Join(errs...)
}
