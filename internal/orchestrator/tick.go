package orchestrator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
)

// run is the session worker: a fixed-rate loop that advances the game once per
// interval, broadcasts changed status, and serves the inbox while waiting for
// the next deadline. Ticks never stack: a slow tick delays the next one with
// no catch-up. The running flag is checked only between ticks, so shutdown
// latency is bounded by one interval.
func (m *Manager) run(s *session, logger *zap.Logger) {
	defer m.cleanup(s, logger)
	m.notifyStarted(s.info())

	interval := time.Second / time.Duration(s.tps)
	for {
		if !m.running.Load() {
			s.outcome = OutcomeStopped
			return
		}
		deadline := time.NewTimer(interval)

		st, err := advance(s.game)
		if err == nil {
			s.ticks++
			if st.Changed {
				err = m.broadcastStatus(s, st, logger)
			}
		}
		if err != nil {
			deadline.Stop()
			m.fault(s, err, logger)
			return
		}

		over, winner, err := settle(s.game, st)
		if err != nil {
			deadline.Stop()
			m.fault(s, err, logger)
			return
		}
		if over {
			deadline.Stop()
			s.outcome = OutcomeGameOver
			s.winner = winner
			if s.winner != nil {
				logger.Info("game won", zap.String("winner", string(*s.winner)))
			}
			return
		}

		if err := m.wait(s, deadline); err != nil {
			m.fault(s, err, logger)
			return
		}
	}
}

// wait serves inbox requests until the deadline fires. A panicking request
// handler is returned as a fault.
func (m *Manager) wait(s *session, deadline *time.Timer) error {
	for {
		select {
		case <-deadline.C:
			return nil
		case req := <-s.kills:
			if err := m.serve(s, req); err != nil {
				deadline.Stop()
				return err
			}
		case req := <-s.inbox:
			if err := m.serve(s, req); err != nil {
				deadline.Stop()
				return err
			}
		}
	}
}

// serve applies one request to the game. The returned error is fatal to the
// session; errors for the caller travel on req.reply.
func (m *Manager) serve(s *session, req request) (fatal error) {
	defer func() {
		if r := recover(); r != nil {
			fatal = fmt.Errorf("panic handling request from %s: %v", req.player, r)
			if req.reply != nil {
				req.reply <- fatal
			}
		}
	}()

	switch req.kind {
	case requestEliminate:
		s.game.Eliminate(req.player)
	case requestEvent:
		if !game.IsValidEvent(s.game, req.event.Name) {
			req.reply <- fmt.Errorf("%w: %q (valid events: %v)", ErrInvalidEvent, req.event.Name, s.game.ValidEvents())
			return nil
		}
		req.reply <- s.game.HandleEvent(req.player, req.event)
	}
	return nil
}

// advance runs one tick, converting a panic into an error.
func advance(g game.Game) (st game.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during tick: %v", r)
		}
	}()
	return g.Advance()
}

// settle reports whether the game is over and who won, preferring the winner
// carried by the tick status. A panic is converted into an error.
func settle(g game.Game, st game.Status) (over bool, winner *game.PlayerID, err error) {
	defer func() {
		if r := recover(); r != nil {
			over, winner = false, nil
			err = fmt.Errorf("panic checking game over: %v", r)
		}
	}()
	if !g.IsOver() {
		return false, nil, nil
	}
	if st.Winner != nil {
		return true, st.Winner, nil
	}
	if w, ok := g.Winner(); ok {
		return true, &w, nil
	}
	return true, nil, nil
}

func (m *Manager) broadcastStatus(s *session, st game.Status, logger *zap.Logger) error {
	payload, err := statusPayload(st)
	if err != nil {
		return err
	}
	logger.Debug("status", zap.ByteString("payload", payload))
	m.broadcast(s, payload)
	return nil
}

// broadcast delivers payload to every alive participant. Sends happen outside
// the manager lock.
func (m *Manager) broadcast(s *session, payload []byte) {
	type target struct {
		id   game.PlayerID
		conn Conn
	}
	m.mu.RLock()
	targets := make([]target, 0, len(s.roster))
	for _, pid := range s.roster {
		if p, ok := m.players[pid]; ok && p.alive {
			targets = append(targets, target{id: pid, conn: p.conn})
		}
	}
	m.mu.RUnlock()

	for _, t := range targets {
		m.send(t.id, t.conn, payload)
	}
}

func (m *Manager) fault(s *session, err error, logger *zap.Logger) {
	s.outcome = OutcomeFaulted
	s.fault = err
	logger.Error("game faulted", zap.Error(err), zap.Int("tick", s.ticks))
	m.broadcast(s, errorPayload(err.Error()))
}
