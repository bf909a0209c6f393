// Package broker publishes session lifecycle events to NATS so that other
// services (leaderboards, matchmaking dashboards) can follow the server.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/orchestrator"
)

// Publisher is the subset of *nats.Conn the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials the NATS server described by cfg. The connection reconnects
// forever and logs connectivity changes.
//
// Postcondition: Returns a connected *nats.Conn or a non-nil error.
func Connect(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	logger.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// SessionEvent is the JSON body of every published message.
type SessionEvent struct {
	Server         string    `json:"server"`
	SessionID      uint64    `json:"session_id"`
	Queue          string    `json:"queue"`
	Players        []string  `json:"players"`
	TicksPerSecond int       `json:"ticks_per_second"`
	StartedAt      time.Time `json:"started_at"`

	Outcome string     `json:"outcome,omitempty"`
	Winner  *string    `json:"winner,omitempty"`
	Ticks   int        `json:"ticks,omitempty"`
	Error   string     `json:"error,omitempty"`
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Events is an orchestrator.Observer publishing to
// "<prefix>.session.started" and "<prefix>.session.ended".
type Events struct {
	pub    Publisher
	prefix string
	server string
	logger *zap.Logger
}

// NewEvents creates an Events observer.
//
// Precondition: pub and logger must be non-nil; prefix must be non-empty.
func NewEvents(pub Publisher, prefix, server string, logger *zap.Logger) *Events {
	return &Events{pub: pub, prefix: prefix, server: server, logger: logger}
}

// StartedSubject returns the subject session starts are published on.
func (e *Events) StartedSubject() string { return e.prefix + ".session.started" }

// EndedSubject returns the subject session ends are published on.
func (e *Events) EndedSubject() string { return e.prefix + ".session.ended" }

// SessionStarted implements orchestrator.Observer.
func (e *Events) SessionStarted(_ context.Context, info orchestrator.SessionInfo) {
	e.publish(e.StartedSubject(), e.event(info), info.ID)
}

// SessionEnded implements orchestrator.Observer.
func (e *Events) SessionEnded(_ context.Context, res orchestrator.SessionResult) {
	ev := e.event(res.SessionInfo)
	ev.Outcome = string(res.Outcome)
	ev.Ticks = res.Ticks
	ev.Error = res.Err
	ended := res.EndedAt
	ev.EndedAt = &ended
	if res.Winner != nil {
		w := string(*res.Winner)
		ev.Winner = &w
	}
	e.publish(e.EndedSubject(), ev, res.ID)
}

func (e *Events) event(info orchestrator.SessionInfo) SessionEvent {
	players := make([]string, len(info.Players))
	for i, p := range info.Players {
		players[i] = string(p)
	}
	return SessionEvent{
		Server:         e.server,
		SessionID:      uint64(info.ID),
		Queue:          info.Queue,
		Players:        players,
		TicksPerSecond: info.TicksPerSecond,
		StartedAt:      info.StartedAt,
	}
}

// publish is best-effort: failures are logged and dropped.
func (e *Events) publish(subject string, ev SessionEvent, id game.SessionID) {
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("encoding session event", zap.Uint64("session_id", uint64(id)), zap.Error(err))
		return
	}
	if err := e.pub.Publish(subject, data); err != nil {
		e.logger.Warn("publishing session event",
			zap.String("subject", subject),
			zap.Uint64("session_id", uint64(id)),
			zap.Error(err),
		)
	}
}
