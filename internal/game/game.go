// Package game defines the capability set every pluggable rule set exposes to
// the session orchestrator, and the catalog of queue types that construct them.
package game

import (
	"encoding/json"
	"fmt"
)

// PlayerID is the transport-assigned identity of a connected client.
type PlayerID string

// SessionID identifies one running game. IDs start at 1 and are never reused.
type SessionID uint64

// Event is a named player command addressed to a running game.
// Name must be one of the game's ValidEvents at the time it is handled.
type Event struct {
	Name string
	Args []string
}

// Arg returns the i-th argument, or "" if absent.
func (e Event) Arg(i int) string {
	if i < 0 || i >= len(e.Args) {
		return ""
	}
	return e.Args[i]
}

// Status is the result of one simulation step.
type Status struct {
	// Changed reports that something happened during the tick and the status
	// should be broadcast.
	Changed bool
	// Winner is set on the tick that ends the game with a winner.
	Winner *PlayerID
	// Fields holds rule-specific state; keys "didsmthhappen" and "winner" are reserved.
	Fields map[string]any
}

// MarshalJSON flattens Fields next to the reserved "didsmthhappen" and
// "winner" keys, which always win over same-named fields.
func (s Status) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Fields)+2)
	for k, v := range s.Fields {
		out[k] = v
	}
	out["didsmthhappen"] = s.Changed
	if s.Winner != nil {
		out["winner"] = *s.Winner
	} else {
		out["winner"] = nil
	}
	return json.Marshal(out)
}

// Game is one running instance of a rule set. The orchestrator calls every
// method from the session's own worker goroutine, so implementations need no
// internal locking. A Game that holds resources may implement io.Closer; it
// is closed once its session ends.
type Game interface {
	// Advance runs one tick. A non-nil error faults the session.
	Advance() (Status, error)
	// IsOver reports whether the game has reached a terminal state.
	IsOver() bool
	// Winner returns the winning player once the game is over, if any.
	Winner() (PlayerID, bool)
	// Eliminate removes a participant from play (disconnect).
	Eliminate(player PlayerID)
	// ValidEvents lists the event names currently accepted.
	ValidEvents() []string
	// HandleEvent applies a player event.
	HandleEvent(player PlayerID, ev Event) error
	// StartupStatus is sent to every participant when the session starts.
	StartupStatus() map[string]any
}

// Constructor builds a game for a drained batch, in queue join order.
type Constructor func(id SessionID, players []PlayerID, params map[string]any) (Game, error)

// IsValidEvent reports whether name is currently accepted by g.
func IsValidEvent(g Game, name string) bool {
	for _, ev := range g.ValidEvents() {
		if ev == name {
			return true
		}
	}
	return false
}

// IntParam reads an integer parameter, accepting the numeric types produced
// by YAML, JSON and Lua decoding. Returns def when absent.
func IntParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("param %q must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("param %q must be an integer, got %T", key, v)
	}
}
