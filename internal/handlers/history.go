package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
)

// History commands.
const (
	CmdHistory = "history"
	CmdWins    = "wins"
	CmdMatch   = "match"
)

// Limits of the history command.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 50
)

// History reads finished matches. *postgres.MatchRepository satisfies it.
type History interface {
	Get(ctx context.Context, id uuid.UUID) (postgres.Match, error)
	History(ctx context.Context, player game.PlayerID, limit int) ([]postgres.Match, error)
	Wins(ctx context.Context, player game.PlayerID) (int, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHistory enables the history, wins and match commands.
func WithHistory(h History) Option {
	return func(d *Dispatcher) {
		d.history = h
	}
}

// MatchSummary is a finished match as reported to clients.
type MatchSummary struct {
	ID      string    `json:"id"`
	Queue   string    `json:"queue"`
	Players []string  `json:"players"`
	Outcome string    `json:"outcome"`
	Winner  *string   `json:"winner"`
	Ticks   int       `json:"ticks"`
	Error   string    `json:"error,omitempty"`
	EndedAt time.Time `json:"ended_at"`
}

func summarize(m postgres.Match) MatchSummary {
	s := MatchSummary{
		ID:      m.ID.String(),
		Queue:   m.Queue,
		Players: make([]string, len(m.Players)),
		Outcome: string(m.Outcome),
		Ticks:   m.Ticks,
		Error:   m.Error,
		EndedAt: m.EndedAt,
	}
	for i, p := range m.Players {
		s.Players[i] = string(p)
	}
	if m.Winner != "" {
		w := string(m.Winner)
		s.Winner = &w
	}
	return s
}

var errHistoryDisabled = errors.New("match history is not enabled")

// handleHistory lists recent matches: history [player] [limit].
// The player defaults to the caller.
func handleHistory(ctx context.Context, d *Dispatcher, id game.PlayerID, args []string) Result {
	if d.history == nil {
		return errorReply(errHistoryDisabled.Error())
	}
	if len(args) > 2 {
		return usageReply(CmdHistory)
	}
	player := id
	if len(args) > 0 {
		player = game.PlayerID(args[0])
	}
	limit := DefaultHistoryLimit
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 1 {
			return usageReply(CmdHistory)
		}
		limit = min(n, MaxHistoryLimit)
	}

	matches, err := d.history.History(ctx, player, limit)
	if err != nil {
		d.logger.Error("reading match history", zap.String("player", string(player)), zap.Error(err))
		return errorReply("match history unavailable")
	}
	out := make([]MatchSummary, len(matches))
	for i, m := range matches {
		out[i] = summarize(m)
	}
	return okReply(map[string]any{"player": string(player), "matches": out})
}

// handleWins counts won matches: wins [player].
func handleWins(ctx context.Context, d *Dispatcher, id game.PlayerID, args []string) Result {
	if d.history == nil {
		return errorReply(errHistoryDisabled.Error())
	}
	if len(args) > 1 {
		return usageReply(CmdWins)
	}
	player := id
	if len(args) == 1 {
		player = game.PlayerID(args[0])
	}
	n, err := d.history.Wins(ctx, player)
	if err != nil {
		d.logger.Error("counting wins", zap.String("player", string(player)), zap.Error(err))
		return errorReply("match history unavailable")
	}
	return okReply(map[string]any{"player": string(player), "wins": n})
}

// handleMatch returns one match by id: match <id>.
func handleMatch(ctx context.Context, d *Dispatcher, _ game.PlayerID, args []string) Result {
	if d.history == nil {
		return errorReply(errHistoryDisabled.Error())
	}
	if len(args) != 1 {
		return usageReply(CmdMatch)
	}
	matchID, err := uuid.Parse(args[0])
	if err != nil {
		return errorReply("invalid match id " + quote(args[0]))
	}
	m, err := d.history.Get(ctx, matchID)
	if errors.Is(err, postgres.ErrMatchNotFound) {
		return errorReply(err.Error())
	}
	if err != nil {
		d.logger.Error("reading match", zap.String("match_id", matchID.String()), zap.Error(err))
		return errorReply("match history unavailable")
	}
	return okReply(map[string]any{"match": summarize(m)})
}
