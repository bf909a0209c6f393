package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/orchestrator"
)

// ErrMatchNotFound is returned when a match lookup yields no results.
var ErrMatchNotFound = errors.New("match not found")

// Match is one finished session as stored in the matches table.
type Match struct {
	ID        uuid.UUID
	Server    string
	SessionID game.SessionID
	Queue     string
	Players   []game.PlayerID
	Outcome   orchestrator.Outcome
	// Winner is empty for draws, faults and stopped sessions.
	Winner    game.PlayerID
	Ticks     int
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// MatchRepository persists finished sessions. It doubles as an
// orchestrator.Observer so every session end is recorded.
type MatchRepository struct {
	db     *pgxpool.Pool
	server string
	logger *zap.Logger
}

// NewMatchRepository creates a MatchRepository backed by the given pool.
// server tags every recorded row, since session ids restart with the process.
//
// Precondition: db must be a valid, open connection pool; logger must be non-nil.
func NewMatchRepository(db *pgxpool.Pool, server string, logger *zap.Logger) *MatchRepository {
	return &MatchRepository{db: db, server: server, logger: logger}
}

const matchColumns = `id, server, session_id, queue, players, outcome, winner, ticks, error, started_at, ended_at`

// Record inserts a finished session.
//
// Postcondition: Returns the stored Match with a fresh ID.
func (r *MatchRepository) Record(ctx context.Context, res orchestrator.SessionResult) (Match, error) {
	m := Match{
		ID:        uuid.New(),
		Server:    r.server,
		SessionID: res.ID,
		Queue:     res.Queue,
		Players:   res.Players,
		Outcome:   res.Outcome,
		Ticks:     res.Ticks,
		Error:     res.Err,
		StartedAt: res.StartedAt.UTC(),
		EndedAt:   res.EndedAt.UTC(),
	}
	if res.Winner != nil {
		m.Winner = *res.Winner
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO matches (`+matchColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.Server, int64(m.SessionID), m.Queue, playerStrings(m.Players), string(m.Outcome),
		nullable(string(m.Winner)), m.Ticks, nullable(m.Error), m.StartedAt, m.EndedAt,
	)
	if err != nil {
		return Match{}, fmt.Errorf("inserting match: %w", err)
	}
	return m, nil
}

// Get returns the match with the given id.
//
// Postcondition: Returns ErrMatchNotFound when no row matches.
func (r *MatchRepository) Get(ctx context.Context, id uuid.UUID) (Match, error) {
	row := r.db.QueryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Match{}, ErrMatchNotFound
	}
	if err != nil {
		return Match{}, fmt.Errorf("querying match: %w", err)
	}
	return m, nil
}

// History returns the most recent matches player took part in, newest first.
//
// Precondition: limit > 0.
func (r *MatchRepository) History(ctx context.Context, player game.PlayerID, limit int) ([]Match, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE players @> ARRAY[$1]::TEXT[]
		 ORDER BY ended_at DESC
		 LIMIT $2`,
		string(player), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying match history: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating match history: %w", err)
	}
	return out, nil
}

// Wins counts the matches player won.
func (r *MatchRepository) Wins(ctx context.Context, player game.PlayerID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM matches WHERE winner = $1`, string(player)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting wins: %w", err)
	}
	return n, nil
}

// SessionStarted implements orchestrator.Observer. Only finished sessions are stored.
func (r *MatchRepository) SessionStarted(context.Context, orchestrator.SessionInfo) {}

// SessionEnded implements orchestrator.Observer by recording the result.
// Failures are logged; they never affect the session.
func (r *MatchRepository) SessionEnded(ctx context.Context, res orchestrator.SessionResult) {
	m, err := r.Record(ctx, res)
	if err != nil {
		r.logger.Error("recording match",
			zap.Uint64("session_id", uint64(res.ID)),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("match recorded",
		zap.Uint64("session_id", uint64(res.ID)),
		zap.String("match_id", m.ID.String()),
	)
}

func scanMatch(row pgx.Row) (Match, error) {
	var (
		m         Match
		sessionID int64
		players   []string
		outcome   string
		winner    *string
		errText   *string
	)
	err := row.Scan(&m.ID, &m.Server, &sessionID, &m.Queue, &players, &outcome,
		&winner, &m.Ticks, &errText, &m.StartedAt, &m.EndedAt)
	if err != nil {
		return Match{}, err
	}
	m.SessionID = game.SessionID(sessionID)
	m.Outcome = orchestrator.Outcome(outcome)
	m.Players = make([]game.PlayerID, len(players))
	for i, p := range players {
		m.Players[i] = game.PlayerID(p)
	}
	if winner != nil {
		m.Winner = game.PlayerID(*winner)
	}
	if errText != nil {
		m.Error = *errText
	}
	return m, nil
}

func playerStrings(ids []game.PlayerID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
