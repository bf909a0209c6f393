package postgres_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/handlers"
	"github.com/cory-johannsen/arena/internal/orchestrator"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
	"github.com/cory-johannsen/arena/internal/testutil"
)

func newMatchRepo(t *testing.T) *postgres.MatchRepository {
	t.Helper()
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return postgres.NewMatchRepository(pc.RawPool, "arena-test", zaptest.NewLogger(t))
}

func result(id game.SessionID, outcome orchestrator.Outcome, winner game.PlayerID, players ...game.PlayerID) orchestrator.SessionResult {
	started := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	res := orchestrator.SessionResult{
		SessionInfo: orchestrator.SessionInfo{
			ID:             id,
			Queue:          "duel",
			Players:        players,
			TicksPerSecond: 10,
			StartedAt:      started,
		},
		Outcome: outcome,
		Ticks:   600,
		EndedAt: started.Add(time.Minute),
	}
	if winner != "" {
		res.Winner = &winner
	}
	return res
}

func TestMatchRepository_RecordAndGet(t *testing.T) {
	repo := newMatchRepo(t)
	ctx := context.Background()

	stored, err := repo.Record(ctx, result(1, orchestrator.OutcomeGameOver, "alice", "alice", "bob"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, stored.ID)

	got, err := repo.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "arena-test", got.Server)
	assert.Equal(t, game.SessionID(1), got.SessionID)
	assert.Equal(t, []game.PlayerID{"alice", "bob"}, got.Players)
	assert.Equal(t, orchestrator.OutcomeGameOver, got.Outcome)
	assert.Equal(t, game.PlayerID("alice"), got.Winner)
	assert.Equal(t, 600, got.Ticks)
	assert.True(t, stored.StartedAt.Equal(got.StartedAt))
}

func TestMatchRepository_GetMissing(t *testing.T) {
	repo := newMatchRepo(t)
	_, err := repo.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, postgres.ErrMatchNotFound)
}

func TestMatchRepository_HistoryAndWins(t *testing.T) {
	repo := newMatchRepo(t)
	ctx := context.Background()

	_, err := repo.Record(ctx, result(1, orchestrator.OutcomeGameOver, "alice", "alice", "bob"))
	require.NoError(t, err)
	_, err = repo.Record(ctx, result(2, orchestrator.OutcomeGameOver, "carol", "carol", "alice"))
	require.NoError(t, err)
	faulted := result(3, orchestrator.OutcomeFaulted, "", "bob", "carol")
	faulted.Err = "script error"
	_, err = repo.Record(ctx, faulted)
	require.NoError(t, err)

	history, err := repo.History(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	history, err = repo.History(ctx, "bob", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)

	wins, err := repo.Wins(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, wins)
	wins, err = repo.Wins(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, wins)
}

func TestMatchRepository_ObserverRecordsEndedSessions(t *testing.T) {
	repo := newMatchRepo(t)
	ctx := context.Background()

	var obs orchestrator.Observer = repo
	obs.SessionStarted(ctx, orchestrator.SessionInfo{ID: 9})
	obs.SessionEnded(ctx, result(9, orchestrator.OutcomeStopped, "", "dave", "erin"))

	history, err := repo.History(ctx, "dave", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, orchestrator.OutcomeStopped, history[0].Outcome)
	assert.Empty(t, history[0].Winner)
}

func TestMatchRepository_ServesHistoryCommands(t *testing.T) {
	repo := newMatchRepo(t)
	ctx := context.Background()
	stored, err := repo.Record(ctx, result(7, orchestrator.OutcomeGameOver, "alice", "alice", "bob"))
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	mgr := orchestrator.NewManager(game.NewCatalog(), logger)
	d := handlers.NewDispatcher(mgr, logger, handlers.WithHistory(repo))

	var history struct {
		Matches []handlers.MatchSummary `json:"matches"`
	}
	require.NoError(t, json.Unmarshal(d.DispatchLine(ctx, "bob", "history").Reply, &history))
	require.Len(t, history.Matches, 1)
	assert.Equal(t, stored.ID.String(), history.Matches[0].ID)

	var wins map[string]any
	require.NoError(t, json.Unmarshal(d.DispatchLine(ctx, "bob", "wins alice").Reply, &wins))
	assert.EqualValues(t, 1, wins["wins"])

	var match map[string]any
	require.NoError(t, json.Unmarshal(d.DispatchLine(ctx, "bob", "match "+stored.ID.String()).Reply, &match))
	assert.Equal(t, "alice", match["match"].(map[string]any)["winner"])
}
