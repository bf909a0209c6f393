package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game"
)

func TestLoadCatalog_ShippedContent(t *testing.T) {
	cat, err := loadCatalog(config.OrchestratorConfig{
		QueuesDir:             "../../content/queues",
		ScriptsDir:            "../../content/scripts",
		DefaultTicksPerSecond: 10,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"brawl", "duel", "race"}, cat.Names())

	race, ok := cat.Get("race")
	require.True(t, ok)
	assert.Equal(t, 2, race.BatchSize)
	assert.Equal(t, 5, race.TicksPerSecond)

	g, err := race.New(1, []game.PlayerID{"a", "b"}, race.Params())
	require.NoError(t, err)
	if c, ok := g.(io.Closer); ok {
		t.Cleanup(func() { _ = c.Close() })
	}
	assert.Contains(t, g.ValidEvents(), "step")
}

func TestLoadCatalog_EmptyDirectory(t *testing.T) {
	_, err := loadCatalog(config.OrchestratorConfig{
		QueuesDir:             t.TempDir(),
		DefaultTicksPerSecond: 10,
	}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "no queue definitions")
}

func TestLoadCatalog_UnknownKind(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chess.yaml"), []byte("name: chess\ngame: chess\nbatch_size: 2\n"), 0o644))
	_, err := loadCatalog(config.OrchestratorConfig{
		QueuesDir:             dir,
		DefaultTicksPerSecond: 10,
	}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "unknown game kind")
}
