package app

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/config"
	"rulegate/internal/db"
	"rulegate/internal/domain"
)

func TestBootstrapInMemorySeedsActiveRuleset(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Storage.Backend = "none"
	logger, hook := test.NewNullLogger()

	a, err := Bootstrap(ctx, cfg, logger, Options{Inline: true})
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Equal(t, db.BackendNone, a.Backend)
	assert.Nil(t, a.DB)
	assert.Nil(t, a.Queue)
	assert.False(t, a.Store.Mirrored())

	active, err := a.Engine.ActiveRuleset(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", active.Version)
	assert.Equal(t, domain.Thresholds{TLow: 0.6, THigh: 0.85}, active.Config.Thresholds)
	assert.Equal(t, 1, a.Store.Audit().Len())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "ledger ready", hook.LastEntry().Message)
}

func TestBootstrapSQLiteHydratesOnRestart(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Workspace = t.TempDir()
	logger, _ := test.NewNullLogger()

	first, err := Bootstrap(ctx, cfg, logger, Options{Inline: true})
	require.NoError(t, err)
	assert.True(t, first.Store.Mirrored())
	task, err := first.Engine.SubmitTask(ctx, "", "batch-1", []domain.Record{{RawID: "r1", Text: "x"}})
	require.NoError(t, err)
	active, err := first.Engine.ActiveRuleset(ctx)
	require.NoError(t, err)
	first.Close(ctx)

	second, err := Bootstrap(ctx, cfg, logger, Options{Inline: true})
	require.NoError(t, err)
	defer second.Close(ctx)

	again, err := second.Engine.ActiveRuleset(ctx)
	require.NoError(t, err)
	assert.Equal(t, active.ID, again.ID, "restart must not seed a second ruleset")
	got, err := second.Engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, got.Status)
	assert.Equal(t, 1, second.Store.Audit().Len())
}

func TestBootstrapQueuedTasksRunOnWorkers(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Storage.Backend = "none"
	logger, _ := test.NewNullLogger()

	a, err := Bootstrap(ctx, cfg, logger, Options{})
	require.NoError(t, err)
	require.NotNil(t, a.Queue)

	task, err := a.Engine.SubmitTask(ctx, "", "batch-1", []domain.Record{{RawID: "r1"}})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, task.Status)

	// Shutdown drains the queue.
	a.Close(ctx)
	got, err := a.Engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, got.Status)
}

func TestBootstrapRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "mongo"
	_, err := Bootstrap(context.Background(), cfg, nil, Options{})
	assert.Error(t, err)
}
