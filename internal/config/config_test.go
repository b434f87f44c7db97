package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "admin", cfg.Service.AdminCaller)
	assert.Equal(t, "/v1", cfg.Service.BasePath)
	assert.Equal(t, 0.6, cfg.Thresholds.TLow)
	assert.Equal(t, 0.85, cfg.Thresholds.THigh)
	assert.False(t, cfg.Review.IdempotentCounters)
	assert.Equal(t, 3*time.Minute, cfg.Queue.ProcessTimeout)
	assert.True(t, cfg.Auth.AllowLegacyCallerHeader)
	assert.Empty(t, cfg.Webhooks)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
service:
  admin_caller: release-bot
review:
  idempotent_counters: true
webhooks:
  - url: http://hooks.local/rulegate
    events: [ruleset_activated]
    rate_per_second: 2
`))
	require.NoError(t, err)
	assert.Equal(t, "release-bot", cfg.Service.AdminCaller)
	assert.Equal(t, "/v1", cfg.Service.BasePath)
	assert.True(t, cfg.Review.IdempotentCounters)
	assert.Equal(t, 0.85, cfg.Thresholds.THigh)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"ruleset_activated"}, cfg.Webhooks[0].Events)
	assert.Nil(t, cfg.Webhooks[0].Enabled)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"admin":        "service:\n  admin_caller: \" \"\n",
		"backend":      "storage:\n  backend: mongo\n",
		"postgres dsn": "storage:\n  backend: postgres\n",
		"range":        "thresholds:\n  t_low: -0.1\n",
		"crossed":      "thresholds:\n  t_low: 0.9\n  t_high: 0.8\n",
		"queue":        "queue:\n  workers: -1\n",
		"ops":          "ops:\n  max_human_required_rate: 2\n",
		"webhook url":  "webhooks:\n  - events: [x]\n",
		"webhook rate": "webhooks:\n  - url: http://x\n    rate_per_second: -1\n",
		"invalid yaml": "service: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	assert.Equal(t, filepath.Join(dir, "rulegate.yml"), Path(dir))
	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)

	fromFile, err := FromFile(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, loaded, fromFile)
}
