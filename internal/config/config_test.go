package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SHM_NAMESPACE", "test")
	t.Setenv("SHM_DIR", "/tmp")
	t.Setenv("SHM_MIN_FREE_BYTES", "4096")
	t.Setenv("SHM_LOG_LEVEL", "1")
	t.Setenv("SHM_WORKERS", "2")
	t.Setenv("SHM_NO_HIRES_TIMER", "true")
	t.Setenv("SHM_APP_RESTART", "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "test", cfg.Region.Namespace)
	assert.Equal(t, uint64(4096), cfg.Region.MinFreeBytes)
	assert.Equal(t, 2, cfg.Server.Workers)

	log := zap.NewNop()
	sc := cfg.ShmConfig(log)
	assert.Equal(t, "/tmp/test.x", sc.Path("x"))
	opts := cfg.TimestampOptions(log)
	assert.True(t, opts.DisableHighResolution)
	assert.True(t, opts.Restarted)

	l, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("SHM_WORKERS", "many")
	_, err := Load()
	assert.Error(t, err)
}
