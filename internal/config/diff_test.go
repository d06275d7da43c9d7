package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MrWong99/parley/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Session: config.SessionConfig{Voice: "Puck"}}
	cfg.ApplyDefaults()
	return cfg
}

func TestCompare_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Compare(cfg, cfg)
	assert.False(t, d.Changed())
	assert.Empty(t, d.RestartRequired)
}

func TestCompare_SessionAndLogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.Voice = "Kore"
	new.Log.Level = config.LogDebug

	d := config.Compare(old, new)
	assert.True(t, d.SessionChanged)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, config.LogDebug, d.NewLogLevel)
	assert.Empty(t, d.RestartRequired)
	assert.True(t, d.Changed())
}

func TestCompare_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Log.File = "/tmp/parley.log"
	new.Provider.Model = "other"
	new.Audio.OutputChannels = 2

	d := config.Compare(old, new)
	assert.False(t, d.SessionChanged)
	assert.Equal(t, []string{"server", "log", "provider", "audio"}, d.RestartRequired)
}
