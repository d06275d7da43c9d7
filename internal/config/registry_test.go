package config_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/s2s"
	"github.com/MrWong99/parley/pkg/provider/s2s/mock"
)

func TestRegistry_Create(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	var got config.ProviderConfig
	r.Register("mock", func(cfg config.ProviderConfig) (s2s.Provider, error) {
		got = cfg
		return &mock.Provider{ProviderName: "mock"}, nil
	})

	p, err := r.Create(config.ProviderConfig{Name: "mock", Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
	assert.Equal(t, "m1", got.Model)
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().Create(config.ProviderConfig{Name: "nope"})
	assert.ErrorIs(t, err, config.ErrProviderNotRegistered)
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("boom")
	r.Register("bad", func(config.ProviderConfig) (s2s.Provider, error) { return nil, boom })

	_, err := r.Create(config.ProviderConfig{Name: "bad"})
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	factory := func(config.ProviderConfig) (s2s.Provider, error) { return &mock.Provider{}, nil }
	r.Register("zeta", factory)
	r.Register("alpha", factory)
	r.Register("zeta", factory)
	assert.Equal(t, []string{"alpha", "zeta"}, r.Names())
}
