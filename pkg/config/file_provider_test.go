package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProvider_PublishesValidRevisions(t *testing.T) {
	path := writeConfig(t, "server: {address: \":9001\"}\n")
	provider, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	assert.Equal(t, ":9001", provider.Current().Server.Address)
	updates := provider.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte("server: {address: \":9002\"}\n"), 0o600))

	select {
	case cfg := <-updates:
		assert.Equal(t, ":9002", cfg.Server.Address)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for configuration reload")
	}
	assert.Equal(t, ":9002", provider.Current().Server.Address)
}

func TestFileProvider_RejectsInvalidRevision(t *testing.T) {
	path := writeConfig(t, "server: {address: \":9001\"}\n")
	provider, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	require.NoError(t, os.WriteFile(path, []byte("logging: {level: loud}\n"), 0o600))
	assert.Error(t, provider.Reload())
	assert.Equal(t, ":9001", provider.Current().Server.Address)
}

func TestFileProvider_InitialLoadMustSucceed(t *testing.T) {
	_, err := NewFileProvider(writeConfig(t, "logging: {level: loud}\n"), nil)
	assert.Error(t, err)
}

func TestFileProvider_CloseClosesSubscribers(t *testing.T) {
	provider, err := NewFileProvider(writeConfig(t, "{}\n"), nil)
	require.NoError(t, err)
	updates := provider.Subscribe()
	require.NoError(t, provider.Close())

	_, ok := <-updates
	assert.False(t, ok)
}
