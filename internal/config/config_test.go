package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPersistedMissingFileReturnsNil(t *testing.T) {
	p, err := loadPersisted(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestLoadPersistedParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "listen_addr: 0.0.0.0:9470\ntrusted_origins:\n  - https://example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	p, err := loadPersisted(path)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "0.0.0.0:9470", p.ListenAddr)
	assert.Equal(t, []string{"https://example.com"}, p.TrustedOrigins)
}

func TestLoadPersistedRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o600))

	_, err := loadPersisted(path)
	assert.Error(t, err)
}

func TestDefaultConfigPathUnderHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".captureagent", "config.yaml"), DefaultConfigPath())
}
