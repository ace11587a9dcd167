package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dreamware/fleet/internal/config"
)

func TestParseFlags(t *testing.T) {
	f, err := parseFlags([]string{
		"--listen", ":9000",
		"--node-id", "east",
		"--peer", "http://a:8080",
		"--peer", "http://b:8080,http://c:8080",
		"-c", "/etc/fleet.yaml",
	})
	require.NoError(t, err)
	assert.Equal(t, ":9000", f.listen)
	assert.Equal(t, "east", f.nodeID)
	assert.Equal(t, "/etc/fleet.yaml", f.configPath)
	assert.Equal(t, []string{"http://a:8080", "http://b:8080", "http://c:8080"}, f.peers)

	_, err = parseFlags([]string{"--bogus"})
	assert.Error(t, err)
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  id: from-file\nhttp:\n  listen: \":7000\"\n"), 0o600))
	t.Setenv("FLEET_CONFIG", path)
	t.Setenv("FLEET_LISTEN", ":7100")

	cfg, err := loadConfig(&flags{})
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Node.ID)
	assert.Equal(t, ":7100", cfg.HTTP.Listen, "environment beats file")

	cfg, err = loadConfig(&flags{listen: ":7200", nodeID: "from-flag", peers: []string{"http://p:1"}})
	require.NoError(t, err)
	assert.Equal(t, ":7200", cfg.HTTP.Listen, "flags beat environment")
	assert.Equal(t, "from-flag", cfg.Node.ID)
	assert.Equal(t, []string{"http://p:1"}, cfg.Node.Peers)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("FLEET_SYNC_STRATEGY", "coin_flip")
	_, err := loadConfig(&flags{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestAppGraphIsComplete(t *testing.T) {
	require.NoError(t, fx.ValidateApp(appOptions(config.Default(), zap.NewNop())...))
}
