package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	data := `
listenAddr: ":18080"
xdsAddr: "127.0.0.1:18000"
defaults:
  policy: least_conn
`
	require.Nil(t, os.WriteFile(filepath.Join(dir, "mygw.yaml"), []byte(data), 0o644))

	cfg, err := ReadConfig(dir)
	require.Nil(t, err)
	assert.Equal(t, ":18080", cfg.ListenAddr)
	assert.Equal(t, "127.0.0.1:9901", cfg.AdminAddr)
	assert.Equal(t, filepath.Join(dir, "provider"), cfg.ProviderDir)
	assert.Equal(t, []string{"127.0.0.1:18000"}, cfg.Envoy.XdsServers)
	assert.Equal(t, int64(DefaultMaxReplayBytes), cfg.MaxReplayBytes)
	assert.Equal(t, "least_conn", cfg.Defaults.Policy)
	assert.Equal(t, 9000, cfg.Envoy.AdminPort)
	assert.Equal(t, dir, cfg.ConfDir())
	assert.Equal(t, filepath.Join(dir, "generated"), cfg.OutputPath())
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig(t.TempDir())
	assert.NotNil(t, err)
}

func TestReadConfigAbsProviderDir(t *testing.T) {
	dir := t.TempDir()
	data := "providerDir: /srv/mygw\nadminSecret: s3cret\n"
	require.Nil(t, os.WriteFile(filepath.Join(dir, "mygw.yaml"), []byte(data), 0o644))

	cfg, err := ReadConfig(dir)
	require.Nil(t, err)
	assert.Equal(t, "s3cret", cfg.AdminSecret)
	assert.Equal(t, "/srv/mygw", cfg.ProviderDir)
	assert.Len(t, cfg.Envoy.XdsServers, 0)
}
