package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/telepipe/pipeline"
)

func TestInitFlags_Defaults(t *testing.T) {
	ko := koanf.New(".")
	require.NoError(t, initFlags(ko, nil))
	assert.Equal(t, "8080", ko.String("port"))
	assert.Equal(t, 30*time.Second, ko.Duration("peer.claim_timeout"))
	assert.Equal(t, "data/ledger.db", ko.String("ledger.path"))
	assert.Empty(t, ko.String("peer.address"))
}

func TestInitFlags_ConfigFiles(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
port: "9000"
peer:
  address: node-b:9090
pipelines:
  - name: gen
    definition: generate count=1 | discard
    autostart: true
`), 0o644))
	jsonPath := filepath.Join(dir, "override.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"port": "9001"}`), 0o644))

	ko := koanf.New(".")
	require.NoError(t, initFlags(ko, []string{"--config", yamlPath, "--config", jsonPath, "--dev"}))
	assert.Equal(t, "9001", ko.String("port"))
	assert.Equal(t, "node-b:9090", ko.String("peer.address"))
	assert.True(t, ko.Bool("dev"))

	configs, err := pipeline.Load(ko)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.True(t, configs[0].Autostart)
}

func TestInitFlags_FlagsBeatDefaultsNotFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7000\"\n"), 0o644))

	ko := koanf.New(".")
	require.NoError(t, initFlags(ko, []string{"--config", path, "--port", "7001"}))
	assert.Equal(t, "7001", ko.String("port"))
}

func TestInitFlags_UnsupportedExtension(t *testing.T) {
	ko := koanf.New(".")
	assert.Error(t, initFlags(ko, []string{"--config", "settings.toml"}))
}
