package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "client.cfg")
	err := os.WriteFile(path, []byte(contents), 0644)
	assert.NoError(t, err)
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `TCP_PORT=6881
DOWNLOAD_DIRECTORY=/tmp/downloads
PIPELINE_DEPTH=10
CHOKE_INTERVAL=15s
`)
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 6881, cfg.TCPPort)
	assert.Equal(t, "/tmp/downloads", cfg.DownloadDirectory)
	assert.Equal(t, 10, cfg.PipelineDepth)
	assert.Equal(t, 15*time.Second, cfg.ChokeInterval)

	// Untouched knobs keep their defaults
	assert.Equal(t, 4, cfg.Downloaders)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
}

func TestCommentsAndBlankLines(t *testing.T) {
	path := writeConfig(t, `# client settings

TCP_PORT=7000
`)
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 7000, cfg.TCPPort)
}

func TestUnknownSettingRejected(t *testing.T) {
	path := writeConfig(t, "TPC_PORT=6881\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestMalformedLineRejected(t *testing.T) {
	path := writeConfig(t, "TCP_PORT\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestNonNumericPortRejected(t *testing.T) {
	path := writeConfig(t, "TCP_PORT=not-a-port\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.cfg")
	assert.Error(t, err)
}
