package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.EqualValues(t, 4<<20, cfg.Upload.ChunkSize)
	assert.EqualValues(t, int64(100)<<30, cfg.Upload.MaxFileSize)
	assert.EqualValues(t, 5<<20, cfg.Upload.BodyLimit())
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.UploadAddr())
	assert.Equal(t, "127.0.0.1:8081", cfg.Server.AdminAddr())
	assert.Equal(t, 10*time.Second, cfg.Liveness.SweepInterval)
	assert.Equal(t, time.Minute, cfg.Liveness.UploadStaleTimeout)
	assert.Zero(t, cfg.Liveness.Retention)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 100, cfg.Admin.PageSize)
	assert.True(t, cfg.Tunnel.Enabled)
	assert.Equal(t, "drcv.app", cfg.Tunnel.Domain)
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.EqualValues(t, 4<<20, cfg.Upload.ChunkSize)
	assert.Equal(t, 120*time.Second, cfg.Liveness.ClientStaleTimeout)
	assert.Equal(t, "drcv:events", cfg.Redis.Channel)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
server:
  upload_port: 9000
upload:
  chunk_size: "1MiB"
  max_file_size: "10MB"
liveness:
  upload_stale_timeout: 90s
tunnel:
  enabled: false
`)
	t.Setenv("DRCV_SERVER_ADMIN_PORT", "9100")
	t.Setenv("DRCV_LIVENESS_RETENTION", "24h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.UploadPort)
	assert.Equal(t, 9100, cfg.Server.AdminPort)
	assert.EqualValues(t, 1<<20, cfg.Upload.ChunkSize)
	assert.EqualValues(t, 10_000_000, cfg.Upload.MaxFileSize)
	assert.Equal(t, 90*time.Second, cfg.Liveness.UploadStaleTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Liveness.Retention)
	assert.False(t, cfg.Tunnel.Enabled)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unparseable chunk size", "upload:\n  chunk_size: \"lots\"\n"},
		{"zero chunk size", "upload:\n  chunk_size: \"0\"\n"},
		{"max below chunk", "upload:\n  chunk_size: \"4MiB\"\n  max_file_size: \"1MiB\"\n"},
		{"zero page size", "admin:\n  page_size: 0\n"},
		{"unknown driver", "database:\n  driver: \"postgres\"\n"},
		{"zero sweep interval", "liveness:\n  sweep_interval: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
