package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "store", cfg.Sequence.Backend)
	assert.Equal(t, 8086, cfg.Server.Port)
	assert.False(t, cfg.NATS.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WORKFLOWS_SERVER_PORT", "9999")
	t.Setenv("WORKFLOWS_SEQUENCE_BACKEND", "redis")
	t.Setenv("WORKFLOWS_DATABASE_MEMORY", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Sequence.Backend)
	assert.True(t, cfg.Database.Memory)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
service:
  environment: production
server:
  request_timeout: 5s
nats:
  enabled: true
  url: nats://nats:4222
workflow:
  link_base: https://erp.example.com/workflows
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Service.Environment)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "https://erp.example.com/workflows", cfg.Workflow.LinkBase)
	assert.Equal(t, "be-approval-workflows", cfg.Service.Name)
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Setenv("WORKFLOWS_SEQUENCE_BACKEND", "etcd")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sequence backend")
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{User: "u", Password: "p", Host: "db", Port: 5433, Database: "wf", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5433/wf?sslmode=disable", d.DSN())
}
