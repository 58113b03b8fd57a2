package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8420", cfg.Server.ListenAddr)
	assert.Equal(t, 10, cfg.Sessions.MaxSessions)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.SessionTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Sessions.CleanupInterval)
	assert.True(t, cfg.Sessions.CleanupEnabled)
	assert.Equal(t, "interactive", cfg.Agent.PermissionMode)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, "local", cfg.Environment.DefaultKind)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ivory.yaml")
	content := `
server:
  listen_addr: ":9000"
sessions:
  max_sessions: 3
  session_timeout: 10m
agent:
  permission_mode: auto
  pre_approved_tools: [file_read, glob]
environment:
  default_kind: container
model:
  name: test-model
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 3, cfg.Sessions.MaxSessions)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.SessionTimeout)
	assert.Equal(t, "auto", cfg.Agent.PermissionMode)
	assert.Equal(t, []string{"file_read", "glob"}, cfg.Agent.PreApprovedTools)
	assert.Equal(t, "container", cfg.Environment.DefaultKind)
	assert.Equal(t, "test-model", cfg.Model.Name)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad permission mode", func(c *Config) { c.Agent.PermissionMode = "yolo" }},
		{"bad adapter kind", func(c *Config) { c.Environment.DefaultKind = "mainframe" }},
		{"zero sessions", func(c *Config) { c.Sessions.MaxSessions = 0 }},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDumpMasksAPIKey(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Model.APIKey = "sk-secret"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "********")
	assert.Contains(t, out, "listen_addr")
}
