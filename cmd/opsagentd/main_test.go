package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenOps-Agent/internal/config"
	xerrors "OpenOps-Agent/internal/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opsagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesFlagOverrides(t *testing.T) {
	path := writeConfig(t, `
llm:
  api_key: test
backend:
  base_url: http://backend.local
`)
	cfg, err := loadConfig(Options{Config: path, Listen: ":9999", LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, config.VariantSingleTurnJSON, cfg.LLM.Variant)
}

func TestLoadConfigRejectsInvalidConfiguration(t *testing.T) {
	path := writeConfig(t, `
llm:
  api_key: test
`)
	_, err := loadConfig(Options{Config: path})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))

	_, err = loadConfig(Options{Config: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
}

func TestBuildTaskQueueRejectsUnknownDriver(t *testing.T) {
	_, err := buildTaskQueue(config.TaskQueueConfig{Driver: "carrier"})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))

	q, err := buildTaskQueue(config.TaskQueueConfig{Driver: "memory", Buffer: 4})
	require.NoError(t, err)
	assert.NoError(t, q.Close())
}

func TestBuildAuth(t *testing.T) {
	svc, err := buildAuth(config.AuthConfig{Mode: "disabled"})
	require.NoError(t, err)
	assert.EqualValues(t, "disabled", svc.Mode())

	svc, err = buildAuth(config.AuthConfig{Mode: "token", Tokens: []config.AuthTokenConfig{{Name: "ops", Token: "t", Permissions: []string{"*"}}}})
	require.NoError(t, err)
	assert.EqualValues(t, "token", svc.Mode())

	_, err = buildAuth(config.AuthConfig{Mode: "jwt"})
	assert.Equal(t, xerrors.CodeFatalConfiguration, xerrors.CodeOf(err))
}
