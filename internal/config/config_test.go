package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, time.Second, cfg.Governor.MinDelay)
	assert.Equal(t, 3*time.Second, cfg.Governor.MaxDelay)
	assert.Equal(t, 15*time.Second, cfg.Governor.FetchTimeout)
	assert.Len(t, cfg.Governor.UserAgents, 4)
	assert.Equal(t, 2*time.Second, cfg.Collector.BaseBackoff)
	assert.Equal(t, 3, cfg.Orchestrator.TerminalWriteAttempts)
	assert.Equal(t, 5, cfg.Collector.MaxRelated)
	assert.Equal(t, 1, cfg.Collector.MaxSearchTerms)
	assert.Equal(t, 3*time.Minute, cfg.Orchestrator.PhaseTimeout)
	assert.Equal(t, 4, cfg.LLM.MaxConcurrent)
	assert.Equal(t, "asynq", cfg.Queue.Backend)
	assert.False(t, cfg.Archive.Enabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GOVERNOR_MIN_DELAY", "250ms")
	t.Setenv("GOVERNOR_ALLOWED_HOSTS", "www.amazon.com, amazon.de")
	t.Setenv("QUEUE_BACKEND", "inline")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Governor.MinDelay)
	assert.Equal(t, []string{"www.amazon.com", "amazon.de"}, cfg.Governor.AllowedHosts)
	assert.Equal(t, "inline", cfg.Queue.Backend)
}

func TestLoad_TuningEnvOverrides(t *testing.T) {
	t.Setenv("COLLECTOR_BASE_BACKOFF", "500ms")
	t.Setenv("COLLECTOR_BLOCKED_BACKOFF", "30s")
	t.Setenv("ORCHESTRATOR_TERMINAL_WRITE_ATTEMPTS", "5")
	t.Setenv("ORCHESTRATOR_TERMINAL_RECOVERY_WINDOW", "10m")
	t.Setenv("GOVERNOR_USER_AGENTS", "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/125.0 | curl/8.5.0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Collector.BaseBackoff)
	assert.Equal(t, 30*time.Second, cfg.Collector.BlockedBackoff)
	assert.Equal(t, 5, cfg.Orchestrator.TerminalWriteAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.TerminalRecoveryWindow)
	assert.Equal(t, []string{
		"Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/125.0",
		"curl/8.5.0",
	}, cfg.Governor.UserAgents)
}

func TestLoad_SecretFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llm_key")
	require.NoError(t, os.WriteFile(path, []byte("sk-test\n"), 0o600))

	t.Setenv("LLM_API_KEY", "")
	t.Setenv("LLM_API_KEY_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}
