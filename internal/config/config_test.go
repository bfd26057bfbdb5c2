package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, ":8000", cfg.Server.Address)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, "memory", cfg.Queue.Driver)
	require.Equal(t, 3, cfg.Tasks.MaxActive)
	require.Equal(t, 5*time.Minute, cfg.Tasks.ExecutionTimeout)
	require.Equal(t, 50, cfg.Tasks.ListLimit)
	require.Equal(t, int64(84532), cfg.Payment.ChainID)
	require.Equal(t, time.Hour, cfg.Payment.ValidFor)
	require.Equal(t, uint64(200000), cfg.Payment.GasLimit)
	require.InDelta(t, 0.002, cfg.Approval.ThresholdUSD, 1e-9)
	require.Equal(t, 10*time.Minute, cfg.Approval.TTL)
	require.Equal(t, "offline", cfg.LLM.Provider)
}

func TestLoadFileResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentbounty.yaml")
	content := `
server:
  address: ":9090"
storage:
  driver: sqlite
  dsn: data/agentbounty.db
payment:
  chain_config: networks.yaml
tasks:
  execution_timeout: 90s
log:
  audit:
    enabled: true
    path: logs/audit.log
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Address)
	require.Equal(t, filepath.Join(dir, "data/agentbounty.db"), cfg.Storage.DSN)
	require.Equal(t, filepath.Join(dir, "networks.yaml"), cfg.Payment.ChainConfig)
	require.Equal(t, filepath.Join(dir, "logs/audit.log"), cfg.Log.Audit.Path)
	require.Equal(t, 90*time.Second, cfg.Tasks.ExecutionTimeout)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AGENTBOUNTY_TASKS_MAX_ACTIVE", "5")
	t.Setenv("AGENTBOUNTY_QUEUE_DRIVER", "redis")
	t.Setenv("AGENTBOUNTY_APPROVAL_THRESHOLD_USD", "0.01")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Tasks.MaxActive)
	require.Equal(t, "redis", cfg.Queue.Driver)
	require.InDelta(t, 0.01, cfg.Approval.ThresholdUSD, 1e-9)
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	t.Setenv("AGENTBOUNTY_STORAGE_DRIVER", "postgres")
	t.Setenv("AGENTBOUNTY_LLM_PROVIDER", "openai")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "不支持的 storage.driver")
	require.Contains(t, err.Error(), "llm.api_key")
}

func TestValidateMCPNeedsServiceToken(t *testing.T) {
	t.Setenv("AGENTBOUNTY_MCP_ENABLED", "true")

	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "mcp.service_token")

	t.Setenv("AGENTBOUNTY_MCP_SERVICE_TOKEN", "svc-token")
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.MCP.Enabled)
	require.Equal(t, "/mcp", cfg.MCP.Path)
	require.Equal(t, 6*time.Minute, cfg.MCP.Timeout)
}
