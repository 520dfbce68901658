package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intentmesh.yaml")
	content := []byte(`
node:
  id: node-a
mesh:
  driver: memory
lifecycle:
  match_timeout: 45s
  broadcast_retries: 5
  settlement_wait: -1s
negotiation:
  floors:
    units: 80
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "node-a", cfg.Node.ID)
	require.Empty(t, cfg.Node.KeyFile)
	require.Equal(t, filepath.Join(dir, "data"), cfg.Node.DataDir)
	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, "memory", cfg.Mesh.Driver)
	require.Equal(t, 45*time.Second, cfg.Lifecycle.MatchTimeout.Std())
	require.Equal(t, 5, cfg.Lifecycle.BroadcastRetries)
	require.Less(t, cfg.Lifecycle.SettlementWait.Std(), time.Duration(0))
	require.Equal(t, 30*time.Second, cfg.Lifecycle.ProofTimeout.Std())
	require.Equal(t, int64(80), cfg.Negotiation.Floors["units"])
	require.Equal(t, "digest", cfg.Proof.Engine)
	require.Equal(t, "memory", cfg.Settlement.Driver)
	require.Equal(t, time.Hour, cfg.Settlement.Retention.Std())
	require.Equal(t, 1024, cfg.Notify.HistorySize)
}

func TestParseIntegerSecondsDuration(t *testing.T) {
	cfg, err := Parse([]byte("lifecycle:\n  orphan_ttl: 12\n"), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 12*time.Second, cfg.Lifecycle.OrphanTTL.Std())
}

func TestParseEmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil, ".")
	require.NoError(t, err)
	require.Equal(t, "libp2p", cfg.Mesh.Driver)
	require.Equal(t, filepath.Join("data", "node.key"), cfg.Node.KeyFile)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("mesh:\n  transport: tcp\n"), ".")
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`
settlement:
  driver: evm
notify:
  redis:
    enabled: true
`), ".")
	require.Error(t, err)
	require.Contains(t, err.Error(), "settlement.evm.rpc_url")
	require.Contains(t, err.Error(), "settlement.evm.chain_id")
	require.Contains(t, err.Error(), "notify.redis.addr")
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvPath, "")
	require.Equal(t, DefaultPath, PathFromEnv())
	t.Setenv(EnvPath, "/etc/intentmesh.yaml")
	require.Equal(t, "/etc/intentmesh.yaml", PathFromEnv())
}

func TestParseAPITokens(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  api_tokens:
    - name: operator
      token: secret
      permissions: ["intents:read", "intents:write"]
`), t.TempDir())
	require.NoError(t, err)
	require.Len(t, cfg.Server.APITokens, 1)
	require.Equal(t, "operator", cfg.Server.APITokens[0].Name)
	require.Equal(t, []string{"intents:read", "intents:write"}, cfg.Server.APITokens[0].Permissions)
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "intentmesh.yaml"))
	require.NoError(t, err)
	require.Equal(t, "libp2p", cfg.Mesh.Driver)
	require.True(t, cfg.Server.Metrics)
	require.NotEmpty(t, cfg.Server.APITokens)
	require.Equal(t, int64(80), cfg.Negotiation.Floors["gpu"])
}
