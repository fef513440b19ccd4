package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, DefaultGRPCAddr, cfg.GRPCAddr)
	assert.Equal(t, DefaultRaftAddr, cfg.RaftAddr)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.Equal(t, DefaultRecoveryTimeout, cfg.RecoveryTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Bootstrap)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DLOCKD_NODE_ID", "m-1")
	t.Setenv("DLOCKD_BOOTSTRAP", "true")
	t.Setenv("DLOCKD_SESSION_TTL", "10s")
	t.Setenv("DLOCKD_REQUEST_TIMEOUT", "750ms")

	cfg := Load()

	assert.Equal(t, "m-1", cfg.NodeID)
	assert.True(t, cfg.Bootstrap)
	assert.Equal(t, 10*time.Second, cfg.SessionTTL)
	assert.Equal(t, 750*time.Millisecond, cfg.RequestTimeout)
}

func TestInvalidEnvKeepsDefault(t *testing.T) {
	t.Setenv("DLOCKD_SESSION_TTL", "forever")
	t.Setenv("DLOCKD_BOOTSTRAP", "maybe")

	cfg := Load()

	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.False(t, cfg.Bootstrap)
}

func TestValidate(t *testing.T) {
	cfg := Load()
	assert.Error(t, cfg.Validate(), "node id missing")

	cfg.NodeID = "m-1"
	require.NoError(t, cfg.Validate())

	cfg.ExpiryInterval = cfg.SessionTTL
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.NodeID = "m-1"
	cfg.RecoveryTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = Load()
	cfg.NodeID = "m-1"
	cfg.Peers = "m-2"
	assert.Error(t, cfg.Validate())
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("m-1=127.0.0.1:7400, m-2=127.0.0.1:7410")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"m-1": "127.0.0.1:7400",
		"m-2": "127.0.0.1:7410",
	}, peers)

	peers, err = ParsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)

	_, err = ParsePeers("m-1=")
	assert.Error(t, err)
}

func TestDefaultIgnoresEnv(t *testing.T) {
	t.Setenv("DLOCKD_GRPC_ADDR", "10.0.0.1:7400")

	assert.Equal(t, DefaultGRPCAddr, Default().GRPCAddr)
	assert.Equal(t, "10.0.0.1:7400", Load().GRPCAddr)
}
