package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, 18800, cfg.TCPPort)
	assert.Equal(t, 18900, cfg.UDPPort)
	assert.Equal(t, []string{"hub"}, cfg.Roles)
	assert.Equal(t, 60.0, cfg.Security.NonceWindowSeconds)
	assert.Equal(t, 6, cfg.Enrollment.PinLength)
	assert.Equal(t, 300.0, cfg.Enrollment.TimeoutSeconds)
	assert.Equal(t, 3, cfg.Enrollment.MaxAttempts)
	assert.Equal(t, 1024, cfg.OTA.ChunkSize)
	assert.Equal(t, 30.0, cfg.OTA.ChunkAckTimeoutSecs)
	assert.Equal(t, 1000, cfg.Pipeline.BufferSize)
	assert.Zero(t, cfg.DashboardPort, "dashboard disabled unless configured")
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: hub-lab
tcp_port: 19000
roles: [hub, gateway]
security:
  psk_auth_enabled: true
  encryption_enabled: true
  nonce_window_seconds: 90
mtls:
  enabled: true
  ca_dir: /var/lib/mesh/ca
ota:
  firmware_dir: /var/lib/mesh/firmware
  chunk_size: 512
dashboard_port: 8080
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hub-lab", cfg.NodeID)
	assert.Equal(t, 19000, cfg.TCPPort)
	assert.Equal(t, []string{"hub", "gateway"}, cfg.Roles)
	assert.True(t, cfg.Security.PSKAuthEnabled)
	assert.True(t, cfg.Security.EncryptionEnabled)
	assert.Equal(t, 90.0, cfg.Security.NonceWindowSeconds)
	assert.True(t, cfg.MTLS.Enabled)
	assert.Equal(t, "/var/lib/mesh/ca", cfg.MTLS.CADir)
	assert.Equal(t, "/var/lib/mesh/firmware", cfg.OTA.FirmwareDir)
	assert.Equal(t, 512, cfg.OTA.ChunkSize)
	assert.Equal(t, 8080, cfg.DashboardPort)

	// Untouched fields still default.
	assert.Equal(t, 18900, cfg.UDPPort)
	assert.Equal(t, 60.0, cfg.OTA.OfferTimeoutSeconds)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: from-yaml\ntcp_port: 19000\n"), 0o644))

	t.Setenv("MESH_NODE_ID", "from-env")
	t.Setenv("MESH_TCP_PORT", "19500")
	t.Setenv("MESH_PSK_AUTH_ENABLED", "true")
	t.Setenv("MESH_ROLES", "hub,edge")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, 19500, cfg.TCPPort)
	assert.True(t, cfg.Security.PSKAuthEnabled)
	assert.Equal(t, []string{"hub", "edge"}, cfg.Roles)
}

func TestMalformedYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
