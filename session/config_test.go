package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	c, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig, *c)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
port_begin: 40000
port_end: 40010
request_timeout: 45s
unchoked_peers: 8
dht_enabled: false
force_outgoing_encryption: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0640))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(40000), c.PortBegin)
	assert.Equal(t, uint16(40010), c.PortEnd)
	assert.Equal(t, 45*time.Second, c.RequestTimeout)
	assert.Equal(t, 8, c.UnchokedPeers)
	assert.False(t, c.DHTEnabled)
	assert.True(t, c.ForceOutgoingEncryption)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultConfig.MaxPeerDial, c.MaxPeerDial)
}

func TestApplyMap(t *testing.T) {
	c := DefaultConfig
	err := c.ApplyMap(map[string]interface{}{
		"unchoked_peers":  6,
		"request_timeout": "20s",
		"data_dir":        "/tmp/x",
	})
	require.NoError(t, err)
	assert.Equal(t, 6, c.UnchokedPeers)
	assert.Equal(t, 20*time.Second, c.RequestTimeout)
	assert.Equal(t, "/tmp/x", c.DataDir)
}
