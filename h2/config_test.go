package h2

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "h2.yaml")
	err := os.WriteFile(path, []byte(`
userAgent: h2mux-test/1.0
initialWindowSize: 1048576
initialConnWindowSize: 4194304
maxFrameSize: 65536
maxConcurrentStreams: 32
keepalive:
  time: 30000000000
  timeout: 10000000000
  permitWithoutStream: true
serverKeepalive:
  maxConnectionIdle: 300000000000
keepalivePolicy:
  minTime: 60000000000
`), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "h2mux-test/1.0", cfg.UserAgent)
	assert.Equal(t, int32(1048576), cfg.InitialWindowSize)
	assert.Equal(t, int32(4194304), cfg.InitialConnWindowSize)
	assert.Equal(t, uint32(65536), cfg.MaxFrameSize)
	assert.Equal(t, uint32(32), cfg.MaxConcurrentStreams)
	assert.Equal(t, 30*time.Second, cfg.KeepaliveParams.Time)
	assert.Equal(t, 10*time.Second, cfg.KeepaliveParams.Timeout)
	assert.True(t, cfg.KeepaliveParams.PermitWithoutStream)
	assert.Equal(t, 5*time.Minute, cfg.ServerKeepalive.MaxConnectionIdle)
	assert.Equal(t, time.Minute, cfg.KeepalivePolicy.MinTime)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := &H2Config{}
	assert.Equal(t, uint32(defaultWindowSize), cfg.initialWindowSize())
	assert.Equal(t, uint32(defaultWindowSize), cfg.initialConnWindowSize())
	assert.Equal(t, uint32(http2MaxFrameLen), cfg.maxFrameSize())
	assert.Equal(t, uint32(defaultServerMaxHeaderListSize), cfg.maxHeaderListSize())

	// Out-of-range frame sizes fall back to the protocol default.
	cfg.MaxFrameSize = 1 << 24
	assert.Equal(t, uint32(http2MaxFrameLen), cfg.maxFrameSize())
	cfg.MaxFrameSize = 100
	assert.Equal(t, uint32(http2MaxFrameLen), cfg.maxFrameSize())
	cfg.MaxFrameSize = 1 << 20
	assert.Equal(t, uint32(1<<20), cfg.maxFrameSize())

	mh := uint32(8 << 10)
	cfg.MaxHeaderListSize = &mh
	assert.Equal(t, mh, cfg.maxHeaderListSize())
}
