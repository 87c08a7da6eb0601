package h2

import (
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// H2Config holds the tunables for one connection, client or server.
// The zero value works; defaults are filled in when the connection
// starts. The struct is yaml-friendly so deployments can ship it as a
// config file, see LoadConfig.
type H2Config struct {
	// UserAgent is sent on client requests when not already set.
	UserAgent string `json:"userAgent,omitempty"`

	// InitialWindowSize is the per-stream receive window to advertise.
	InitialWindowSize int32 `json:"initialWindowSize,omitempty"`
	// InitialConnWindowSize is the connection receive window.
	InitialConnWindowSize int32 `json:"initialConnWindowSize,omitempty"`

	// MaxFrameSize advertises SETTINGS_MAX_FRAME_SIZE. 0 means the
	// protocol default of 16384.
	MaxFrameSize uint32 `json:"maxFrameSize,omitempty"`

	// MaxHeaderListSize advertises SETTINGS_MAX_HEADER_LIST_SIZE.
	MaxHeaderListSize *uint32 `json:"maxHeaderListSize,omitempty"`

	// MaxConcurrentStreams limits peer-initiated streams. 0 means
	// unlimited on the client and 100 on the server.
	MaxConcurrentStreams uint32 `json:"maxConcurrentStreams,omitempty"`

	// HeaderTableSize advertises SETTINGS_HEADER_TABLE_SIZE.
	HeaderTableSize *uint32 `json:"headerTableSize,omitempty"`

	// WriteBufferSize batches frames before they hit the wire.
	WriteBufferSize int `json:"writeBufferSize,omitempty"`
	// ReadBufferSize determines how much is read per syscall.
	ReadBufferSize int `json:"readBufferSize,omitempty"`

	// KeepaliveParams configures client keepalive pings.
	KeepaliveParams ClientParameters `json:"keepalive,omitempty"`
	// ServerKeepalive configures server keepalive and max-age.
	ServerKeepalive ServerParameters `json:"serverKeepalive,omitempty"`
	// KeepalivePolicy is the server's ping enforcement policy.
	KeepalivePolicy EnforcementPolicy `json:"keepalivePolicy,omitempty"`
}

// LoadConfig reads an H2Config from a yaml (or json) file. Durations
// are plain nanosecond integers, the json encoding of time.Duration.
func LoadConfig(path string) (*H2Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &H2Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ClientParameters is used to set keepalive parameters on the
// client-side. These configure how the client will actively probe to
// notice when a connection is broken and send pings so intermediaries
// are aware of the liveness of the connection.
type ClientParameters struct {
	// After a duration of this time if the client doesn't see any
	// activity it pings the server to see if the transport is still
	// alive. The default is no pings.
	Time time.Duration `json:"time,omitempty"`
	// After having pinged for keepalive check, the client waits for
	// Timeout and if no activity is seen even after that the
	// connection is closed.
	Timeout time.Duration `json:"timeout,omitempty"`
	// If true, client sends keepalive pings even with no active
	// streams.
	PermitWithoutStream bool `json:"permitWithoutStream,omitempty"`
}

// ServerParameters is used to set keepalive and max-age parameters on
// the server-side.
type ServerParameters struct {
	// MaxConnectionIdle is how long a connection with no streams lives
	// before the server starts a graceful GOAWAY.
	MaxConnectionIdle time.Duration `json:"maxConnectionIdle,omitempty"`
	// Time is the server keepalive ping interval.
	Time time.Duration `json:"time,omitempty"`
	// Timeout is how long after an unanswered ping the connection is
	// closed.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// EnforcementPolicy is used to set keepalive enforcement policy on
// the server-side. The server closes connections with clients that
// violate it.
type EnforcementPolicy struct {
	// MinTime is the minimum amount of time a client should wait
	// before sending a keepalive ping.
	MinTime time.Duration `json:"minTime,omitempty"`
	// If true, the server allows keepalive pings even when there are
	// no active streams. If false, such pings count as strikes.
	PermitWithoutStream bool `json:"permitWithoutStream,omitempty"`
}

func (c *H2Config) maxHeaderListSize() uint32 {
	if c.MaxHeaderListSize != nil {
		return *c.MaxHeaderListSize
	}
	return defaultServerMaxHeaderListSize
}

func (c *H2Config) maxFrameSize() uint32 {
	if c.MaxFrameSize >= http2MaxFrameLen && c.MaxFrameSize < 1<<24 {
		return c.MaxFrameSize
	}
	return http2MaxFrameLen
}

func (c *H2Config) initialWindowSize() uint32 {
	if c.InitialWindowSize > 0 {
		return uint32(c.InitialWindowSize)
	}
	return defaultWindowSize
}

func (c *H2Config) initialConnWindowSize() uint32 {
	if c.InitialConnWindowSize > 0 {
		return uint32(c.InitialConnWindowSize)
	}
	return defaultWindowSize
}
