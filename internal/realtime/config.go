package realtime

import "time"

const (
	defaultMaxSDPSize      = 64 * 1024
	defaultKeyframeRequest = 2 * time.Second
	defaultGatherTimeout   = 5 * time.Second
)

type Config struct {
	ICEServers []ICEServerConfig
	PortRange  PortRange
	MaxSDPSize int
	// KeyframeInterval is how often a picture loss indication is sent on
	// each incoming video track. Zero uses the default, negative disables.
	KeyframeInterval time.Duration
	GatherTimeout    time.Duration
}

type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

type PortRange struct {
	Min int
	Max int
}

func (c Config) withDefaults() Config {
	if c.MaxSDPSize <= 0 {
		c.MaxSDPSize = defaultMaxSDPSize
	}
	if c.KeyframeInterval == 0 {
		c.KeyframeInterval = defaultKeyframeRequest
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = defaultGatherTimeout
	}
	return c
}
