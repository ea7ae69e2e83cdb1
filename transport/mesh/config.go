package mesh

import (
	"time"

	"github.com/adwski/duelnet/transport"
)

const (
	DefaultDiscoveryTopic    = "duelnet/discovery/1.0.0"
	DefaultMDNSService       = "duelnet-mesh"
	DefaultMeshWaitAttempts  = 10
	DefaultMeshWaitInterval  = 500 * time.Millisecond
	DefaultKeepaliveInterval = 15 * time.Second
	DefaultPruneAfter        = 2 * time.Minute
	DefaultDialTimeout       = 10 * time.Second
	DefaultConnLow           = 8
	DefaultConnHigh          = 32
)

type Config struct {
	Options transport.Options `yaml:"-"`

	ListenAddrs    []string `yaml:"listen_addrs"`
	BootstrapAddrs []string `yaml:"bootstrap_addrs"`
	// StaticRelays are circuit relay servers used for peers behind NAT.
	StaticRelays   []string `yaml:"static_relays"`
	DiscoveryTopic string   `yaml:"discovery_topic"`
	MDNSService    string   `yaml:"mdns_service"`
	DisableMDNS    bool     `yaml:"disable_mdns"`
	EnableNAT      bool     `yaml:"enable_nat"`

	MeshWaitAttempts  int           `yaml:"mesh_wait_attempts"`
	MeshWaitInterval  time.Duration `yaml:"mesh_wait_interval"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	PruneAfter        time.Duration `yaml:"prune_after"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ConnLow           int           `yaml:"conn_low"`
	ConnHigh          int           `yaml:"conn_high"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/0",
			"/ip4/0.0.0.0/udp/0/quic-v1",
		},
		DiscoveryTopic:    DefaultDiscoveryTopic,
		MDNSService:       DefaultMDNSService,
		MeshWaitAttempts:  DefaultMeshWaitAttempts,
		MeshWaitInterval:  DefaultMeshWaitInterval,
		KeepaliveInterval: DefaultKeepaliveInterval,
		PruneAfter:        DefaultPruneAfter,
		DialTimeout:       DefaultDialTimeout,
		ConnLow:           DefaultConnLow,
		ConnHigh:          DefaultConnHigh,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = def.ListenAddrs
	}
	if c.DiscoveryTopic == "" {
		c.DiscoveryTopic = def.DiscoveryTopic
	}
	if c.MDNSService == "" {
		c.MDNSService = def.MDNSService
	}
	if c.MeshWaitAttempts <= 0 {
		c.MeshWaitAttempts = def.MeshWaitAttempts
	}
	if c.MeshWaitInterval <= 0 {
		c.MeshWaitInterval = def.MeshWaitInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = def.PruneAfter
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.ConnLow <= 0 || c.ConnHigh <= c.ConnLow {
		c.ConnLow, c.ConnHigh = def.ConnLow, def.ConnHigh
	}
}
