package engine

import (
	"time"

	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/session"
)

const (
	defaultPollInterval = 60 * time.Second
	fastPollInterval    = 10 * time.Second
	defaultFanOut       = 4
	// defaultSettleDelay is the conservative inter-command settle
	// budget for the vendor CLI. A single tunable until hardware
	// testing narrows it.
	defaultSettleDelay    = 250 * time.Millisecond
	defaultCommandTimeout = 30 * time.Second
	defaultSaveTimeout    = 60 * time.Second
)

// Config is the engine's complete configuration. It is replaced
// wholesale by a configure push and applied atomically at tick
// boundaries, never mid-tick.
type Config struct {
	Seeds             []string
	Credentials       []session.Credential
	PreferredPassword string
	BaseConfig        string

	// VLAN plan
	MgmtVLAN       int
	Gateway        string
	DNS            []string
	HostnamePrefix string

	// AP port profile
	WirelessVLANs []int
	APPortPoE     bool

	PollInterval   time.Duration
	FastDiscovery  bool
	SettleDelay    time.Duration
	FanOut         int
	CommandTimeout time.Duration
	SaveTimeout    time.Duration
}

// Normalize fills defaults and applies fast-discovery shortcuts.
// Fast discovery changes latency only, never correctness.
func (c *Config) Normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.FanOut <= 0 {
		c.FanOut = defaultFanOut
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = defaultCommandTimeout
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = defaultSaveTimeout
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	} else if c.SettleDelay == 0 && !c.FastDiscovery {
		c.SettleDelay = defaultSettleDelay
	}
	if c.FastDiscovery {
		c.SettleDelay = 0
		if c.PollInterval > fastPollInterval {
			c.PollInterval = fastPollInterval
		}
	}
}

// FromWire converts the wire configuration into engine form.
func FromWire(w protocol.ZTPConfig) Config {
	c := Config{
		Seeds:             append([]string(nil), w.Seeds...),
		Credentials:       append([]session.Credential(nil), w.Credentials...),
		PreferredPassword: w.PreferredPassword,
		BaseConfig:        w.BaseConfig,
		MgmtVLAN:          w.MgmtVLAN,
		Gateway:           w.Gateway,
		DNS:               append([]string(nil), w.DNS...),
		HostnamePrefix:    w.HostnamePrefix,
		WirelessVLANs:     append([]int(nil), w.WirelessVLANs...),
		APPortPoE:         w.APPortPoE,
		PollInterval:      time.Duration(w.PollIntervalSecs) * time.Second,
		FastDiscovery:     w.FastDiscovery,
		SettleDelay:       time.Duration(w.SettleDelayMillis) * time.Millisecond,
	}
	c.Normalize()
	return c
}
