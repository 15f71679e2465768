// Package config loads the edge agent configuration file. The file is
// INI-format, read once at startup and re-read only on SIGHUP.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"

	"github.com/icxfleet/icxfleet/pkg/util"
)

// DefaultPath is where the agent looks for its configuration when
// --config is not given.
const DefaultPath = "/etc/icxfleet/agent.conf"

// Agent is the parsed agent configuration.
type Agent struct {
	// [agent]
	AgentID          string
	AuthToken        string
	CommandTimeout   time.Duration
	ViewPasswordHash string // bcrypt hash for the dashboard per-agent gate

	// [network]
	Hostname string
	Subnet   string

	// [backend]
	ServerURL         string
	WebSocketPath     string
	ReconnectInterval time.Duration

	// [logging]
	LogLevel string
	LogFile  string

	// [ztp]
	EnableZTP    bool
	PollInterval time.Duration
	ZTPProfile   string // optional local provisioning profile (YAML)
}

// Load reads and validates an agent configuration file.
func Load(path string) (*Agent, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", util.ErrConfig, path, err)
	}

	cfg := &Agent{
		CommandTimeout:    30 * time.Second,
		WebSocketPath:     "/ws/agent",
		ReconnectInterval: 30 * time.Second,
		LogLevel:          "info",
		EnableZTP:         true,
		PollInterval:      60 * time.Second,
	}

	agent := f.Section("agent")
	cfg.AgentID = agent.Key("agent_id").String()
	cfg.AuthToken = agent.Key("auth_token").String()
	cfg.ViewPasswordHash = agent.Key("view_password_hash").String()
	if v := agent.Key("command_timeout").String(); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("%w: agent.command_timeout: %v", util.ErrConfig, err)
		}
		cfg.CommandTimeout = d
	}

	network := f.Section("network")
	cfg.Hostname = network.Key("hostname").String()
	cfg.Subnet = network.Key("subnet").String()

	backend := f.Section("backend")
	cfg.ServerURL = backend.Key("server_url").String()
	if v := backend.Key("websocket_path").String(); v != "" {
		cfg.WebSocketPath = v
	}
	if v := backend.Key("reconnect_interval").String(); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("%w: backend.reconnect_interval: %v", util.ErrConfig, err)
		}
		cfg.ReconnectInterval = d
	}

	logging := f.Section("logging")
	if v := logging.Key("level").String(); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogFile = logging.Key("log_file").String()

	ztp := f.Section("ztp")
	if k := ztp.Key("enable_ztp"); k.String() != "" {
		b, err := k.Bool()
		if err != nil {
			return nil, fmt.Errorf("%w: ztp.enable_ztp: %v", util.ErrConfig, err)
		}
		cfg.EnableZTP = b
	}
	if v := ztp.Key("poll_interval").String(); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("%w: ztp.poll_interval: %v", util.ErrConfig, err)
		}
		cfg.PollInterval = d
	}
	cfg.ZTPProfile = ztp.Key("profile").String()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Agent) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("%w: agent.agent_id is required", util.ErrConfig)
	}
	if c.ServerURL == "" {
		return fmt.Errorf("%w: backend.server_url is required", util.ErrConfig)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("%w: ztp.poll_interval must be at least 1s", util.ErrConfig)
	}
	if c.CommandTimeout < time.Second {
		return fmt.Errorf("%w: agent.command_timeout must be at least 1s", util.ErrConfig)
	}
	return nil
}

// parseSeconds accepts either a bare number of seconds ("30") or a Go
// duration string ("30s", "2m").
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs) * time.Second, nil
}
