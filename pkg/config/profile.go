package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/session"
	"github.com/icxfleet/icxfleet/pkg/util"
)

// Profile is a provisioning profile kept next to the agent config. It
// mirrors the configuration the dashboard would push, so a site can
// bootstrap before (or without) a dashboard connection. A later push
// from the dashboard replaces it wholesale.
type Profile struct {
	Seeds             []string            `yaml:"seeds"`
	Credentials       []ProfileCredential `yaml:"credentials"`
	PreferredPassword string              `yaml:"preferred_password"`
	BaseConfig        string              `yaml:"base_config"`
	BaseConfigFile    string              `yaml:"base_config_file"`
	MgmtVLAN          int                 `yaml:"mgmt_vlan"`
	Gateway           string              `yaml:"gateway"`
	DNS               []string            `yaml:"dns"`
	HostnamePrefix    string              `yaml:"hostname_prefix"`
	WirelessVLANs     []int               `yaml:"wireless_vlans"`
	APPortPoE         bool                `yaml:"ap_port_poe"`
	PollIntervalSecs  int                 `yaml:"poll_interval_seconds"`
	FastDiscovery     bool                `yaml:"fast_discovery"`
}

// ProfileCredential is one username/password pair to try, in order.
type ProfileCredential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadProfile reads and validates a provisioning profile and returns
// it in wire form. A relative base_config_file resolves against the
// profile's own directory.
func LoadProfile(path string) (*protocol.ZTPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading profile %s: %v", util.ErrConfig, path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parsing profile %s: %v", util.ErrConfig, path, err)
	}

	if len(p.Seeds) == 0 {
		return nil, fmt.Errorf("%w: profile %s has no seeds", util.ErrConfig, path)
	}
	if len(p.Credentials) == 0 {
		return nil, fmt.Errorf("%w: profile %s has no credentials", util.ErrConfig, path)
	}
	for _, ip := range p.Seeds {
		if !util.IsUsableIPv4(ip) {
			return nil, fmt.Errorf("%w: profile seed %q is not a usable IPv4 address", util.ErrConfig, ip)
		}
	}
	if p.BaseConfig != "" && p.BaseConfigFile != "" {
		return nil, fmt.Errorf("%w: profile %s sets both base_config and base_config_file", util.ErrConfig, path)
	}
	if p.BaseConfigFile != "" {
		f := p.BaseConfigFile
		if !filepath.IsAbs(f) {
			f = filepath.Join(filepath.Dir(path), f)
		}
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("%w: reading base config %s: %v", util.ErrConfig, f, err)
		}
		p.BaseConfig = string(raw)
	}

	cfg := &protocol.ZTPConfig{
		Seeds:             p.Seeds,
		PreferredPassword: p.PreferredPassword,
		BaseConfig:        p.BaseConfig,
		MgmtVLAN:          p.MgmtVLAN,
		Gateway:           p.Gateway,
		DNS:               p.DNS,
		HostnamePrefix:    p.HostnamePrefix,
		WirelessVLANs:     p.WirelessVLANs,
		APPortPoE:         p.APPortPoE,
		PollIntervalSecs:  p.PollIntervalSecs,
		FastDiscovery:     p.FastDiscovery,
	}
	for _, c := range p.Credentials {
		cfg.Credentials = append(cfg.Credentials, session.Credential{Username: c.Username, Password: c.Password})
	}
	return cfg, nil
}
