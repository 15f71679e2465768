package devops

import (
	"fmt"
	"strings"
	"time"

	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/util"
)

// Conn is the session surface devops needs. *session.Session satisfies
// it; engine tests substitute scripted fakes.
type Conn interface {
	Run(cmd string, timeout time.Duration) (string, error)
	EnterConfig(timeout time.Duration) error
	ExitConfig(timeout time.Duration) error
	Save(timeout time.Duration) error
	Close() error
}

const (
	defaultCommandTimeout = 30 * time.Second
	defaultSaveTimeout    = 60 * time.Second
)

// Ops wraps a Conn with typed ICX operations.
type Ops struct {
	conn           Conn
	commandTimeout time.Duration
	saveTimeout    time.Duration
	// settle is the inter-command delay inside config mode; the
	// vendor CLI occasionally needs it. Fast-discovery sets it to 0.
	settle time.Duration
}

// Option tunes an Ops instance.
type Option func(*Ops)

// WithCommandTimeout overrides the per-command timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Ops) { o.commandTimeout = d }
}

// WithSaveTimeout overrides the write-memory timeout.
func WithSaveTimeout(d time.Duration) Option {
	return func(o *Ops) { o.saveTimeout = d }
}

// WithSettleDelay sets the inter-command settle delay.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Ops) { o.settle = d }
}

// New wraps conn with typed operations.
func New(conn Conn, opts ...Option) *Ops {
	o := &Ops{
		conn:           conn,
		commandTimeout: defaultCommandTimeout,
		saveTimeout:    defaultSaveTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DiscoverIdentity runs "show version" and parses the result.
func (o *Ops) DiscoverIdentity() (Identity, error) {
	out, err := o.conn.Run("show version", o.commandTimeout)
	if err != nil {
		return Identity{}, err
	}
	return ParseVersion(out)
}

// LLDPNeighbors harvests the neighbor table: the summary gives the
// local ports with neighbors, then each port is queried in detail.
// Ports whose detail output fails to parse are skipped, not fatal.
func (o *Ops) LLDPNeighbors() (map[string]model.Neighbor, error) {
	out, err := o.conn.Run("show lldp neighbors", o.commandTimeout)
	if err != nil {
		return nil, err
	}
	neighbors := make(map[string]model.Neighbor)
	for _, port := range ParseLLDPLocalPorts(out) {
		detail, err := o.conn.Run("show lldp neighbors detail ports ethernet "+port, o.commandTimeout)
		if err != nil {
			return neighbors, err
		}
		n, err := ParseLLDPDetail(detail)
		if err != nil {
			continue
		}
		neighbors[port] = n
	}
	return neighbors, nil
}

// L2Trace runs "trace-l2 show" and parses the probed paths.
func (o *Ops) L2Trace() ([]L2Path, error) {
	out, err := o.conn.Run("trace-l2 show", o.commandTimeout)
	if err != nil {
		return nil, err
	}
	return ParseL2Trace(out), nil
}

// ApplyBaseConfig pastes the site base-config snippet line by line in
// config mode and saves. Blank lines and comment lines ("!") are
// skipped; a bare "exit" is passed through as a context exit.
func (o *Ops) ApplyBaseConfig(text string) error {
	lines := make([]string, 0, 32)
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "!") {
			continue
		}
		lines = append(lines, trimmed)
	}
	if err := o.runConfig(lines); err != nil {
		return err
	}
	return o.conn.Save(o.saveTimeout)
}

// DeviceSettings carries the per-switch management configuration
// derived from the VLAN plan.
type DeviceSettings struct {
	Hostname string
	MgmtVLAN int
	Gateway  string
	DNS      []string
}

// ApplyDeviceConfig programs hostname, the management VLAN, DNS, and
// default route, then saves.
func (o *Ops) ApplyDeviceConfig(s DeviceSettings) error {
	var cmds []string
	if s.Hostname != "" {
		cmds = append(cmds, "hostname "+s.Hostname)
	}
	if s.MgmtVLAN > 0 {
		// The switch management IP moves into the plan's VLAN.
		cmds = append(cmds,
			fmt.Sprintf("vlan %d name mgmt by port", s.MgmtVLAN),
			"management-vlan",
			"exit",
		)
	}
	for _, dns := range s.DNS {
		cmds = append(cmds, "ip dns server-address "+dns)
	}
	if s.Gateway != "" {
		cmds = append(cmds, "ip route 0.0.0.0/0 "+s.Gateway)
	}
	if err := o.runConfig(cmds); err != nil {
		return err
	}
	return o.conn.Save(o.saveTimeout)
}

// PortMode selects access or trunk-with-native-VLAN port programming.
type PortMode string

const (
	ModeAccess      PortMode = "access"
	ModeTrunkNative PortMode = "trunk-native"
)

// SetPortVLAN programs port membership for vlan. Access mode untags
// the port; trunk-native tags it and makes vlan the native VLAN via
// dual-mode.
func (o *Ops) SetPortVLAN(port string, vlan int, mode PortMode) error {
	switch mode {
	case ModeAccess:
		return o.runConfig([]string{
			fmt.Sprintf("vlan %d", vlan),
			"untagged ethernet " + port,
			"exit",
		})
	case ModeTrunkNative:
		return o.runConfig([]string{
			fmt.Sprintf("vlan %d", vlan),
			"tagged ethernet " + port,
			"exit",
			"interface ethernet " + port,
			fmt.Sprintf("dual-mode %d", vlan),
			"exit",
		})
	default:
		return fmt.Errorf("%w: unknown port mode %q", util.ErrConfig, mode)
	}
}

// SetPoE switches inline power for a port.
func (o *Ops) SetPoE(port string, on bool) error {
	cmd := "inline power"
	if !on {
		cmd = "no inline power"
	}
	return o.runConfig([]string{
		"interface ethernet " + port,
		cmd,
		"exit",
	})
}

// SetPortDescription sets the port name.
func (o *Ops) SetPortDescription(port, text string) error {
	return o.runConfig([]string{
		"interface ethernet " + port,
		"port-name " + text,
		"exit",
	})
}

// SetPortAdmin enables or disables a port.
func (o *Ops) SetPortAdmin(port string, up bool) error {
	cmd := "enable"
	if !up {
		cmd = "disable"
	}
	return o.runConfig([]string{
		"interface ethernet " + port,
		cmd,
		"exit",
	})
}

// ConfigureAPPort programs the switch port carrying an AP: trunk with
// the management VLAN native, the wireless VLANs tagged, PoE on, and a
// port name identifying the AP. Saves on success.
func (o *Ops) ConfigureAPPort(port string, mgmtVLAN int, wirelessVLANs []int, desc string, poe bool) error {
	var cmds []string
	cmds = append(cmds,
		fmt.Sprintf("vlan %d", mgmtVLAN),
		"tagged ethernet "+port,
		"exit",
	)
	for _, v := range wirelessVLANs {
		cmds = append(cmds,
			fmt.Sprintf("vlan %d", v),
			"tagged ethernet "+port,
			"exit",
		)
	}
	cmds = append(cmds, "interface ethernet "+port, fmt.Sprintf("dual-mode %d", mgmtVLAN))
	if poe {
		cmds = append(cmds, "inline power")
	}
	if desc != "" {
		cmds = append(cmds, "port-name "+desc)
	}
	cmds = append(cmds, "exit")

	if err := o.runConfig(cmds); err != nil {
		return err
	}
	return o.conn.Save(o.saveTimeout)
}

// Save persists the running config.
func (o *Ops) Save() error {
	return o.conn.Save(o.saveTimeout)
}

// Run exposes raw command execution for the RPC path.
func (o *Ops) Run(cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = o.commandTimeout
	}
	return o.conn.Run(cmd, timeout)
}

// Close releases the underlying session.
func (o *Ops) Close() error {
	return o.conn.Close()
}

// runConfig executes cmds inside config mode, settling between
// commands, and always unwinds the config context.
func (o *Ops) runConfig(cmds []string) error {
	if len(cmds) == 0 {
		return nil
	}
	if err := o.conn.EnterConfig(o.commandTimeout); err != nil {
		return err
	}
	defer o.conn.ExitConfig(o.commandTimeout)

	for _, cmd := range cmds {
		if _, err := o.conn.Run(cmd, o.commandTimeout); err != nil {
			return err
		}
		if o.settle > 0 {
			time.Sleep(o.settle)
		}
	}
	return o.conn.ExitConfig(o.commandTimeout)
}
