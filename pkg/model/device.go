// Package model defines the shared data types for the ZTP system:
// devices, LLDP neighbors, and lifecycle events. Both the edge agent
// and the dashboard marshal these types onto the wire, so every field
// carries a json tag and enum values are lowercase strings.
package model

import (
	"sort"
	"time"
)

// DeviceType distinguishes switches from wireless access points.
type DeviceType string

const (
	TypeSwitch DeviceType = "switch"
	TypeAP     DeviceType = "ap"
)

// Status is the device lifecycle state. Values are lowercase everywhere;
// the Configured boolean is authoritative for APs and the string derived.
type Status string

const (
	StatusDiscovered  Status = "discovered"
	StatusConnecting  Status = "connecting"
	StatusConfiguring Status = "configuring"
	StatusConfigured  Status = "configured"
	StatusError       Status = "error"
)

// Neighbor is the normalized LLDP neighbor record. The raw TLVs vary
// per device; ingestion flattens them to this single shape.
type Neighbor struct {
	ChassisMAC        string `json:"remote_chassis_mac"`
	PortID            string `json:"remote_port_id"`
	SystemName        string `json:"remote_system_name"`
	SystemDescription string `json:"remote_system_description"`
	MgmtIP            string `json:"remote_mgmt_ip,omitempty"`
}

// Device is one inventory entry, keyed by management IP. The IP is
// immutable for the lifetime of the entry; re-discovery merges.
type Device struct {
	IP       string     `json:"ip"`
	MAC      string     `json:"mac,omitempty"`
	Hostname string     `json:"hostname,omitempty"`
	Model    string     `json:"model,omitempty"`
	Serial   string     `json:"serial,omitempty"`
	Firmware string     `json:"firmware,omitempty"`
	Type     DeviceType `json:"device_type"`
	Status   Status     `json:"status"`
	IsSeed   bool       `json:"is_seed"`

	// Switch-only fields
	BaseConfigApplied bool     `json:"base_config_applied,omitempty"`
	APPorts           []string `json:"ap_ports,omitempty"` // sorted local port ids carrying APs

	// AP-only fields
	ConnectedSwitch string `json:"connected_switch,omitempty"`
	ConnectedPort   string `json:"connected_port,omitempty"`

	// Configured means device-config done for switches, port-config
	// done for APs.
	Configured bool `json:"configured"`

	Neighbors      map[string]Neighbor `json:"neighbors,omitempty"` // local port id -> neighbor
	TasksCompleted []string            `json:"tasks_completed,omitempty"`
	TasksFailed    []string            `json:"tasks_failed,omitempty"`
	SSHActive      bool                `json:"ssh_active"`
	LastSeen       time.Time           `json:"last_seen"`
}

// Clone returns a deep copy, safe to hand across goroutines.
func (d *Device) Clone() Device {
	out := *d
	if d.Neighbors != nil {
		out.Neighbors = make(map[string]Neighbor, len(d.Neighbors))
		for k, v := range d.Neighbors {
			out.Neighbors[k] = v
		}
	}
	out.APPorts = append([]string(nil), d.APPorts...)
	out.TasksCompleted = append([]string(nil), d.TasksCompleted...)
	out.TasksFailed = append([]string(nil), d.TasksFailed...)
	return out
}

// AddAPPort inserts a port into the sorted APPorts set. Returns true
// if the set changed.
func (d *Device) AddAPPort(port string) bool {
	i := sort.SearchStrings(d.APPorts, port)
	if i < len(d.APPorts) && d.APPorts[i] == port {
		return false
	}
	d.APPorts = append(d.APPorts, "")
	copy(d.APPorts[i+1:], d.APPorts[i:])
	d.APPorts[i] = port
	return true
}

// RemoveAPPort deletes a port from the APPorts set. Returns true if
// the set changed.
func (d *Device) RemoveAPPort(port string) bool {
	i := sort.SearchStrings(d.APPorts, port)
	if i >= len(d.APPorts) || d.APPorts[i] != port {
		return false
	}
	d.APPorts = append(d.APPorts[:i], d.APPorts[i+1:]...)
	return true
}

// HasAPPort reports membership in the APPorts set.
func (d *Device) HasAPPort(port string) bool {
	i := sort.SearchStrings(d.APPorts, port)
	return i < len(d.APPorts) && d.APPorts[i] == port
}
