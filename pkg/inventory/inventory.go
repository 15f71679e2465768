// Package inventory holds the edge agent's authoritative device map.
// The ZTP engine is the single writer; everyone else reads immutable
// snapshots. Devices are keyed by management IP and the key never
// changes for the lifetime of an entry — re-discovery merges.
package inventory

import (
	"sync"
	"time"

	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/util"
)

// Inventory is a mutex-guarded device map. Critical sections are
// short; no lock is held across CLI or network I/O.
type Inventory struct {
	mu      sync.RWMutex
	devices map[string]*model.Device
}

// New creates an empty inventory.
func New() *Inventory {
	return &Inventory{devices: make(map[string]*model.Device)}
}

// legalTransitions is the device state machine. Any state may also
// move to error; same-state transitions are no-ops.
var legalTransitions = map[model.Status][]model.Status{
	model.StatusDiscovered:  {model.StatusConnecting, model.StatusConfiguring},
	model.StatusConnecting:  {model.StatusConfiguring},
	model.StatusConfiguring: {model.StatusConfigured},
	model.StatusConfigured:  {model.StatusConfiguring},
	model.StatusError:       {model.StatusConnecting, model.StatusConfiguring},
}

// UpsertSeed creates a seed device if absent. An existing entry is
// never downgraded; it only gains the seed flag.
func (inv *Inventory) UpsertSeed(ip string) (created bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if d, ok := inv.devices[ip]; ok {
		d.IsSeed = true
		return false
	}
	inv.devices[ip] = &model.Device{
		IP:       ip,
		Type:     model.TypeSwitch,
		Status:   model.StatusDiscovered,
		IsSeed:   true,
		LastSeen: time.Now().UTC(),
	}
	return true
}

// ObserveNeighbor records an LLDP/L2-trace observation made on
// switchIP's localPort. It updates the observing switch's neighbor
// table and creates or merges the neighbor's own device entry.
//
// The returned ip is the neighbor's inventory key ("" when the
// neighbor has no usable management IP yet); created reports a new
// entry, changed reports any mutation at all.
func (inv *Inventory) ObserveNeighbor(switchIP, localPort string, n model.Neighbor, dtype model.DeviceType, modelName string) (ip string, created, changed bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	sw, ok := inv.devices[switchIP]
	if !ok {
		return "", false, false
	}

	if sw.Neighbors == nil {
		sw.Neighbors = make(map[string]model.Neighbor)
	}
	if prev, ok := sw.Neighbors[localPort]; !ok || prev != n {
		sw.Neighbors[localPort] = n
		sw.LastSeen = time.Now().UTC()
		changed = true
	}

	if !util.IsUsableIPv4(n.MgmtIP) {
		return "", false, changed
	}
	ip = n.MgmtIP
	if ip == switchIP {
		return "", false, changed
	}

	d, ok := inv.devices[ip]
	if !ok {
		d = &model.Device{
			IP:     ip,
			Type:   dtype,
			Status: model.StatusDiscovered,
		}
		inv.devices[ip] = d
		created = true
		changed = true
	}

	if mac := util.NormalizeMAC(n.ChassisMAC); mac != "" && d.MAC != mac {
		d.MAC = mac
		changed = true
	}
	if n.SystemName != "" && d.Hostname != n.SystemName {
		d.Hostname = n.SystemName
		changed = true
	}
	// Model preservation: a known model is never replaced by unknown.
	if modelName != "" && d.Model != modelName {
		d.Model = modelName
		changed = true
	}

	if dtype == model.TypeAP {
		changed = inv.attachAPLocked(d, sw, localPort) || changed
	}

	if changed {
		d.LastSeen = time.Now().UTC()
	}
	return ip, created, changed
}

// attachAPLocked maintains the two-way AP/port mapping invariants:
// the AP has exactly one (switch, port) attachment, and a port is in a
// switch's ap_ports set iff exactly one AP claims it.
func (inv *Inventory) attachAPLocked(ap, sw *model.Device, port string) (changed bool) {
	if ap.ConnectedSwitch == sw.IP && ap.ConnectedPort == port {
		return sw.AddAPPort(port)
	}

	// The AP moved: release its previous attachment.
	if ap.ConnectedSwitch != "" {
		if oldSw, ok := inv.devices[ap.ConnectedSwitch]; ok {
			oldSw.RemoveAPPort(ap.ConnectedPort)
		}
	}
	// Another AP on the same port is stale: detach it.
	for _, other := range inv.devices {
		if other != ap && other.Type == model.TypeAP &&
			other.ConnectedSwitch == sw.IP && other.ConnectedPort == port {
			other.ConnectedSwitch = ""
			other.ConnectedPort = ""
		}
	}

	ap.ConnectedSwitch = sw.IP
	ap.ConnectedPort = port
	sw.AddAPPort(port)
	return true
}

// Transition moves a device through the state machine. Same-state
// calls are no-ops; illegal moves return a StateError. Entering
// configured clears the failed-task ledger — a device only reaches
// configured when its retried work has succeeded.
func (inv *Inventory) Transition(ip string, to model.Status) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	d, ok := inv.devices[ip]
	if !ok {
		return util.ErrNotFound
	}
	if d.Status == to {
		return nil
	}
	if to != model.StatusError && !transitionAllowed(d.Status, to) {
		return &util.StateError{IP: ip, From: string(d.Status), To: string(to)}
	}
	d.Status = to
	if to == model.StatusConfigured {
		d.TasksFailed = nil
	}
	d.LastSeen = time.Now().UTC()
	return nil
}

func transitionAllowed(from, to model.Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AddTaskResult appends a task tag to the completed or failed ledger.
func (inv *Inventory) AddTaskResult(ip, tag string, ok bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	d, exists := inv.devices[ip]
	if !exists {
		return
	}
	if ok {
		d.TasksCompleted = append(d.TasksCompleted, tag)
	} else {
		d.TasksFailed = append(d.TasksFailed, tag)
	}
	d.LastSeen = time.Now().UTC()
}

// Update applies fn to the device under the lock. fn must not block.
func (inv *Inventory) Update(ip string, fn func(*model.Device)) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	d, ok := inv.devices[ip]
	if !ok {
		return util.ErrNotFound
	}
	fn(d)
	d.LastSeen = time.Now().UTC()
	return nil
}

// SetSSHActive flips the transient UI flag for a device.
func (inv *Inventory) SetSSHActive(ip string, active bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if d, ok := inv.devices[ip]; ok {
		d.SSHActive = active
	}
}

// Get returns a deep copy of one device.
func (inv *Inventory) Get(ip string) (model.Device, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	d, ok := inv.devices[ip]
	if !ok {
		return model.Device{}, false
	}
	return d.Clone(), true
}

// Snapshot returns a deep copy of the whole inventory, safe for
// transport and concurrent readers.
func (inv *Inventory) Snapshot() map[string]model.Device {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	out := make(map[string]model.Device, len(inv.devices))
	for ip, d := range inv.devices {
		out[ip] = d.Clone()
	}
	return out
}

// IPs returns all device addresses, optionally filtered by type.
func (inv *Inventory) IPs(dtype model.DeviceType) []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var ips []string
	for ip, d := range inv.devices {
		if dtype == "" || d.Type == dtype {
			ips = append(ips, ip)
		}
	}
	return ips
}

// Stats summarizes the inventory for heartbeats and status queries.
type Stats struct {
	Devices            int `json:"devices"`
	Switches           int `json:"switches"`
	SwitchesConfigured int `json:"switches_configured"`
	APs                int `json:"aps"`
	APsConfigured      int `json:"aps_configured"`
	Errors             int `json:"errors"`
}

// Summarize computes inventory statistics.
func (inv *Inventory) Summarize() Stats {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var s Stats
	s.Devices = len(inv.devices)
	for _, d := range inv.devices {
		switch d.Type {
		case model.TypeSwitch:
			s.Switches++
			if d.Configured {
				s.SwitchesConfigured++
			}
		case model.TypeAP:
			s.APs++
			if d.Configured {
				s.APsConfigured++
			}
		}
		if d.Status == model.StatusError {
			s.Errors++
		}
	}
	return s
}
