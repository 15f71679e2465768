// Package devops provides typed operations against a single ICX
// switch: identity discovery, LLDP neighbor harvesting, L2 tracing,
// and port configuration. Operations are pure functions of the CLI
// transcript; they never touch the inventory.
package devops

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/util"
)

// Identity is the parsed result of "show version".
type Identity struct {
	Model    string `json:"model"`
	Serial   string `json:"serial"`
	Firmware string `json:"firmware"`
	Uptime   string `json:"uptime"`
}

// L2Hop is one row of the trace-l2 path table.
type L2Hop struct {
	IP  string `json:"ip"`
	MAC string `json:"mac"`
}

// L2Path is one probed path: the local port it left through and the
// hops seen beyond it.
type L2Path struct {
	LocalPort string  `json:"local_port"`
	Hops      []L2Hop `json:"hops"`
}

var (
	modelRe    = regexp.MustCompile(`\bICX[0-9][0-9A-Za-z-]*`)
	serialRe   = regexp.MustCompile(`Serial\s*#\s*:\s*(\S+)`)
	firmwareRe = regexp.MustCompile(`SW:\s*Version\s+(\S+)`)
	uptimeRe   = regexp.MustCompile(`uptime is\s+(.+)$`)
	portRe     = regexp.MustCompile(`^\d+/\d+/\d+$`)
	pathRe     = regexp.MustCompile(`^path\s+\d+\s+from\s+(\d+/\d+/\d+)`)
	hopRe      = regexp.MustCompile(`^\d+\s+(\d+\.\d+\.\d+\.\d+)\s+([0-9a-fA-F.:-]+)\s`)
	apModelRe  = regexp.MustCompile(`\b([RTHE]\d{3}[a-z]?)\b`)
)

// ParseVersion extracts device identity from "show version" output.
// The ICX family line is accepted with whitespace and version-tag
// variation; a missing model is a parse failure, everything else is
// best-effort.
func ParseVersion(text string) (Identity, error) {
	var id Identity
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if id.Model == "" && strings.HasPrefix(line, "HW:") {
			if m := modelRe.FindString(line); m != "" {
				id.Model = m
			}
		}
		if id.Serial == "" {
			if m := serialRe.FindStringSubmatch(line); m != nil {
				id.Serial = m[1]
			}
		}
		if id.Firmware == "" {
			if m := firmwareRe.FindStringSubmatch(line); m != nil {
				id.Firmware = m[1]
			}
		}
		if id.Uptime == "" {
			if m := uptimeRe.FindStringSubmatch(line); m != nil {
				id.Uptime = strings.TrimSpace(m[1])
			}
		}
	}
	if id.Model == "" {
		// Fall back to the first ICX token anywhere in the output.
		id.Model = modelRe.FindString(text)
	}
	if id.Model == "" {
		return Identity{}, fmt.Errorf("%w: no ICX model in show version output", util.ErrParse)
	}
	return id, nil
}

// ParseLLDPLocalPorts returns the local port ids listed in the
// "show lldp neighbors" summary table, in order, without duplicates.
func ParseLLDPLocalPorts(text string) []string {
	var ports []string
	seen := map[string]bool{}
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if portRe.MatchString(fields[0]) && !seen[fields[0]] {
			seen[fields[0]] = true
			ports = append(ports, fields[0])
		}
	}
	return ports
}

// ParseLLDPDetail parses one "show lldp neighbors detail ports
// ethernet <port>" block into the normalized neighbor record. A
// management address of 0.0.0.0 is treated as absent.
func ParseLLDPDetail(text string) (model.Neighbor, error) {
	var n model.Neighbor
	found := false
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "+"))
		switch {
		case strings.HasPrefix(line, "Chassis ID (MAC address):"):
			n.ChassisMAC = util.NormalizeMAC(valueAfterColon(line))
			found = true
		case strings.HasPrefix(line, "Port ID"):
			n.PortID = valueAfterColon(line)
			found = true
		case strings.HasPrefix(line, "System name"):
			n.SystemName = unquote(valueAfterColon(line))
			found = true
		case strings.HasPrefix(line, "System description"):
			n.SystemDescription = unquote(valueAfterColon(line))
			found = true
		case strings.HasPrefix(line, "Management address (IPv4):"):
			ip := valueAfterColon(line)
			if util.IsUsableIPv4(ip) {
				n.MgmtIP = ip
			}
		}
	}
	if !found {
		return model.Neighbor{}, fmt.Errorf("%w: no neighbor TLVs in detail output", util.ErrParse)
	}
	return n, nil
}

// ParseL2Trace parses "trace-l2 show" output into per-path hop lists.
// It recovers switch management IPs and MACs for neighbors that did
// not advertise a management address over LLDP.
func ParseL2Trace(text string) []L2Path {
	var paths []L2Path
	var cur *L2Path
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if m := pathRe.FindStringSubmatch(line); m != nil {
			paths = append(paths, L2Path{LocalPort: m[1]})
			cur = &paths[len(paths)-1]
			continue
		}
		if cur == nil {
			continue
		}
		if m := hopRe.FindStringSubmatch(line); m != nil {
			ip := m[1]
			mac := util.NormalizeMAC(m[2])
			if !util.IsUsableIPv4(ip) || mac == "" {
				continue
			}
			cur.Hops = append(cur.Hops, L2Hop{IP: ip, MAC: mac})
		}
	}
	return paths
}

// ClassifyNeighbor maps an LLDP neighbor record to a device type. A
// system description carrying the Ruckus wireless AP marker means AP;
// an ICX model in the description means switch. Anything else is
// unclassified (ok=false) and skipped by the engine.
func ClassifyNeighbor(n model.Neighbor) (model.DeviceType, bool) {
	desc := strings.ToLower(n.SystemDescription)
	if strings.Contains(desc, "wireless ap") ||
		(strings.Contains(desc, "ruckus") && apModelRe.MatchString(n.SystemDescription)) {
		return model.TypeAP, true
	}
	if modelRe.MatchString(n.SystemDescription) || modelRe.MatchString(n.SystemName) {
		return model.TypeSwitch, true
	}
	return "", false
}

// APModel extracts the Ruckus AP model (R350, T750, ...) from a
// neighbor's system description or system name.
func APModel(n model.Neighbor) string {
	if m := apModelRe.FindString(n.SystemDescription); m != "" {
		return m
	}
	return apModelRe.FindString(n.SystemName)
}

// SwitchModel extracts the ICX model from a neighbor record.
func SwitchModel(n model.Neighbor) string {
	if m := modelRe.FindString(n.SystemDescription); m != "" {
		return m
	}
	return modelRe.FindString(n.SystemName)
}

func valueAfterColon(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

func unquote(v string) string {
	return strings.Trim(v, `"`)
}
