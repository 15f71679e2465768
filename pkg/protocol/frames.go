// Package protocol defines the JSON frames exchanged between edge
// agents and the dashboard over the persistent WebSocket. Every frame
// is a UTF-8 JSON object with a required "type" and "timestamp";
// unknown types are logged and dropped by both sides, never fatal.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/session"
	"github.com/icxfleet/icxfleet/pkg/util"
)

// Frame type identifiers.
const (
	TypeRegister    = "register"
	TypeRegisterAck = "register_ack"
	TypeHeartbeat   = "heartbeat"
	TypeEvent       = "event"
	TypeInventory   = "inventory"
	TypeRPCResult   = "rpc_result"
	TypeConfigure   = "configure"
	TypeControl     = "control"
	TypeRPCCall     = "rpc_call"
	TypePing        = "ping"
)

// Header is the envelope every frame shares.
type Header struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func newHeader(typ string) Header {
	return Header{Type: typ, Timestamp: time.Now().UTC()}
}

// Register is sent once by the agent immediately after connect.
type Register struct {
	Header
	AgentID      string   `json:"agent_id"`
	Hostname     string   `json:"hostname"`
	Subnet       string   `json:"subnet"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	// PasswordHash is the bcrypt hash of the locally generated view
	// password. The dashboard never learns the plaintext.
	PasswordHash string `json:"password_hash,omitempty"`
}

// NewRegister stamps a register frame.
func NewRegister(agentID, hostname, subnet, version string, capabilities []string, passwordHash string) Register {
	return Register{
		Header:       newHeader(TypeRegister),
		AgentID:      agentID,
		Hostname:     hostname,
		Subnet:       subnet,
		Version:      version,
		Capabilities: capabilities,
		PasswordHash: passwordHash,
	}
}

// RegisterAck confirms a register round-trip.
type RegisterAck struct {
	Header
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// NewRegisterAck stamps an ack frame.
func NewRegisterAck(ok bool, message string) RegisterAck {
	return RegisterAck{Header: newHeader(TypeRegisterAck), OK: ok, Message: message}
}

// Heartbeat carries lightweight liveness status every 30 seconds.
type Heartbeat struct {
	Header
	AgentID    string `json:"agent_id"`
	Devices    int    `json:"devices"`
	ZTPRunning bool   `json:"ztp_running"`
	Tick       uint64 `json:"tick"`
}

// NewHeartbeat stamps a heartbeat frame.
func NewHeartbeat(agentID string, devices int, running bool, tick uint64) Heartbeat {
	return Heartbeat{Header: newHeader(TypeHeartbeat), AgentID: agentID, Devices: devices, ZTPRunning: running, Tick: tick}
}

// EventFrame wraps one lifecycle event.
type EventFrame struct {
	Header
	AgentID string      `json:"agent_id"`
	Event   model.Event `json:"event"`
}

// NewEventFrame stamps an event frame.
func NewEventFrame(agentID string, ev model.Event) EventFrame {
	return EventFrame{Header: newHeader(TypeEvent), AgentID: agentID, Event: ev}
}

// InventoryFrame carries a full or delta device snapshot.
type InventoryFrame struct {
	Header
	AgentID string                  `json:"agent_id"`
	Full    bool                    `json:"full"`
	Devices map[string]model.Device `json:"devices"`
}

// NewInventoryFrame stamps an inventory frame.
func NewInventoryFrame(agentID string, full bool, devices map[string]model.Device) InventoryFrame {
	return InventoryFrame{Header: newHeader(TypeInventory), AgentID: agentID, Full: full, Devices: devices}
}

// ZTPConfig is the wire form of the engine configuration. Durations
// travel as integer seconds (or milliseconds where noted).
type ZTPConfig struct {
	Seeds             []string             `json:"seeds"`
	Credentials       []session.Credential `json:"credentials"`
	PreferredPassword string               `json:"preferred_password,omitempty"`
	BaseConfig        string               `json:"base_config,omitempty"`
	MgmtVLAN          int                  `json:"mgmt_vlan"`
	Gateway           string               `json:"gateway,omitempty"`
	DNS               []string             `json:"dns,omitempty"`
	HostnamePrefix    string               `json:"hostname_prefix,omitempty"`
	WirelessVLANs     []int                `json:"wireless_vlans,omitempty"`
	APPortPoE         bool                 `json:"ap_port_poe"`
	PollIntervalSecs  int                  `json:"poll_interval_seconds,omitempty"`
	FastDiscovery     bool                 `json:"fast_discovery"`
	SettleDelayMillis int                  `json:"settle_delay_ms,omitempty"`
}

// Configure is a full configuration replacement pushed to an agent.
type Configure struct {
	Header
	Config ZTPConfig `json:"config"`
}

// NewConfigure stamps a configure frame.
func NewConfigure(cfg ZTPConfig) Configure {
	return Configure{Header: newHeader(TypeConfigure), Config: cfg}
}

// Control actions.
const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Control starts or stops an agent's ZTP engine.
type Control struct {
	Header
	Action string `json:"action"`
}

// NewControl stamps a control frame.
func NewControl(action string) Control {
	return Control{Header: newHeader(TypeControl), Action: action}
}

// RPC operations.
const (
	OpRunShow    = "run_show"
	OpPortStatus = "port_status"
	OpSetVLAN    = "set_vlan"
	OpSetPoE     = "set_poe"
)

// RPCArgs carries the arguments of an ad-hoc device operation.
type RPCArgs struct {
	TargetIP    string `json:"target_ip"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Command     string `json:"command,omitempty"`
	Port        string `json:"port,omitempty"`
	VLAN        int    `json:"vlan,omitempty"`
	PoEOn       bool   `json:"poe_on,omitempty"`
	TimeoutSecs int    `json:"timeout_seconds,omitempty"`
}

// RPCCall is a dashboard-initiated device operation.
type RPCCall struct {
	Header
	RequestID string  `json:"request_id"`
	Op        string  `json:"op"`
	Args      RPCArgs `json:"args"`
}

// NewRPCCall stamps an rpc_call frame.
func NewRPCCall(requestID, op string, args RPCArgs) RPCCall {
	return RPCCall{Header: newHeader(TypeRPCCall), RequestID: requestID, Op: op, Args: args}
}

// RPCResult is the agent's response, correlated by request id.
type RPCResult struct {
	Header
	RequestID    string `json:"request_id"`
	OK           bool   `json:"ok"`
	Output       string `json:"output,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewRPCResult stamps a successful result.
func NewRPCResult(requestID, output string) RPCResult {
	return RPCResult{Header: newHeader(TypeRPCResult), RequestID: requestID, OK: true, Output: output}
}

// NewRPCError stamps a failed result from an error.
func NewRPCError(requestID string, err error) RPCResult {
	return RPCResult{
		Header:       newHeader(TypeRPCResult),
		RequestID:    requestID,
		ErrorKind:    util.Kind(err),
		ErrorMessage: err.Error(),
	}
}

// Ping is a dashboard liveness probe.
type Ping struct {
	Header
}

// NewPing stamps a ping frame.
func NewPing() Ping {
	return Ping{Header: newHeader(TypePing)}
}

// Decode parses a raw frame into its typed struct. The Header alone is
// returned for unknown types so callers can log and drop them.
func Decode(data []byte) (interface{}, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: frame envelope: %v", util.ErrParse, err)
	}

	var v interface{}
	switch h.Type {
	case TypeRegister:
		v = &Register{}
	case TypeRegisterAck:
		v = &RegisterAck{}
	case TypeHeartbeat:
		v = &Heartbeat{}
	case TypeEvent:
		v = &EventFrame{}
	case TypeInventory:
		v = &InventoryFrame{}
	case TypeRPCResult:
		v = &RPCResult{}
	case TypeConfigure:
		v = &Configure{}
	case TypeControl:
		v = &Control{}
	case TypeRPCCall:
		v = &RPCCall{}
	case TypePing:
		v = &Ping{}
	default:
		return h, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("%w: %s frame: %v", util.ErrParse, h.Type, err)
	}
	return v, nil
}
