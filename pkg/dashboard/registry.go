package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/util"
)

const (
	heartbeatInterval = 30 * time.Second
	// offlineAfter marks an agent offline when three heartbeats in a
	// row go missing.
	offlineAfter = 3 * heartbeatInterval

	// eventRateLimit caps the events accepted per agent per minute.
	// Heartbeats are exempt.
	eventRateLimit  = 30
	eventRateWindow = time.Minute

	registerReadTimeout = 10 * time.Second
)

// AgentInfo is the read-only view of a connected agent.
type AgentInfo struct {
	AgentID      string    `json:"agent_id"`
	Hostname     string    `json:"hostname,omitempty"`
	Subnet       string    `json:"subnet,omitempty"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Online       bool      `json:"online"`
	ZTPRunning   bool      `json:"ztp_running"`
	Tick         uint64    `json:"tick"`
	Devices      int       `json:"devices"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastSeen     time.Time `json:"last_seen"`
}

type agentState struct {
	info         AgentInfo
	passwordHash string

	conn    *websocket.Conn
	writeMu sync.Mutex
	gen     uint64

	windowStart time.Time
	windowCount int
}

// Registry tracks every agent that has ever registered, its live
// connection if any, its stored configuration, and its last reported
// inventory.
type Registry struct {
	token string
	clock clockwork.Clock
	log   *logrus.Entry

	events *EventLog
	rpc    *rpcTable

	mu          sync.Mutex
	agents      map[string]*agentState
	configs     map[string]protocol.ZTPConfig
	inventories map[string]map[string]model.Device
	nextGen     uint64

	upgrader websocket.Upgrader
}

// RegistryOption tunes a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock substitutes the wall clock, for tests.
func WithRegistryClock(c clockwork.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry builds a registry. token guards the agent WebSocket
// endpoint; empty disables the check.
func NewRegistry(token string, events *EventLog, opts ...RegistryOption) *Registry {
	r := &Registry{
		token:       token,
		clock:       clockwork.NewRealClock(),
		log:         util.WithField("component", "registry"),
		events:      events,
		rpc:         newRPCTable(),
		agents:      make(map[string]*agentState),
		configs:     make(map[string]protocol.ZTPConfig),
		inventories: make(map[string]map[string]model.Device),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the offline reaper until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.reapSilent()
		}
	}
}

// reapSilent marks agents offline after three missed heartbeats.
func (r *Registry) reapSilent() {
	now := r.clock.Now()
	var gone []string
	r.mu.Lock()
	for id, st := range r.agents {
		if st.info.Online && now.Sub(st.info.LastSeen) > offlineAfter {
			st.info.Online = false
			// Disown the slot so the closed connection's read loop does
			// not report the same loss a second time.
			st.gen = 0
			if st.conn != nil {
				st.conn.Close()
				st.conn = nil
			}
			gone = append(gone, id)
		}
	}
	r.mu.Unlock()

	for _, id := range gone {
		r.log.WithField("agent", id).Warn("agent silent, marking offline")
		r.appendAgentEvent(id, model.EventAgentDisconnected, "heartbeats missed")
		r.rpc.cancelAgent(id)
	}
}

// ServeWS handles the agent WebSocket endpoint. The URL agent id must
// match the register frame; a second connection for the same id
// replaces the first.
func (r *Registry) ServeWS(agentID string, w http.ResponseWriter, req *http.Request) {
	if r.token != "" && req.Header.Get("Authorization") != "Bearer "+r.token {
		http.Error(w, "invalid agent token", http.StatusUnauthorized)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(registerReadTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		r.log.WithError(err).Warn("bad register frame")
		return
	}
	reg, ok := frame.(*protocol.Register)
	if !ok || reg.AgentID != agentID {
		conn.WriteJSON(protocol.NewRegisterAck(false, "register frame does not match connection url"))
		return
	}
	conn.SetReadDeadline(time.Time{})

	gen, cfg, hasCfg := r.admit(reg, conn)
	log := r.log.WithField("agent", agentID)
	log.Info("agent registered")
	r.appendAgentEvent(agentID, model.EventAgentRegistered, reg.Hostname)

	if err := r.writeTo(agentID, protocol.NewRegisterAck(true, "")); err != nil {
		return
	}
	if hasCfg {
		if err := r.writeTo(agentID, protocol.NewConfigure(cfg)); err != nil {
			return
		}
	}

	r.readFrames(agentID, conn, log)

	// Only the connection that still owns the slot reports the loss;
	// a replaced connection exits quietly.
	if r.retire(agentID, gen) {
		log.Info("agent disconnected")
		r.appendAgentEvent(agentID, model.EventAgentDisconnected, "connection closed")
		r.rpc.cancelAgent(agentID)
	}
}

// admit installs the new connection, closing any previous one.
func (r *Registry) admit(reg *protocol.Register, conn *websocket.Conn) (gen uint64, cfg protocol.ZTPConfig, hasCfg bool) {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.agents[reg.AgentID]
	if st == nil {
		st = &agentState{}
		r.agents[reg.AgentID] = st
	}
	if st.conn != nil {
		st.conn.Close()
	}
	r.nextGen++
	st.gen = r.nextGen
	st.conn = conn
	st.info = AgentInfo{
		AgentID:      reg.AgentID,
		Hostname:     reg.Hostname,
		Subnet:       reg.Subnet,
		Version:      reg.Version,
		Capabilities: reg.Capabilities,
		Online:       true,
		ConnectedAt:  now,
		LastSeen:     now,
		Tick:         st.info.Tick,
		Devices:      st.info.Devices,
	}
	if reg.PasswordHash != "" {
		st.passwordHash = reg.PasswordHash
	}
	st.windowStart = now
	st.windowCount = 0

	cfg, hasCfg = r.configs[reg.AgentID]
	return st.gen, cfg, hasCfg
}

// retire marks the agent offline if gen still owns the slot.
func (r *Registry) retire(agentID string, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.agents[agentID]
	if st == nil || st.gen != gen {
		return false
	}
	st.info.Online = false
	st.conn = nil
	return true
}

func (r *Registry) readFrames(agentID string, conn *websocket.Conn, log *logrus.Entry) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			log.WithError(err).Warn("discarding malformed frame")
			continue
		}

		switch f := frame.(type) {
		case *protocol.Heartbeat:
			r.mu.Lock()
			if st := r.agents[agentID]; st != nil {
				st.info.LastSeen = r.clock.Now()
				st.info.Devices = f.Devices
				st.info.ZTPRunning = f.ZTPRunning
				st.info.Tick = f.Tick
			}
			r.mu.Unlock()
		case *protocol.EventFrame:
			if !r.admitEvent(agentID) {
				log.Warn("event rate limit exceeded, dropping event")
				continue
			}
			r.touch(agentID)
			r.events.Append(f.Event)
		case *protocol.InventoryFrame:
			r.touch(agentID)
			r.storeInventory(agentID, f)
		case *protocol.RPCResult:
			r.touch(agentID)
			if !r.rpc.resolve(*f) {
				log.WithField("request_id", f.RequestID).Debug("result for expired request")
			}
		default:
			log.WithField("frame", fmt.Sprintf("%T", frame)).Debug("dropping unexpected frame")
		}
	}
}

// admitEvent enforces the per-agent event budget in fixed one-minute
// windows.
func (r *Registry) admitEvent(agentID string) bool {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.agents[agentID]
	if st == nil {
		return false
	}
	if now.Sub(st.windowStart) >= eventRateWindow {
		st.windowStart = now
		st.windowCount = 0
	}
	if st.windowCount >= eventRateLimit {
		return false
	}
	st.windowCount++
	return true
}

func (r *Registry) touch(agentID string) {
	r.mu.Lock()
	if st := r.agents[agentID]; st != nil {
		st.info.LastSeen = r.clock.Now()
	}
	r.mu.Unlock()
}

// storeInventory keeps the last reported snapshot per agent. A full
// snapshot replaces; a delta merges. Last writer wins.
func (r *Registry) storeInventory(agentID string, f *protocol.InventoryFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.Full || r.inventories[agentID] == nil {
		fresh := make(map[string]model.Device, len(f.Devices))
		for ip, d := range f.Devices {
			fresh[ip] = d
		}
		r.inventories[agentID] = fresh
		return
	}
	for ip, d := range f.Devices {
		r.inventories[agentID][ip] = d
	}
}

func (r *Registry) appendAgentEvent(agentID string, typ model.EventType, detail string) {
	ev := model.NewEvent(typ, map[string]interface{}{"detail": detail})
	ev.AgentID = agentID
	r.events.Append(ev)
}

// writeTo serializes one frame to an agent's live connection.
func (r *Registry) writeTo(agentID string, frame interface{}) error {
	r.mu.Lock()
	st := r.agents[agentID]
	if st == nil || !st.info.Online || st.conn == nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: agent %s has no live connection", util.ErrAgentOffline, agentID)
	}
	conn := st.conn
	r.mu.Unlock()

	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// SendConfigure stores cfg as the agent's configuration and pushes it
// when the agent is online. The stored copy is re-pushed on every
// register, so configuring an offline agent is not an error.
func (r *Registry) SendConfigure(agentID string, cfg protocol.ZTPConfig) error {
	r.mu.Lock()
	r.configs[agentID] = cfg
	r.mu.Unlock()

	err := r.writeTo(agentID, protocol.NewConfigure(cfg))
	if err != nil && util.Kind(err) == "AgentOffline" {
		return nil
	}
	return err
}

// SendControl starts or stops an agent's engine.
func (r *Registry) SendControl(agentID, action string) error {
	if action != protocol.ActionStart && action != protocol.ActionStop {
		return fmt.Errorf("%w: unknown control action %q", util.ErrConfig, action)
	}
	return r.writeTo(agentID, protocol.NewControl(action))
}

// CallRPC runs one device operation through an agent and waits for the
// correlated result.
func (r *Registry) CallRPC(agentID, op string, args protocol.RPCArgs, timeout time.Duration) (protocol.RPCResult, error) {
	timeout = clampRPCTimeout(timeout)
	requestID := uuid.NewString()
	ch := r.rpc.add(requestID, agentID)

	if err := r.writeTo(agentID, protocol.NewRPCCall(requestID, op, args)); err != nil {
		r.rpc.remove(requestID)
		return protocol.RPCResult{}, err
	}

	select {
	case res := <-ch:
		if res.ErrorKind == "AgentOffline" {
			return protocol.RPCResult{}, fmt.Errorf("%w: %s", util.ErrAgentOffline, res.ErrorMessage)
		}
		return res, nil
	case <-r.clock.After(timeout):
		r.rpc.remove(requestID)
		return protocol.RPCResult{}, fmt.Errorf("%w: agent %s did not answer within %s", util.ErrTimeout, agentID, timeout)
	}
}

// Agents lists every known agent, sorted by id.
func (r *Registry) Agents() []AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AgentInfo, 0, len(r.agents))
	for _, st := range r.agents {
		out = append(out, st.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Agent returns one agent's view.
func (r *Registry) Agent(agentID string) (AgentInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return st.info, true
}

// PasswordHash returns the agent's bcrypt view-password hash.
func (r *Registry) PasswordHash(agentID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.agents[agentID]; ok {
		return st.passwordHash
	}
	return ""
}

// Config returns the stored configuration for an agent.
func (r *Registry) Config(agentID string) (protocol.ZTPConfig, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[agentID]
	return cfg, ok
}

// Inventory returns a copy of one agent's last reported devices, or
// every agent's merged devices when agentID is empty.
func (r *Registry) Inventory(agentID string) map[string]model.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]model.Device)
	for id, devices := range r.inventories {
		if agentID != "" && id != agentID {
			continue
		}
		for ip, d := range devices {
			out[ip] = d
		}
	}
	return out
}
