// Package engine runs the zero-touch provisioning loop. Each tick walks
// the inventory toward the configured state: seed intake, identity
// discovery, base and device configuration, LLDP/L2 neighbor discovery,
// and AP port programming. Ticks are convergent; a tick over an
// already-converged network mutates nothing and emits nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/icxfleet/icxfleet/pkg/devops"
	"github.com/icxfleet/icxfleet/pkg/inventory"
	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/session"
	"github.com/icxfleet/icxfleet/pkg/util"
)

// failureThreshold is the number of consecutive transient failures a
// device gets before it is parked in the error state.
const failureThreshold = 3

// Dialer opens a CLI connection to a device. The bool reports whether
// a first-login password change happened during the open.
type Dialer interface {
	Open(ip string, creds []session.Credential, preferred string, onActive func(bool)) (devops.Conn, bool, error)
}

// SessionDialer is the production Dialer backed by SSH sessions.
type SessionDialer struct {
	SSH          session.Dialer
	LoginTimeout time.Duration
}

// NewSessionDialer builds a Dialer with default SSH settings.
func NewSessionDialer() *SessionDialer {
	return &SessionDialer{SSH: &session.SSHDialer{}}
}

// Open dials ip and completes the CLI login.
func (d *SessionDialer) Open(ip string, creds []session.Credential, preferred string, onActive func(bool)) (devops.Conn, bool, error) {
	s, err := session.Open(d.SSH, ip, creds, preferred, session.Options{
		LoginTimeout: d.LoginTimeout,
		OnActive:     onActive,
	})
	if err != nil {
		return nil, false, err
	}
	return s, s.PasswordChanged(), nil
}

// Reporter receives the engine's outbound traffic. The transport layer
// implements it; tests capture it.
type Reporter interface {
	Emit(ev model.Event)
	PublishInventory(full bool, devices map[string]model.Device)
}

// Engine drives the provisioning loop for one agent.
type Engine struct {
	agentID string
	inv     *inventory.Inventory
	dialer  Dialer
	rep     Reporter
	clock   clockwork.Clock
	log     *logrus.Entry

	mu      sync.Mutex
	cfg     Config
	staged  *Config
	rotated bool // preferred password is live on the fleet
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// leases serialize CLI access per device IP between the tick
	// pipeline and ad-hoc RPC commands. Contention fails fast.
	leaseMu sync.Mutex
	leased  map[string]bool

	failMu      sync.Mutex
	failures    map[string]int
	authBlocked map[string]bool

	tick       uint64
	seq        uint64
	tickEvents uint64
}

// Option tunes an Engine.
type Option func(*Engine)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an engine. The reporter must be non-nil.
func New(agentID string, inv *inventory.Inventory, dialer Dialer, rep Reporter, opts ...Option) *Engine {
	e := &Engine{
		agentID:     agentID,
		inv:         inv,
		dialer:      dialer,
		rep:         rep,
		clock:       clockwork.NewRealClock(),
		log:         util.WithAgent(agentID),
		leased:      make(map[string]bool),
		failures:    make(map[string]int),
		authBlocked: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply stages a full configuration replacement. A running engine picks
// it up at the next tick boundary; a stopped engine takes it
// immediately. Applying the same configuration twice is a no-op.
func (e *Engine) Apply(cfg Config) {
	cfg.Normalize()
	e.mu.Lock()
	if e.running {
		e.staged = &cfg
	} else {
		e.cfg = cfg
		e.staged = nil
	}
	e.mu.Unlock()

	// New credentials un-park auth-blocked devices.
	e.failMu.Lock()
	e.authBlocked = make(map[string]bool)
	e.failMu.Unlock()
}

// Start launches the tick loop. Returns false if already running.
func (e *Engine) Start() bool {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go e.run(ctx, done)
	return true
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
// Returns false if the engine was not running.
func (e *Engine) Stop() bool {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return false
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	return true
}

// Running reports whether the tick loop is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Tick returns the current tick counter.
func (e *Engine) Tick() uint64 { return atomic.LoadUint64(&e.tick) }

func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		close(done)
	}()

	e.emit(model.EventZTPStarted, map[string]interface{}{
		"seeds": len(e.config().Seeds),
	})
	defer e.emit(model.EventZTPStopped, nil)

	for {
		e.applyStaged()
		cfg := e.config()
		e.runTick(ctx, cfg)

		interval := cfg.PollInterval
		if interval <= 0 {
			interval = defaultPollInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(interval):
		}
	}
}

func (e *Engine) applyStaged() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.staged != nil {
		e.cfg = *e.staged
		e.staged = nil
	}
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// runTick executes one provisioning pass. Device lifecycle events are
// derived from before/after snapshots so that repeated observation of
// an unchanged network emits nothing.
func (e *Engine) runTick(ctx context.Context, cfg Config) {
	tick := atomic.AddUint64(&e.tick, 1)
	atomic.StoreUint64(&e.tickEvents, 0)
	before := e.inv.Snapshot()
	log := e.log.WithField("tick", tick)
	log.Debug("tick start")

	for _, ip := range cfg.Seeds {
		if !util.IsUsableIPv4(ip) {
			log.WithField("ip", ip).Warn("ignoring unusable seed address")
			continue
		}
		e.inv.UpsertSeed(ip)
	}

	switches := e.inv.IPs(model.TypeSwitch)
	e.forEach(ctx, cfg.FanOut, switches, func(ip string) {
		e.switchWork(ip, cfg)
	})

	// AP ports are programmed on the attached switch, grouped so each
	// switch session is opened once.
	bySwitch := make(map[string][]model.Device)
	for _, d := range e.inv.Snapshot() {
		if d.Type == model.TypeAP && !d.Configured && d.ConnectedSwitch != "" {
			bySwitch[d.ConnectedSwitch] = append(bySwitch[d.ConnectedSwitch], d)
		}
	}
	if cfg.MgmtVLAN > 0 && len(bySwitch) > 0 {
		swIPs := make([]string, 0, len(bySwitch))
		for ip := range bySwitch {
			swIPs = append(swIPs, ip)
		}
		e.forEach(ctx, cfg.FanOut, swIPs, func(swIP string) {
			e.apPortWork(swIP, bySwitch[swIP], cfg)
		})
	}

	after := e.inv.Snapshot()
	e.emitDeltas(before, after)
	if atomic.LoadUint64(&e.tickEvents) > 0 {
		e.rep.PublishInventory(true, after)
	}
	log.WithFields(logrus.Fields{
		"devices": len(after),
		"events":  atomic.LoadUint64(&e.tickEvents),
	}).Debug("tick done")
}

// forEach runs fn over items with bounded fan-out and waits.
func (e *Engine) forEach(ctx context.Context, fanOut int, items []string, fn func(string)) {
	sem := make(chan struct{}, fanOut)
	var wg sync.WaitGroup
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(it string) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(it)
		}(item)
	}
	wg.Wait()
}

// switchWork advances one switch as far as it can get this tick:
// identity, base config, device config, then neighbor discovery.
func (e *Engine) switchWork(ip string, cfg Config) {
	d, ok := e.inv.Get(ip)
	if !ok || d.Type != model.TypeSwitch {
		return
	}
	if e.isAuthBlocked(ip) {
		return
	}
	if !e.tryLease(ip) {
		e.log.WithField("device", ip).Debug("device leased elsewhere, skipping this tick")
		return
	}
	defer e.release(ip)

	log := util.WithDevice(ip)

	if d.Status == model.StatusDiscovered || d.Status == model.StatusError {
		e.inv.Transition(ip, model.StatusConnecting)
	}

	conn, pwChanged, err := e.dialer.Open(ip, e.effectiveCreds(), cfg.PreferredPassword, func(active bool) {
		e.inv.SetSSHActive(ip, active)
	})
	if err != nil {
		phase := "connect"
		if d.Model == "" {
			phase = "discover_identity"
		}
		e.deviceFailed(ip, phase, err)
		return
	}
	defer conn.Close()
	e.clearFailures(ip)
	if pwChanged {
		e.noteRotation()
		e.inv.AddTaskResult(ip, "password_change", true)
		log.Info("completed first-login password change")
	}

	ops := devops.New(conn,
		devops.WithCommandTimeout(cfg.CommandTimeout),
		devops.WithSaveTimeout(cfg.SaveTimeout),
		devops.WithSettleDelay(cfg.SettleDelay),
	)

	if d.Model == "" || d.Serial == "" {
		id, err := ops.DiscoverIdentity()
		if err != nil {
			e.deviceFailed(ip, "discover_identity", err)
			return
		}
		e.inv.Update(ip, func(dev *model.Device) {
			dev.Model = id.Model
			dev.Serial = id.Serial
			dev.Firmware = id.Firmware
		})
		e.inv.AddTaskResult(ip, "discover_identity", true)
		log.WithField("model", id.Model).Info("discovered switch identity")
	}

	// A converged switch stays in configured; bouncing it through
	// configuring would register as a spurious update.
	d, _ = e.inv.Get(ip)
	if !d.BaseConfigApplied || !d.Configured || d.Status != model.StatusConfigured {
		e.inv.Transition(ip, model.StatusConfiguring)
	}
	if !d.BaseConfigApplied {
		if cfg.BaseConfig != "" {
			if err := ops.ApplyBaseConfig(cfg.BaseConfig); err != nil {
				e.deviceFailed(ip, "base_config", err)
				return
			}
			e.inv.AddTaskResult(ip, "base_config", true)
			log.Info("applied base config")
		}
		e.inv.Update(ip, func(dev *model.Device) { dev.BaseConfigApplied = true })
	}

	if !d.Configured {
		if err := ops.ApplyDeviceConfig(e.deviceSettings(ip, cfg)); err != nil {
			e.deviceFailed(ip, "device_config", err)
			return
		}
		e.inv.Update(ip, func(dev *model.Device) { dev.Configured = true })
		e.inv.AddTaskResult(ip, "device_config", true)
		log.Info("applied device config")
	}
	e.inv.Transition(ip, model.StatusConfigured)

	neighbors, err := ops.LLDPNeighbors()
	if err != nil {
		e.deviceFailed(ip, "lldp_discovery", err)
		return
	}
	paths, err := ops.L2Trace()
	if err != nil {
		// L2 trace is a best-effort supplement to LLDP.
		log.WithError(err).Debug("l2 trace unavailable")
	}
	e.mergeObservations(ip, neighbors, paths)
}

// mergeObservations feeds discovery results into the inventory. When
// LLDP gave no management address for a port, the first L2-trace hop on
// the same port supplies it.
func (e *Engine) mergeObservations(switchIP string, neighbors map[string]model.Neighbor, paths []devops.L2Path) {
	hopByPort := make(map[string]devops.L2Hop)
	for _, p := range paths {
		if len(p.Hops) > 0 {
			hopByPort[p.LocalPort] = p.Hops[0]
		}
	}

	for port, n := range neighbors {
		dtype, ok := devops.ClassifyNeighbor(n)
		if !ok {
			continue
		}
		if n.MgmtIP == "" {
			if hop, found := hopByPort[port]; found && hopMatchesNeighbor(hop, n) {
				n.MgmtIP = hop.IP
			}
		}
		modelName := devops.SwitchModel(n)
		if dtype == model.TypeAP {
			modelName = devops.APModel(n)
		}
		e.inv.ObserveNeighbor(switchIP, port, n, dtype, modelName)
	}
}

// hopMatchesNeighbor guards the trace fallback: the hop must agree with
// the LLDP chassis MAC when both are known.
func hopMatchesNeighbor(hop devops.L2Hop, n model.Neighbor) bool {
	hm := util.NormalizeMAC(hop.MAC)
	nm := util.NormalizeMAC(n.ChassisMAC)
	return hm == "" || nm == "" || hm == nm
}

// apPortWork programs the switch ports carrying the given APs over a
// single session to swIP.
func (e *Engine) apPortWork(swIP string, aps []model.Device, cfg Config) {
	if e.isAuthBlocked(swIP) {
		return
	}
	if !e.tryLease(swIP) {
		return
	}
	defer e.release(swIP)

	conn, _, err := e.dialer.Open(swIP, e.effectiveCreds(), cfg.PreferredPassword, func(active bool) {
		e.inv.SetSSHActive(swIP, active)
	})
	if err != nil {
		e.deviceFailed(swIP, "connect", err)
		return
	}
	defer conn.Close()
	e.clearFailures(swIP)

	ops := devops.New(conn,
		devops.WithCommandTimeout(cfg.CommandTimeout),
		devops.WithSaveTimeout(cfg.SaveTimeout),
		devops.WithSettleDelay(cfg.SettleDelay),
	)

	for _, ap := range aps {
		e.inv.Transition(ap.IP, model.StatusConfiguring)
		err := ops.ConfigureAPPort(ap.ConnectedPort, cfg.MgmtVLAN, cfg.WirelessVLANs, apPortName(ap), cfg.APPortPoE)
		if err != nil {
			e.deviceFailed(ap.IP, "port_config", err)
			if errors.Is(err, util.ErrTransient) || errors.Is(err, util.ErrTimeout) {
				// Session is gone; remaining APs wait for the next tick.
				return
			}
			continue
		}
		e.inv.Update(ap.IP, func(dev *model.Device) {
			dev.Configured = true
			dev.BaseConfigApplied = true
		})
		e.inv.AddTaskResult(ap.IP, "port_config", true)
		e.inv.Transition(ap.IP, model.StatusConfigured)
		util.WithDevice(ap.IP).WithFields(logrus.Fields{
			"switch": swIP,
			"port":   ap.ConnectedPort,
		}).Info("configured ap port")
	}
}

func apPortName(ap model.Device) string {
	name := ap.Hostname
	if name == "" {
		name = ap.Model
	}
	if name == "" {
		name = "ap"
	}
	if ap.MAC != "" {
		return name + " " + ap.MAC
	}
	return name
}

// deviceSettings derives per-switch management settings from the plan.
func (e *Engine) deviceSettings(ip string, cfg Config) devops.DeviceSettings {
	s := devops.DeviceSettings{
		MgmtVLAN: cfg.MgmtVLAN,
		Gateway:  cfg.Gateway,
		DNS:      cfg.DNS,
	}
	if cfg.HostnamePrefix != "" {
		s.Hostname = cfg.HostnamePrefix + "-" + lastOctet(ip)
	}
	return s
}

func lastOctet(ip string) string {
	if i := strings.LastIndexByte(ip, '.'); i >= 0 {
		return ip[i+1:]
	}
	return ip
}

// deviceFailed applies the per-kind failure policy: auth errors park
// the device immediately, transient errors park it after three
// consecutive strikes, and everything else fails just the current task.
func (e *Engine) deviceFailed(ip, phase string, err error) {
	kind := util.Kind(err)
	log := util.WithDevice(ip).WithField("phase", phase)

	switch {
	case errors.Is(err, util.ErrAuth):
		e.failMu.Lock()
		e.authBlocked[ip] = true
		e.failMu.Unlock()
		e.inv.AddTaskResult(ip, phase, false)
		e.inv.Transition(ip, model.StatusError)
		e.emit(model.EventError, model.ErrorPayload(ip, phase, kind, err.Error()))
		log.WithError(err).Error("authentication failed, holding until credentials change")

	case errors.Is(err, util.ErrTransient) || errors.Is(err, util.ErrTimeout):
		e.failMu.Lock()
		e.failures[ip]++
		n := e.failures[ip]
		if n >= failureThreshold {
			e.failures[ip] = 0
		}
		e.failMu.Unlock()
		if n < failureThreshold {
			log.WithError(err).WithField("attempt", n).Warn("device unreachable, will retry next tick")
			return
		}
		e.inv.AddTaskResult(ip, phase, false)
		e.inv.Transition(ip, model.StatusError)
		e.emit(model.EventError, model.ErrorPayload(ip, phase, kind, err.Error()))
		log.WithError(err).Error("device unreachable after repeated attempts")

	default:
		e.inv.AddTaskResult(ip, phase, false)
		e.emit(model.EventError, model.ErrorPayload(ip, phase, kind, err.Error()))
		log.WithError(err).Error("device task failed")
	}
}

func (e *Engine) clearFailures(ip string) {
	e.failMu.Lock()
	delete(e.failures, ip)
	e.failMu.Unlock()
}

func (e *Engine) isAuthBlocked(ip string) bool {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.authBlocked[ip]
}

// noteRotation records that the preferred password has been installed
// on at least one device; subsequent opens try it first.
func (e *Engine) noteRotation() {
	e.mu.Lock()
	e.rotated = true
	e.mu.Unlock()
}

// effectiveCreds returns the configured credential list, with the
// preferred password promoted to the front once any device has been
// rotated onto it.
func (e *Engine) effectiveCreds() []session.Credential {
	e.mu.Lock()
	defer e.mu.Unlock()

	creds := append([]session.Credential(nil), e.cfg.Credentials...)
	if !e.rotated || e.cfg.PreferredPassword == "" || len(creds) == 0 {
		return creds
	}
	rotated := session.Credential{Username: creds[0].Username, Password: e.cfg.PreferredPassword}
	for _, c := range creds {
		if c == rotated {
			return creds
		}
	}
	return append([]session.Credential{rotated}, creds...)
}

// emitDeltas compares snapshots and emits lifecycle events for every
// device that appeared, mutated, or reached configured during the tick.
func (e *Engine) emitDeltas(before, after map[string]model.Device) {
	for ip, d := range after {
		prev, existed := before[ip]
		if !existed {
			e.emit(model.EventDeviceDiscovered, devicePayload(d))
		} else if !reflect.DeepEqual(prev, d) {
			e.emit(model.EventDeviceUpdated, devicePayload(d))
		}
		if (!existed || prev.Status != model.StatusConfigured) && d.Status == model.StatusConfigured {
			e.emit(model.EventDeviceConfigured, devicePayload(d))
		}
	}
}

func devicePayload(d model.Device) map[string]interface{} {
	return map[string]interface{}{
		"ip":     d.IP,
		"type":   string(d.Type),
		"status": string(d.Status),
		"model":  d.Model,
	}
}

func (e *Engine) emit(typ model.EventType, payload map[string]interface{}) {
	ev := model.NewEvent(typ, payload)
	ev.AgentID = e.agentID
	ev.Tick = atomic.LoadUint64(&e.tick)
	ev.Seq = atomic.AddUint64(&e.seq, 1)
	atomic.AddUint64(&e.tickEvents, 1)
	e.rep.Emit(ev)
}

// tryLease claims exclusive CLI access to ip. Callers that lose the
// race fail fast instead of queueing behind a slow session.
func (e *Engine) tryLease(ip string) bool {
	e.leaseMu.Lock()
	defer e.leaseMu.Unlock()
	if e.leased[ip] {
		return false
	}
	e.leased[ip] = true
	return true
}

func (e *Engine) release(ip string) {
	e.leaseMu.Lock()
	delete(e.leased, ip)
	e.leaseMu.Unlock()
}

// WithDevice opens an ad-hoc operations handle to ip under the device
// lease, for RPC commands. It fails fast with ErrBusy when the tick
// pipeline holds the device.
func (e *Engine) WithDevice(ip, username, password string, timeout time.Duration, fn func(*devops.Ops) (string, error)) (string, error) {
	if !util.IsUsableIPv4(ip) {
		return "", fmt.Errorf("%w: invalid target address %q", util.ErrConfig, ip)
	}
	if !e.tryLease(ip) {
		return "", fmt.Errorf("%w: a provisioning session to %s is in progress", util.ErrBusy, ip)
	}
	defer e.release(ip)

	cfg := e.config()
	creds := e.effectiveCreds()
	if username != "" {
		creds = []session.Credential{{Username: username, Password: password}}
	}
	if len(creds) == 0 {
		return "", fmt.Errorf("%w: no credentials available for %s", util.ErrConfig, ip)
	}
	conn, _, err := e.dialer.Open(ip, creds, cfg.PreferredPassword, func(active bool) {
		e.inv.SetSSHActive(ip, active)
	})
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if timeout <= 0 {
		timeout = cfg.CommandTimeout
	}
	ops := devops.New(conn,
		devops.WithCommandTimeout(timeout),
		devops.WithSaveTimeout(cfg.SaveTimeout),
		devops.WithSettleDelay(cfg.SettleDelay),
	)
	return fn(ops)
}
