package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/icxfleet/icxfleet/pkg/devops"
	"github.com/icxfleet/icxfleet/pkg/inventory"
	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/session"
	"github.com/icxfleet/icxfleet/pkg/util"
)

const showVersionOutput = `Copyright (c) Ruckus Networks, Inc. All rights reserved.
    UNIT 1: compiled on Mar 26 2021 at 01:28:04 labeled as SPS08095f
      (33554432 bytes) from Primary SPS08095f.bin (UFI)
        SW: Version 08.0.95fT211
      Compressed Boot-Monitor Image size = 786944, Version:10.1.18T225 (spz10118)
  HW: Stackable ICX7150-24-POE
==========================================================================
UNIT 1: SL 1: ICX7150-24P POE 24-port Management Module
      Serial  #:FEK3224N0F0
      Current temperature : 36.0 deg-C
==========================================================================
 1000 MHz ARM processor ARMv7 88 MHz bus
STACKID 1  system uptime is 21 day(s) 2 hour(s) 48 minute(s) 55 second(s)
`

const lldpSummaryAP = `Lcl Port  Chassis ID      Port ID         Port Description  System Name
1/1/4     609c.9f1f.08c0  609c.9f1f.08c0  eth0              R350
`

const lldpDetailAP = `Local port: 1/1/4
  Neighbor: 609c.9f1f.08c0.1, TTL 97 seconds
    + Chassis ID (MAC address): 609c.9f1f.08c0
    + Port ID (MAC address): 609c.9f1f.08c0
    + Time to live: 120 seconds
    + System name         : "R350"
    + System description  : "Ruckus R350 Multimedia Hotzone Wireless AP/SW Version: 6.2.0.103.1619"
    + Management address (IPv4): 172.16.128.13
`

const lldpSummarySwitch = `Lcl Port  Chassis ID      Port ID         Port Description  System Name
1/1/5     3845.3b3c.db36  3845.3b3c.db36  GigabitEthernet1  ICX7150-24 Switch
`

const lldpDetailSwitchNoMgmt = `Local port: 1/1/5
  Neighbor: 3845.3b3c.db36.1, TTL 106 seconds
    + Chassis ID (MAC address): 3845.3b3c.db36
    + Port ID (MAC address): 3845.3b3c.db36
    + System name         : "ICX7150-24 Switch"
    + System description  : "Ruckus Wireless, Inc. ICX7150-24, IronWare Version 08.0.95fT211"
    + Management address (IPv4): 0.0.0.0
`

const traceL2Switch = `Vlan 1 L2 topology probed
path 1 from 1/1/5
 hop ip-addr          mac             ingress  egress
 1   192.168.1.11     3845.3b3c.db36  1/1/2    1/1/7
`

// fakeDevice is an in-memory ICX switch. It answers the show commands
// the engine issues and records everything sent to it.
type fakeDevice struct {
	mu          sync.Mutex
	showVersion string
	lldpSummary string
	lldpDetail  map[string]string
	trace       string

	commands []string
	saves    int
	opens    int

	openErr      error
	openErrCount int
	pwChange     bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		showVersion: showVersionOutput,
		lldpDetail:  map[string]string{},
	}
}

func (d *fakeDevice) ran(prefix string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeConn struct{ d *fakeDevice }

func (c *fakeConn) Run(cmd string, _ time.Duration) (string, error) {
	c.d.mu.Lock()
	c.d.commands = append(c.d.commands, cmd)
	c.d.mu.Unlock()

	switch {
	case cmd == "show version":
		return c.d.showVersion, nil
	case cmd == "show lldp neighbors":
		return c.d.lldpSummary, nil
	case strings.HasPrefix(cmd, "show lldp neighbors detail ports ethernet "):
		port := strings.TrimPrefix(cmd, "show lldp neighbors detail ports ethernet ")
		return c.d.lldpDetail[port], nil
	case cmd == "trace-l2 show":
		return c.d.trace, nil
	}
	return "", nil
}

func (c *fakeConn) EnterConfig(time.Duration) error { return nil }
func (c *fakeConn) ExitConfig(time.Duration) error  { return nil }
func (c *fakeConn) Save(time.Duration) error {
	c.d.mu.Lock()
	c.d.saves++
	c.d.mu.Unlock()
	return nil
}
func (c *fakeConn) Close() error { return nil }

type fakeDialer struct {
	mu        sync.Mutex
	devices   map[string]*fakeDevice
	lastCreds []session.Credential
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{devices: map[string]*fakeDevice{}}
}

func (f *fakeDialer) Open(ip string, creds []session.Credential, preferred string, onActive func(bool)) (devops.Conn, bool, error) {
	f.mu.Lock()
	f.lastCreds = append([]session.Credential(nil), creds...)
	d := f.devices[ip]
	f.mu.Unlock()

	if d == nil {
		return nil, false, fmt.Errorf("%w: no route to %s", util.ErrTransient, ip)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.openErrCount > 0 {
		d.openErrCount--
		return nil, false, d.openErr
	}
	pw := d.pwChange
	d.pwChange = false
	return &fakeConn{d: d}, pw, nil
}

type capture struct {
	mu          sync.Mutex
	events      []model.Event
	inventories int
}

func (c *capture) Emit(ev model.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capture) PublishInventory(bool, map[string]model.Device) {
	c.mu.Lock()
	c.inventories++
	c.mu.Unlock()
}

func (c *capture) count(typ model.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (c *capture) last(typ model.EventType) (model.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Type == typ {
			return c.events[i], true
		}
	}
	return model.Event{}, false
}

func (c *capture) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func testConfig() Config {
	cfg := Config{
		Seeds:             []string{"192.168.1.10"},
		Credentials:       []session.Credential{{Username: "super", Password: "sp-admin"}},
		PreferredPassword: "admin123",
		BaseConfig:        "no telnet server\naaa authentication login default local\n",
		MgmtVLAN:          10,
		Gateway:           "192.168.1.1",
		DNS:               []string{"8.8.8.8"},
		HostnamePrefix:    "icx",
		WirelessVLANs:     []int{20, 30},
		APPortPoE:         true,
		FastDiscovery:     true,
	}
	cfg.Normalize()
	return cfg
}

func testEngine(dialer Dialer) (*Engine, *inventory.Inventory, *capture) {
	inv := inventory.New()
	rep := &capture{}
	e := New("edge-test", inv, dialer, rep)
	e.Apply(testConfig())
	return e, inv, rep
}

func tickOnce(e *Engine) {
	e.runTick(context.Background(), e.config())
}

func TestTickProvisionsSeedAndAP(t *testing.T) {
	dialer := newFakeDialer()
	sw := newFakeDevice()
	sw.lldpSummary = lldpSummaryAP
	sw.lldpDetail["1/1/4"] = lldpDetailAP
	dialer.devices["192.168.1.10"] = sw

	e, inv, rep := testEngine(dialer)
	tickOnce(e)
	tickOnce(e)

	d, ok := inv.Get("192.168.1.10")
	if !ok {
		t.Fatal("seed missing from inventory")
	}
	if d.Status != model.StatusConfigured || !d.Configured || !d.BaseConfigApplied {
		t.Errorf("switch = %+v", d)
	}
	if d.Model != "ICX7150-24-POE" || d.Serial != "FEK3224N0F0" || d.Firmware != "08.0.95fT211" {
		t.Errorf("identity = %s/%s/%s", d.Model, d.Serial, d.Firmware)
	}
	if !d.HasAPPort("1/1/4") {
		t.Errorf("ap_ports = %v", d.APPorts)
	}

	ap, ok := inv.Get("172.16.128.13")
	if !ok {
		t.Fatal("ap missing from inventory")
	}
	if ap.Status != model.StatusConfigured || !ap.Configured || ap.Model != "R350" {
		t.Errorf("ap = %+v", ap)
	}

	for _, want := range []string{
		"no telnet server",
		"hostname icx-10",
		"management-vlan",
		"ip dns server-address 8.8.8.8",
		"ip route 0.0.0.0/0 192.168.1.1",
		"vlan 10",
		"vlan 20",
		"vlan 30",
		"tagged ethernet 1/1/4",
		"dual-mode 10",
		"inline power",
		"port-name R350 60:9c:9f:1f:08:c0",
	} {
		if !sw.ran(want) {
			t.Errorf("command %q never sent; got %v", want, sw.commands)
		}
	}
	if sw.saves == 0 {
		t.Error("running config never saved")
	}

	if rep.count(model.EventDeviceConfigured) != 2 {
		t.Errorf("device_configured count = %d, want 2", rep.count(model.EventDeviceConfigured))
	}
	if rep.count(model.EventError) != 0 {
		t.Errorf("unexpected error events: %d", rep.count(model.EventError))
	}
}

func TestTickIsConvergent(t *testing.T) {
	dialer := newFakeDialer()
	sw := newFakeDevice()
	sw.lldpSummary = lldpSummaryAP
	sw.lldpDetail["1/1/4"] = lldpDetailAP
	dialer.devices["192.168.1.10"] = sw

	e, _, rep := testEngine(dialer)
	tickOnce(e)
	tickOnce(e)

	events := rep.total()
	inventories := rep.inventories
	tickOnce(e)
	tickOnce(e)

	if rep.total() != events {
		t.Errorf("converged ticks emitted %d new events", rep.total()-events)
	}
	if rep.inventories != inventories {
		t.Error("converged ticks republished inventory")
	}
}

func TestUnreachableSeedParksAfterThreeTicks(t *testing.T) {
	dialer := newFakeDialer() // seed has no device behind it
	e, inv, rep := testEngine(dialer)

	tickOnce(e)
	tickOnce(e)
	if n := rep.count(model.EventError); n != 0 {
		t.Fatalf("error events before the third strike: %d", n)
	}

	tickOnce(e)
	if n := rep.count(model.EventError); n != 1 {
		t.Fatalf("error events after third strike = %d, want 1", n)
	}
	ev, _ := rep.last(model.EventError)
	if ev.Payload["phase"] != "discover_identity" || ev.Payload["kind"] != "TransientError" {
		t.Errorf("error payload = %v", ev.Payload)
	}

	d, _ := inv.Get("192.168.1.10")
	if d.Status != model.StatusError {
		t.Errorf("status = %s, want error", d.Status)
	}
	if len(d.TasksFailed) != 1 || d.TasksFailed[0] != "discover_identity" {
		t.Errorf("tasks_failed = %v", d.TasksFailed)
	}
}

func TestAuthFailureParksImmediately(t *testing.T) {
	dialer := newFakeDialer()
	sw := newFakeDevice()
	sw.openErr = fmt.Errorf("%w: all credentials rejected by 192.168.1.10", util.ErrAuth)
	sw.openErrCount = 100
	dialer.devices["192.168.1.10"] = sw

	e, inv, rep := testEngine(dialer)
	tickOnce(e)

	d, _ := inv.Get("192.168.1.10")
	if d.Status != model.StatusError {
		t.Fatalf("status = %s, want error", d.Status)
	}
	ev, ok := rep.last(model.EventError)
	if !ok || ev.Payload["kind"] != "AuthError" {
		t.Errorf("error event = %v", ev.Payload)
	}

	// The device is not retried until credentials change.
	tickOnce(e)
	if sw.opens != 1 {
		t.Errorf("opens after auth failure = %d, want 1", sw.opens)
	}

	e.Apply(e.config())
	tickOnce(e)
	if sw.opens != 2 {
		t.Errorf("opens after credential refresh = %d, want 2", sw.opens)
	}
}

func TestPasswordRotationPromotesPreferred(t *testing.T) {
	dialer := newFakeDialer()
	sw := newFakeDevice()
	sw.pwChange = true
	dialer.devices["192.168.1.10"] = sw

	e, inv, _ := testEngine(dialer)
	tickOnce(e)

	creds := e.effectiveCreds()
	if len(creds) == 0 || creds[0].Password != "admin123" {
		t.Errorf("effective creds = %v, preferred password not promoted", creds)
	}
	d, _ := inv.Get("192.168.1.10")
	found := false
	for _, tag := range d.TasksCompleted {
		if tag == "password_change" {
			found = true
		}
	}
	if !found {
		t.Errorf("tasks_completed = %v", d.TasksCompleted)
	}

	tickOnce(e)
	dialer.mu.Lock()
	first := dialer.lastCreds[0]
	dialer.mu.Unlock()
	if first.Password != "admin123" {
		t.Errorf("next open led with password %q, want admin123", first.Password)
	}
}

func TestTraceSuppliesMissingMgmtIP(t *testing.T) {
	dialer := newFakeDialer()
	sw := newFakeDevice()
	sw.lldpSummary = lldpSummarySwitch
	sw.lldpDetail["1/1/5"] = lldpDetailSwitchNoMgmt
	sw.trace = traceL2Switch
	dialer.devices["192.168.1.10"] = sw

	e, inv, _ := testEngine(dialer)
	tickOnce(e)

	peer, ok := inv.Get("192.168.1.11")
	if !ok {
		t.Fatal("trace-supplied neighbor missing from inventory")
	}
	if peer.Type != model.TypeSwitch || peer.MAC != "38:45:3b:3c:db:36" || peer.Model != "ICX7150-24" {
		t.Errorf("peer = %+v", peer)
	}
}

func TestRPCRunShow(t *testing.T) {
	dialer := newFakeDialer()
	dialer.devices["192.168.1.10"] = newFakeDevice()
	e, _, _ := testEngine(dialer)

	res := e.HandleRPC(protocol.NewRPCCall("req-1", protocol.OpRunShow, protocol.RPCArgs{
		TargetIP: "192.168.1.10",
		Command:  "show version",
	}))
	if !res.OK {
		t.Fatalf("rpc failed: %s %s", res.ErrorKind, res.ErrorMessage)
	}
	if !strings.Contains(res.Output, "ICX7150-24-POE") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestRPCRejectsNonShowCommand(t *testing.T) {
	dialer := newFakeDialer()
	dialer.devices["192.168.1.10"] = newFakeDevice()
	e, _, _ := testEngine(dialer)

	res := e.HandleRPC(protocol.NewRPCCall("req-2", protocol.OpRunShow, protocol.RPCArgs{
		TargetIP: "192.168.1.10",
		Command:  "reload",
	}))
	if res.OK || res.ErrorKind != "ConfigError" {
		t.Errorf("result = %+v, want ConfigError", res)
	}
}

func TestRPCBusyWhenDeviceLeased(t *testing.T) {
	dialer := newFakeDialer()
	dialer.devices["192.168.1.10"] = newFakeDevice()
	e, _, _ := testEngine(dialer)

	if !e.tryLease("192.168.1.10") {
		t.Fatal("lease should be free")
	}
	res := e.HandleRPC(protocol.NewRPCCall("req-3", protocol.OpRunShow, protocol.RPCArgs{
		TargetIP: "192.168.1.10",
		Command:  "show version",
	}))
	if res.OK || res.ErrorKind != "Busy" {
		t.Errorf("result = %+v, want Busy", res)
	}

	e.release("192.168.1.10")
	res = e.HandleRPC(protocol.NewRPCCall("req-4", protocol.OpRunShow, protocol.RPCArgs{
		TargetIP: "192.168.1.10",
		Command:  "show version",
	}))
	if !res.OK {
		t.Errorf("rpc after release failed: %s", res.ErrorKind)
	}
}

func TestRPCSetVLANSaves(t *testing.T) {
	dialer := newFakeDialer()
	sw := newFakeDevice()
	dialer.devices["192.168.1.10"] = sw
	e, _, _ := testEngine(dialer)

	res := e.HandleRPC(protocol.NewRPCCall("req-5", protocol.OpSetVLAN, protocol.RPCArgs{
		TargetIP: "192.168.1.10",
		Port:     "1/1/7",
		VLAN:     40,
	}))
	if !res.OK {
		t.Fatalf("set_vlan failed: %s %s", res.ErrorKind, res.ErrorMessage)
	}
	if !sw.ran("vlan 40") || !sw.ran("untagged ethernet 1/1/7") {
		t.Errorf("commands = %v", sw.commands)
	}
	if sw.saves != 1 {
		t.Errorf("saves = %d, want 1", sw.saves)
	}
}

func TestStartStop(t *testing.T) {
	dialer := newFakeDialer()
	sw := newFakeDevice()
	sw.lldpSummary = lldpSummaryAP
	sw.lldpDetail["1/1/4"] = lldpDetailAP
	dialer.devices["192.168.1.10"] = sw

	clock := clockwork.NewFakeClock()
	inv := inventory.New()
	rep := &capture{}
	e := New("edge-test", inv, dialer, rep, WithClock(clock))
	e.Apply(testConfig())

	if !e.Start() {
		t.Fatal("first Start should succeed")
	}
	if e.Start() {
		t.Error("second Start should report already running")
	}

	// The first tick has finished once the loop is waiting on the clock.
	clock.BlockUntil(1)
	if !e.Running() {
		t.Error("engine should report running")
	}
	if d, ok := inv.Get("192.168.1.10"); !ok || d.Status != model.StatusConfigured {
		t.Errorf("seed after first tick = %+v", d)
	}

	if !e.Stop() {
		t.Fatal("Stop should succeed")
	}
	if e.Stop() {
		t.Error("second Stop should report not running")
	}
	if e.Running() {
		t.Error("engine should be stopped")
	}
	if rep.count(model.EventZTPStarted) != 1 || rep.count(model.EventZTPStopped) != 1 {
		t.Errorf("lifecycle events: started=%d stopped=%d",
			rep.count(model.EventZTPStarted), rep.count(model.EventZTPStopped))
	}
}
