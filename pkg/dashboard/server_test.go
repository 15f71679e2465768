package dashboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/session"
	"github.com/icxfleet/icxfleet/pkg/util"
)

const agentToken = "edge-token"

func newTestStack(t *testing.T, clock clockwork.Clock) (*Registry, *EventLog, *httptest.Server) {
	t.Helper()
	events := NewEventLog(100)
	var reg *Registry
	if clock != nil {
		reg = NewRegistry(agentToken, events, WithRegistryClock(clock))
	} else {
		reg = NewRegistry(agentToken, events)
	}
	srv := httptest.NewServer(NewServer(reg, events))
	t.Cleanup(srv.Close)
	return reg, events, srv
}

func dialAgent(t *testing.T, srvURL, agentID, token string) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srvURL, "http") + "/ws/agent/" + agentID
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		return nil, resp
	}
	t.Cleanup(func() { conn.Close() })
	return conn, resp
}

func registerAgent(t *testing.T, conn *websocket.Conn, agentID, passwordHash string) {
	t.Helper()
	reg := protocol.NewRegister(agentID, agentID+"-host", "192.168.1.0/24", "v1.0.0", []string{"ztp", "rpc"}, passwordHash)
	if err := conn.WriteJSON(reg); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("waiting for ack: %v", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	ack, ok := frame.(*protocol.RegisterAck)
	if !ok || !ack.OK {
		t.Fatalf("register not acked: %#v", frame)
	}
	conn.SetReadDeadline(time.Time{})
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestAgentTokenRequired(t *testing.T) {
	_, _, srv := newTestStack(t, nil)
	conn, resp := dialAgent(t, srv.URL, "a1", "wrong")
	if conn != nil {
		t.Fatal("dial with bad token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestRegisterHeartbeatAndStatus(t *testing.T) {
	reg, _, srv := newTestStack(t, nil)
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")

	conn.WriteJSON(protocol.NewHeartbeat("a1", 7, true, 42))
	waitFor(t, func() bool {
		info, ok := reg.Agent("a1")
		return ok && info.Devices == 7 && info.ZTPRunning && info.Tick == 42
	})

	conn.WriteJSON(protocol.NewInventoryFrame("a1", true, map[string]model.Device{
		"192.168.1.10": {IP: "192.168.1.10", Type: model.TypeSwitch, Configured: true},
		"192.168.1.11": {IP: "192.168.1.11", Type: model.TypeSwitch},
		"172.16.0.5":   {IP: "172.16.0.5", Type: model.TypeAP},
	}))
	waitFor(t, func() bool { return len(reg.Inventory("a1")) == 3 })

	var status struct {
		Agents             int `json:"agents"`
		Running            int `json:"running"`
		SwitchesDiscovered int `json:"switches_discovered"`
		SwitchesConfigured int `json:"switches_configured"`
		APsDiscovered      int `json:"aps_discovered"`
	}
	if code := getJSON(t, srv.URL+"/api/ztp/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Agents != 1 || status.Running != 1 {
		t.Errorf("status = %+v", status)
	}
	if status.SwitchesDiscovered != 2 || status.SwitchesConfigured != 1 || status.APsDiscovered != 1 {
		t.Errorf("status counts = %+v", status)
	}

	var list struct {
		Agents []AgentInfo `json:"agents"`
	}
	getJSON(t, srv.URL+"/api/edge-agents", &list)
	if len(list.Agents) != 1 || list.Agents[0].Hostname != "a1-host" {
		t.Errorf("agents = %+v", list.Agents)
	}
}

func TestRegisterMismatchedIDRejected(t *testing.T) {
	_, _, srv := newTestStack(t, nil)
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	conn.WriteJSON(protocol.NewRegister("a2", "", "", "", nil, ""))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := protocol.Decode(data)
	ack, ok := frame.(*protocol.RegisterAck)
	if !ok || ack.OK {
		t.Errorf("mismatched register should be refused, got %#v", frame)
	}
}

func TestNewConnectionWins(t *testing.T) {
	reg, events, srv := newTestStack(t, nil)
	first, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, first, "a1", "")
	second, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, second, "a1", "")

	// The replaced connection is closed by the dashboard.
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	info, _ := reg.Agent("a1")
	if !info.Online {
		t.Error("agent should remain online on the new connection")
	}
	if n := len(events.List(EventFilter{Type: model.EventAgentDisconnected})); n != 0 {
		t.Errorf("replaced connection logged %d disconnect events, want 0", n)
	}
}

func TestEventIngestAndQuery(t *testing.T) {
	_, _, srv := newTestStack(t, nil)
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")

	ev := model.NewEvent(model.EventDeviceConfigured, map[string]interface{}{"ip": "192.168.1.10"})
	ev.AgentID = "a1"
	conn.WriteJSON(protocol.NewEventFrame("a1", ev))

	var out struct {
		Events []model.Event `json:"events"`
	}
	waitFor(t, func() bool {
		out.Events = nil
		getJSON(t, srv.URL+"/api/ztp/events?agent=a1&type=device_configured", &out)
		return len(out.Events) == 1
	})
	if out.Events[0].Payload["ip"] != "192.168.1.10" {
		t.Errorf("event = %+v", out.Events[0])
	}
}

func TestEventRateLimit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, events, srv := newTestStack(t, clock)
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")

	for i := 0; i < eventRateLimit+10; i++ {
		ev := model.NewEvent(model.EventDeviceUpdated, nil)
		ev.AgentID = "a1"
		conn.WriteJSON(protocol.NewEventFrame("a1", ev))
	}
	// Heartbeats are exempt from the budget.
	conn.WriteJSON(protocol.NewHeartbeat("a1", 3, false, 0))

	waitFor(t, func() bool {
		info, _ := reg.Agent("a1")
		return info.Devices == 3
	})
	if n := len(events.List(EventFilter{Type: model.EventDeviceUpdated})); n != eventRateLimit {
		t.Errorf("accepted %d events, want %d", n, eventRateLimit)
	}

	// A fresh window admits events again.
	clock.Advance(eventRateWindow)
	ev := model.NewEvent(model.EventDeviceUpdated, nil)
	ev.AgentID = "a1"
	conn.WriteJSON(protocol.NewEventFrame("a1", ev))
	waitFor(t, func() bool {
		return len(events.List(EventFilter{Type: model.EventDeviceUpdated})) == eventRateLimit+1
	})
}

func TestInventoryMergeAndReplace(t *testing.T) {
	reg, _, srv := newTestStack(t, nil)
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")

	conn.WriteJSON(protocol.NewInventoryFrame("a1", true, map[string]model.Device{
		"192.168.1.10": {IP: "192.168.1.10", Type: model.TypeSwitch},
		"172.16.0.5":   {IP: "172.16.0.5", Type: model.TypeAP},
	}))
	waitFor(t, func() bool { return len(reg.Inventory("a1")) == 2 })

	// Delta merges.
	conn.WriteJSON(protocol.NewInventoryFrame("a1", false, map[string]model.Device{
		"192.168.1.11": {IP: "192.168.1.11", Type: model.TypeSwitch},
	}))
	waitFor(t, func() bool { return len(reg.Inventory("a1")) == 3 })

	// Full replaces.
	conn.WriteJSON(protocol.NewInventoryFrame("a1", true, map[string]model.Device{
		"192.168.1.10": {IP: "192.168.1.10", Type: model.TypeSwitch, Configured: true},
	}))
	waitFor(t, func() bool {
		inv := reg.Inventory("a1")
		return len(inv) == 1 && inv["192.168.1.10"].Configured
	})

	// The per-agent detail carries the shadow inventory.
	var detail struct {
		Inventory map[string]model.Device `json:"inventory"`
	}
	if code := getJSON(t, srv.URL+"/api/edge-agents/a1", &detail); code != http.StatusOK {
		t.Fatalf("detail code = %d", code)
	}
	if len(detail.Inventory) != 1 || !detail.Inventory["192.168.1.10"].Configured {
		t.Errorf("detail inventory = %+v", detail.Inventory)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	_, _, srv := newTestStack(t, nil)
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")

	// The simulated agent answers every rpc_call.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			if call, ok := frame.(*protocol.RPCCall); ok {
				if call.Args.Command == "show version" {
					conn.WriteJSON(protocol.NewRPCResult(call.RequestID, "ICX7150 up"))
				} else {
					conn.WriteJSON(protocol.NewRPCError(call.RequestID,
						fmt.Errorf("%w: engine holds the session", util.ErrBusy)))
				}
			}
		}
	}()

	var out struct {
		Output string `json:"output"`
	}
	code := postJSON(t, srv.URL+"/api/edge-agents/a1/command", commandRequest{
		Op:   protocol.OpRunShow,
		Args: protocol.RPCArgs{TargetIP: "192.168.1.10", Command: "show version"},
	}, &out)
	if code != http.StatusOK || out.Output != "ICX7150 up" {
		t.Errorf("command = %d %+v", code, out)
	}

	var fail struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	code = postJSON(t, srv.URL+"/api/edge-agents/a1/command", commandRequest{
		Op:   protocol.OpRunShow,
		Args: protocol.RPCArgs{TargetIP: "192.168.1.10", Command: "show running-config"},
	}, &fail)
	if code != http.StatusConflict || fail.Error.Kind != "Busy" {
		t.Errorf("busy command = %d %+v", code, fail)
	}
}

func TestCommandFlatBody(t *testing.T) {
	_, _, srv := newTestStack(t, nil)
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")

	calls := make(chan protocol.RPCCall, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			if call, ok := frame.(*protocol.RPCCall); ok {
				calls <- *call
				conn.WriteJSON(protocol.NewRPCResult(call.RequestID, "lldp table"))
			}
		}
	}()

	// The op field is optional; a bare command body defaults to run_show.
	var out struct {
		Output string `json:"output"`
	}
	code := postJSON(t, srv.URL+"/api/edge-agents/a1/command", map[string]interface{}{
		"target_ip": "192.168.1.10",
		"username":  "super",
		"password":  "sp-admin",
		"command":   "show lldp neighbors",
		"timeout":   5,
	}, &out)
	if code != http.StatusOK || out.Output != "lldp table" {
		t.Fatalf("command = %d %+v", code, out)
	}

	call := <-calls
	if call.Op != protocol.OpRunShow {
		t.Errorf("op = %q, want %q", call.Op, protocol.OpRunShow)
	}
	if call.Args.TargetIP != "192.168.1.10" || call.Args.Username != "super" ||
		call.Args.Command != "show lldp neighbors" || call.Args.TimeoutSecs != 5 {
		t.Errorf("args = %+v", call.Args)
	}
}

func TestCommandToOfflineAgent(t *testing.T) {
	_, _, srv := newTestStack(t, nil)

	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")
	conn.Close()

	var fail struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	waitFor(t, func() bool {
		code := postJSON(t, srv.URL+"/api/edge-agents/a1/command", commandRequest{
			Op: protocol.OpRunShow,
		}, &fail)
		return code == http.StatusServiceUnavailable && fail.Error.Kind == "AgentOffline"
	})
}

func TestConfigStoredAndRepushedOnRegister(t *testing.T) {
	_, _, srv := newTestStack(t, nil)

	// Configure before the agent has ever connected.
	cfg := protocol.ZTPConfig{
		Seeds:       []string{"192.168.1.10"},
		Credentials: []session.Credential{{Username: "super", Password: "sp-admin"}},
	}
	code := postJSON(t, srv.URL+"/api/edge-agents/a1/config", cfg, nil)
	if code != http.StatusOK {
		t.Fatalf("config store = %d", code)
	}

	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected configure push: %v", err)
	}
	frame, _ := protocol.Decode(data)
	pushed, ok := frame.(*protocol.Configure)
	if !ok || len(pushed.Config.Seeds) != 1 || pushed.Config.Seeds[0] != "192.168.1.10" {
		t.Errorf("pushed config = %#v", frame)
	}
}

func TestControlOfflineAgent(t *testing.T) {
	reg, _, srv := newTestStack(t, nil)
	// Known but offline.
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")
	conn.Close()
	waitFor(t, func() bool {
		info, _ := reg.Agent("a1")
		return !info.Online
	})

	var fail struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	code := postJSON(t, srv.URL+"/api/edge-agents/a1/control", controlRequest{Action: "start"}, &fail)
	if code != http.StatusServiceUnavailable || fail.Error.Kind != "AgentOffline" {
		t.Errorf("control = %d %+v", code, fail)
	}

	code = postJSON(t, srv.URL+"/api/edge-agents/a1/control", controlRequest{Action: "reboot"}, &fail)
	if code != http.StatusBadRequest {
		t.Errorf("bad action = %d", code)
	}
}

func TestReaperMarksSilentAgentsOffline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg, events, srv := newTestStack(t, clock)
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", "")

	clock.Advance(offlineAfter + time.Second)
	reg.reapSilent()

	info, _ := reg.Agent("a1")
	if info.Online {
		t.Error("silent agent should be offline")
	}
	if n := len(events.List(EventFilter{Type: model.EventAgentDisconnected})); n != 1 {
		t.Errorf("disconnect events = %d, want 1", n)
	}

	// The reaper closed the socket; when the connection's read loop
	// unwinds it must not report the same loss again.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(events.List(EventFilter{Type: model.EventAgentDisconnected})); n != 1 {
		t.Errorf("disconnect events after socket close = %d, want 1", n)
	}
}

func TestViewPasswordGate(t *testing.T) {
	_, _, srv := newTestStack(t, nil)
	hash, err := bcrypt.GenerateFromPassword([]byte("viewpw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", string(hash))

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	// Without a session the page redirects to the login form.
	resp, err := client.Get(srv.URL + "/a1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/a1/login" {
		t.Fatalf("unauthenticated page = %d -> %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	resp, err = client.Get(srv.URL + "/a1/login")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "View password") {
		t.Errorf("expected login form, got: %.120s", body)
	}

	// Wrong password is refused.
	resp, err = client.PostForm(srv.URL+"/a1/login", map[string][]string{"password": {"nope"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d", resp.StatusCode)
	}

	// Correct password unlocks and sets the session cookie.
	resp, err = client.PostForm(srv.URL+"/a1/login", map[string][]string{"password": {"viewpw"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie set")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/a1", nil)
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "Devices") {
		t.Errorf("expected agent page, got: %.120s", body)
	}
}

func TestAgentAPIRequiresViewSession(t *testing.T) {
	_, _, srv := newTestStack(t, nil)
	hash, err := bcrypt.GenerateFromPassword([]byte("viewpw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	conn, _ := dialAgent(t, srv.URL, "a1", agentToken)
	registerAgent(t, conn, "a1", string(hash))

	// API calls for a password-protected agent need an unlocked session.
	var fail struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if code := getJSON(t, srv.URL+"/api/edge-agents/a1", &fail); code != http.StatusUnauthorized || fail.Error.Kind != "AuthError" {
		t.Fatalf("unauthenticated detail = %d %+v", code, fail)
	}
	if code := postJSON(t, srv.URL+"/api/edge-agents/a1/command", commandRequest{Op: protocol.OpRunShow}, &fail); code != http.StatusUnauthorized {
		t.Errorf("unauthenticated command = %d", code)
	}

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.PostForm(srv.URL+"/a1/login", map[string][]string{"password": {"viewpw"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("no session cookie set")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/edge-agents/a1", nil)
	req.AddCookie(cookie)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlocked detail = %d", resp.StatusCode)
	}
	var detail map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if _, ok := detail["inventory"]; !ok {
		t.Error("detail missing inventory")
	}
}

func TestHealthz(t *testing.T) {
	_, _, srv := newTestStack(t, nil)
	var out map[string]string
	if code := getJSON(t, srv.URL+"/healthz", &out); code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("healthz = %d %v", code, out)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never held")
}
