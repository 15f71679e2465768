package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/util"
)

// Server is the dashboard HTTP surface: agent WebSockets, the JSON
// API, and the HTML view pages.
type Server struct {
	reg      *Registry
	events   *EventLog
	sessions *sessionStore
	router   *mux.Router
	log      *logrus.Entry
}

// NewServer wires the routes. The registry and event log are shared
// with the WebSocket side.
func NewServer(reg *Registry, events *EventLog) *Server {
	s := &Server{
		reg:      reg,
		events:   events,
		sessions: newSessionStore(reg.clock),
		router:   mux.NewRouter(),
		log:      util.WithField("component", "api"),
	}

	r := s.router
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ws/agent/{agent_id}", s.handleAgentWS)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/edge-agents", s.handleListAgents).Methods(http.MethodGet)
	api.HandleFunc("/edge-agents/{agent_id}", s.requireView(s.handleGetAgent)).Methods(http.MethodGet)
	api.HandleFunc("/edge-agents/{agent_id}/events", s.requireView(s.handleAgentEvents)).Methods(http.MethodGet)
	api.HandleFunc("/edge-agents/{agent_id}/command", s.requireView(s.handleCommand)).Methods(http.MethodPost)
	api.HandleFunc("/edge-agents/{agent_id}/config", s.requireView(s.handleConfig)).Methods(http.MethodPost)
	api.HandleFunc("/edge-agents/{agent_id}/control", s.requireView(s.handleControl)).Methods(http.MethodPost)
	api.HandleFunc("/ztp/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/ztp/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/ztp/inventory", s.handleInventory).Methods(http.MethodGet)

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/{agent_id}/login", s.handleLoginForm).Methods(http.MethodGet)
	r.HandleFunc("/{agent_id}/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/{agent_id}", s.handleAgentPage).Methods(http.MethodGet)

	return s
}

// requireView gates per-agent endpoints behind that agent's view
// session. Agents that never published a view password hash have
// nothing to authenticate against and stay open.
func (s *Server) requireView(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["agent_id"]
		if s.reg.PasswordHash(id) != "" && !s.sessions.allowed(sessionToken(r), id) {
			writeError(w, fmt.Errorf("%w: agent %s requires an unlocked view session", util.ErrAuth, id))
			return
		}
		next(w, r)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	s.reg.ServeWS(mux.Vars(r)["agent_id"], w, r)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": s.reg.Agents()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	info, ok := s.reg.Agent(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown agent %s", util.ErrNotFound, id))
		return
	}
	resp := map[string]interface{}{
		"agent":     info,
		"inventory": s.reg.Inventory(id),
	}
	if cfg, ok := s.reg.Config(id); ok {
		// Credentials never leave the dashboard through the API.
		cfg.Credentials = nil
		cfg.PreferredPassword = ""
		resp["config"] = cfg
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	if _, ok := s.reg.Agent(id); !ok {
		writeError(w, fmt.Errorf("%w: unknown agent %s", util.ErrNotFound, id))
		return
	}
	f := EventFilter{AgentID: id, Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: bad limit %q", util.ErrConfig, v))
			return
		}
		f.Limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.events.List(f)})
}

// commandRequest accepts both the flat body {target_ip, username,
// password, command, timeout} (op defaults to run_show) and the
// explicit {op, args, timeout_seconds} form.
type commandRequest struct {
	Op          string           `json:"op,omitempty"`
	Args        protocol.RPCArgs `json:"args,omitempty"`
	TimeoutSecs int              `json:"timeout_seconds,omitempty"`

	TargetIP string `json:"target_ip,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Command  string `json:"command,omitempty"`
	Timeout  int    `json:"timeout,omitempty"`
}

// normalize folds the flat fields into op/args form.
func (req *commandRequest) normalize() {
	if req.Op == "" {
		req.Op = protocol.OpRunShow
	}
	if req.Args.TargetIP == "" {
		req.Args.TargetIP = req.TargetIP
	}
	if req.Args.Username == "" {
		req.Args.Username = req.Username
	}
	if req.Args.Password == "" {
		req.Args.Password = req.Password
	}
	if req.Args.Command == "" {
		req.Args.Command = req.Command
	}
	if req.TimeoutSecs == 0 {
		req.TimeoutSecs = req.Timeout
	}
	if req.Args.TimeoutSecs == 0 {
		req.Args.TimeoutSecs = req.TimeoutSecs
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: command body: %v", util.ErrParse, err))
		return
	}
	req.normalize()

	res, err := s.reg.CallRPC(id, req.Op, req.Args, time.Duration(req.TimeoutSecs)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	if !res.OK {
		writeErrorKind(w, res.ErrorKind, res.ErrorMessage)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": res.Output})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	var cfg protocol.ZTPConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, fmt.Errorf("%w: config body: %v", util.ErrParse, err))
		return
	}
	if len(cfg.Seeds) == 0 || len(cfg.Credentials) == 0 {
		writeError(w, fmt.Errorf("%w: configuration needs seeds and credentials", util.ErrConfig))
		return
	}
	if err := s.reg.SendConfigure(id, cfg); err != nil {
		writeError(w, err)
		return
	}
	s.log.WithField("agent", id).Info("configuration stored")
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type controlRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: control body: %v", util.ErrParse, err))
		return
	}
	if err := s.reg.SendControl(id, req.Action); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agents := s.reg.Agents()
	running := 0
	for _, a := range agents {
		if a.Online && a.ZTPRunning {
			running++
		}
	}
	var swDiscovered, swConfigured, apDiscovered int
	for _, d := range s.reg.Inventory("") {
		switch d.Type {
		case model.TypeSwitch:
			swDiscovered++
			if d.Configured {
				swConfigured++
			}
		case model.TypeAP:
			apDiscovered++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":              len(agents),
		"running":             running,
		"switches_discovered": swDiscovered,
		"switches_configured": swConfigured,
		"aps_discovered":      apDiscovered,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := EventFilter{
		AgentID: q.Get("agent"),
		Type:    model.EventType(q.Get("type")),
		Limit:   100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: bad limit %q", util.ErrConfig, v))
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: bad since timestamp %q", util.ErrConfig, v))
			return
		}
		f.Since = ts
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": s.events.List(f)})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": s.reg.Inventory(r.URL.Query().Get("agent")),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, "index", map[string]interface{}{"Agents": s.reg.Agents()})
}

func (s *Server) handleLoginForm(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	if _, ok := s.reg.Agent(id); !ok {
		writeError(w, fmt.Errorf("%w: unknown agent %s", util.ErrNotFound, id))
		return
	}
	s.renderPage(w, "login", map[string]interface{}{"AgentID": id})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	if _, ok := s.reg.Agent(id); !ok {
		writeError(w, fmt.Errorf("%w: unknown agent %s", util.ErrNotFound, id))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, fmt.Errorf("%w: login form: %v", util.ErrParse, err))
		return
	}

	token, err := s.sessions.login(s.reg, sessionToken(r), id, r.PostFormValue("password"))
	if err != nil {
		s.log.WithField("agent", id).WithError(err).Warn("view login failed")
		w.WriteHeader(http.StatusUnauthorized)
		s.renderPage(w, "login", map[string]interface{}{"AgentID": id, "Failed": true})
		return
	}
	setSessionCookie(w, token)
	http.Redirect(w, r, "/"+id, http.StatusSeeOther)
}

func (s *Server) handleAgentPage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	info, ok := s.reg.Agent(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: unknown agent %s", util.ErrNotFound, id))
		return
	}
	if s.reg.PasswordHash(id) != "" && !s.sessions.allowed(sessionToken(r), id) {
		http.Redirect(w, r, "/"+id+"/login", http.StatusSeeOther)
		return
	}

	inv := s.reg.Inventory(id)
	devices := make([]model.Device, 0, len(inv))
	for _, d := range inv {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].IP < devices[j].IP })

	s.renderPage(w, "agent", map[string]interface{}{
		"Info":    info,
		"Devices": devices,
		"Events":  s.events.List(EventFilter{AgentID: id, Limit: 50}),
	})
}

func (s *Server) renderPage(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		s.log.WithError(err).Error("template render failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error kind to an HTTP status and emits the
// standard error body.
func writeError(w http.ResponseWriter, err error) {
	writeErrorKind(w, util.Kind(err), err.Error())
}

func writeErrorKind(w http.ResponseWriter, kind, message string) {
	writeJSON(w, kindStatus(kind), map[string]interface{}{
		"error": map[string]string{"kind": kind, "message": message},
	})
}

func kindStatus(kind string) int {
	switch kind {
	case "AuthError":
		return http.StatusUnauthorized
	case "NotFound":
		return http.StatusNotFound
	case "Busy":
		return http.StatusConflict
	case "RateLimited":
		return http.StatusTooManyRequests
	case "AgentOffline":
		return http.StatusServiceUnavailable
	case "Timeout":
		return http.StatusGatewayTimeout
	case "ConfigError", "ParseError":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
