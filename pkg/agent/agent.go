// Package agent assembles one edge agent: the inventory, the ZTP
// engine, and the dashboard transport, glued by the frame handler.
package agent

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/icxfleet/icxfleet/pkg/config"
	"github.com/icxfleet/icxfleet/pkg/engine"
	"github.com/icxfleet/icxfleet/pkg/inventory"
	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/transport"
	"github.com/icxfleet/icxfleet/pkg/util"
	"github.com/icxfleet/icxfleet/pkg/version"
)

// capabilities advertises what this agent build can do.
var capabilities = []string{"ztp", "rpc", "inventory"}

// Agent is one running edge agent instance.
type Agent struct {
	cfg    *config.Agent
	inv    *inventory.Inventory
	eng    *engine.Engine
	client *transport.Client
	dialer engine.Dialer
	log    *logrus.Entry
}

// Option tunes agent construction.
type Option func(*Agent)

// WithDialer substitutes the device dialer, for tests.
func WithDialer(d engine.Dialer) Option {
	return func(a *Agent) { a.dialer = d }
}

// New wires an agent from its configuration.
func New(cfg *config.Agent, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		inv:    inventory.New(),
		dialer: engine.NewSessionDialer(),
		log:    util.WithAgent(cfg.AgentID),
	}
	for _, opt := range opts {
		opt(a)
	}

	client, err := transport.New(transport.Options{
		ServerURL:      cfg.ServerURL,
		Path:           cfg.WebSocketPath,
		AgentID:        cfg.AgentID,
		Token:          cfg.AuthToken,
		Handler:        a,
		Register:       a.registerFrame,
		Heartbeat:      a.heartbeatFrame,
		Snapshot:       a.inv.Snapshot,
		BackoffInitial: cfg.ReconnectInterval,
	})
	if err != nil {
		return nil, err
	}
	a.client = client
	a.eng = engine.New(cfg.AgentID, a.inv, a.dialer, client)
	return a, nil
}

// Run serves until ctx is cancelled. A local provisioning profile, if
// configured, seeds the engine before the first dashboard contact; a
// dashboard push later replaces it.
func (a *Agent) Run(ctx context.Context) error {
	defer a.eng.Stop()
	if a.cfg.ZTPProfile != "" {
		prof, err := config.LoadProfile(a.cfg.ZTPProfile)
		if err != nil {
			return err
		}
		a.log.WithField("profile", a.cfg.ZTPProfile).Info("applying local provisioning profile")
		a.HandleConfigure(*prof)
	}
	return a.client.Run(ctx)
}

func (a *Agent) registerFrame() protocol.Register {
	return protocol.NewRegister(
		a.cfg.AgentID,
		a.cfg.Hostname,
		a.cfg.Subnet,
		version.Version,
		capabilities,
		a.cfg.ViewPasswordHash,
	)
}

func (a *Agent) heartbeatFrame() protocol.Heartbeat {
	return protocol.NewHeartbeat(
		a.cfg.AgentID,
		a.inv.Summarize().Devices,
		a.eng.Running(),
		a.eng.Tick(),
	)
}

// HandleConfigure replaces the engine configuration. Local settings
// fill the gaps the wire form leaves open.
func (a *Agent) HandleConfigure(w protocol.ZTPConfig) {
	cfg := engine.FromWire(w)
	if w.PollIntervalSecs == 0 && a.cfg.PollInterval > 0 {
		cfg.PollInterval = a.cfg.PollInterval
	}
	if a.cfg.CommandTimeout > 0 {
		cfg.CommandTimeout = a.cfg.CommandTimeout
	}
	cfg.Normalize()
	a.eng.Apply(cfg)
	a.log.WithField("seeds", len(cfg.Seeds)).Info("applied configuration")

	if a.cfg.EnableZTP && !a.eng.Running() {
		a.eng.Start()
	}
}

// HandleControl starts or stops the provisioning loop.
func (a *Agent) HandleControl(action string) {
	switch action {
	case protocol.ActionStart:
		if a.eng.Start() {
			a.log.Info("ztp engine started")
		}
	case protocol.ActionStop:
		if a.eng.Stop() {
			a.log.Info("ztp engine stopped")
		}
	default:
		a.log.WithField("action", action).Warn("ignoring unknown control action")
	}
}

// HandleRPC proxies a dashboard command to the engine.
func (a *Agent) HandleRPC(call protocol.RPCCall) protocol.RPCResult {
	return a.eng.HandleRPC(call)
}
