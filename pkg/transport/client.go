// Package transport maintains the agent's persistent WebSocket to the
// dashboard. It owns reconnection with exponential backoff, the
// register handshake, heartbeats, the bounded offline event buffer, and
// dispatch of inbound dashboard frames to the agent.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/icxfleet/icxfleet/pkg/model"
	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/util"
)

const (
	// eventBufferCap bounds the offline event buffer; the oldest
	// events are dropped first and the loss is reported upstream as a
	// single aggregated error event on the next flush.
	eventBufferCap = 1024

	defaultHeartbeatInterval = 30 * time.Second
	defaultBackoffInitial    = 30 * time.Second
	defaultBackoffMax        = 300 * time.Second
	registerTimeout          = 10 * time.Second
	outQueueCap              = 64

	// maxAuthRejects ends the reconnect loop after this many
	// consecutive credential rejections; a bad token never heals on
	// its own.
	maxAuthRejects = 3
)

// Handler receives dashboard-initiated frames.
type Handler interface {
	HandleConfigure(cfg protocol.ZTPConfig)
	HandleControl(action string)
	HandleRPC(call protocol.RPCCall) protocol.RPCResult
}

// Options configures a Client. ServerURL, AgentID and Handler are
// required.
type Options struct {
	ServerURL string // ws://host:port
	Path      string // default /ws/agent
	AgentID   string
	Token     string

	Handler   Handler
	Register  func() protocol.Register
	Heartbeat func() protocol.Heartbeat
	Snapshot  func() map[string]model.Device

	HeartbeatInterval time.Duration
	BackoffInitial    time.Duration
	BackoffMax        time.Duration

	Dialer *websocket.Dialer
	Clock  clockwork.Clock
}

// Client is the agent side of the edge/dashboard link. It satisfies
// the engine's Reporter interface, so the engine emits straight into
// the transport.
type Client struct {
	opts  Options
	clock clockwork.Clock
	log   *logrus.Entry

	mu      sync.Mutex
	out     chan interface{} // nil while disconnected
	kick    chan struct{}
	buf     []model.Event
	dropped int
}

// New validates opts and builds a client.
func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" || opts.AgentID == "" || opts.Handler == nil {
		return nil, fmt.Errorf("%w: transport needs server url, agent id, and a handler", util.ErrConfig)
	}
	if opts.Path == "" {
		opts.Path = "/ws/agent"
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = defaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Client{
		opts:  opts,
		clock: opts.Clock,
		log:   util.WithAgent(opts.AgentID),
	}, nil
}

// Emit buffers one event for delivery, dropping the oldest entry when
// the buffer is full. Safe for concurrent use.
func (c *Client) Emit(ev model.Event) {
	c.mu.Lock()
	if len(c.buf) >= eventBufferCap {
		c.buf = c.buf[1:]
		c.dropped++
	}
	c.buf = append(c.buf, ev)
	kick := c.kick
	c.mu.Unlock()

	if kick != nil {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// PublishInventory sends a device snapshot. Offline snapshots are
// dropped; a full snapshot is re-sent on every successful register.
func (c *Client) PublishInventory(full bool, devices map[string]model.Device) {
	c.send(protocol.NewInventoryFrame(c.opts.AgentID, full, devices))
}

// send queues an outbound frame on the live connection, dropping it
// with a warning when offline or backed up.
func (c *Client) send(frame interface{}) bool {
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- frame:
		return true
	default:
		c.log.Warn("outbound queue full, dropping frame")
		return false
	}
}

// takeBuffered drains the event buffer. A non-zero drop counter is
// converted into one aggregated error event at the head of the batch.
func (c *Client) takeBuffered() []model.Event {
	c.mu.Lock()
	evs := c.buf
	dropped := c.dropped
	c.buf = nil
	c.dropped = 0
	c.mu.Unlock()

	if dropped == 0 {
		return evs
	}
	agg := model.NewEvent(model.EventError, model.ErrorPayload(
		"", "event_buffer", "Internal",
		fmt.Sprintf("%d events dropped while the dashboard was unreachable", dropped),
	))
	agg.AgentID = c.opts.AgentID
	return append([]model.Event{agg}, evs...)
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. A completed register handshake resets the
// backoff schedule.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffInitial
	bo.MaxInterval = c.opts.BackoffMax
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	authRejects := 0
	for {
		registered, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			bo.Reset()
		}
		if errors.Is(err, util.ErrAuth) {
			authRejects++
			if authRejects >= maxAuthRejects {
				return fmt.Errorf("%w: giving up after %d rejected connections", util.ErrAuth, authRejects)
			}
		} else {
			authRejects = 0
		}
		wait := bo.NextBackOff()
		c.log.WithError(err).WithField("retry_in", wait).Warn("dashboard connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

func (c *Client) url() string {
	return strings.TrimRight(c.opts.ServerURL, "/") + c.opts.Path + "/" + c.opts.AgentID
}

// runOnce performs one connection lifetime: dial, register, then pump
// frames until the link breaks or ctx is cancelled.
func (c *Client) runOnce(ctx context.Context) (registered bool, err error) {
	hdr := http.Header{}
	if c.opts.Token != "" {
		hdr.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.url(), hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, fmt.Errorf("%w: dashboard rejected agent token", util.ErrAuth)
		}
		return false, fmt.Errorf("%w: dial dashboard: %v", util.ErrTransient, err)
	}
	defer conn.Close()

	var reg protocol.Register
	if c.opts.Register != nil {
		reg = c.opts.Register()
	} else {
		reg = protocol.NewRegister(c.opts.AgentID, "", "", "", nil, "")
	}
	if err := conn.WriteJSON(reg); err != nil {
		return false, fmt.Errorf("%w: send register: %v", util.ErrTransient, err)
	}

	conn.SetReadDeadline(time.Now().Add(registerTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("%w: waiting for register ack: %v", util.ErrTimeout, err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return false, err
	}
	ack, ok := frame.(*protocol.RegisterAck)
	if !ok {
		return false, fmt.Errorf("%w: expected register_ack, got %T", util.ErrProtocol, frame)
	}
	if !ack.OK {
		return false, fmt.Errorf("%w: registration rejected: %s", util.ErrAuth, ack.Message)
	}
	conn.SetReadDeadline(time.Time{})
	c.log.Info("registered with dashboard")

	out := make(chan interface{}, outQueueCap)
	kick := make(chan struct{}, 1)
	c.mu.Lock()
	c.out = out
	c.kick = kick
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.out = nil
		c.kick = nil
		c.mu.Unlock()
	}()

	if c.opts.Snapshot != nil {
		out <- protocol.NewInventoryFrame(c.opts.AgentID, true, c.opts.Snapshot())
	}
	kick <- struct{}{}

	stop := make(chan struct{})
	defer close(stop)
	errCh := make(chan error, 2)
	go c.writeLoop(conn, out, kick, stop, errCh)
	go c.readLoop(conn, errCh)

	select {
	case <-ctx.Done():
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		return true, ctx.Err()
	case err = <-errCh:
		return true, err
	}
}

// writeLoop is the single writer for one connection. It serializes
// queued frames, buffered event flushes, and periodic heartbeats.
func (c *Client) writeLoop(conn *websocket.Conn, out chan interface{}, kick, stop chan struct{}, errCh chan error) {
	ticker := c.clock.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case frame := <-out:
			if err := conn.WriteJSON(frame); err != nil {
				errCh <- err
				return
			}
		case <-kick:
			for _, ev := range c.takeBuffered() {
				if err := conn.WriteJSON(protocol.NewEventFrame(c.opts.AgentID, ev)); err != nil {
					errCh <- err
					return
				}
			}
		case <-ticker.Chan():
			if c.opts.Heartbeat == nil {
				continue
			}
			if err := conn.WriteJSON(c.opts.Heartbeat()); err != nil {
				errCh <- err
				return
			}
		}
	}
}

// readLoop decodes inbound frames and dispatches them to the handler.
// Unknown frame types are logged and dropped.
func (c *Client) readLoop(conn *websocket.Conn, errCh chan error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.log.WithError(err).Warn("discarding malformed frame")
			continue
		}

		switch f := frame.(type) {
		case *protocol.Configure:
			c.log.Info("received configuration push")
			c.opts.Handler.HandleConfigure(f.Config)
		case *protocol.Control:
			// A stop control waits for the in-flight tick's CLI command;
			// never stall the read loop on it.
			c.log.WithField("action", f.Action).Info("received control frame")
			go c.opts.Handler.HandleControl(f.Action)
		case *protocol.RPCCall:
			// RPC commands can block on a device for a minute or more;
			// never stall the read loop on one.
			go func(call protocol.RPCCall) {
				c.send(c.opts.Handler.HandleRPC(call))
			}(*f)
		case *protocol.Ping:
			if c.opts.Heartbeat != nil {
				c.send(c.opts.Heartbeat())
			}
		case protocol.Header:
			c.log.WithField("frame_type", f.Type).Debug("dropping unknown frame type")
		default:
			c.log.WithField("frame_type", fmt.Sprintf("%T", frame)).Debug("dropping unexpected frame")
		}
	}
}
