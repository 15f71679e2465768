package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/icxfleet/icxfleet/pkg/devops"
	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/util"
)

// HandleRPC executes one dashboard-initiated device operation and
// returns the correlated result. It never panics the caller with a raw
// error; failures travel back as typed result frames.
func (e *Engine) HandleRPC(call protocol.RPCCall) protocol.RPCResult {
	args := call.Args
	timeout := time.Duration(args.TimeoutSecs) * time.Second

	out, err := e.WithDevice(args.TargetIP, args.Username, args.Password, timeout, func(ops *devops.Ops) (string, error) {
		switch call.Op {
		case protocol.OpRunShow:
			cmd := strings.TrimSpace(args.Command)
			if !isReadOnlyCommand(cmd) {
				return "", fmt.Errorf("%w: %q is not a read-only command", util.ErrConfig, cmd)
			}
			return ops.Run(cmd, timeout)

		case protocol.OpPortStatus:
			if args.Port == "" {
				return "", fmt.Errorf("%w: port_status requires a port", util.ErrConfig)
			}
			return ops.Run("show interfaces ethernet "+args.Port, timeout)

		case protocol.OpSetVLAN:
			if args.Port == "" || args.VLAN <= 0 {
				return "", fmt.Errorf("%w: set_vlan requires a port and a vlan", util.ErrConfig)
			}
			if err := ops.SetPortVLAN(args.Port, args.VLAN, devops.ModeAccess); err != nil {
				return "", err
			}
			return "", ops.Save()

		case protocol.OpSetPoE:
			if args.Port == "" {
				return "", fmt.Errorf("%w: set_poe requires a port", util.ErrConfig)
			}
			if err := ops.SetPoE(args.Port, args.PoEOn); err != nil {
				return "", err
			}
			return "", ops.Save()

		default:
			return "", fmt.Errorf("%w: unknown operation %q", util.ErrConfig, call.Op)
		}
	})
	if err != nil {
		util.WithDevice(args.TargetIP).WithField("op", call.Op).WithError(err).Warn("rpc command failed")
		return protocol.NewRPCError(call.RequestID, err)
	}
	return protocol.NewRPCResult(call.RequestID, out)
}

// isReadOnlyCommand allows only display commands through run_show.
func isReadOnlyCommand(cmd string) bool {
	return strings.HasPrefix(cmd, "show ") ||
		cmd == "show" ||
		strings.HasPrefix(cmd, "trace-l2 show")
}
