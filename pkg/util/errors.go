// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure the system can surface.
// Callers wrap these with %w and dispatch with errors.Is; Kind maps
// them to the wire-level error kind strings.
var (
	ErrAuth         = errors.New("authentication failed")
	ErrTransient    = errors.New("transient I/O failure")
	ErrProtocol     = errors.New("protocol mismatch")
	ErrParse        = errors.New("parse failure")
	ErrTimeout      = errors.New("operation timed out")
	ErrBusy         = errors.New("device busy")
	ErrAgentOffline = errors.New("agent offline")
	ErrRateLimited  = errors.New("rate limited")
	ErrConfig       = errors.New("invalid configuration")
	ErrNotFound     = errors.New("resource not found")
)

// Kind returns the wire error kind for an error, suitable for
// {error:{kind,message}} HTTP bodies and error events.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "AuthError"
	case errors.Is(err, ErrTransient):
		return "TransientError"
	case errors.Is(err, ErrProtocol):
		return "ProtocolError"
	case errors.Is(err, ErrParse):
		return "ParseError"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrBusy):
		return "Busy"
	case errors.Is(err, ErrAgentOffline):
		return "AgentOffline"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	default:
		return "Internal"
	}
}

// DeviceError carries the device and ZTP phase a failure occurred in.
type DeviceError struct {
	IP    string
	Phase string
	Err   error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.IP, e.Phase, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// NewDeviceError wraps err with device and phase context.
func NewDeviceError(ip, phase string, err error) *DeviceError {
	return &DeviceError{IP: ip, Phase: phase, Err: err}
}

// CommandError records a CLI command that failed on a device.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError wraps err with the failed command.
func NewCommandError(cmd string, err error) *CommandError {
	return &CommandError{Command: cmd, Err: err}
}

// StateError represents an illegal device state transition.
type StateError struct {
	IP   string
	From string
	To   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal transition for %s: %s -> %s", e.IP, e.From, e.To)
}

func (e *StateError) Unwrap() error {
	return ErrProtocol
}
