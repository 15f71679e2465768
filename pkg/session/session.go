// Package session owns the interactive CLI connection to a single ICX
// switch. One Session maps to one SSH shell; all prompt handling,
// paging, first-login password change, and config-mode discipline live
// here. Higher layers (devops, engine) only ever see Run/EnterConfig/
// ExitConfig/Save/Close.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/icxfleet/icxfleet/pkg/util"
)

const (
	defaultLoginTimeout = 20 * time.Second
	// maxLoginSteps bounds the prompt exchanges during login so a
	// device stuck re-prompting cannot wedge the engine.
	maxLoginSteps = 20
)

// Options tunes session behavior.
type Options struct {
	LoginTimeout time.Duration
	// OnActive is invoked with true while a CLI command is blocked on
	// the device and false when it returns. Feeds the ssh_active flag.
	OnActive func(bool)
}

// Session is an interactive CLI session to one switch. Sessions are
// single-owner: the caller serializes access per device IP.
type Session struct {
	ip   string
	conn Conn
	log  *logrus.Entry

	readCh  chan readResult
	quit    chan struct{}
	pending string

	state           PromptState
	password        string
	passwordChanged bool
	onActive        func(bool)

	closed bool
	broken bool
}

type readResult struct {
	data []byte
	err  error
}

// Open tries each credential in order against ip. A fresh device that
// forces a password change gets preferred set as its new password. An
// unreachable device fails fast with ErrTransient; a reachable device
// that rejects every credential returns ErrAuth.
func Open(d Dialer, ip string, creds []Credential, preferred string, opts Options) (*Session, error) {
	if opts.LoginTimeout == 0 {
		opts.LoginTimeout = defaultLoginTimeout
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%w: no credentials configured for %s", util.ErrConfig, ip)
	}

	authFailed := false
	for _, cred := range creds {
		conn, err := d.Dial(ip, cred.Username, cred.Password)
		if err != nil {
			if errors.Is(err, util.ErrAuth) {
				authFailed = true
				continue
			}
			return nil, err
		}

		s := newSession(conn, ip, cred.Password, opts)
		err = s.login(cred, preferred, opts.LoginTimeout)
		if err == nil {
			return s, nil
		}
		pwChanged := s.passwordChanged
		s.Close()

		// Some firmware drops the connection right after the forced
		// password change; re-authenticate once with the new pair.
		if pwChanged && errors.Is(err, util.ErrTransient) {
			conn2, err2 := d.Dial(ip, cred.Username, preferred)
			if err2 != nil {
				return nil, err2
			}
			s2 := newSession(conn2, ip, preferred, opts)
			s2.passwordChanged = true
			if err2 := s2.login(Credential{Username: cred.Username, Password: preferred}, preferred, opts.LoginTimeout); err2 != nil {
				s2.Close()
				return nil, err2
			}
			return s2, nil
		}
		if errors.Is(err, util.ErrAuth) {
			authFailed = true
			continue
		}
		return nil, err
	}

	if authFailed {
		return nil, fmt.Errorf("%w: all credentials rejected by %s", util.ErrAuth, ip)
	}
	return nil, fmt.Errorf("%w: could not open session to %s", util.ErrTransient, ip)
}

// IP returns the device address this session is bound to.
func (s *Session) IP() string { return s.ip }

// State returns the last observed prompt state.
func (s *Session) State() PromptState { return s.state }

// PasswordChanged reports whether the forced first-login password
// change was completed during Open.
func (s *Session) PasswordChanged() bool { return s.passwordChanged }

// Password returns the password currently in effect for the device.
func (s *Session) Password() string { return s.password }

func newSession(conn Conn, ip, password string, opts Options) *Session {
	s := &Session{
		ip:       ip,
		conn:     conn,
		log:      util.WithDevice(ip),
		readCh:   make(chan readResult, 8),
		quit:     make(chan struct{}),
		password: password,
		onActive: opts.OnActive,
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.readCh <- readResult{data: data}:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			select {
			case s.readCh <- readResult{err: err}:
			case <-s.quit:
			}
			return
		}
	}
}

// login walks the prompt state machine until a privileged exec prompt
// is reached, handling banner pages, the forced password change, and
// enable escalation.
func (s *Session) login(cred Credential, preferred string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	passwordSends := 0
	newPasswordSeen := false

	for step := 0; step < maxLoginSteps; step++ {
		state, err := s.waitPrompt(deadline)
		if err != nil {
			return err
		}

		switch state {
		case StateExec:
			s.state = StateExec
			s.pending = ""
			return nil

		case StateLogin:
			// Unprivileged exec: escalate.
			s.pending = ""
			if err := s.send("enable"); err != nil {
				return err
			}

		case StateUnauth:
			s.pending = ""
			if err := s.send(cred.Username); err != nil {
				return err
			}

		case StatePassword:
			passwordSends++
			if passwordSends > 2 {
				return fmt.Errorf("%w: %s re-prompted for password", util.ErrAuth, s.ip)
			}
			s.pending = ""
			if err := s.send(s.password); err != nil {
				return err
			}

		case StateNewPassword:
			if preferred == "" {
				return fmt.Errorf("%w: %s demands a password change but no preferred password is configured", util.ErrConfig, s.ip)
			}
			newPasswordSeen = true
			s.pending = ""
			if err := s.send(preferred); err != nil {
				return err
			}

		case StateConfirmPassword:
			if !newPasswordSeen {
				return fmt.Errorf("%w: confirm prompt without new-password prompt on %s", util.ErrProtocol, s.ip)
			}
			s.pending = ""
			if err := s.send(preferred); err != nil {
				return err
			}
			s.password = preferred
			s.passwordChanged = true
			s.log.Info("first-login password change completed")

		case StateConfig, StateIfConfig:
			// Leftover context from an interrupted prior session.
			s.pending = ""
			if err := s.send("end"); err != nil {
				return err
			}

		case StatePaged:
			s.stripPager()
			if err := s.sendRaw(" "); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("%w: login to %s did not settle", util.ErrProtocol, s.ip)
}

// Run sends cmd and collects output until the prompt reappears,
// feeding the pager as needed. The returned text has the command echo,
// pager artifacts, and the trailing prompt stripped.
func (s *Session) Run(cmd string, timeout time.Duration) (string, error) {
	if s.closed || s.broken {
		return "", util.NewCommandError(cmd, fmt.Errorf("%w: session to %s is not usable", util.ErrTransient, s.ip))
	}
	if s.onActive != nil {
		s.onActive(true)
		defer s.onActive(false)
	}

	s.pending = ""
	if err := s.send(cmd); err != nil {
		return "", util.NewCommandError(cmd, err)
	}

	out, state, err := s.collect(cmd, time.Now().Add(timeout))
	if err != nil {
		if errors.Is(err, util.ErrTimeout) || errors.Is(err, util.ErrTransient) {
			// The stream is mid-command; no safe way to resync.
			s.broken = true
		}
		return "", util.NewCommandError(cmd, err)
	}
	s.state = state
	return out, nil
}

// collect accumulates output until a command prompt appears.
func (s *Session) collect(cmd string, deadline time.Time) (string, PromptState, error) {
	for {
		state, err := s.waitPrompt(deadline)
		if err != nil {
			return "", StateNone, err
		}
		switch state {
		case StatePaged:
			s.stripPager()
			if err := s.sendRaw(" "); err != nil {
				return "", StateNone, err
			}
		case StateLogin, StateExec, StateConfig, StateIfConfig:
			return s.finalize(cmd), state, nil
		default:
			return "", StateNone, fmt.Errorf("%w: unexpected %s prompt during %q on %s",
				util.ErrProtocol, state, cmd, s.ip)
		}
	}
}

// waitPrompt reads until the trailing line classifies as any prompt.
func (s *Session) waitPrompt(deadline time.Time) (PromptState, error) {
	for {
		if st := classifyPrompt(lastLine(s.pending)); st != StateNone {
			return st, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return StateNone, fmt.Errorf("%w: waiting for prompt on %s", util.ErrTimeout, s.ip)
		}
		select {
		case r := <-s.readCh:
			if r.err != nil {
				return StateNone, fmt.Errorf("%w: read from %s: %v", util.ErrTransient, s.ip, r.err)
			}
			s.pending += string(r.data)
		case <-time.After(remaining):
			return StateNone, fmt.Errorf("%w: waiting for prompt on %s", util.ErrTimeout, s.ip)
		}
	}
}

// stripPager removes the trailing --More-- line from pending so it
// does not leak into command output.
func (s *Session) stripPager() {
	if i := strings.LastIndexByte(s.pending, '\n'); i >= 0 {
		if strings.Contains(s.pending[i:], moreMarker) {
			s.pending = s.pending[:i+1]
		}
	} else if strings.Contains(s.pending, moreMarker) {
		s.pending = ""
	}
}

// finalize strips the prompt line, command echo, and terminal control
// artifacts from the accumulated output.
func (s *Session) finalize(cmd string) string {
	text := s.pending
	s.pending = ""

	// Drop the trailing prompt line.
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	} else {
		text = ""
	}

	// Remove pager erase artifacts.
	text = strings.ReplaceAll(text, "\x08", "")
	text = strings.ReplaceAll(text, "\r", "")

	// Drop the echoed command if the device repeats it.
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(cmd) {
		lines = lines[1:]
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \n\t")
}

// EnterConfig moves the session into global configuration mode. It is
// idempotent: an interface sub-context also counts as config mode.
func (s *Session) EnterConfig(timeout time.Duration) error {
	if s.state.inConfig() {
		return nil
	}
	if s.state != StateExec {
		return fmt.Errorf("%w: cannot enter config from %s on %s", util.ErrProtocol, s.state, s.ip)
	}
	if _, err := s.Run("configure terminal", timeout); err != nil {
		return err
	}
	if !s.state.inConfig() {
		return fmt.Errorf("%w: config prompt not observed on %s", util.ErrProtocol, s.ip)
	}
	return nil
}

// ExitConfig returns to privileged exec from any config context.
// Idempotent; "end" unwinds nested interface contexts in one step.
func (s *Session) ExitConfig(timeout time.Duration) error {
	if !s.state.inConfig() {
		return nil
	}
	if _, err := s.Run("end", timeout); err != nil {
		return err
	}
	if s.state != StateExec {
		return fmt.Errorf("%w: exec prompt not observed after end on %s", util.ErrProtocol, s.ip)
	}
	return nil
}

// Save writes the running config to startup config. It only returns
// nil after the ICX confirmation line is observed within timeout.
func (s *Session) Save(timeout time.Duration) error {
	if err := s.ExitConfig(timeout); err != nil {
		return err
	}
	out, err := s.Run("write memory", timeout)
	if err != nil {
		return err
	}
	lower := strings.ToLower(out)
	if !strings.Contains(lower, "done") && !strings.Contains(lower, "complete") {
		return fmt.Errorf("%w: write memory not confirmed on %s: %q", util.ErrProtocol, s.ip, out)
	}
	return nil
}

// Close releases the underlying connection. Safe to call repeatedly
// and on any error path.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.quit)
	return s.conn.Close()
}

func (s *Session) send(line string) error {
	return s.sendRaw(line + "\n")
}

func (s *Session) sendRaw(data string) error {
	if _, err := s.conn.Write([]byte(data)); err != nil {
		return fmt.Errorf("%w: write to %s: %v", util.ErrTransient, s.ip, err)
	}
	return nil
}
