package session

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/icxfleet/icxfleet/pkg/util"
)

// Conn is a raw bidirectional CLI byte stream to a device.
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Dialer opens a CLI stream to a device. The production implementation
// speaks SSH; tests inject scripted transcripts.
type Dialer interface {
	Dial(ip, username, password string) (Conn, error)
}

// Credential is one username/password pair to try against a device.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SSHDialer dials tcp/<port> with password auth and opens an
// interactive shell with a pty, the way the ICX CLI expects.
type SSHDialer struct {
	Port        int           // default 22
	DialTimeout time.Duration // default 10s
}

type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (c *sshConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *sshConn) Close() error {
	c.stdin.Close()
	c.session.Close()
	return c.client.Close()
}

// Dial opens an SSH shell to ip. Authentication failures return
// ErrAuth so Open can advance to the next credential; network failures
// return ErrTransient so the engine retries on a later tick.
func (d *SSHDialer) Dial(ip, username, password string) (Conn, error) {
	port := d.Port
	if port == 0 {
		port = 22
	}
	timeout := d.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User: username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
		},
		// ZTP targets are factory-fresh devices with generated host
		// keys; there is nothing to pin against yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", ip, port), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "password") {
			return nil, fmt.Errorf("%w: ssh auth to %s as %s", util.ErrAuth, ip, username)
		}
		return nil, fmt.Errorf("%w: ssh dial %s: %v", util.ErrTransient, ip, err)
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ssh session %s: %v", util.ErrTransient, ip, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 80, 200, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("%w: request pty %s: %v", util.ErrTransient, ip, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdin pipe %s: %v", util.ErrTransient, ip, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("%w: stdout pipe %s: %v", util.ErrTransient, ip, err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("%w: shell %s: %v", util.ErrTransient, ip, err)
	}

	return &sshConn{client: client, session: sess, stdin: stdin, stdout: stdout}, nil
}
