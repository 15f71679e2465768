// Package testutil provides fixtures shared by package tests: scripted
// CLI transcripts standing in for switch SSH streams.
package testutil

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// ScriptStep is one expected exchange on a scripted CLI stream: the
// line the code under test is expected to write, and the bytes the
// fake device replies with. Replies must end with a prompt line so the
// session settles.
type ScriptStep struct {
	Expect string
	Reply  string
}

// ScriptConn is an in-memory CLI stream driven by a transcript. It
// implements the session Conn contract (Read/Write/Close) without a
// network. Writes are matched line-by-line against the script; the
// pager continuation space counts as a line of its own.
type ScriptConn struct {
	mu     sync.Mutex
	steps  []ScriptStep
	idx    int
	wbuf   string
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	// Unmatched records writes that did not match the script, in order.
	Unmatched []string

	// Prompt is replayed after an unmatched write so the session does
	// not hang. Defaults to an exec prompt.
	Prompt string
}

// NewScriptConn builds a ScriptConn that immediately offers greeting
// (banner plus initial prompt) to readers and then follows steps.
func NewScriptConn(greeting string, steps []ScriptStep) *ScriptConn {
	c := &ScriptConn{
		steps:  steps,
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
		Prompt: "\nSSH@ICX7150-24 Router#",
	}
	if greeting != "" {
		c.out <- []byte(greeting)
	}
	return c
}

func (c *ScriptConn) Read(p []byte) (int, error) {
	select {
	case data, ok := <-c.out:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, data)
		if n < len(data) {
			// Requeue the remainder ahead of anything else.
			rest := data[n:]
			select {
			case c.out <- rest:
			default:
			}
		}
		return n, nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *ScriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wbuf += string(p)
	for {
		var line string
		if i := strings.IndexByte(c.wbuf, '\n'); i >= 0 {
			line = strings.TrimRight(c.wbuf[:i], "\r")
			c.wbuf = c.wbuf[i+1:]
		} else if c.wbuf == " " {
			// Pager continuation is a bare space with no newline.
			line = " "
			c.wbuf = ""
		} else {
			break
		}
		c.consume(line)
	}
	return len(p), nil
}

func (c *ScriptConn) consume(line string) {
	if c.idx < len(c.steps) && strings.TrimSpace(line) == strings.TrimSpace(c.steps[c.idx].Expect) {
		reply := c.steps[c.idx].Reply
		c.idx++
		if reply != "" {
			c.out <- []byte(reply)
		}
		return
	}
	c.Unmatched = append(c.Unmatched, line)
	c.out <- []byte(fmt.Sprintf("\nInvalid input -> %s%s", strings.TrimSpace(line), c.Prompt))
}

func (c *ScriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Done reports whether every scripted step was consumed.
func (c *ScriptConn) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idx == len(c.steps)
}

// Remaining returns the count of unconsumed steps.
func (c *ScriptConn) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steps) - c.idx
}
