package dashboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/icxfleet/icxfleet/pkg/protocol"
	"github.com/icxfleet/icxfleet/pkg/util"
)

const (
	defaultRPCTimeout = 60 * time.Second
	maxRPCTimeout     = 120 * time.Second
)

// rpcTable correlates in-flight RPC calls with their results by
// request id. One waiter per request; an agent disconnect cancels all
// of that agent's waiters.
type rpcTable struct {
	mu      sync.Mutex
	waiters map[string]*rpcWaiter
}

type rpcWaiter struct {
	agentID string
	ch      chan protocol.RPCResult
}

func newRPCTable() *rpcTable {
	return &rpcTable{waiters: make(map[string]*rpcWaiter)}
}

func (t *rpcTable) add(requestID, agentID string) chan protocol.RPCResult {
	ch := make(chan protocol.RPCResult, 1)
	t.mu.Lock()
	t.waiters[requestID] = &rpcWaiter{agentID: agentID, ch: ch}
	t.mu.Unlock()
	return ch
}

func (t *rpcTable) remove(requestID string) {
	t.mu.Lock()
	delete(t.waiters, requestID)
	t.mu.Unlock()
}

// resolve delivers a result to its waiter. Late results for expired
// requests are dropped.
func (t *rpcTable) resolve(res protocol.RPCResult) bool {
	t.mu.Lock()
	w, ok := t.waiters[res.RequestID]
	if ok {
		delete(t.waiters, res.RequestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- res
	return true
}

// cancelAgent fails every pending request bound to agentID, typically
// because its connection dropped.
func (t *rpcTable) cancelAgent(agentID string) {
	t.mu.Lock()
	var cancelled []*rpcWaiter
	for id, w := range t.waiters {
		if w.agentID == agentID {
			cancelled = append(cancelled, w)
			delete(t.waiters, id)
		}
	}
	t.mu.Unlock()

	for _, w := range cancelled {
		w.ch <- protocol.NewRPCError("", fmt.Errorf("%w: agent %s disconnected mid-request", util.ErrAgentOffline, agentID))
	}
}

// clampRPCTimeout applies the default and ceiling to a caller-supplied
// timeout.
func clampRPCTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultRPCTimeout
	}
	if d > maxRPCTimeout {
		return maxRPCTimeout
	}
	return d
}
