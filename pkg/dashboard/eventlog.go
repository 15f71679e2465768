// Package dashboard implements the fleet aggregation server: the agent
// WebSocket registry, the bounded event log, RPC correlation, and the
// HTTP API and view pages.
package dashboard

import (
	"sync"
	"time"

	"github.com/icxfleet/icxfleet/pkg/model"
)

// defaultEventCapacity bounds the in-memory event log.
const defaultEventCapacity = 1000

// EventLog is a fixed-capacity ring of events, newest overwriting
// oldest. Appends are O(1); queries return newest first.
type EventLog struct {
	mu   sync.RWMutex
	ring []model.Event
	next int
	full bool
}

// NewEventLog creates a log holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = defaultEventCapacity
	}
	return &EventLog{ring: make([]model.Event, capacity)}
}

// Append stores one event, evicting the oldest when full.
func (l *EventLog) Append(ev model.Event) {
	l.mu.Lock()
	l.ring[l.next] = ev
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// Len reports the number of stored events.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.ring)
	}
	return l.next
}

// EventFilter narrows a List query. Zero values match everything.
type EventFilter struct {
	AgentID string
	Type    model.EventType
	Since   time.Time
	Limit   int
}

// List returns matching events, newest first.
func (l *EventLog) List(f EventFilter) []model.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.next
	if l.full {
		n = len(l.ring)
	}
	var out []model.Event
	for i := 0; i < n; i++ {
		// Walk backwards from the most recent entry.
		idx := l.next - 1 - i
		if idx < 0 {
			idx += len(l.ring)
		}
		ev := l.ring[idx]
		if f.AgentID != "" && ev.AgentID != f.AgentID {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}
