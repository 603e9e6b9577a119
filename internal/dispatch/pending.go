package dispatch

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

// Reasons a reply is dropped.
const (
	DropDuplicate = "duplicate"
	DropLate      = "late"
	DropUnknown   = "unknown"
)

// PendingCall tracks one invocation awaiting its reply.
type PendingCall struct {
	CorrelationID string
	Target        identity.ID
	Contract      string
	Operation     string
	SentAt        time.Time
	Deadline      time.Time

	reply chan wire.Response
}

// pendingTable holds in-flight calls by correlation id and remembers recently
// finished ids so stray replies can be told apart.
type pendingTable struct {
	mu       sync.Mutex
	items    map[string]*PendingCall
	finished *expirable.LRU[string, string]
}

func newPendingTable(memory int, ttl time.Duration) *pendingTable {
	return &pendingTable{
		items:    make(map[string]*PendingCall),
		finished: expirable.NewLRU[string, string](memory, nil, ttl),
	}
}

func (p *pendingTable) add(call *PendingCall) {
	call.reply = make(chan wire.Response, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[call.CorrelationID] = call
}

// complete hands resp to its waiting call. The first reply wins; anything
// else returns the reason it was dropped.
func (p *pendingTable) complete(resp wire.Response) (string, bool) {
	key := strings.TrimSpace(resp.CorrelationID)
	p.mu.Lock()
	call, ok := p.items[key]
	if ok {
		delete(p.items, key)
	}
	p.mu.Unlock()
	if !ok {
		if reason, seen := p.finished.Get(key); seen {
			return reason, false
		}
		return DropUnknown, false
	}
	p.finished.Add(key, DropDuplicate)
	call.reply <- resp
	return "", true
}

// abandon removes a call whose wait ended without a reply.
func (p *pendingTable) abandon(correlationID string) {
	p.mu.Lock()
	delete(p.items, correlationID)
	p.mu.Unlock()
	p.finished.Add(correlationID, DropLate)
}

func (p *pendingTable) inFlight(target identity.ID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, call := range p.items {
		if call.Target == target {
			n++
		}
	}
	return n
}

func (p *pendingTable) list() []PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCall, 0, len(p.items))
	for _, call := range p.items {
		c := *call
		c.reply = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}
