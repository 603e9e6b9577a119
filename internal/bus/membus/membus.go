// Package membus is an in-process bus. Hosts in one process (and tests) share
// a Bus and attach with Connect.
package membus

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/danmuck/lattice/internal/bus"
	logs "github.com/danmuck/lattice/internal/logging"
)

// DefaultPending bounds queued messages per subscription before drops.
const DefaultPending = 1024

// Bus routes publications to every matching subscription on any Conn.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  atomic.Uint64
	pending int

	published atomic.Uint64
	dropped   atomic.Uint64
	counts    sync.Map // subject -> *atomic.Uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription), pending: DefaultPending}
}

// Connect attaches a new client; closing it removes only its subscriptions.
func (b *Bus) Connect() *Conn {
	return &Conn{bus: b, subs: make(map[uint64]*subscription)}
}

// Published returns the total number of publications.
func (b *Bus) Published() uint64 { return b.published.Load() }

// PublishedTo returns the number of publications on subjects matching pattern.
func (b *Bus) PublishedTo(pattern string) uint64 {
	var n uint64
	b.counts.Range(func(k, v any) bool {
		if bus.Match(pattern, k.(string)) {
			n += v.(*atomic.Uint64).Load()
		}
		return true
	})
	return n
}

// Dropped returns messages discarded because a subscriber fell behind.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) publish(m bus.Message) {
	b.published.Add(1)
	c, _ := b.counts.LoadOrStore(m.Subject, new(atomic.Uint64))
	c.(*atomic.Uint64).Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !bus.Match(s.pattern, m.Subject) {
			continue
		}
		select {
		case s.queue <- m:
		default:
			b.dropped.Add(1)
			logs.Warnf("membus.Bus.publish slow consumer drop pattern=%q subject=%q", s.pattern, m.Subject)
		}
	}
}

func (b *Bus) add(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.id] = s
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Conn implements bus.Conn over a shared Bus.
type Conn struct {
	bus    *Bus
	mu     sync.Mutex
	subs   map[uint64]*subscription
	closed bool
}

var _ bus.Conn = (*Conn)(nil)

func (c *Conn) Publish(ctx context.Context, subject, reply string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := bus.ValidateSubject(subject); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	c.bus.publish(bus.Message{Subject: subject, Reply: reply, Data: bytes.Clone(data)})
	return nil
}

func (c *Conn) Subscribe(pattern string, h bus.Handler) (bus.Subscription, error) {
	if err := bus.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, bus.ErrClosed
	}
	s := &subscription{
		id:      c.bus.nextID.Add(1),
		pattern: pattern,
		queue:   make(chan bus.Message, c.bus.pending),
		done:    make(chan struct{}),
		conn:    c,
	}
	c.subs[s.id] = s
	c.bus.add(s)
	go s.deliver(h)
	return s, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]*subscription)
	c.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

type subscription struct {
	id      uint64
	pattern string
	queue   chan bus.Message
	done    chan struct{}
	once    sync.Once
	conn    *Conn
}

func (s *subscription) Subject() string { return s.pattern }

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s.id)
	s.conn.mu.Unlock()
	s.stop()
	return nil
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.conn.bus.remove(s.id)
		close(s.done)
	})
}

func (s *subscription) deliver(h bus.Handler) {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.queue:
			h(m)
		}
	}
}
