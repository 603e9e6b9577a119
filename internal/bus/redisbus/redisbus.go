// Package redisbus carries bus traffic over redis pub/sub.
//
// Each publication is a small TLV envelope holding the reply subject and the
// payload. Redis glob patterns are wider than bus wildcards, so every delivery
// is re-checked with bus.Match before reaching the handler.
package redisbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danmuck/lattice/internal/bus"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol/tlv"
)

const (
	fieldReply uint16 = 1
	fieldData  uint16 = 2
)

// Config configures the redis connection.
type Config struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	DialAttempts int
	Backoff      bus.BackoffConfig
	SecurityMode SecurityMode
	TLS          TLSConfig
}

func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  5 * time.Second,
		DialAttempts: 5,
		Backoff:      bus.DefaultBackoff(),
		SecurityMode: SecurityModeDevelopment,
	}
}

// Conn implements bus.Conn on a redis client.
type Conn struct {
	rdb    *redis.Client
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ bus.Conn = (*Conn)(nil)

// Dial connects and pings redis, retrying with backoff up to DialAttempts.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if err := cfg.ValidateTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.clientTLS()
	if err != nil {
		return nil, err
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        strings.TrimSpace(cfg.Addr),
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		TLSConfig:   tlsCfg,
	})

	backoff := cfg.Backoff
	backoff.Jitter = false
	for attempt := 1; ; attempt++ {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			break
		}
		logs.Warnf("redisbus.Dial ping failed addr=%q attempt=%d err=%v", cfg.Addr, attempt, err)
		if attempt >= cfg.DialAttempts {
			_ = rdb.Close()
			return nil, fmt.Errorf("redisbus: dial %s: %w", cfg.Addr, err)
		}
		timer := time.NewTimer(bus.NextBackoffDelay(backoff, attempt, nil))
		select {
		case <-ctx.Done():
			timer.Stop()
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	logs.Infof("redisbus.Dial connected addr=%q tls=%v", cfg.Addr, tlsCfg != nil)
	return &Conn{rdb: rdb, subs: make(map[*subscription]struct{})}, nil
}

func (c *Conn) Publish(ctx context.Context, subject, reply string, data []byte) error {
	if err := bus.ValidateSubject(subject); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	if err := c.rdb.Publish(ctx, subject, encodeEnvelope(reply, data)).Err(); err != nil {
		return fmt.Errorf("redisbus: publish %s: %w", subject, err)
	}
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

	ctx := context.Background()
	var ps *redis.PubSub
	if strings.ContainsAny(pattern, "*>") {
		ps = c.rdb.PSubscribe(ctx, toGlob(pattern))
	} else {
		ps = c.rdb.Subscribe(ctx, pattern)
	}
	confirmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := ps.Receive(confirmCtx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", pattern, err)
	}

	s := &subscription{pattern: pattern, ps: ps, conn: c, done: make(chan struct{})}
	c.subs[s] = struct{}{}
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
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for s := range subs {
		_ = s.ps.Close()
		<-s.done
	}
	return c.rdb.Close()
}

type subscription struct {
	pattern string
	ps      *redis.PubSub
	conn    *Conn
	once    sync.Once
	done    chan struct{}
}

func (s *subscription) Subject() string { return s.pattern }

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.subs, s)
	s.conn.mu.Unlock()
	var err error
	s.once.Do(func() { err = s.ps.Close() })
	return err
}

func (s *subscription) deliver(h bus.Handler) {
	defer close(s.done)
	for m := range s.ps.Channel() {
		if !bus.Match(s.pattern, m.Channel) {
			continue
		}
		reply, data, err := decodeEnvelope([]byte(m.Payload))
		if err != nil {
			logs.Warnf("redisbus.subscription.deliver bad envelope subject=%q err=%v", m.Channel, err)
			continue
		}
		h(bus.Message{Subject: m.Channel, Reply: reply, Data: data})
	}
}

func encodeEnvelope(reply string, data []byte) []byte {
	fields := []tlv.Field{tlv.Bytes(fieldData, data)}
	if reply != "" {
		fields = append(fields, tlv.String(fieldReply, reply))
	}
	return tlv.EncodeFields(fields)
}

func decodeEnvelope(b []byte) (string, []byte, error) {
	fields, err := tlv.DecodeFields(b)
	if err != nil {
		return "", nil, err
	}
	data, ok := tlv.GetField(fields, fieldData)
	if !ok {
		return "", nil, fmt.Errorf("redisbus: envelope missing data")
	}
	reply, _ := tlv.GetField(fields, fieldReply)
	return string(reply.Value), data.Value, nil
}

// toGlob widens a bus pattern into a redis glob, escaping glob metacharacters
// in literal tokens.
func toGlob(pattern string) string {
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		switch tok {
		case "*", ">":
			tokens[i] = "*"
		default:
			r := strings.NewReplacer(`\`, `\\`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
			tokens[i] = r.Replace(tok)
		}
	}
	return strings.Join(tokens, ".")
}
