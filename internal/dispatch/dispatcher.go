// Package dispatch routes invocations from local actors to linked targets and
// serves invocations addressed to targets hosted here.
//
// An outbound call moves through
// Created -> Authorized -> Sent -> AwaitingResponse -> {Completed | TimedOut | Rejected}.
// Nothing is published for a call rejected before Sent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/lattice/internal/attest"
	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/claims"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/links"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/observability"
	"github.com/danmuck/lattice/internal/protocol"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

const DefaultTimeout = 10 * time.Second

// State is the lifecycle position of one outbound invocation.
type State string

const (
	StateCreated          State = "created"
	StateAuthorized       State = "authorized"
	StateSent             State = "sent"
	StateAwaitingResponse State = "awaiting_response"
	StateCompleted        State = "completed"
	StateTimedOut         State = "timed_out"
	StateRejected         State = "rejected"
)

type Config struct {
	LatticeID string
	HostID    identity.ID
	// Timeout applies when a request leaves its own Timeout unset.
	Timeout time.Duration
	// ReplyMemory bounds how many finished correlation ids are remembered for
	// classifying stray replies.
	ReplyMemory int
}

func DefaultConfig() Config {
	return Config{
		LatticeID:   protocol.DefaultLattice,
		Timeout:     DefaultTimeout,
		ReplyMemory: 4096,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.LatticeID) == "" {
		c.LatticeID = def.LatticeID
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.ReplyMemory <= 0 {
		c.ReplyMemory = def.ReplyMemory
	}
	return c
}

// Request describes one outbound invocation.
type Request struct {
	// Origin is the verified claims of the calling actor.
	Origin claims.Claims
	// Envelope is Origin's signed envelope, forwarded so the target can verify.
	Envelope string
	// Target optionally pins the expected link target.
	Target    identity.ID
	Contract  string
	Operation string
	LinkName  string
	Payload   []byte
	Trace     map[string]string
	// Timeout overrides the dispatcher default; zero or negative selects it.
	Timeout time.Duration
}

// Result is a completed invocation.
type Result struct {
	CorrelationID string
	Target        identity.ID
	Payload       []byte
	State         State
	Elapsed       time.Duration
}

// Dispatcher is safe for concurrent use. Each invocation runs on its caller's
// goroutine and waits on its own reply channel.
type Dispatcher struct {
	cfg      Config
	subjects protocol.Subjects
	conn     bus.Conn
	links    *links.Registry
	verifier *attest.Verifier
	sink     observability.Sink
	pending  *pendingTable
	now      func() time.Time

	mu     sync.RWMutex
	inbox  bus.Subscription
	served map[identity.ID]*served
	closed bool
}

// New builds a dispatcher over conn. Start must be called before Invoke.
func New(cfg Config, conn bus.Conn, registry *links.Registry, verifier *attest.Verifier, sink observability.Sink) *Dispatcher {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = observability.Nop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		subjects: protocol.NewSubjects(cfg.LatticeID),
		conn:     conn,
		links:    registry,
		verifier: verifier,
		sink:     sink,
		pending:  newPendingTable(cfg.ReplyMemory, 4*cfg.Timeout),
		now:      time.Now,
		served:   make(map[identity.ID]*served),
	}
}

// Start subscribes to this host's reply inboxes.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inbox != nil {
		return nil
	}
	sub, err := d.conn.Subscribe(d.subjects.Inboxes(d.cfg.HostID.String()), d.onReply)
	if err != nil {
		return fmt.Errorf("%w: subscribe inbox: %w", ErrTransport, err)
	}
	d.inbox = sub
	logs.Debugf("dispatch.Dispatcher.Start host=%s inbox=%q", d.cfg.HostID, sub.Subject())
	return nil
}

// Close stops the inbox and every served target. Pending calls run out their timeouts.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	inbox := d.inbox
	targets := d.served
	d.served = make(map[identity.ID]*served)
	d.mu.Unlock()

	var errs []error
	if inbox != nil {
		errs = append(errs, inbox.Unsubscribe())
	}
	for _, s := range targets {
		errs = append(errs, s.sub.Unsubscribe())
	}
	return errors.Join(errs...)
}

// Invoke authorizes, resolves and sends req, then waits for the correlated reply.
func (d *Dispatcher) Invoke(ctx context.Context, req Request) (Result, error) {
	start := d.now()
	res, err := d.invoke(ctx, req)
	res.Elapsed = d.now().Sub(start)
	outcome := Classify(err)
	d.sink.Invocation(req.Contract, string(outcome), res.Elapsed)
	if err != nil {
		logs.Debugf("dispatch.Dispatcher.Invoke origin=%s contract=%q op=%q state=%s outcome=%s err=%v",
			req.Origin.Subject, req.Contract, req.Operation, res.State, outcome, err)
	}
	return res, err
}

func (d *Dispatcher) invoke(ctx context.Context, req Request) (Result, error) {
	res := Result{State: StateCreated}

	if !attest.Authorize(req.Origin, req.Contract, req.Operation) {
		res.State = StateRejected
		return res, fmt.Errorf("%w: %s lacks %q", ErrUnauthorized, req.Origin.Subject, req.Contract)
	}
	if now := d.now(); req.Origin.Expired(now) {
		res.State = StateRejected
		return res, fmt.Errorf("%w: %w", ErrUnauthorized, attest.ErrExpired)
	} else if req.Origin.Premature(now) {
		res.State = StateRejected
		return res, fmt.Errorf("%w: %w", ErrUnauthorized, attest.ErrNotYetValid)
	}
	if d.verifier != nil && d.verifier.Revocations().IsRevoked(req.Origin) {
		res.State = StateRejected
		return res, fmt.Errorf("%w: %w", ErrUnauthorized, attest.ErrRevoked)
	}
	res.State = StateAuthorized

	def, ok := d.links.Resolve(req.Origin.Subject, req.Contract, req.LinkName)
	if !ok {
		res.State = StateRejected
		return res, fmt.Errorf("%w: source=%s contract=%q link=%q",
			ErrNoLinkDefined, req.Origin.Subject, req.Contract, links.NormalizeLinkName(req.LinkName))
	}
	if req.Target != "" && req.Target != def.Target {
		res.State = StateRejected
		return res, fmt.Errorf("%w: link targets %s not %s", ErrNoLinkDefined, def.Target, req.Target)
	}
	res.Target = def.Target

	inv := wire.Invocation{
		CorrelationID: uuid.NewString(),
		Origin:        req.Origin.Subject.String(),
		OriginHost:    d.cfg.HostID.String(),
		Target:        def.Target.String(),
		Contract:      def.Contract,
		Operation:     req.Operation,
		LinkName:      def.LinkName,
		Payload:       req.Payload,
		TraceContext:  req.Trace,
		Auth:          []byte(req.Envelope),
	}
	res.CorrelationID = inv.CorrelationID

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Timeout
	}
	now := d.now()
	call := &PendingCall{
		CorrelationID: inv.CorrelationID,
		Target:        def.Target,
		Contract:      def.Contract,
		Operation:     req.Operation,
		SentAt:        now,
		Deadline:      now.Add(timeout),
	}
	d.pending.add(call)

	if local := d.localHandler(def.Target); local != nil {
		go d.deliverLocal(local, inv, timeout)
	} else {
		body, err := wire.EncodeInvocation(inv)
		if err != nil {
			d.pending.abandon(inv.CorrelationID)
			res.State = StateRejected
			return res, err
		}
		reply := bus.NewInbox(d.subjects.Inbox(d.cfg.HostID.String()))
		if err := d.conn.Publish(ctx, d.subjects.RPC(inv.Target), reply, body); err != nil {
			d.pending.abandon(inv.CorrelationID)
			res.State = StateRejected
			return res, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	res.State = StateAwaitingResponse

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-call.reply:
		res.State = StateCompleted
		if resp.Err != nil {
			return res, &RemoteError{Target: inv.Target, Message: resp.Err.Message, Code: resp.Err.Code}
		}
		res.Payload = resp.Payload
		return res, nil
	case <-timer.C:
		d.pending.abandon(inv.CorrelationID)
		res.State = StateTimedOut
		return res, fmt.Errorf("%w: target=%s after %s", ErrTimedOut, inv.Target, timeout)
	case <-ctx.Done():
		d.pending.abandon(inv.CorrelationID)
		res.State = StateTimedOut
		return res, fmt.Errorf("%w: target=%s: %w", ErrTimedOut, inv.Target, ctx.Err())
	}
}

func (d *Dispatcher) onReply(m bus.Message) {
	f, err := wire.Open(m.Data, schema.MsgResponse)
	if err != nil {
		logs.Warnf("dispatch.Dispatcher.onReply subject=%q err=%v", m.Subject, err)
		return
	}
	resp, err := wire.DecodeResponse(f)
	if err != nil {
		logs.Warnf("dispatch.Dispatcher.onReply subject=%q err=%v", m.Subject, err)
		return
	}
	d.accept(resp)
}

func (d *Dispatcher) accept(resp wire.Response) {
	if reason, ok := d.pending.complete(resp); !ok {
		d.sink.DroppedReply(reason)
		logs.Debugf("dispatch.Dispatcher reply dropped correlation_id=%q reason=%s", resp.CorrelationID, reason)
	}
}

// InFlight returns the number of calls awaiting replies from target.
func (d *Dispatcher) InFlight(target identity.ID) int {
	return d.pending.inFlight(target)
}

// Pending lists calls awaiting replies, oldest first.
func (d *Dispatcher) Pending() []PendingCall {
	return d.pending.list()
}
