package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/lattice/internal/attest"
	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/identity"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

// Handler executes one inbound invocation for a locally hosted target. A
// returned *RemoteError keeps its code on the error reply.
type Handler func(ctx context.Context, inv wire.Invocation) ([]byte, error)

type served struct {
	target  identity.ID
	handler Handler
	sub     bus.Subscription
}

// Serve subscribes h to invocations addressed to target. Calls from this
// host's own dispatcher reach h directly without crossing the bus.
func (d *Dispatcher) Serve(target identity.ID, h Handler) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for %s", target)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("%w: %w", ErrTransport, bus.ErrClosed)
	}
	if _, ok := d.served[target]; ok {
		return fmt.Errorf("dispatch: %s already served", target)
	}
	s := &served{target: target, handler: h}
	sub, err := d.conn.Subscribe(d.subjects.RPC(target.String()), func(m bus.Message) {
		d.onInvocation(s, m)
	})
	if err != nil {
		return fmt.Errorf("%w: serve %s: %w", ErrTransport, target, err)
	}
	s.sub = sub
	d.served[target] = s
	logs.Infof("dispatch.Dispatcher.Serve target=%s subject=%q", target, sub.Subject())
	return nil
}

// Unserve stops serving target. It is a no-op when target is not served.
func (d *Dispatcher) Unserve(target identity.ID) error {
	d.mu.Lock()
	s, ok := d.served[target]
	delete(d.served, target)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	logs.Infof("dispatch.Dispatcher.Unserve target=%s", target)
	return s.sub.Unsubscribe()
}

// Serving reports whether target is served by this dispatcher.
func (d *Dispatcher) Serving(target identity.ID) bool {
	return d.localHandler(target) != nil
}

func (d *Dispatcher) localHandler(target identity.ID) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if s, ok := d.served[target]; ok {
		return s.handler
	}
	return nil
}

func (d *Dispatcher) deliverLocal(h Handler, inv wire.Invocation, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d.sink.Inbound("local")
	d.accept(d.run(ctx, h, inv))
}

func (d *Dispatcher) onInvocation(s *served, m bus.Message) {
	f, err := wire.Open(m.Data, schema.MsgInvocation)
	if err != nil {
		d.sink.Inbound("malformed")
		logs.Warnf("dispatch.Dispatcher.onInvocation target=%s err=%v", s.target, err)
		return
	}
	inv, err := wire.DecodeInvocation(f)
	if err != nil {
		d.sink.Inbound("malformed")
		logs.Warnf("dispatch.Dispatcher.onInvocation target=%s err=%v", s.target, err)
		return
	}
	go func() {
		var resp wire.Response
		if err := d.admit(s.target, inv); err != nil {
			d.sink.Inbound("rejected")
			logs.Warnf("dispatch.Dispatcher.onInvocation rejected target=%s origin=%s err=%v", s.target, inv.Origin, err)
			code := CodeUnauthorized
			if errors.Is(err, ErrNotServed) {
				code = CodeNotServed
			}
			resp = failure(inv.CorrelationID, err.Error(), code)
		} else {
			d.sink.Inbound("served")
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
			resp = d.run(ctx, s.handler, inv)
			cancel()
		}
		d.reply(m.Reply, resp)
	}()
}

// admit checks that inv is addressed to target and that its origin holds
// valid, unrevoked claims permitting the contract.
func (d *Dispatcher) admit(target identity.ID, inv wire.Invocation) error {
	if inv.Target != target.String() {
		return fmt.Errorf("%w: %s", ErrNotServed, inv.Target)
	}
	if d.verifier == nil {
		return nil
	}
	if len(inv.Auth) == 0 {
		return fmt.Errorf("%w: missing origin claims", ErrUnauthorized)
	}
	c, err := d.verifier.Verify(string(inv.Auth), d.now())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if c.Subject.String() != inv.Origin {
		return fmt.Errorf("%w: claims subject %s does not match origin %s", ErrUnauthorized, c.Subject, inv.Origin)
	}
	if !attest.Authorize(c, inv.Contract, inv.Operation) {
		return fmt.Errorf("%w: %s lacks %q", ErrUnauthorized, c.Subject, inv.Contract)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, h Handler, inv wire.Invocation) wire.Response {
	out, err := h(ctx, inv)
	if err == nil {
		return wire.Response{CorrelationID: inv.CorrelationID, Payload: out}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return failure(inv.CorrelationID, remote.Message, remote.Code)
	}
	return failure(inv.CorrelationID, err.Error(), CodeHandler)
}

func (d *Dispatcher) reply(subject string, resp wire.Response) {
	if subject == "" {
		return
	}
	body, err := wire.EncodeResponse(resp)
	if err != nil {
		logs.Errf("dispatch.Dispatcher.reply encode correlation_id=%q err=%v", resp.CorrelationID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	if err := d.conn.Publish(ctx, subject, "", body); err != nil {
		logs.Warnf("dispatch.Dispatcher.reply publish subject=%q err=%v", subject, err)
	}
}

func failure(correlationID, message string, code uint32) wire.Response {
	return wire.Response{
		CorrelationID: correlationID,
		Err:           &wire.Failure{Message: message, Code: code},
	}
}
