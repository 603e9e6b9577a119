package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/lattice/internal/attest"
	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/bus/membus"
	"github.com/danmuck/lattice/internal/claims"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/links"
	"github.com/danmuck/lattice/internal/observability"
	"github.com/danmuck/lattice/internal/protocol"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/wire"
	"github.com/danmuck/lattice/internal/testutil/testlog"
)

const blobstore = "wasmcloud:blobstore"

type recordingSink struct {
	observability.Nop
	mu       sync.Mutex
	dropped  map[string]int
	outcomes map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{dropped: map[string]int{}, outcomes: map[string]int{}}
}

func (s *recordingSink) DroppedReply(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[reason]++
}

func (s *recordingSink) Invocation(_, outcome string, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome]++
}

func (s *recordingSink) droppedFor(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[reason]
}

type harness struct {
	bus      *membus.Bus
	issuer   *identity.KeyPair
	actor    *identity.KeyPair
	provider *identity.KeyPair
	origin   claims.Claims
	envelope string
	registry *links.Registry
	verifier *attest.Verifier
	sink     *recordingSink
	caller   *Dispatcher
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	issuer, err := identity.Generate(identity.KindAccount)
	require.NoError(t, err)
	actor, err := identity.Generate(identity.KindModule)
	require.NoError(t, err)
	provider, err := identity.Generate(identity.KindProvider)
	require.NoError(t, err)
	host, err := identity.Generate(identity.KindHost)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	origin := claims.Claims{
		Subject:      actor.Public(),
		Issuer:       issuer.Public(),
		Capabilities: []string{blobstore},
		IssuedAt:     now.Add(-time.Minute),
		ExpiresAt:    now.Add(time.Hour),
		RevocationID: "jti-actor",
	}
	envelope, err := claims.Encode(origin, issuer)
	require.NoError(t, err)
	verifier := attest.NewVerifier(attest.DefaultConfig(), nil)
	origin, err = verifier.Verify(envelope, now)
	require.NoError(t, err)

	h := &harness{
		bus:      membus.New(),
		issuer:   issuer,
		actor:    actor,
		provider: provider,
		origin:   origin,
		envelope: envelope,
		registry: links.NewRegistry(),
		verifier: verifier,
		sink:     newRecordingSink(),
		now:      now,
	}
	h.caller = h.dispatcher(t, host.Public(), h.verifier)
	return h
}

func (h *harness) dispatcher(t *testing.T, hostID identity.ID, verifier *attest.Verifier) *Dispatcher {
	t.Helper()
	conn := h.bus.Connect()
	cfg := DefaultConfig()
	cfg.LatticeID = "test"
	cfg.HostID = hostID
	cfg.Timeout = 2 * time.Second
	d := New(cfg, conn, h.registry, verifier, h.sink)
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		_ = d.Close()
		_ = conn.Close()
	})
	return d
}

// remote serves the provider from a second host sharing the bus.
func (h *harness) remote(t *testing.T, handler Handler) *Dispatcher {
	t.Helper()
	other, err := identity.Generate(identity.KindHost)
	require.NoError(t, err)
	d := h.dispatcher(t, other.Public(), attest.NewVerifier(attest.DefaultConfig(), nil))
	require.NoError(t, d.Serve(h.provider.Public(), handler))
	return d
}

func (h *harness) link(t *testing.T) {
	t.Helper()
	_, _, err := h.registry.Put(links.Definition{
		Source:   h.actor.Public(),
		Target:   h.provider.Public(),
		Contract: blobstore,
	})
	require.NoError(t, err)
}

func (h *harness) request(payload string) Request {
	return Request{
		Origin:    h.origin,
		Envelope:  h.envelope,
		Contract:  blobstore,
		Operation: "GetObject",
		Payload:   []byte(payload),
	}
}

func echoUpper(_ context.Context, inv wire.Invocation) ([]byte, error) {
	return []byte(strings.ToUpper(string(inv.Payload))), nil
}

func TestInvokeRoundTripAcrossHosts(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	h.remote(t, echoUpper)

	res, err := h.caller.Invoke(context.Background(), h.request("hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(res.Payload))
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, h.provider.Public(), res.Target)
	assert.NotEmpty(t, res.CorrelationID)
	assert.Zero(t, h.caller.InFlight(h.provider.Public()))
}

func TestInvokeWithoutLinkPublishesNothing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)

	_, err := h.caller.Invoke(context.Background(), h.request("x"))
	require.ErrorIs(t, err, ErrNoLinkDefined)
	assert.Equal(t, OutcomeNoLinkDefined, Classify(err))
	assert.Zero(t, h.bus.Published())
}

func TestInvokeUnauthorizedContractPublishesNothing(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)

	req := h.request("x")
	req.Contract = "wasmcloud:keyvalue"
	res, err := h.caller.Invoke(context.Background(), req)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StateRejected, res.State)
	assert.Zero(t, h.bus.Published())
}

func TestInvokeRevokedOriginIsUnauthorized(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	h.verifier.Revocations().Revoke("jti-actor")

	_, err := h.caller.Invoke(context.Background(), h.request("x"))
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, err, attest.ErrRevoked)
	assert.Equal(t, OutcomeUnauthorized, Classify(err))
}

func TestInvokeOutsideValidityWindowIsUnauthorized(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	require.NoError(t, h.caller.Serve(h.provider.Public(), echoUpper))

	expired := h.request("x")
	expired.Origin.ExpiresAt = h.now.Add(-time.Minute)
	res, err := h.caller.Invoke(context.Background(), expired)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, err, attest.ErrExpired)
	assert.Equal(t, StateRejected, res.State)

	early := h.request("x")
	early.Origin.NotBefore = h.now.Add(time.Hour)
	_, err = h.caller.Invoke(context.Background(), early)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, err, attest.ErrNotYetValid)
	assert.Equal(t, OutcomeUnauthorized, Classify(err))
	assert.Zero(t, h.bus.Published())
}

func TestInvokeExplicitTargetMismatch(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	other, err := identity.Generate(identity.KindProvider)
	require.NoError(t, err)

	req := h.request("x")
	req.Target = other.Public()
	_, err = h.caller.Invoke(context.Background(), req)
	require.ErrorIs(t, err, ErrNoLinkDefined)
	assert.Zero(t, h.bus.Published())
}

func TestInvokeWithdrawnTargetHasNoLink(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	h.registry.Withdraw(h.provider.Public())

	_, err := h.caller.Invoke(context.Background(), h.request("x"))
	require.ErrorIs(t, err, ErrNoLinkDefined)
}

func TestTimeoutThenLateReplyDoesNotLeak(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)

	// A raw responder that holds the first request and answers later.
	raw := h.bus.Connect()
	defer raw.Close()
	held := make(chan bus.Message, 1)
	subjects := protocol.NewSubjects("test")
	_, err := raw.Subscribe(subjects.RPC(h.provider.Public().String()), func(m bus.Message) {
		select {
		case held <- m:
		default:
		}
	})
	require.NoError(t, err)

	req := h.request("slow")
	req.Timeout = 50 * time.Millisecond
	res, err := h.caller.Invoke(context.Background(), req)
	require.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, StateTimedOut, res.State)
	assert.Equal(t, OutcomeTimedOut, Classify(err))

	m := <-held
	f, err := wire.Open(m.Data, schema.MsgInvocation)
	require.NoError(t, err)
	inv, err := wire.DecodeInvocation(f)
	require.NoError(t, err)
	late, err := wire.EncodeResponse(wire.Response{CorrelationID: inv.CorrelationID, Payload: []byte("late")})
	require.NoError(t, err)
	require.NoError(t, raw.Publish(context.Background(), m.Reply, "", late))

	require.Eventually(t, func() bool { return h.sink.droppedFor(DropLate) == 1 }, time.Second, 5*time.Millisecond)

	h.remote(t, echoUpper)
	next, err := h.caller.Invoke(context.Background(), h.request("next"))
	require.NoError(t, err)
	assert.Equal(t, "NEXT", string(next.Payload))
}

func TestDuplicateReplyFirstWins(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)

	raw := h.bus.Connect()
	defer raw.Close()
	subjects := protocol.NewSubjects("test")
	_, err := raw.Subscribe(subjects.RPC(h.provider.Public().String()), func(m bus.Message) {
		f, err := wire.Open(m.Data, schema.MsgInvocation)
		if err != nil {
			return
		}
		inv, err := wire.DecodeInvocation(f)
		if err != nil {
			return
		}
		for _, body := range []string{"first", "second"} {
			out, _ := wire.EncodeResponse(wire.Response{CorrelationID: inv.CorrelationID, Payload: []byte(body)})
			_ = raw.Publish(context.Background(), m.Reply, "", out)
		}
	})
	require.NoError(t, err)

	res, err := h.caller.Invoke(context.Background(), h.request("x"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(res.Payload))
	require.Eventually(t, func() bool { return h.sink.droppedFor(DropDuplicate) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandlerErrorBecomesRemoteError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	h.remote(t, func(context.Context, wire.Invocation) ([]byte, error) {
		return nil, errors.New("bucket missing")
	})

	res, err := h.caller.Invoke(context.Background(), h.request("x"))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeHandler, remote.Code)
	assert.Contains(t, remote.Message, "bucket missing")
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, OutcomeRemote, Classify(err))
}

func TestRemoteRejectsRevokedOrigin(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	served := h.remote(t, echoUpper)
	served.verifier.Revocations().RevokeSubject(h.actor.Public(), h.now.Add(time.Minute))

	_, err := h.caller.Invoke(context.Background(), h.request("x"))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeUnauthorized, remote.Code)
}

func TestRemoteRejectsMissingClaims(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	h.remote(t, echoUpper)

	req := h.request("x")
	req.Envelope = ""
	_, err := h.caller.Invoke(context.Background(), req)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, CodeUnauthorized, remote.Code)
}

func TestLocalDeliverySkipsBus(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	require.NoError(t, h.caller.Serve(h.provider.Public(), echoUpper))
	require.True(t, h.caller.Serving(h.provider.Public()))

	res, err := h.caller.Invoke(context.Background(), h.request("local"))
	require.NoError(t, err)
	assert.Equal(t, "LOCAL", string(res.Payload))
	assert.Zero(t, h.bus.PublishedTo(protocol.NewSubjects("test").RPC(">")))

	require.NoError(t, h.caller.Unserve(h.provider.Public()))
	require.NoError(t, h.caller.Unserve(h.provider.Public()))
	assert.False(t, h.caller.Serving(h.provider.Public()))
}

func TestServeTwiceFails(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	require.NoError(t, h.caller.Serve(h.provider.Public(), echoUpper))
	assert.Error(t, h.caller.Serve(h.provider.Public(), echoUpper))
}

func TestConcurrentInvocationsAreIndependent(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	h.remote(t, echoUpper)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("call-%d", i)
			res, err := h.caller.Invoke(context.Background(), h.request(want))
			if err != nil {
				errs <- err
				return
			}
			if string(res.Payload) != strings.ToUpper(want) {
				errs <- fmt.Errorf("payload %q for %q", res.Payload, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	assert.Empty(t, h.caller.Pending())
}

func TestClassify(t *testing.T) {
	testlog.Start(t)
	cases := map[Outcome]error{
		OutcomeOK:                nil,
		OutcomeUnauthorized:      fmt.Errorf("%w: x", ErrUnauthorized),
		OutcomeNoLinkDefined:     ErrNoLinkDefined,
		OutcomeTransport:         fmt.Errorf("%w: %w", ErrTransport, bus.ErrClosed),
		OutcomeTimedOut:          ErrTimedOut,
		OutcomeRemote:            fmt.Errorf("wrapped: %w", &RemoteError{Message: "m"}),
		OutcomeMalformedEnvelope: claims.ErrMalformedEnvelope,
		OutcomeEncoding:          claims.ErrEncoding,
		OutcomeAttestation:       attest.ErrExpired,
		OutcomeUnknown:           errors.New("other"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Classify(err), "err=%v", err)
	}
}

func TestPublishFailureIsTransport(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	h.link(t)
	conn := h.bus.Connect()
	cfg := DefaultConfig()
	cfg.LatticeID = "test"
	cfg.HostID = h.caller.cfg.HostID
	d := New(cfg, conn, h.registry, h.verifier, nil)
	require.NoError(t, conn.Close())

	_, err := d.Invoke(context.Background(), h.request("x"))
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, bus.ErrClosed)
	assert.Zero(t, d.InFlight(h.provider.Public()))
}
