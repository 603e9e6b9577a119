package membus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/testutil/testlog"
)

func recv(t *testing.T, ch <-chan bus.Message) bus.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
		return bus.Message{}
	}
}

func TestPublishReachesWildcardSubscribersAcrossConns(t *testing.T) {
	testlog.Start(t)
	b := New()
	pub, sub := b.Connect(), b.Connect()
	defer pub.Close()
	defer sub.Close()

	got := make(chan bus.Message, 4)
	if _, err := sub.Subscribe("lattice.default.event.*", func(m bus.Message) { got <- m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := pub.Publish(context.Background(), "lattice.default.event.link_put", "", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	m := recv(t, got)
	if m.Subject != "lattice.default.event.link_put" || string(m.Data) != "x" {
		t.Fatalf("unexpected message: %+v", m)
	}
	if b.PublishedTo("lattice.default.event.>") != 1 || b.PublishedTo("lattice.default.rpc.>") != 0 {
		t.Fatalf("unexpected counters: total=%d", b.Published())
	}
}

func TestRequestReply(t *testing.T) {
	testlog.Start(t)
	b := New()
	server, client := b.Connect(), b.Connect()
	defer server.Close()
	defer client.Close()

	if _, err := server.Subscribe("svc.echo", func(m bus.Message) {
		_ = server.Publish(context.Background(), m.Reply, "", append([]byte("echo:"), m.Data...))
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := bus.Request(ctx, client, "svc.echo", []byte("hi"), "inbox.client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(reply.Data) != "echo:hi" {
		t.Fatalf("unexpected reply: %q", reply.Data)
	}
}

func TestRequestWithoutResponderTimesOut(t *testing.T) {
	testlog.Start(t)
	b := New()
	client := b.Connect()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := bus.Request(ctx, client, "svc.nobody", nil, "inbox.client")
	if !errors.Is(err, bus.ErrNoReply) {
		t.Fatalf("expected ErrNoReply, got %v", err)
	}
}

func TestUnsubscribeAndCloseStopDelivery(t *testing.T) {
	testlog.Start(t)
	b := New()
	c := b.Connect()
	got := make(chan bus.Message, 4)
	sub, err := c.Subscribe("a.b", func(m bus.Message) { got <- m })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := c.Publish(context.Background(), "a.b", "", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case m := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Publish(context.Background(), "a.b", "", nil); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.Subscribe("a.b", func(bus.Message) {}); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed on subscribe, got %v", err)
	}
}

func TestPublishCopiesPayload(t *testing.T) {
	testlog.Start(t)
	b := New()
	c := b.Connect()
	defer c.Close()
	got := make(chan bus.Message, 1)
	if _, err := c.Subscribe("a.b", func(m bus.Message) { got <- m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	data := []byte("orig")
	if err := c.Publish(context.Background(), "a.b", "", data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data[0] = 'X'
	if m := recv(t, got); string(m.Data) != "orig" {
		t.Fatalf("payload aliased: %q", m.Data)
	}
}
