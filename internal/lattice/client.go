package lattice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/identity"
	"github.com/danmuck/lattice/internal/links"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

// Client drives a lattice from outside any host: it publishes link events,
// sends host commands and queries inventories.
type Client struct {
	conn     bus.Conn
	subjects protocol.Subjects
	id       string
}

// NewClient attaches a tool to latticeID. clientID names the tool in the
// events it publishes and scopes its reply inboxes.
func NewClient(conn bus.Conn, latticeID, clientID string) *Client {
	if clientID == "" {
		clientID = "client-" + uuid.NewString()[:8]
	}
	return &Client{conn: conn, subjects: protocol.NewSubjects(latticeID), id: clientID}
}

func (c *Client) event(kind string, link wire.LinkRecord) wire.Event {
	return wire.Event{
		EventID:     newEventID(),
		Kind:        kind,
		LatticeID:   c.subjects.Lattice(),
		HostID:      c.id,
		TimestampMS: uint64(time.Now().UnixMilli()),
		Link:        &link,
	}
}

func (c *Client) publish(ctx context.Context, ev wire.Event) (wire.Event, error) {
	body, err := wire.EncodeEvent(ev)
	if err != nil {
		return ev, err
	}
	if err := c.conn.Publish(ctx, c.subjects.Event(ev.Kind), "", body); err != nil {
		return ev, err
	}
	logs.Infof("lattice.Client.publish kind=%s event=%s", ev.Kind, ev.EventID)
	return ev, nil
}

func (c *Client) PutLink(ctx context.Context, def links.Definition) (wire.Event, error) {
	if err := def.Validate(); err != nil {
		return wire.Event{}, err
	}
	return c.publish(ctx, c.event(wire.EventLinkPut, linkRecord(def)))
}

func (c *Client) RemoveLink(ctx context.Context, source identity.ID, contract, linkName string) (wire.Event, error) {
	k := links.NewKey(source, contract, linkName)
	return c.publish(ctx, c.event(wire.EventLinkRemoved, wire.LinkRecord{
		Source:   k.Source.String(),
		Contract: k.Contract,
		LinkName: k.LinkName,
	}))
}

// Inventory asks hostID for its local snapshot.
func (c *Client) Inventory(ctx context.Context, hostID string) (wire.Inventory, error) {
	req, err := wire.EncodeInventoryRequest()
	if err != nil {
		return wire.Inventory{}, err
	}
	m, err := bus.Request(ctx, c.conn, c.subjects.Inventory(hostID), req, c.subjects.Inbox(c.id))
	if err != nil {
		return wire.Inventory{}, err
	}
	f, err := wire.Open(m.Data, schema.MsgInventory)
	if err != nil {
		return wire.Inventory{}, err
	}
	return wire.DecodeInventory(f)
}

// Command sends cmd to hostID and waits for its ack. A rejected command is
// returned as an error alongside the ack.
func (c *Client) Command(ctx context.Context, hostID string, cmd wire.Command) (wire.CommandAck, error) {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	body, err := wire.EncodeCommand(cmd)
	if err != nil {
		return wire.CommandAck{}, err
	}
	m, err := bus.Request(ctx, c.conn, c.subjects.Command(hostID, cmd.Kind), body, c.subjects.Inbox(c.id))
	if err != nil {
		return wire.CommandAck{}, err
	}
	f, err := wire.Open(m.Data, schema.MsgCommandAck)
	if err != nil {
		return wire.CommandAck{}, err
	}
	ack, err := wire.DecodeCommandAck(f)
	if err != nil {
		return ack, err
	}
	if !ack.Accepted {
		return ack, fmt.Errorf("lattice: host %s rejected %s: %s", hostID, cmd.Kind, ack.Message)
	}
	return ack, nil
}

// Listen collects heartbeats for wait and returns the newest one per host,
// sorted by host id.
func (c *Client) Listen(ctx context.Context, wait time.Duration) ([]wire.Heartbeat, error) {
	var mu sync.Mutex
	latest := map[string]wire.Heartbeat{}
	sub, err := c.conn.Subscribe(c.subjects.Heartbeat(), func(m bus.Message) {
		f, err := wire.Open(m.Data, schema.MsgHeartbeat)
		if err != nil {
			return
		}
		hb, err := wire.DecodeHeartbeat(f)
		if err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := latest[hb.HostID]; !ok || prev.Stamp.Less(hb.Stamp) {
			latest[hb.HostID] = hb
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]wire.Heartbeat, 0, len(latest))
	for _, hb := range latest {
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out, nil
}
