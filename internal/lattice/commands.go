package lattice

import (
	"context"
	"fmt"

	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/identity"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

func (p *Plane) onInventory(m bus.Message) {
	if m.Reply == "" {
		return
	}
	if _, err := wire.Open(m.Data, schema.MsgInventoryRequest); err != nil {
		logs.Warnf("lattice.Plane.onInventory subject=%q err=%v", m.Subject, err)
		return
	}
	if !p.limiter.Allow() {
		logs.Warnf("lattice.Plane.onInventory dropped reply=%q err=%v", m.Reply, ErrRateLimited)
		return
	}
	inv := p.Inventory()
	body, err := wire.EncodeInventory(inv)
	if err != nil {
		logs.Errf("lattice.Plane.onInventory encode err=%v", err)
		return
	}
	if err := p.conn.Publish(p.baseContext(), m.Reply, "", body); err != nil {
		logs.Warnf("lattice.Plane.onInventory reply=%q err=%v", m.Reply, err)
		return
	}
	logs.Debugf("lattice.Plane.onInventory actors=%d providers=%d links=%d", len(inv.Actors), len(inv.Providers), len(inv.Links))
}

func (p *Plane) onCommand(m bus.Message) {
	f, err := wire.Open(m.Data, schema.MsgCommand)
	if err != nil {
		logs.Warnf("lattice.Plane.onCommand subject=%q err=%v", m.Subject, err)
		return
	}
	cmd, err := wire.DecodeCommand(f)
	if err != nil {
		p.ack(m.Reply, wire.CommandAck{CommandID: cmd.CommandID, Message: err.Error()})
		return
	}
	if kind := protocol.Token(m.Subject); kind != cmd.Kind {
		p.ack(m.Reply, wire.CommandAck{
			CommandID: cmd.CommandID,
			Message:   fmt.Sprintf("%v: kind %q sent on %q", ErrInvalidCommand, cmd.Kind, kind),
		})
		return
	}
	if !p.limiter.Allow() {
		p.ack(m.Reply, wire.CommandAck{CommandID: cmd.CommandID, Message: ErrRateLimited.Error()})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(p.baseContext(), p.cfg.CommandTimeout)
		defer cancel()
		msg, err := p.Execute(ctx, cmd)
		ack := wire.CommandAck{CommandID: cmd.CommandID, Accepted: err == nil, Message: msg}
		if err != nil {
			ack.Message = err.Error()
		}
		p.ack(m.Reply, ack)
	}()
}

// Execute runs one host command against the local runtime. The returned
// message names what was started or stopped.
func (p *Plane) Execute(ctx context.Context, cmd wire.Command) (string, error) {
	if err := cmd.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if p.runtime == nil {
		return "", ErrNoRuntime
	}
	logs.Infof("lattice.Plane.Execute command=%s kind=%s", cmd.CommandID, cmd.Kind)
	switch cmd.Kind {
	case wire.CommandStartActor:
		count := int(cmd.Count)
		if count == 0 {
			count = 1
		}
		id, err := p.runtime.StartActor(ctx, cmd.Ref, count)
		if err != nil {
			return "", err
		}
		return id.String(), nil
	case wire.CommandStopActor:
		id := identity.ID(cmd.ActorID)
		return id.String(), p.runtime.StopActor(ctx, id, int(cmd.Count))
	case wire.CommandScaleActor:
		id := identity.ID(cmd.ActorID)
		return id.String(), p.runtime.ScaleActor(ctx, id, int(cmd.Count))
	case wire.CommandStartProvider:
		id, err := p.runtime.StartProvider(ctx, cmd.Ref, cmd.LinkName, cmd.Config)
		if err != nil {
			return "", err
		}
		return id.String(), nil
	case wire.CommandStopProvider:
		id := identity.ID(cmd.ProviderID)
		return id.String(), p.runtime.StopProvider(ctx, id, cmd.LinkName)
	}
	return "", fmt.Errorf("%w: kind %q", ErrInvalidCommand, cmd.Kind)
}

func (p *Plane) ack(reply string, ack wire.CommandAck) {
	if reply == "" {
		return
	}
	if ack.CommandID == "" {
		ack.CommandID = "unknown"
	}
	body, err := wire.EncodeCommandAck(ack)
	if err != nil {
		logs.Errf("lattice.Plane.ack command=%s err=%v", ack.CommandID, err)
		return
	}
	if err := p.conn.Publish(p.baseContext(), reply, "", body); err != nil {
		logs.Warnf("lattice.Plane.ack command=%s reply=%q err=%v", ack.CommandID, reply, err)
		return
	}
	if !ack.Accepted {
		logs.Warnf("lattice.Plane.ack rejected command=%s msg=%q", ack.CommandID, ack.Message)
	}
}
