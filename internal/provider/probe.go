package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/lattice/internal/bus"
	"github.com/danmuck/lattice/internal/identity"
	logs "github.com/danmuck/lattice/internal/logging"
	"github.com/danmuck/lattice/internal/protocol"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/wire"
)

var (
	ErrStartFailure       = errors.New("provider: start failure")
	ErrHealthCheckFailure = errors.New("provider: health check failure")
	ErrNotRunning         = errors.New("provider: instance not running")
	ErrAlreadyRunning     = errors.New("provider: instance already running")

	errStoppedWhileStarting = fmt.Errorf("%w: stopped while starting", ErrStartFailure)
)

// Prober asks one provider instance whether it is healthy. Any failure,
// including a missing reply, is an ErrHealthCheckFailure.
type Prober interface {
	Probe(ctx context.Context, providerID identity.ID, linkName string) error
}

// BusProber probes over request/reply on the provider's health subject.
type BusProber struct {
	Conn     bus.Conn
	Subjects protocol.Subjects
	HostID   string
}

func (p BusProber) Probe(ctx context.Context, providerID identity.ID, linkName string) error {
	body, err := wire.EncodeHealthProbe(wire.HealthProbe{ProviderID: providerID.String(), LinkName: linkName})
	if err != nil {
		return err
	}
	msg, err := bus.Request(ctx, p.Conn, p.Subjects.Health(providerID.String(), linkName), body, p.Subjects.Inbox(p.HostID))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailure, err)
	}
	f, err := wire.Open(msg.Data, schema.MsgHealthReply)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailure, err)
	}
	reply, err := wire.DecodeHealthReply(f)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheckFailure, err)
	}
	if !reply.Healthy {
		return fmt.Errorf("%w: %s", ErrHealthCheckFailure, reply.Message)
	}
	return nil
}

// HealthFunc reports a provider's own view of its health.
type HealthFunc func() (bool, string)

// ServeHealth answers health probes for one provider instance. Providers
// written against this module call it after reading their HostData.
func ServeHealth(conn bus.Conn, subjects protocol.Subjects, providerID identity.ID, linkName string, check HealthFunc) (bus.Subscription, error) {
	return conn.Subscribe(subjects.Health(providerID.String(), linkName), func(m bus.Message) {
		if m.Reply == "" {
			return
		}
		healthy, message := check()
		body, err := wire.EncodeHealthReply(wire.HealthReply{Healthy: healthy, Message: message})
		if err != nil {
			logs.Errf("provider.ServeHealth encode provider=%s err=%v", providerID, err)
			return
		}
		if err := conn.Publish(context.Background(), m.Reply, "", body); err != nil {
			logs.Warnf("provider.ServeHealth reply provider=%s err=%v", providerID, err)
		}
	})
}
