package wire

import (
	"fmt"
	"strings"

	"github.com/danmuck/lattice/internal/protocol/frame"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/tlv"
)

// Command kinds addressed to lattice.{id}.host.{hid}.cmd.{kind}.
const (
	CommandStartActor    = "start_actor"
	CommandStopActor     = "stop_actor"
	CommandScaleActor    = "scale_actor"
	CommandStartProvider = "start_provider"
	CommandStopProvider  = "stop_provider"
)

var CommandKinds = []string{
	CommandStartActor,
	CommandStopActor,
	CommandScaleActor,
	CommandStartProvider,
	CommandStopProvider,
}

// Command asks one host to change what it runs.
type Command struct {
	CommandID  string
	Kind       string
	Ref        string
	ActorID    string
	ProviderID string
	LinkName   string
	Count      uint32
	Config     map[string]string
}

func (c Command) Validate() error {
	if strings.TrimSpace(c.CommandID) == "" {
		return fmt.Errorf("%w: command missing command_id", ErrInvalidMessage)
	}
	switch c.Kind {
	case CommandStartActor, CommandStartProvider:
		if strings.TrimSpace(c.Ref) == "" {
			return fmt.Errorf("%w: %s missing ref", ErrInvalidMessage, c.Kind)
		}
	case CommandStopActor, CommandScaleActor:
		if strings.TrimSpace(c.ActorID) == "" {
			return fmt.Errorf("%w: %s missing actor_id", ErrInvalidMessage, c.Kind)
		}
	case CommandStopProvider:
		if strings.TrimSpace(c.ProviderID) == "" {
			return fmt.Errorf("%w: %s missing provider_id", ErrInvalidMessage, c.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown command kind %q", ErrInvalidMessage, c.Kind)
	}
	return nil
}

func EncodeCommand(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldCommandID, c.CommandID),
		tlv.String(schema.FieldCommandKind, c.Kind),
		tlv.U32(schema.FieldCount, c.Count),
	}
	fields = appendString(fields, schema.FieldRef, c.Ref)
	fields = appendString(fields, schema.FieldActorID, c.ActorID)
	fields = appendString(fields, schema.FieldProviderID, c.ProviderID)
	fields = appendString(fields, schema.FieldLinkName, c.LinkName)
	fields = appendMap(fields, schema.FieldConfig, c.Config)
	return seal(schema.MsgCommand, 0, nil, fields)
}

func DecodeCommand(f frame.Frame) (Command, error) {
	fields, err := fieldsOf(f, schema.MsgCommand)
	if err != nil {
		return Command{}, err
	}
	count, err := getU32(fields, schema.FieldCount)
	if err != nil {
		return Command{}, err
	}
	cfg, err := getMap(fields, schema.FieldConfig)
	if err != nil {
		return Command{}, err
	}
	c := Command{
		CommandID:  getString(fields, schema.FieldCommandID),
		Kind:       getString(fields, schema.FieldCommandKind),
		Ref:        getString(fields, schema.FieldRef),
		ActorID:    getString(fields, schema.FieldActorID),
		ProviderID: getString(fields, schema.FieldProviderID),
		LinkName:   getString(fields, schema.FieldLinkName),
		Count:      count,
		Config:     cfg,
	}
	return c, c.Validate()
}

// CommandAck reports whether a host accepted a command.
type CommandAck struct {
	CommandID string
	Accepted  bool
	Message   string
}

func EncodeCommandAck(a CommandAck) ([]byte, error) {
	if strings.TrimSpace(a.CommandID) == "" {
		return nil, fmt.Errorf("%w: command ack missing command_id", ErrInvalidMessage)
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldCommandID, a.CommandID),
		tlv.Bool(schema.FieldAccepted, a.Accepted),
	}
	fields = appendString(fields, schema.FieldMessage, a.Message)
	flags := frame.FlagIsResponse
	if !a.Accepted {
		flags |= frame.FlagIsError
	}
	return seal(schema.MsgCommandAck, flags, nil, fields)
}

func DecodeCommandAck(f frame.Frame) (CommandAck, error) {
	fields, err := fieldsOf(f, schema.MsgCommandAck)
	if err != nil {
		return CommandAck{}, err
	}
	accepted, _, err := getBool(fields, schema.FieldAccepted)
	if err != nil {
		return CommandAck{}, err
	}
	return CommandAck{
		CommandID: getString(fields, schema.FieldCommandID),
		Accepted:  accepted,
		Message:   getString(fields, schema.FieldMessage),
	}, nil
}

// HealthProbe asks a provider instance whether it can serve.
type HealthProbe struct {
	ProviderID string
	LinkName   string
}

type HealthReply struct {
	Healthy bool
	Message string
}

func EncodeHealthProbe(p HealthProbe) ([]byte, error) {
	if strings.TrimSpace(p.ProviderID) == "" || strings.TrimSpace(p.LinkName) == "" {
		return nil, fmt.Errorf("%w: health probe missing provider key", ErrInvalidMessage)
	}
	return seal(schema.MsgHealthProbe, 0, nil, []tlv.Field{
		tlv.String(schema.FieldProviderID, p.ProviderID),
		tlv.String(schema.FieldLinkName, p.LinkName),
	})
}

func DecodeHealthProbe(f frame.Frame) (HealthProbe, error) {
	fields, err := fieldsOf(f, schema.MsgHealthProbe)
	if err != nil {
		return HealthProbe{}, err
	}
	return HealthProbe{
		ProviderID: getString(fields, schema.FieldProviderID),
		LinkName:   getString(fields, schema.FieldLinkName),
	}, nil
}

func EncodeHealthReply(r HealthReply) ([]byte, error) {
	fields := []tlv.Field{tlv.Bool(schema.FieldHealthy, r.Healthy)}
	fields = appendString(fields, schema.FieldMessage, r.Message)
	return seal(schema.MsgHealthReply, frame.FlagIsResponse, nil, fields)
}

func DecodeHealthReply(f frame.Frame) (HealthReply, error) {
	fields, err := fieldsOf(f, schema.MsgHealthReply)
	if err != nil {
		return HealthReply{}, err
	}
	healthy, _, err := getBool(fields, schema.FieldHealthy)
	if err != nil {
		return HealthReply{}, err
	}
	return HealthReply{Healthy: healthy, Message: getString(fields, schema.FieldMessage)}, nil
}
