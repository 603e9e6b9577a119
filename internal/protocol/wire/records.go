package wire

import (
	"fmt"
	"strings"

	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/tlv"
)

// LinkRecord is the transport shape of one link definition.
type LinkRecord struct {
	Source   string
	Target   string
	Contract string
	LinkName string
	Config   map[string]string
}

func (l LinkRecord) Validate() error {
	if strings.TrimSpace(l.Target) == "" {
		return fmt.Errorf("%w: link missing target", ErrInvalidMessage)
	}
	return l.ValidateKey()
}

// ValidateKey checks only the key fields, which is all a removal carries.
func (l LinkRecord) ValidateKey() error {
	if strings.TrimSpace(l.Source) == "" {
		return fmt.Errorf("%w: link missing source", ErrInvalidMessage)
	}
	if strings.TrimSpace(l.Contract) == "" {
		return fmt.Errorf("%w: link missing contract", ErrInvalidMessage)
	}
	if strings.TrimSpace(l.LinkName) == "" {
		return fmt.Errorf("%w: link missing link_name", ErrInvalidMessage)
	}
	return nil
}

// ActorRecord reports how many instances of an actor run on one host.
type ActorRecord struct {
	ActorID string
	Count   uint32
}

// ProviderRecord reports one provider instance on one host.
type ProviderRecord struct {
	ProviderID string
	LinkName   string
	Contract   string
	State      string
}

func linkField(id uint16, l LinkRecord) (tlv.Field, error) {
	if err := l.ValidateKey(); err != nil {
		return tlv.Field{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldSource, l.Source),
		tlv.String(schema.FieldTarget, l.Target),
		tlv.String(schema.FieldContract, l.Contract),
		tlv.String(schema.FieldLinkName, l.LinkName),
	}
	fields = appendMap(fields, schema.FieldConfig, l.Config)
	return tlv.Bytes(id, tlv.EncodeFields(fields)), nil
}

func linkFromField(f tlv.Field) (LinkRecord, error) {
	fields, err := nested(f.Value, schema.MsgLinkRecord)
	if err != nil {
		return LinkRecord{}, err
	}
	cfg, err := getMap(fields, schema.FieldConfig)
	if err != nil {
		return LinkRecord{}, err
	}
	return LinkRecord{
		Source:   getString(fields, schema.FieldSource),
		Target:   getString(fields, schema.FieldTarget),
		Contract: getString(fields, schema.FieldContract),
		LinkName: getString(fields, schema.FieldLinkName),
		Config:   cfg,
	}, nil
}

func actorField(a ActorRecord) tlv.Field {
	return tlv.Bytes(schema.FieldActor, tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldActorID, a.ActorID),
		tlv.U32(schema.FieldCount, a.Count),
	}))
}

func actorFromField(f tlv.Field) (ActorRecord, error) {
	fields, err := nested(f.Value, schema.MsgActorRecord)
	if err != nil {
		return ActorRecord{}, err
	}
	count, err := getU32(fields, schema.FieldCount)
	if err != nil {
		return ActorRecord{}, err
	}
	return ActorRecord{ActorID: getString(fields, schema.FieldActorID), Count: count}, nil
}

func providerField(p ProviderRecord) tlv.Field {
	fields := []tlv.Field{
		tlv.String(schema.FieldProviderID, p.ProviderID),
		tlv.String(schema.FieldLinkName, p.LinkName),
		tlv.String(schema.FieldState, p.State),
	}
	fields = appendString(fields, schema.FieldContract, p.Contract)
	return tlv.Bytes(schema.FieldProvider, tlv.EncodeFields(fields))
}

func providerFromField(f tlv.Field) (ProviderRecord, error) {
	fields, err := nested(f.Value, schema.MsgProviderRecord)
	if err != nil {
		return ProviderRecord{}, err
	}
	return ProviderRecord{
		ProviderID: getString(fields, schema.FieldProviderID),
		LinkName:   getString(fields, schema.FieldLinkName),
		Contract:   getString(fields, schema.FieldContract),
		State:      getString(fields, schema.FieldState),
	}, nil
}

func encodeSnapshotEntries(fields []tlv.Field, actors []ActorRecord, providers []ProviderRecord) []tlv.Field {
	for _, a := range actors {
		fields = append(fields, actorField(a))
	}
	for _, p := range providers {
		fields = append(fields, providerField(p))
	}
	return fields
}

func decodeSnapshotEntries(fields []tlv.Field) ([]ActorRecord, []ProviderRecord, error) {
	var actors []ActorRecord
	for _, f := range tlv.GetFields(fields, schema.FieldActor) {
		a, err := actorFromField(f)
		if err != nil {
			return nil, nil, err
		}
		actors = append(actors, a)
	}
	var providers []ProviderRecord
	for _, f := range tlv.GetFields(fields, schema.FieldProvider) {
		p, err := providerFromField(f)
		if err != nil {
			return nil, nil, err
		}
		providers = append(providers, p)
	}
	return actors, providers, nil
}
