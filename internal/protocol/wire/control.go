package wire

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/lattice/internal/protocol/frame"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/tlv"
)

// Stamp orders facts from one host: Epoch changes on every host restart and
// Seq increases monotonically within an epoch.
type Stamp struct {
	Epoch uint64
	Seq   uint64
}

// Less reports whether s was produced before o by the same host.
func (s Stamp) Less(o Stamp) bool {
	if s.Epoch != o.Epoch {
		return s.Epoch < o.Epoch
	}
	return s.Seq < o.Seq
}

// Heartbeat is a full snapshot of one host's running inventory.
type Heartbeat struct {
	LatticeID   string
	HostID      string
	Stamp       Stamp
	Interval    time.Duration
	TimestampMS uint64
	Labels      map[string]string
	Actors      []ActorRecord
	Providers   []ProviderRecord
}

func (h Heartbeat) Validate() error {
	if strings.TrimSpace(h.LatticeID) == "" {
		return fmt.Errorf("%w: heartbeat missing lattice_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(h.HostID) == "" {
		return fmt.Errorf("%w: heartbeat missing host_id", ErrInvalidMessage)
	}
	if h.Interval <= 0 {
		return fmt.Errorf("%w: heartbeat missing interval", ErrInvalidMessage)
	}
	return nil
}

func EncodeHeartbeat(h Heartbeat) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldLatticeID, h.LatticeID),
		tlv.String(schema.FieldHostID, h.HostID),
		tlv.U64(schema.FieldEpoch, h.Stamp.Epoch),
		tlv.U64(schema.FieldSeq, h.Stamp.Seq),
		tlv.U64(schema.FieldHeartbeatMS, uint64(h.Interval/time.Millisecond)),
		tlv.U64(schema.FieldTimestampMS, h.TimestampMS),
	}
	fields = appendMap(fields, schema.FieldLabels, h.Labels)
	fields = encodeSnapshotEntries(fields, h.Actors, h.Providers)
	return seal(schema.MsgHeartbeat, 0, nil, fields)
}

func DecodeHeartbeat(f frame.Frame) (Heartbeat, error) {
	fields, err := fieldsOf(f, schema.MsgHeartbeat)
	if err != nil {
		return Heartbeat{}, err
	}
	stamp, err := decodeStamp(fields)
	if err != nil {
		return Heartbeat{}, err
	}
	intervalMS, err := getU64(fields, schema.FieldHeartbeatMS)
	if err != nil {
		return Heartbeat{}, err
	}
	ts, err := getU64(fields, schema.FieldTimestampMS)
	if err != nil {
		return Heartbeat{}, err
	}
	labels, err := getMap(fields, schema.FieldLabels)
	if err != nil {
		return Heartbeat{}, err
	}
	actors, providers, err := decodeSnapshotEntries(fields)
	if err != nil {
		return Heartbeat{}, err
	}
	return Heartbeat{
		LatticeID:   getString(fields, schema.FieldLatticeID),
		HostID:      getString(fields, schema.FieldHostID),
		Stamp:       stamp,
		Interval:    time.Duration(intervalMS) * time.Millisecond,
		TimestampMS: ts,
		Labels:      labels,
		Actors:      actors,
		Providers:   providers,
	}, nil
}

// Event kinds published on lattice.{id}.event.{kind}.
const (
	EventActorStarted    = "actor_started"
	EventActorStopped    = "actor_stopped"
	EventProviderStarted = "provider_started"
	EventProviderStopped = "provider_stopped"
	EventProviderHealth  = "provider_health"
	EventLinkPut         = "link_put"
	EventLinkRemoved     = "link_removed"
	EventHostStopped     = "host_stopped"
)

// EventKinds lists every kind a host subscribes to.
var EventKinds = []string{
	EventActorStarted,
	EventActorStopped,
	EventProviderStarted,
	EventProviderStopped,
	EventProviderHealth,
	EventLinkPut,
	EventLinkRemoved,
	EventHostStopped,
}

// Event carries an entity key plus its new state, so applying it twice is the
// same as applying it once.
type Event struct {
	EventID     string
	Kind        string
	LatticeID   string
	HostID      string
	Stamp       Stamp
	TimestampMS uint64

	ActorID    string
	Count      uint32
	ProviderID string
	LinkName   string
	Contract   string
	Healthy    bool
	Link       *LinkRecord
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("%w: event missing event_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(e.LatticeID) == "" {
		return fmt.Errorf("%w: event missing lattice_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(e.HostID) == "" {
		return fmt.Errorf("%w: event missing host_id", ErrInvalidMessage)
	}
	switch e.Kind {
	case EventActorStarted, EventActorStopped:
		if strings.TrimSpace(e.ActorID) == "" {
			return fmt.Errorf("%w: %s missing actor_id", ErrInvalidMessage, e.Kind)
		}
	case EventProviderStarted, EventProviderStopped, EventProviderHealth:
		if strings.TrimSpace(e.ProviderID) == "" {
			return fmt.Errorf("%w: %s missing provider_id", ErrInvalidMessage, e.Kind)
		}
	case EventLinkPut:
		if e.Link == nil {
			return fmt.Errorf("%w: %s missing link", ErrInvalidMessage, e.Kind)
		}
		return e.Link.Validate()
	case EventLinkRemoved:
		if e.Link == nil {
			return fmt.Errorf("%w: %s missing link", ErrInvalidMessage, e.Kind)
		}
		return e.Link.ValidateKey()
	case EventHostStopped:
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidMessage, e.Kind)
	}
	return nil
}

func EncodeEvent(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldEventID, e.EventID),
		tlv.String(schema.FieldEventKind, e.Kind),
		tlv.String(schema.FieldLatticeID, e.LatticeID),
		tlv.String(schema.FieldHostID, e.HostID),
		tlv.U64(schema.FieldEpoch, e.Stamp.Epoch),
		tlv.U64(schema.FieldSeq, e.Stamp.Seq),
		tlv.U64(schema.FieldTimestampMS, e.TimestampMS),
	}
	fields = appendString(fields, schema.FieldActorID, e.ActorID)
	fields = appendString(fields, schema.FieldProviderID, e.ProviderID)
	fields = appendString(fields, schema.FieldLinkName, e.LinkName)
	fields = appendString(fields, schema.FieldContract, e.Contract)
	switch e.Kind {
	case EventActorStarted, EventActorStopped:
		fields = append(fields, tlv.U32(schema.FieldCount, e.Count))
	case EventProviderHealth:
		fields = append(fields, tlv.Bool(schema.FieldHealthy, e.Healthy))
	}
	if e.Link != nil {
		lf, err := linkField(schema.FieldLink, *e.Link)
		if err != nil {
			return nil, err
		}
		fields = append(fields, lf)
	}
	return seal(schema.MsgEvent, 0, nil, fields)
}

func DecodeEvent(f frame.Frame) (Event, error) {
	fields, err := fieldsOf(f, schema.MsgEvent)
	if err != nil {
		return Event{}, err
	}
	stamp, err := decodeStamp(fields)
	if err != nil {
		return Event{}, err
	}
	ts, err := getU64(fields, schema.FieldTimestampMS)
	if err != nil {
		return Event{}, err
	}
	count, err := getU32(fields, schema.FieldCount)
	if err != nil {
		return Event{}, err
	}
	healthy, _, err := getBool(fields, schema.FieldHealthy)
	if err != nil {
		return Event{}, err
	}
	e := Event{
		EventID:     getString(fields, schema.FieldEventID),
		Kind:        getString(fields, schema.FieldEventKind),
		LatticeID:   getString(fields, schema.FieldLatticeID),
		HostID:      getString(fields, schema.FieldHostID),
		Stamp:       stamp,
		TimestampMS: ts,
		ActorID:     getString(fields, schema.FieldActorID),
		Count:       count,
		ProviderID:  getString(fields, schema.FieldProviderID),
		LinkName:    getString(fields, schema.FieldLinkName),
		Contract:    getString(fields, schema.FieldContract),
		Healthy:     healthy,
	}
	if lf, ok := tlv.GetField(fields, schema.FieldLink); ok {
		l, err := linkFromField(lf)
		if err != nil {
			return Event{}, err
		}
		e.Link = &l
	}
	return e, nil
}

// Inventory answers an inventory request with the host's local view.
type Inventory struct {
	LatticeID   string
	HostID      string
	Epoch       uint64
	TimestampMS uint64
	Labels      map[string]string
	Actors      []ActorRecord
	Providers   []ProviderRecord
	Links       []LinkRecord
}

func EncodeInventoryRequest() ([]byte, error) {
	return seal(schema.MsgInventoryRequest, 0, nil, nil)
}

func EncodeInventory(inv Inventory) ([]byte, error) {
	if strings.TrimSpace(inv.LatticeID) == "" || strings.TrimSpace(inv.HostID) == "" {
		return nil, fmt.Errorf("%w: inventory missing host identity", ErrInvalidMessage)
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldLatticeID, inv.LatticeID),
		tlv.String(schema.FieldHostID, inv.HostID),
		tlv.U64(schema.FieldEpoch, inv.Epoch),
		tlv.U64(schema.FieldTimestampMS, inv.TimestampMS),
	}
	fields = appendMap(fields, schema.FieldLabels, inv.Labels)
	fields = encodeSnapshotEntries(fields, inv.Actors, inv.Providers)
	for _, l := range inv.Links {
		lf, err := linkField(schema.FieldLink, l)
		if err != nil {
			return nil, err
		}
		fields = append(fields, lf)
	}
	return seal(schema.MsgInventory, frame.FlagIsResponse, nil, fields)
}

func DecodeInventory(f frame.Frame) (Inventory, error) {
	fields, err := fieldsOf(f, schema.MsgInventory)
	if err != nil {
		return Inventory{}, err
	}
	epoch, err := getU64(fields, schema.FieldEpoch)
	if err != nil {
		return Inventory{}, err
	}
	ts, err := getU64(fields, schema.FieldTimestampMS)
	if err != nil {
		return Inventory{}, err
	}
	labels, err := getMap(fields, schema.FieldLabels)
	if err != nil {
		return Inventory{}, err
	}
	actors, providers, err := decodeSnapshotEntries(fields)
	if err != nil {
		return Inventory{}, err
	}
	inv := Inventory{
		LatticeID:   getString(fields, schema.FieldLatticeID),
		HostID:      getString(fields, schema.FieldHostID),
		Epoch:       epoch,
		TimestampMS: ts,
		Labels:      labels,
		Actors:      actors,
		Providers:   providers,
	}
	for _, lf := range tlv.GetFields(fields, schema.FieldLink) {
		l, err := linkFromField(lf)
		if err != nil {
			return Inventory{}, err
		}
		inv.Links = append(inv.Links, l)
	}
	return inv, nil
}

func decodeStamp(fields []tlv.Field) (Stamp, error) {
	epoch, err := getU64(fields, schema.FieldEpoch)
	if err != nil {
		return Stamp{}, err
	}
	seq, err := getU64(fields, schema.FieldSeq)
	if err != nil {
		return Stamp{}, err
	}
	return Stamp{Epoch: epoch, Seq: seq}, nil
}
