package wire

import (
	"fmt"
	"strings"

	"github.com/danmuck/lattice/internal/protocol/frame"
	"github.com/danmuck/lattice/internal/protocol/schema"
	"github.com/danmuck/lattice/internal/protocol/tlv"
)

// Invocation is one call routed to a target actor or provider.
type Invocation struct {
	CorrelationID string
	Origin        string
	OriginHost    string
	Target        string
	Contract      string
	Operation     string
	LinkName      string
	Payload       []byte
	TraceContext  map[string]string
	// Auth is the origin's signed claims envelope, carried in the frame auth block.
	Auth []byte
}

func (i Invocation) Validate() error {
	if strings.TrimSpace(i.CorrelationID) == "" {
		return fmt.Errorf("%w: invocation missing correlation_id", ErrInvalidMessage)
	}
	if strings.TrimSpace(i.Origin) == "" {
		return fmt.Errorf("%w: invocation missing origin", ErrInvalidMessage)
	}
	if strings.TrimSpace(i.Target) == "" {
		return fmt.Errorf("%w: invocation missing target", ErrInvalidMessage)
	}
	if strings.TrimSpace(i.Contract) == "" {
		return fmt.Errorf("%w: invocation missing contract", ErrInvalidMessage)
	}
	if strings.TrimSpace(i.Operation) == "" {
		return fmt.Errorf("%w: invocation missing operation", ErrInvalidMessage)
	}
	return nil
}

func EncodeInvocation(inv Invocation) ([]byte, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldCorrelationID, inv.CorrelationID),
		tlv.String(schema.FieldOrigin, inv.Origin),
		tlv.String(schema.FieldTarget, inv.Target),
		tlv.String(schema.FieldContract, inv.Contract),
		tlv.String(schema.FieldOperation, inv.Operation),
		tlv.Bytes(schema.FieldPayload, inv.Payload),
	}
	fields = appendString(fields, schema.FieldLinkName, inv.LinkName)
	fields = appendString(fields, schema.FieldOriginHost, inv.OriginHost)
	fields = appendMap(fields, schema.FieldTraceContext, inv.TraceContext)
	return seal(schema.MsgInvocation, 0, inv.Auth, fields)
}

func DecodeInvocation(f frame.Frame) (Invocation, error) {
	fields, err := fieldsOf(f, schema.MsgInvocation)
	if err != nil {
		return Invocation{}, err
	}
	trace, err := getMap(fields, schema.FieldTraceContext)
	if err != nil {
		return Invocation{}, err
	}
	inv := Invocation{
		CorrelationID: getString(fields, schema.FieldCorrelationID),
		Origin:        getString(fields, schema.FieldOrigin),
		OriginHost:    getString(fields, schema.FieldOriginHost),
		Target:        getString(fields, schema.FieldTarget),
		Contract:      getString(fields, schema.FieldContract),
		Operation:     getString(fields, schema.FieldOperation),
		LinkName:      getString(fields, schema.FieldLinkName),
		Payload:       getBytes(fields, schema.FieldPayload),
		TraceContext:  trace,
	}
	if len(f.Auth) > 0 {
		inv.Auth = f.Auth
	}
	return inv, nil
}

// Failure is the error half of a Response.
type Failure struct {
	Message string
	Code    uint32
}

// Response answers an Invocation. A non-nil Err marks the frame with FlagIsError.
type Response struct {
	CorrelationID string
	Payload       []byte
	Err           *Failure
}

func EncodeResponse(resp Response) ([]byte, error) {
	if strings.TrimSpace(resp.CorrelationID) == "" {
		return nil, fmt.Errorf("%w: response missing correlation_id", ErrInvalidMessage)
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldCorrelationID, resp.CorrelationID),
		tlv.Bytes(schema.FieldPayload, resp.Payload),
	}
	flags := frame.FlagIsResponse
	if resp.Err != nil {
		flags |= frame.FlagIsError
		fields = append(fields,
			tlv.String(schema.FieldErrorMessage, resp.Err.Message),
			tlv.U32(schema.FieldErrorCode, resp.Err.Code),
		)
	}
	return seal(schema.MsgResponse, flags, nil, fields)
}

func DecodeResponse(f frame.Frame) (Response, error) {
	fields, err := fieldsOf(f, schema.MsgResponse)
	if err != nil {
		return Response{}, err
	}
	resp := Response{
		CorrelationID: getString(fields, schema.FieldCorrelationID),
		Payload:       getBytes(fields, schema.FieldPayload),
	}
	if f.IsError() {
		code, err := getU32(fields, schema.FieldErrorCode)
		if err != nil {
			return Response{}, err
		}
		resp.Err = &Failure{Message: getString(fields, schema.FieldErrorMessage), Code: code}
	}
	return resp, nil
}
