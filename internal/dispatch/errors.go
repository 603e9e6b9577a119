package dispatch

import (
	"errors"
	"fmt"

	"github.com/danmuck/lattice/internal/attest"
	"github.com/danmuck/lattice/internal/claims"
)

var (
	ErrUnauthorized  = errors.New("dispatch: unauthorized")
	ErrNoLinkDefined = errors.New("dispatch: no link defined")
	ErrTransport     = errors.New("dispatch: transport error")
	ErrTimedOut      = errors.New("dispatch: timed out")
	ErrNotServed     = errors.New("dispatch: target not served here")
)

// Failure codes carried on error replies.
const (
	CodeHandler      uint32 = 1
	CodeUnauthorized uint32 = 2
	CodeBadRequest   uint32 = 3
	CodeNotServed    uint32 = 4
)

// RemoteError is a reply the target flagged as an error.
type RemoteError struct {
	Target  string
	Message string
	Code    uint32
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dispatch: remote error target=%s code=%d: %s", e.Target, e.Code, e.Message)
}

// Outcome names the error kind of an invocation result.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeMalformedEnvelope Outcome = "malformed_envelope"
	OutcomeEncoding          Outcome = "encoding"
	OutcomeAttestation       Outcome = "attestation"
	OutcomeUnauthorized      Outcome = "unauthorized"
	OutcomeNoLinkDefined     Outcome = "no_link_defined"
	OutcomeTransport         Outcome = "transport"
	OutcomeTimedOut          Outcome = "timed_out"
	OutcomeRemote            Outcome = "remote_error"
	OutcomeUnknown           Outcome = "unknown"
)

// Classify maps err to its outcome kind. Order matters: an unauthorized
// result caused by revocation classifies as unauthorized.
func Classify(err error) Outcome {
	var remote *RemoteError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrUnauthorized):
		return OutcomeUnauthorized
	case errors.Is(err, ErrNoLinkDefined):
		return OutcomeNoLinkDefined
	case errors.Is(err, ErrTimedOut):
		return OutcomeTimedOut
	case errors.Is(err, ErrTransport):
		return OutcomeTransport
	case errors.As(err, &remote):
		return OutcomeRemote
	case errors.Is(err, claims.ErrMalformedEnvelope):
		return OutcomeMalformedEnvelope
	case errors.Is(err, claims.ErrEncoding):
		return OutcomeEncoding
	case errors.Is(err, attest.ErrAttestation):
		return OutcomeAttestation
	default:
		return OutcomeUnknown
	}
}
