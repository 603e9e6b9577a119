package actor

import "context"

// Engine instantiates component binaries. The concrete runtime lives outside
// this module; hosts without one reject actor starts.
type Engine interface {
	Instantiate(ctx context.Context, module []byte, host HostCalls) (Instance, error)
}

// Instance is one instantiated component.
type Instance interface {
	Call(ctx context.Context, operation string, payload []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// HostCalls is what an instance may ask of its host: an outbound invocation
// over one of its links.
type HostCalls interface {
	HostCall(ctx context.Context, linkName, contract, operation string, payload []byte) ([]byte, error)
}
