package observability

import "time"

// Sink receives runtime telemetry. Implementations must not block and must
// swallow their own failures.
type Sink interface {
	Invocation(contract, outcome string, d time.Duration)
	Inbound(outcome string)
	DroppedReply(reason string)
	Event(kind, result string)
	RunningHosts(n int)
	ProviderTransition(contract, state string)
	ProviderProbe(contract string, healthy bool)
}

// Prometheus returns the sink backed by the package registry.
func Prometheus() Sink { return promSink{} }

type promSink struct{}

func (promSink) Invocation(contract, outcome string, d time.Duration) {
	RecordInvocation(contract, outcome, d)
}
func (promSink) Inbound(outcome string)     { RecordInbound(outcome) }
func (promSink) DroppedReply(reason string) { RecordDroppedReply(reason) }
func (promSink) Event(kind, result string)  { RecordEvent(kind, result) }
func (promSink) RunningHosts(n int)         { SetRunningHosts(n) }
func (promSink) ProviderTransition(contract, state string) {
	RecordProviderTransition(contract, state)
}
func (promSink) ProviderProbe(contract string, healthy bool) {
	RecordProviderProbe(contract, healthy)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Invocation(string, string, time.Duration) {}
func (Nop) Inbound(string)                           {}
func (Nop) DroppedReply(string)                      {}
func (Nop) Event(string, string)                     {}
func (Nop) RunningHosts(int)                         {}
func (Nop) ProviderTransition(string, string)        {}
func (Nop) ProviderProbe(string, bool)               {}
