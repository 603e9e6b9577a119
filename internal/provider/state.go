package provider

// State is the lifecycle position of one provider instance.
type State string

const (
	StateRequested State = "requested"
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

var transitions = map[State][]State{
	StateRequested: {StateStarting, StateFailed},
	StateStarting:  {StateHealthy, StateFailed, StateStopping},
	StateHealthy:   {StateUnhealthy, StateStopping},
	StateUnhealthy: {StateHealthy, StateStopping},
	StateStopping:  {StateStopped},
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// Routable reports whether invocations may be sent to an instance in s.
func (s State) Routable() bool {
	return s == StateHealthy || s == StateUnhealthy
}

// Stoppable reports whether an explicit Stop applies to an instance in s.
func (s State) Stoppable() bool {
	return s == StateStarting || s.Routable()
}
