package controller

// Phase is the connection state of a Controller.
type Phase string

// Phases, in the order a healthy controller goes through them. A controller
// alternates between PhaseNameAbsent and PhaseRegistered as the location
// service comes and goes.
const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseWatching     Phase = "watching"
	PhaseNameAbsent   Phase = "name-absent"
	PhaseRegistered   Phase = "registered"
)

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// HasTransport returns true once the bus connection has been acquired.
func (p Phase) HasTransport() bool {
	switch p {
	case PhaseWatching, PhaseNameAbsent, PhaseRegistered:
		return true
	default:
		return false
	}
}

// IsRegistered returns true while the location service owns its bus name.
func (p Phase) IsRegistered() bool {
	return p == PhaseRegistered
}
