package eventstream

import "github.com/rendis/pulse/pkg/schema"

// ValidTransitions defines the allowed connection state transitions.
// open can only go back to connecting through an explicit ConnectToScope.
var ValidTransitions = map[schema.ConnectionState][]schema.ConnectionState{
	schema.StateIdle:       {schema.StateConnecting, schema.StateClosed},
	schema.StateConnecting: {schema.StateConnecting, schema.StateOpen, schema.StateClosed},
	schema.StateOpen:       {schema.StateConnecting, schema.StateClosed},
	schema.StateClosed:     {schema.StateConnecting},
}

// stateMachine holds the connection state. It is not synchronized; the
// owning Client guards it with its own mutex.
type stateMachine struct {
	state schema.ConnectionState
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: schema.StateIdle}
}

// transition moves to the target state and returns the previous one.
func (m *stateMachine) transition(to schema.ConnectionState) (schema.ConnectionState, error) {
	from := m.state
	if !isValidTransition(from, to) {
		return from, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid connection transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	m.state = to
	return from, nil
}

func isValidTransition(from, to schema.ConnectionState) bool {
	for _, a := range ValidTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
