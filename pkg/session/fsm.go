package session

import "fmt"

// ConnState is the connection health state of a cast session.
type ConnState string

const (
	ConnHealthy      ConnState = "healthy"
	ConnDegraded     ConnState = "degraded"
	ConnUnhealthy    ConnState = "unhealthy"
	ConnReconnecting ConnState = "reconnecting"
	ConnFailed       ConnState = "failed"
)

// validTransitions encodes the connection health state machine. Failed is
// terminal: a failed session is only removed, never revived.
var validTransitions = map[ConnState][]ConnState{
	ConnHealthy:      {ConnDegraded, ConnUnhealthy},
	ConnDegraded:     {ConnHealthy, ConnUnhealthy},
	ConnUnhealthy:    {ConnHealthy, ConnReconnecting},
	ConnReconnecting: {ConnHealthy, ConnUnhealthy, ConnFailed},
	ConnFailed:       {},
}

// canTransition reports whether moving from one state to another is allowed.
func canTransition(from, to ConnState) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the state machine, returning an error on invalid moves so
// a buggy caller surfaces loudly instead of corrupting health tracking.
func transition(from, to ConnState) (ConnState, error) {
	if !canTransition(from, to) {
		return from, fmt.Errorf("invalid connection state transition %s -> %s", from, to)
	}
	return to, nil
}
