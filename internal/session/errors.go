package session

import "errors"

var (
	// ErrDuplicateSession is returned by Registry.Create when a live
	// session already exists for the call identifier.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrNotFound is returned by Registry.Lookup for unknown call
	// identifiers.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned for state changes the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrSessionClosed is returned when an operation reaches a session
	// that has already shut down.
	ErrSessionClosed = errors.New("session closed")
)

// Termination reasons recorded on the session and exported as metric labels.
const (
	ReasonStreamStopped  = "stream_stopped"
	ReasonChannelError   = "channel_error"
	ReasonBackendError   = "backend_error"
	ReasonAgentConcluded = "agent_concluded"
	ReasonIdleTimeout    = "idle_timeout"
)
