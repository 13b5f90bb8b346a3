package capswitch

import "errors"

var (
	// ErrTransactionActive is returned when a reassignment is requested while
	// another one is in flight. Requests are never queued.
	ErrTransactionActive = errors.New("capswitch: transaction active")
	// ErrInvalidTargets is returned when the target vector does not have one
	// valid capability per phone.
	ErrInvalidTargets = errors.New("capswitch: invalid targets")
	// ErrClosed is returned once the coordinator has been closed.
	ErrClosed = errors.New("capswitch: coordinator closed")
)

// Outcome reasons.
const (
	ReasonEndpointFailure = "endpoint_failure"
	ReasonTimeout         = "timeout"
	ReasonShutdown        = "shutdown"
)
