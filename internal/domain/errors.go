package domain

// ErrorKind classifies a terminal automation failure. The kind drives the
// retry decision and is preserved in the callback evidence for diagnostics.
type ErrorKind string

const (
	// ErrKindValidation marks malformed parameters. Non-retryable.
	ErrKindValidation ErrorKind = "validation_error"
	// ErrKindAuth marks a credential/portal login failure. Non-retryable
	// without operator action.
	ErrKindAuth ErrorKind = "auth_error"
	// ErrKindNotFound marks a business outcome (service not on the portal),
	// not an infrastructure failure. Reported, never retried.
	ErrKindNotFound ErrorKind = "not_found"
	// ErrKindPortal marks an error page from the upstream portal. Retryable.
	ErrKindPortal ErrorKind = "portal_error"
	// ErrKindNetwork marks a transport failure between worker and portal.
	ErrKindNetwork ErrorKind = "network_error"
	// ErrKindTimeout marks an automation exceeding its wall-clock budget.
	// Retryable with caution; retries capped at 2.
	ErrKindTimeout ErrorKind = "timeout_error"
	// ErrKindSystem marks a driver crash or unexpected panic. Retryable.
	ErrKindSystem ErrorKind = "system_error"
	// ErrKindLostHeartbeat marks a job the orchestrator could no longer
	// confirm on its worker. Retryable.
	ErrKindLostHeartbeat ErrorKind = "lost_heartbeat"
	// ErrKindCancelled marks an explicit operator cancellation. Terminal.
	ErrKindCancelled ErrorKind = "cancelled_by_operator"
)

// Retryable reports whether a failure of this kind may be rescheduled.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindPortal, ErrKindNetwork, ErrKindTimeout, ErrKindSystem, ErrKindLostHeartbeat:
		return true
	}
	return false
}

// MaxRetriesFor caps retries per kind; timeouts get a tighter cap because a
// retried timeout usually times out again while holding a browser slot.
func (k ErrorKind) MaxRetriesFor(configured int) int {
	if k == ErrKindTimeout && configured > 2 {
		return 2
	}
	return configured
}
