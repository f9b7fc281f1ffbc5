// Package callback translates terminal jobs into the upstream business
// status vocabulary and delivers them to the Oracle ingest endpoint.
package callback

import (
	"github.com/fiberops/conductor/internal/domain"
)

// StatusClass is the coarse outcome class a terminal job falls into before
// mapping to a business status string.
type StatusClass string

const (
	ClassSuccess          StatusClass = "success"
	ClassPendingCease     StatusClass = "pending_cease"
	ClassAlreadyCancelled StatusClass = "already_cancelled"
	ClassNotFound         StatusClass = "not_found"
	ClassAuthError        StatusClass = "auth_error"
	ClassCancelled        StatusClass = "cancelled"
	ClassError            StatusClass = "error"
)

// The closed set of business statuses. The upstream consumer matches on
// these strings exactly.
const (
	StatusValidated             = "Bitstream Validated"
	StatusNotFound              = "Bitstream Not Found"
	StatusValidationAuthError   = "Bitstream Validation Auth Error"
	StatusValidationCancelled   = "Bitstream Validation Cancelled"
	StatusValidationError       = "Bitstream Validation Error"
	StatusDeleteReleased        = "Bitstream Delete Released"
	StatusCancellationPending   = "Bitstream Cancellation Pending"
	StatusAlreadyCancelled      = "Bitstream Already Cancelled"
	StatusCancellationNotFound  = "Bitstream Cancellation Not Found"
	StatusCancellationAuthError = "Bitstream Cancellation Auth Error"
	StatusCancellationCancelled = "Bitstream Cancellation Cancelled"
	StatusCancellationError     = "Bitstream Cancellation Error"
)

var statusTable = map[domain.Action]map[StatusClass]string{
	domain.ActionValidation: {
		ClassSuccess:        StatusValidated,
		ClassNotFound:       StatusNotFound,
		ClassAuthError:      StatusValidationAuthError,
		ClassCancelled:      StatusValidationCancelled,
		ClassError:          StatusValidationError,
	},
	domain.ActionCancellation: {
		ClassSuccess:          StatusDeleteReleased,
		ClassPendingCease:     StatusCancellationPending,
		ClassAlreadyCancelled: StatusAlreadyCancelled,
		ClassNotFound:         StatusCancellationNotFound,
		ClassAuthError:        StatusCancellationAuthError,
		ClassCancelled:        StatusCancellationCancelled,
		ClassError:            StatusCancellationError,
	},
}

// Classify derives the status class for a terminal job. Result details
// override the plain success class when the portal reported a pending or
// already-implemented cease.
func Classify(job domain.Job) StatusClass {
	if job.Status == domain.JobCompleted {
		if job.Action == domain.ActionCancellation && job.Result != nil {
			if truthy(job.Result.Details["cease_pending"]) {
				return ClassPendingCease
			}
			if truthy(job.Result.Details["already_cancelled"]) {
				return ClassAlreadyCancelled
			}
		}
		return ClassSuccess
	}
	if job.Error == nil {
		return ClassError
	}
	switch job.Error.Kind {
	case domain.ErrKindNotFound:
		return ClassNotFound
	case domain.ErrKindAuth:
		return ClassAuthError
	case domain.ErrKindCancelled:
		return ClassCancelled
	default:
		return ClassError
	}
}

// MapStatus is the pure mapping (action, class) -> business status.
func MapStatus(action domain.Action, class StatusClass) string {
	if byClass, ok := statusTable[action]; ok {
		if s, ok := byClass[class]; ok {
			return s
		}
		return byClass[ClassError]
	}
	return StatusValidationError
}

// InverseStatus recovers (action, class) from a business status. The table
// is bijective over the closed set, so MapStatus(InverseStatus(s)) == s.
func InverseStatus(status string) (domain.Action, StatusClass, bool) {
	for action, byClass := range statusTable {
		for class, s := range byClass {
			if s == status {
				return action, class, true
			}
		}
	}
	return "", "", false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true" || val == "yes"
	}
	return false
}
