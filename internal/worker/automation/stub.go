package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fiberops/conductor/internal/domain"
)

// Stub automations stand in for the real portal scripts in dev and test.
// Behavior is deterministic on the circuit number so scenarios are
// reproducible:
//
//	contains "NOAUTH"   -> auth_error
//	contains "MISSING"  -> not_found
//	contains "FLAKY"    -> network_error
//	contains "SLOW"     -> blocks until the job budget expires
//	contains "CEASEPEND"-> cancellation completes with cease_pending
//	otherwise           -> success

// RegisterStubs registers stub validation and cancellation automations for
// the given providers.
func RegisterStubs(r *Registry, providers []string) {
	for _, p := range providers {
		r.Register(p, domain.ActionValidation, stubValidation(p))
		r.Register(p, domain.ActionCancellation, stubCancellation(p))
	}
}

func stubValidation(provider string) Automation {
	return func(ctx context.Context, params map[string]any) Outcome {
		circuit, _ := params["circuit_number"].(string)
		if circuit == "" {
			return Outcome{Err: &domain.JobError{Kind: domain.ErrKindValidation, Message: "circuit_number required"}}
		}
		if out, failed := stubFailure(ctx, circuit); failed {
			return out
		}
		return Outcome{
			Result: &domain.Result{
				Status:  "validated",
				Message: fmt.Sprintf("service %s active on %s", circuit, provider),
				Details: map[string]any{
					"evidence_found": true,
					"circuit_number": circuit,
				},
			},
			Evidence: []domain.Evidence{stubScreenshot("validation")},
		}
	}
}

func stubCancellation(provider string) Automation {
	return func(ctx context.Context, params map[string]any) Outcome {
		circuit, _ := params["circuit_number"].(string)
		if circuit == "" {
			return Outcome{Err: &domain.JobError{Kind: domain.ErrKindValidation, Message: "circuit_number required"}}
		}
		if out, failed := stubFailure(ctx, circuit); failed {
			return out
		}
		details := map[string]any{
			"evidence_found": true,
			"circuit_number": circuit,
		}
		if strings.Contains(circuit, "CEASEPEND") {
			details["cease_pending"] = true
		}
		return Outcome{
			Result: &domain.Result{
				Status:  "cancelled",
				Message: fmt.Sprintf("cancellation submitted for %s on %s", circuit, provider),
				Details: details,
			},
			Evidence: []domain.Evidence{stubScreenshot("cancellation")},
		}
	}
}

func stubFailure(ctx context.Context, circuit string) (Outcome, bool) {
	switch {
	case strings.Contains(circuit, "NOAUTH"):
		return Outcome{Err: &domain.JobError{Kind: domain.ErrKindAuth, Message: "portal login rejected"}}, true
	case strings.Contains(circuit, "MISSING"):
		return Outcome{Err: &domain.JobError{Kind: domain.ErrKindNotFound, Message: "service not found on portal"}}, true
	case strings.Contains(circuit, "FLAKY"):
		return Outcome{Err: &domain.JobError{Kind: domain.ErrKindNetwork, Message: "portal connection reset"}}, true
	case strings.Contains(circuit, "SLOW"):
		<-ctx.Done()
		return Outcome{Err: &domain.JobError{Kind: domain.ErrKindTimeout, Message: "automation exceeded budget"}}, true
	}
	return Outcome{}, false
}

// stubScreenshot is a 1x1 PNG so evidence plumbing is exercised end to end.
func stubScreenshot(step string) domain.Evidence {
	return domain.Evidence{
		Name:      step + "_result.png",
		MIME:      "image/png",
		Payload:   tinyPNG,
		CreatedAt: time.Now().UTC(),
	}
}

var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x62, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}
