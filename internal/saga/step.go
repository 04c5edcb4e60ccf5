// Package saga implements the multi-backend write/read coordinator from
// spec.md §4.5, grounded on the teacher's state-tracking coordinator: a
// durable execution record mutated step by step, with best-effort
// compensation on failure. Per the design notes, steps are homogeneous
// records carrying function-valued forward/compensate fields rather than
// a class hierarchy with dynamic dispatch.
package saga

import (
	"context"

	"github.com/evalgo-org/polyglot-coordinator/internal/retry"
)

// Result is what a step's forward function returns on success: the native
// keys it produced (for compensation and for writing into the Document's
// reference maps) plus any opaque data later steps or the caller need.
type Result struct {
	NativeKeys []string
	Data       any
}

// Results accumulates completed steps' Results by step name, so a later
// step's Forward can observe an earlier step's effects, per spec.md §4.5's
// "effects of step N are visible to step N+1's forward".
type Results map[string]Result

// Step is the homogeneous unit the coordinator executes. Forward and
// Compensate are function values, not methods on a type hierarchy, per the
// design notes' guidance against dynamic dispatch on step subclasses.
type Step struct {
	Name string

	// Forward performs the step's effect. It must be safe to call again
	// with the same idempotency key if a previous attempt's outcome is
	// unknown (crash, timeout). prior holds every earlier step's Result in
	// this saga, keyed by step name.
	Forward func(ctx context.Context, documentID, idempotencyKey string, prior Results) (Result, error)

	// Compensate undoes Forward's effect given its recorded Result. It
	// must be idempotent and a safe no-op when called on a step that never
	// ran (prev is the zero Result).
	Compensate func(ctx context.Context, documentID string, prev Result) error

	// RetryPolicy overrides the coordinator's default for this step's
	// Forward invocation. Zero value means "use the coordinator default".
	RetryPolicy retry.Policy

	// Critical, when true, means a compensation failure for this step is
	// always logged even if other compensations succeed (all compensation
	// failures are logged regardless; Critical exists for callers that
	// want to distinguish severity in their own tooling, not for the
	// coordinator's own control flow).
	Critical bool

	// IsIntegrityGate marks this step as the non-mutating checkpoint from
	// spec.md §4.5: no step after it may run if it fails, and nothing
	// before it may run after it.
	IsIntegrityGate bool
}

// IdempotencyKey derives this step's per-document idempotency key, per
// spec.md §4.5: "(document_id, step_name)".
func IdempotencyKey(documentID, stepName string) string {
	return documentID + ":" + stepName
}
