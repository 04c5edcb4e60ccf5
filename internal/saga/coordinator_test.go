package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
	"github.com/evalgo-org/polyglot-coordinator/internal/model"
	"github.com/evalgo-org/polyglot-coordinator/internal/retry"
)

func idGen(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func newTestCoordinator() (*Coordinator, *MemoryLog) {
	log := NewMemoryLog()
	join := NewJoinPolicy(nil)
	coord := New(Config{DefaultRetryPolicy: retry.Policy{MaxAttempts: 3, InitialDelay: 0, Multiplier: 1}}, log, join, nil, idGen("saga-1"), nil)
	return coord, log
}

func okStep(name string) Step {
	return Step{
		Name: name,
		Forward: func(ctx context.Context, documentID, idempotencyKey string, prior Results) (Result, error) {
			return Result{NativeKeys: []string{name + "-key"}}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error { return nil },
	}
}

func failingStep(name string, kind errs.Kind) Step {
	return Step{
		Name: name,
		Forward: func(ctx context.Context, documentID, idempotencyKey string, prior Results) (Result, error) {
			return Result{}, errs.New(kind, name, errors.New("simulated failure"))
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error { return nil },
	}
}

// TestCoordinator_S1_HappyPath mirrors spec.md's S1 scenario.
func TestCoordinator_S1_HappyPath(t *testing.T) {
	coord, _ := newTestCoordinator()
	def := Definition{
		DocumentID:  "doc-1",
		Fingerprint: "fp-1",
		Steps: []Step{
			okStep("MetadataWrite"),
			okStep("PayloadStream"),
			okStep("IntegrityGate"),
			okStep("VectorWrite"),
			okStep("GraphWrite"),
		},
	}

	outcome, err := coord.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, outcome.Status)
	for _, step := range outcome.Steps {
		assert.Equal(t, model.StepCompleted, step.Status, step.StepName)
	}
}

// TestCoordinator_S2_IntegrityGateFailureBlocksDownstream mirrors S2: no
// step declared after a failed gate ever runs, and everything completed
// before it gets compensated.
func TestCoordinator_S2_IntegrityGateFailureBlocksDownstream(t *testing.T) {
	coord, _ := newTestCoordinator()
	var vectorWriteCalled bool
	vectorStep := okStep("VectorWrite")
	vectorStep.Forward = func(ctx context.Context, documentID, idempotencyKey string, prior Results) (Result, error) {
		vectorWriteCalled = true
		return Result{}, nil
	}

	def := Definition{
		DocumentID:  "doc-2",
		Fingerprint: "fp-2",
		Steps: []Step{
			okStep("MetadataWrite"),
			okStep("PayloadStream"),
			failingStep("IntegrityGate", errs.Integrity),
			vectorStep,
			okStep("GraphWrite"),
		},
	}

	outcome, err := coord.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, model.SagaRolledBack, outcome.Status)
	assert.False(t, vectorWriteCalled, "no step after a failed IntegrityGate may run")

	meta := outcome.Steps[0]
	assert.Equal(t, model.StepCompensated, meta.Status)
}

// TestCoordinator_S3_TransientThenSuccessRetries mirrors S3: two
// TRANSIENT failures then success, attempts == 3.
func TestCoordinator_S3_TransientThenSuccessRetries(t *testing.T) {
	coord, _ := newTestCoordinator()

	var mu sync.Mutex
	callCount := 0
	flaky := Step{
		Name: "MetadataWrite",
		Forward: func(ctx context.Context, documentID, idempotencyKey string, prior Results) (Result, error) {
			mu.Lock()
			callCount++
			n := callCount
			mu.Unlock()
			if n < 3 {
				return Result{}, errs.New(errs.Transient, "MetadataWrite", errors.New("flaky"))
			}
			return Result{NativeKeys: []string{"row-1"}}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error { return nil },
	}

	def := Definition{DocumentID: "doc-3", Fingerprint: "fp-3", Steps: []Step{flaky}}
	outcome, err := coord.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, outcome.Status)
	require.Len(t, outcome.Steps, 1)
	assert.Equal(t, 3, outcome.Steps[0].Attempts)
}

// TestCoordinator_S4_CompensationFailurePartialFailure mirrors S4: a
// failed VectorWrite triggers rollback, and compensating PayloadStream
// reports a chunk deletion failure — the saga finalizes partial_failure
// and the failure is logged.
func TestCoordinator_S4_CompensationFailurePartialFailure(t *testing.T) {
	coord, log := newTestCoordinator()

	payloadStream := okStep("PayloadStream")
	payloadStream.Forward = func(ctx context.Context, documentID, idempotencyKey string, prior Results) (Result, error) {
		return Result{NativeKeys: []string{"chunk-0", "chunk-1"}}, nil
	}
	payloadStream.Compensate = func(ctx context.Context, documentID string, prev Result) error {
		return errs.New(errs.Transient, "PayloadStream.compensate", errors.New("chunk-1 delete exhausted retries"), "chunk-1")
	}

	def := Definition{
		DocumentID:  "doc-4",
		Fingerprint: "fp-4",
		Steps: []Step{
			okStep("MetadataWrite"),
			payloadStream,
			failingStep("VectorWrite", errs.Permanent),
		},
	}

	outcome, err := coord.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, model.SagaPartialFailure, outcome.Status)

	critical := log.CriticalFailures()
	require.Len(t, critical, 1)
	assert.Equal(t, "PayloadStream", critical[0].StepName)

	cleanups := log.FailedCleanups()
	require.Len(t, cleanups, 2)
}

// TestCoordinator_DeadlineExceededTriggersRollback exercises the
// cancellation/timeout contract: a step that never returns is abandoned
// when the saga deadline fires, and rollback still proceeds.
func TestCoordinator_DeadlineExceededTriggersRollback(t *testing.T) {
	log := NewMemoryLog()
	join := NewJoinPolicy(nil)
	coord := New(Config{
		DefaultRetryPolicy: retry.Policy{MaxAttempts: 1},
		SagaDeadline:       20 * time.Millisecond,
	}, log, join, nil, idGen("saga-deadline"), nil)

	stuck := Step{
		Name: "PayloadStream",
		Forward: func(ctx context.Context, documentID, idempotencyKey string, prior Results) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error { return nil },
	}

	def := Definition{
		DocumentID:  "doc-5",
		Fingerprint: "fp-5",
		Steps:       []Step{okStep("MetadataWrite"), stuck},
	}

	outcome, err := coord.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, model.SagaRolledBack, outcome.Status)
}

// TestJoinPolicy_SameFingerprintJoins exercises the resolved Open Question:
// two concurrent callers for the same document_id with matching
// fingerprints join rather than collide.
func TestJoinPolicy_SameFingerprintJoins(t *testing.T) {
	policy := NewJoinPolicy(nil)

	join1, _, release, err := policy.Acquire(context.Background(), "doc-join", "fp-shared", "token-1")
	require.NoError(t, err)
	require.False(t, join1)
	require.NotNil(t, release)

	var wg sync.WaitGroup
	var joined bool
	var joinedOutcome Outcome
	wg.Add(1)
	go func() {
		defer wg.Done()
		j, outcome, _, err := policy.Acquire(context.Background(), "doc-join", "fp-shared", "token-2")
		require.NoError(t, err)
		joined = j
		joinedOutcome = outcome
	}()

	time.Sleep(10 * time.Millisecond) // let the second caller start waiting
	release(Outcome{SagaID: "token-1", Status: model.SagaCompleted})
	wg.Wait()

	assert.True(t, joined)
	assert.Equal(t, "token-1", joinedOutcome.SagaID)
}

// TestJoinPolicy_DifferentFingerprintRejected exercises the other half of
// the resolved policy: a mismatched fingerprint for an in-flight document
// is rejected rather than silently joined or corrupting the running saga.
func TestJoinPolicy_DifferentFingerprintRejected(t *testing.T) {
	policy := NewJoinPolicy(nil)

	_, _, release, err := policy.Acquire(context.Background(), "doc-join-2", "fp-a", "token-1")
	require.NoError(t, err)
	defer release(Outcome{})

	_, _, _, err = policy.Acquire(context.Background(), "doc-join-2", "fp-b", "token-2")
	assert.ErrorIs(t, err, errs.ErrSagaJoinMismatch)
}
