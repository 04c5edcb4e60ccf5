package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo-org/polyglot-coordinator/internal/cache"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
	"github.com/evalgo-org/polyglot-coordinator/internal/model"
	"github.com/evalgo-org/polyglot-coordinator/internal/retry"
)

// Outcome is the coordinator's SagaResult, per spec.md §6's Request API:
// the final status and, on failure, the ordered list of step outcomes.
type Outcome struct {
	SagaID     string
	DocumentID string
	Status     model.SagaStatus
	Steps      []model.StepOutcome
}

// Definition is an ordered saga: a sequence of Steps plus the document and
// fingerprint the join policy uses to recognize repeat requests for the
// same in-flight saga.
type Definition struct {
	DocumentID  string
	Fingerprint string // identical fingerprints for the same document_id join rather than collide
	Steps       []Step
}

// Config bounds the coordinator's default behavior; individual steps may
// override RetryPolicy and a per-call context may impose its own deadline.
type Config struct {
	DefaultRetryPolicy retry.Policy
	SagaDeadline       time.Duration // 0 means unbounded, per spec.md §6
}

// Coordinator executes Saga Definitions against the durable log and join
// policy, grounded on the teacher's state-tracking coordinator: mutate a
// durable record step by step, never hold it only in memory past a step
// boundary.
type Coordinator struct {
	cfg       Config
	log       Log
	join      *JoinPolicy
	cache     *cache.Cache // invalidated on commit; nil disables cache coherence wiring
	sagaIDGen func() string
	logger    *logrus.Entry
}

// New builds a Coordinator. sagaIDGen produces a fresh saga id per
// execution (e.g. identity.Generator.NewDocumentID, reused for saga ids
// since both only need global uniqueness).
func New(cfg Config, log Log, join *JoinPolicy, cacheInst *cache.Cache, sagaIDGen func() string, logger *logrus.Entry) *Coordinator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{cfg: cfg, log: log, join: join, cache: cacheInst, sagaIDGen: sagaIDGen, logger: logger}
}

// Execute runs def to completion (commit or rollback), honoring the
// coordinator's configured deadline and the join policy for concurrent
// callers targeting the same document_id.
func (c *Coordinator) Execute(ctx context.Context, def Definition) (Outcome, error) {
	if c.cfg.SagaDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.SagaDeadline)
		defer cancel()
	}

	token := c.sagaIDGen()
	joined, joinedOutcome, release, err := c.join.Acquire(ctx, def.DocumentID, def.Fingerprint, token)
	if err != nil {
		return Outcome{}, err
	}
	if joined {
		return joinedOutcome, nil
	}

	record := newRunningRecord(token, def)
	outcome := c.drive(ctx, def, &record, Results{})
	release(outcome)
	return outcome, nil
}

// Resume replays a crashed saga from its last persisted record: every step
// already marked completed is skipped and its recorded Result is fed back
// in as prior context, then execution continues from the first
// non-completed step. This satisfies spec.md §4.5's idempotent-replay
// contract because every adapter Put call carries the same
// (document_id, step_name) idempotency key as the original attempt, so
// even a step whose completion status was lost mid-crash is safe to retry.
func (c *Coordinator) Resume(ctx context.Context, def Definition, persisted model.SagaExecutionRecord) Outcome {
	if persisted.IsTerminal() {
		return Outcome{SagaID: persisted.SagaID, DocumentID: persisted.DocumentID, Status: persisted.Status, Steps: persisted.Steps}
	}

	record := persisted
	prior := make(Results, len(def.Steps))
	for _, step := range record.Steps {
		if step.Status == model.StepCompleted {
			prior[step.StepName] = Result{NativeKeys: step.NativeKeys}
		}
	}
	return c.drive(ctx, def, &record, prior)
}

func newRunningRecord(sagaID string, def Definition) model.SagaExecutionRecord {
	now := time.Now().UTC()
	record := model.SagaExecutionRecord{
		SagaID:        sagaID,
		DocumentID:    def.DocumentID,
		CorrelationID: sagaID,
		Status:        model.SagaRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, step := range def.Steps {
		record.Steps = append(record.Steps, model.StepOutcome{StepName: step.Name, Status: model.StepPending})
	}
	return record
}

// drive executes every step in def not already completed in record,
// seeding the prior-results view from `seed`, then either commits or rolls
// back. It is shared by Execute (fresh saga) and Resume (crash replay).
func (c *Coordinator) drive(ctx context.Context, def Definition, record *model.SagaExecutionRecord, seed Results) Outcome {
	c.persist(record)

	results := make(Results, len(def.Steps))
	for name, res := range seed {
		results[name] = res
	}
	failedAt := -1

	for i, step := range def.Steps {
		outcome := record.StepOutcomeByName(step.Name)
		if outcome == nil {
			record.Steps = append(record.Steps, model.StepOutcome{StepName: step.Name, Status: model.StepPending})
			outcome = record.StepOutcomeByName(step.Name)
		}
		if outcome.Status == model.StepCompleted {
			continue // already durable from a prior attempt; its Result is in `results` via seed
		}

		outcome.Status = model.StepRunning
		outcome.StartedAt = time.Now().UTC()
		c.persist(record)

		policy := step.RetryPolicy
		if policy.MaxAttempts == 0 {
			policy = c.cfg.DefaultRetryPolicy
		}
		idemKey := IdempotencyKey(def.DocumentID, step.Name)

		var result Result
		attempts, err := retry.Do(ctx, policy, errs.IsRetryable, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = step.Forward(ctx, def.DocumentID, idemKey, results)
			return innerErr
		})
		outcome.Attempts = attempts
		outcome.EndedAt = time.Now().UTC()

		if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
			err = errs.New(errs.DeadlineExceeded, step.Name, ctxErr)
		}

		if err != nil {
			outcome.Status = model.StepFailed
			outcome.ErrorKind = string(errs.KindOf(err))
			outcome.ErrorMsg = err.Error()
			outcome.NativeKeys = result.NativeKeys
			c.persist(record)
			failedAt = i
			break
		}

		outcome.Status = model.StepCompleted
		outcome.NativeKeys = result.NativeKeys
		results[step.Name] = result
		c.persist(record)
	}

	if failedAt == -1 {
		record.Status = model.SagaCompleted
		c.persist(record)
		if c.cache != nil {
			c.cache.Invalidate(def.DocumentID)
		}
		return Outcome{SagaID: record.SagaID, DocumentID: def.DocumentID, Status: record.Status, Steps: record.Steps}
	}

	c.rollback(ctx, def, results, failedAt, record)
	return Outcome{SagaID: record.SagaID, DocumentID: def.DocumentID, Status: record.Status, Steps: record.Steps}
}

// rollback iterates the already-completed steps strictly before failedAt in
// reverse order, compensating each best-effort, per spec.md §4.5 step 4.
func (c *Coordinator) rollback(ctx context.Context, def Definition, results Results, failedAt int, record *model.SagaExecutionRecord) {
	anyCompensationFailed := false

	for i := failedAt - 1; i >= 0; i-- {
		step := def.Steps[i]
		outcome := record.StepOutcomeByName(step.Name)
		if outcome == nil || outcome.Status != model.StepCompleted {
			continue
		}

		prev := results[step.Name]
		// Compensation must remain runnable after cancellation (design
		// notes), so it gets a fresh context detached from the possibly
		// already-cancelled saga deadline.
		compCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := step.Compensate(compCtx, def.DocumentID, prev)
		cancel()

		if err != nil {
			anyCompensationFailed = true
			outcome.Status = model.StepFailed
			outcome.ErrorKind = string(errs.KindOf(err))
			outcome.ErrorMsg = fmt.Sprintf("compensation failed: %v", err)

			c.logger.WithFields(logrus.Fields{"saga_id": record.SagaID, "document_id": def.DocumentID, "step": step.Name}).
				WithError(err).Error("saga: compensation failed, logging to critical_failures")
			_ = c.log.AppendCriticalFailure(CriticalFailureEntry{
				SagaID: record.SagaID, DocumentID: def.DocumentID, StepName: step.Name,
				NativeKeys: prev.NativeKeys, ErrorKind: string(errs.KindOf(err)), ErrorMsg: err.Error(),
				Timestamp: time.Now().UTC(),
			})
			for _, key := range prev.NativeKeys {
				_ = c.log.AppendFailedCleanup(FailedCleanupEntry{
					SagaID: record.SagaID, DocumentID: def.DocumentID, StepName: step.Name,
					NativeKey: key, ErrorKind: string(errs.KindOf(err)), ErrorMsg: err.Error(),
					Timestamp: time.Now().UTC(),
				})
			}
		} else {
			outcome.Status = model.StepCompensated
		}
		c.persist(record)
	}

	if anyCompensationFailed {
		record.Status = model.SagaPartialFailure
	} else {
		record.Status = model.SagaRolledBack
	}
	c.persist(record)
}

func (c *Coordinator) persist(record *model.SagaExecutionRecord) {
	record.UpdatedAt = time.Now().UTC()
	if err := c.log.AppendSagaRecord(*record); err != nil {
		c.logger.WithError(err).WithField("saga_id", record.SagaID).Error("saga: failed to persist durable record")
	}
}
