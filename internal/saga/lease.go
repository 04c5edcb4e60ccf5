package saga

import (
	"context"
	"sync"

	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
)

// JoinPolicy resolves spec.md's open question on concurrent sagas for the
// same document_id: an in-process registry tracks one in-flight saga per
// document_id, additionally guarded by a distributed lease when Redis is
// configured; a caller joins an already-running saga when its fingerprint
// (the idempotency-determining inputs) matches and is rejected otherwise. See
// SPEC_FULL.md's "Concurrent-saga-for-same-document policy" for the
// rationale.
//
// DistributedLease is the minimal surface JoinPolicy needs from a
// lease backend (satisfied by internal/adapter/rediscache.LeaseManager).
type DistributedLease interface {
	Acquire(ctx context.Context, documentID, token string) (bool, error)
	Release(ctx context.Context, documentID, token string) error
}

// JoinPolicy guards concurrent saga execution for a given document_id. Two
// callers racing to write the same document either join (same fingerprint:
// the second caller waits for and receives the first caller's SagaResult)
// or the second is rejected (different fingerprint: Acquire returns
// errs.ErrSagaJoinMismatch at once, without waiting).
type JoinPolicy struct {
	lease DistributedLease // nil: fall back to the in-process map below

	mu       sync.Mutex
	inFlight map[string]*inFlightSaga
}

type inFlightSaga struct {
	fingerprint string
	done        chan struct{}
	result      Outcome
}

// NewJoinPolicy builds a policy. lease may be nil, in which case only the
// in-process sync.Map-style fallback applies (correct within one process,
// the common case for tests and single-instance deployments).
func NewJoinPolicy(lease DistributedLease) *JoinPolicy {
	return &JoinPolicy{lease: lease, inFlight: make(map[string]*inFlightSaga)}
}

// Acquire either (a) returns join=true and blocks until the in-flight
// saga for documentID with matching fingerprint completes, returning its
// Outcome, or (b) takes ownership of documentID and returns a release
// function the caller must invoke (via defer) once its own saga finishes.
func (p *JoinPolicy) Acquire(ctx context.Context, documentID, fingerprint, token string) (join bool, outcome Outcome, release func(Outcome), err error) {
	p.mu.Lock()
	if existing, ok := p.inFlight[documentID]; ok {
		p.mu.Unlock()
		if existing.fingerprint != fingerprint {
			return false, Outcome{}, nil, errs.ErrSagaJoinMismatch
		}
		select {
		case <-existing.done:
			return true, existing.result, nil, nil
		case <-ctx.Done():
			return false, Outcome{}, nil, ctx.Err()
		}
	}

	entry := &inFlightSaga{fingerprint: fingerprint, done: make(chan struct{})}
	p.inFlight[documentID] = entry
	p.mu.Unlock()

	if p.lease != nil {
		acquired, leaseErr := p.lease.Acquire(ctx, documentID, token)
		if leaseErr != nil {
			p.abandon(documentID, entry)
			return false, Outcome{}, nil, leaseErr
		}
		if !acquired {
			// Another process holds it; this process still tracks it
			// in-process as not-ours, so wait is meaningless here — treat
			// as a rejection, matching "otherwise the application layer
			// must avoid the collision" for the cross-process case.
			p.abandon(documentID, entry)
			return false, Outcome{}, nil, errs.ErrSagaAlreadyRunning
		}
	}

	release = func(outcome Outcome) {
		p.mu.Lock()
		delete(p.inFlight, documentID)
		p.mu.Unlock()
		entry.result = outcome
		close(entry.done)
		if p.lease != nil {
			_ = p.lease.Release(context.Background(), documentID, token)
		}
	}
	return false, Outcome{}, release, nil
}

func (p *JoinPolicy) abandon(documentID string, entry *inFlightSaga) {
	p.mu.Lock()
	if p.inFlight[documentID] == entry {
		delete(p.inFlight, documentID)
	}
	p.mu.Unlock()
	close(entry.done)
}
