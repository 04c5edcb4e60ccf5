package streaming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
)

// fakeBlobAdapter is an in-memory adapter.Adapter + adapter.Lister used to
// exercise the pipeline without a real backend. failFirstN simulates
// TRANSIENT failures for the first N Put calls per idempotency key (that
// is, per chunk).
type fakeBlobAdapter struct {
	mu          sync.Mutex
	store       map[string][]byte
	failFirstN  int
	attemptsPer map[string]int
	truncateLast bool
}

func newFakeBlobAdapter() *fakeBlobAdapter {
	return &fakeBlobAdapter{store: map[string][]byte{}, attemptsPer: map[string]int{}}
}

func (f *fakeBlobAdapter) Put(_ context.Context, documentID string, payload []byte, opts adapter.PutOptions) (adapter.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attemptsPer[opts.IdempotencyKey]++
	if f.attemptsPer[opts.IdempotencyKey] <= f.failFirstN {
		return adapter.PutResult{}, errs.New(errs.Transient, "fake.put", errors.New("simulated transient failure"))
	}

	stored := payload
	if f.truncateLast {
		stored = payload[:len(payload)/2]
	}
	key := fmt.Sprintf("%s/%s", documentID, opts.IdempotencyKey)
	f.store[key] = stored
	return adapter.PutResult{NativeKey: key}, nil
}

func (f *fakeBlobAdapter) Get(_ context.Context, documentID string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.store[documentID]
	return v, ok, nil
}

func (f *fakeBlobAdapter) Delete(_ context.Context, _ string, nativeKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.store, nativeKey)
	return nil
}

func (f *fakeBlobAdapter) Health(_ context.Context) adapter.Health {
	return adapter.Health{State: adapter.HealthReachable}
}

func (f *fakeBlobAdapter) ListNativeKeys(_ context.Context, documentID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	prefix := documentID + "/"
	for k := range f.store {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func TestPipeline_UploadHappyPath(t *testing.T) {
	fake := newFakeBlobAdapter()
	p := New(Config{ChunkSizeBytes: 4}, fake, nil)

	payload := []byte("hello world, this is a test payload")
	manifest, err := p.Upload(context.Background(), "doc-1", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)

	assert.Equal(t, len(payload), int(manifest.TotalSize))
	assert.Equal(t, sha256Hex(payload), manifest.AggregateHash)
	assert.Len(t, manifest.ChunkKeys, manifest.ChunkCount)
}

func TestPipeline_TransientRetrySucceeds(t *testing.T) {
	fake := newFakeBlobAdapter()
	fake.failFirstN = 2
	p := New(Config{ChunkSizeBytes: 1024, MaxAttemptsPerChunk: 3, BackoffInitial: 0}, fake, nil)

	payload := []byte("short payload")
	manifest, err := p.Upload(context.Background(), "doc-2", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.ChunkCount)
}

func TestPipeline_IntegrityFailureOnTruncation(t *testing.T) {
	fake := newFakeBlobAdapter()
	fake.truncateLast = true
	p := New(Config{ChunkSizeBytes: 1024}, fake, nil)

	payload := bytes.Repeat([]byte("x"), 1000)
	_, err := p.Upload(context.Background(), "doc-3", bytes.NewReader(payload), int64(len(payload)))
	require.Error(t, err)

	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, CheckTotalSize, integrityErr.Check)
}

func TestPipeline_PermanentFailureRequestsRollbackWithUploadedKeys(t *testing.T) {
	fake := newFakeBlobAdapter()
	p := New(Config{ChunkSizeBytes: 4, MaxAttemptsPerChunk: 1}, fake, nil)

	failingAfterFirst := &failAfterNChunks{inner: fake, failAfter: 1}
	p2 := New(Config{ChunkSizeBytes: 4, MaxAttemptsPerChunk: 1}, failingAfterFirst, nil)
	_ = p

	payload := []byte("0123456789abcdef")
	_, err := p2.Upload(context.Background(), "doc-4", bytes.NewReader(payload), int64(len(payload)))
	require.Error(t, err)

	var rollback *RollbackRequired
	require.ErrorAs(t, err, &rollback)
	assert.NotEmpty(t, rollback.UploadedChunkKeys)
}

// failAfterNChunks wraps a fake adapter and fails every Put after the Nth
// with a PERMANENT error, to exercise the rollback-required path.
type failAfterNChunks struct {
	inner     *fakeBlobAdapter
	failAfter int
	count     int
	mu        sync.Mutex
}

func (f *failAfterNChunks) Put(ctx context.Context, documentID string, payload []byte, opts adapter.PutOptions) (adapter.PutResult, error) {
	f.mu.Lock()
	f.count++
	n := f.count
	f.mu.Unlock()
	if n > f.failAfter {
		return adapter.PutResult{}, errs.New(errs.Permanent, "fake.put", errors.New("simulated permanent failure"))
	}
	return f.inner.Put(ctx, documentID, payload, opts)
}

func (f *failAfterNChunks) Get(ctx context.Context, documentID string) ([]byte, bool, error) {
	return f.inner.Get(ctx, documentID)
}
func (f *failAfterNChunks) Delete(ctx context.Context, documentID, nativeKey string) error {
	return f.inner.Delete(ctx, documentID, nativeKey)
}
func (f *failAfterNChunks) Health(ctx context.Context) adapter.Health { return f.inner.Health(ctx) }
