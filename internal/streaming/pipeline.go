package streaming

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
	"github.com/evalgo-org/polyglot-coordinator/internal/model"
	"github.com/evalgo-org/polyglot-coordinator/internal/retry"
)

// Config configures chunk size, retry, and the bounded producer/consumer
// buffer depth. Zero values fall back to spec.md's documented defaults.
type Config struct {
	ChunkSizeBytes    int
	MaxAttemptsPerChunk int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BufferChunks      int // depth of the bounded handoff between chunker and uploader
}

func (c Config) withDefaults() Config {
	if c.ChunkSizeBytes <= 0 {
		c.ChunkSizeBytes = 8 * 1024 * 1024
	}
	if c.MaxAttemptsPerChunk <= 0 {
		c.MaxAttemptsPerChunk = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.BufferChunks <= 0 {
		c.BufferChunks = 2
	}
	return c
}

// Pipeline streams a payload source into a blob/document adapter in fixed
// chunks, verifies end-to-end integrity, and hands off a manifest.
type Pipeline struct {
	cfg     Config
	adapter adapter.Adapter
	log     *logrus.Entry
}

// New builds a Pipeline uploading through target.
func New(cfg Config, target adapter.Adapter, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{cfg: cfg.withDefaults(), adapter: target, log: log}
}

type producedChunk struct {
	chunk Chunk
	err   error
}

// Upload reads source to completion, uploading each chunk through the
// configured adapter with retry, then verifies integrity against
// declaredSize. On success it returns the hand-off manifest; on failure it
// returns a *RollbackRequired or *IntegrityError naming the chunks already
// uploaded so the saga coordinator can compensate.
func (p *Pipeline) Upload(ctx context.Context, documentID string, source io.Reader, declaredSize int64) (model.Manifest, error) {
	chunker := NewChunker(source, p.cfg.ChunkSizeBytes)

	produced := make(chan producedChunk, p.cfg.BufferChunks)
	go p.produce(ctx, chunker, produced)

	var chunkKeys []string
	var totalSize int64
	var chunkCount int

	for item := range produced {
		if item.err != nil {
			if item.err == io.EOF {
				break
			}
			return model.Manifest{}, &RollbackRequired{DocumentID: documentID, UploadedChunkKeys: chunkKeys, Cause: item.err}
		}

		key, err := p.uploadChunkWithRetry(ctx, documentID, item.chunk)
		if err != nil {
			p.log.WithFields(logrus.Fields{"document_id": documentID, "ordinal": item.chunk.Ordinal}).
				WithError(err).Warn("streaming: chunk upload failed, rollback required")
			return model.Manifest{}, &RollbackRequired{DocumentID: documentID, UploadedChunkKeys: chunkKeys, Cause: err}
		}

		chunkKeys = append(chunkKeys, key)
		totalSize += int64(len(item.chunk.Data))
		chunkCount++
	}

	manifest := model.Manifest{
		DocumentID:    documentID,
		ChunkKeys:     chunkKeys,
		AggregateHash: chunker.AggregateHash(),
		TotalSize:     totalSize,
		ChunkCount:    chunkCount,
	}

	if err := p.verifyIntegrity(ctx, documentID, manifest, declaredSize); err != nil {
		return model.Manifest{}, err
	}

	return manifest, nil
}

// produce reads chunks from chunker and feeds them to out, honoring
// cancellation between chunks as spec.md §5 requires. It closes out when
// done (success or error) — the final item carries io.EOF on the clean
// path.
func (p *Pipeline) produce(ctx context.Context, chunker *Chunker, out chan<- producedChunk) {
	defer close(out)
	for {
		if err := ctx.Err(); err != nil {
			select {
			case out <- producedChunk{err: err}:
			case <-ctx.Done():
			}
			return
		}

		chunk, err := chunker.Next(ctx)
		if err != nil {
			select {
			case out <- producedChunk{err: err}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case out <- producedChunk{chunk: chunk}:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) uploadChunkWithRetry(ctx context.Context, documentID string, chunk Chunk) (string, error) {
	policy := retry.Policy{
		MaxAttempts:    p.cfg.MaxAttemptsPerChunk,
		InitialDelay:   p.cfg.BackoffInitial,
		Multiplier:     p.cfg.BackoffMultiplier,
		JitterFraction: 0.2,
	}

	var nativeKey string
	_, err := retry.Do(ctx, policy, errs.IsRetryable, func(ctx context.Context) error {
		result, err := p.adapter.Put(ctx, documentID, chunk.Data, adapter.PutOptions{
			IdempotencyKey: model.ChunkIdempotencyKey(documentID, chunk.Ordinal),
		})
		if err != nil {
			return err
		}
		nativeKey = result.NativeKey
		return nil
	})
	return nativeKey, err
}

// verifyIntegrity runs the chunk-count, listed-native-key and total-size
// post-upload checks. The aggregate-hash check is VerifyAggregateHash,
// which callers holding an expected hash run themselves.
func (p *Pipeline) verifyIntegrity(ctx context.Context, documentID string, manifest model.Manifest, declaredSize int64) error {
	if manifest.ChunkCount != len(manifest.ChunkKeys) {
		return &IntegrityError{DocumentID: documentID, Check: CheckChunkCount, Expected: len(manifest.ChunkKeys), Actual: manifest.ChunkCount, UploadedChunkKeys: manifest.ChunkKeys}
	}

	if lister, ok := p.adapter.(adapter.Lister); ok {
		listed, err := lister.ListNativeKeys(ctx, documentID)
		if err != nil {
			return fmt.Errorf("streaming: list native keys for integrity check: %w", err)
		}
		listedSet := make(map[string]struct{}, len(listed))
		for _, k := range listed {
			listedSet[k] = struct{}{}
		}
		for _, k := range manifest.ChunkKeys {
			if _, ok := listedSet[k]; !ok {
				return &IntegrityError{DocumentID: documentID, Check: CheckNativeKeys, Expected: k, Actual: "absent", UploadedChunkKeys: manifest.ChunkKeys}
			}
		}
	}

	if declaredSize > 0 && manifest.TotalSize != declaredSize {
		return &IntegrityError{DocumentID: documentID, Check: CheckTotalSize, Expected: declaredSize, Actual: manifest.TotalSize, UploadedChunkKeys: manifest.ChunkKeys}
	}

	return nil
}

// VerifyAggregateHash compares a manifest's recorded aggregate hash against
// an independently-known expected value (e.g. a client-declared content
// hash). It is separate from verifyIntegrity because the declared hash is
// often only available to the caller of Upload, not the pipeline itself.
func VerifyAggregateHash(manifest model.Manifest, expectedHex string) error {
	if manifest.AggregateHash != expectedHex {
		return &IntegrityError{
			DocumentID: manifest.DocumentID,
			Check:      CheckAggregateHash,
			Expected:   expectedHex,
			Actual:     manifest.AggregateHash,
		}
	}
	return nil
}

// sha256Hex is a small helper used by tests to compute expected hashes.
func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
