package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
	"github.com/evalgo-org/polyglot-coordinator/internal/model"
	"github.com/evalgo-org/polyglot-coordinator/internal/streaming"
)

// documentEnvelope builds the Document shape MetadataWrite and DocumentWrite
// persist, so a subsequent read unmarshals the same structure these steps
// wrote rather than a bare metadata map.
func documentEnvelope(documentID string, metadata map[string]interface{}) model.Document {
	now := time.Now().UTC()
	return model.Document{
		ID:        documentID,
		Metadata:  metadata,
		Status:    model.StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MetadataWrite builds the relational metadata step: a single put of the
// document's structured metadata, wrapped in the Document envelope so a
// later read finds ID/Status/timestamps alongside the caller's metadata.
func MetadataWrite(relational adapter.Adapter, metadata map[string]interface{}) Step {
	return Step{
		Name: "MetadataWrite",
		Forward: func(ctx context.Context, documentID, idempotencyKey string, _ Results) (Result, error) {
			payload, err := json.Marshal(documentEnvelope(documentID, metadata))
			if err != nil {
				return Result{}, errs.New(errs.Permanent, "MetadataWrite.encode", err)
			}
			res, err := relational.Put(ctx, documentID, payload, adapter.PutOptions{IdempotencyKey: idempotencyKey, ContentType: "application/json"})
			if err != nil {
				return Result{}, err
			}
			return Result{NativeKeys: []string{res.NativeKey}}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error {
			for _, key := range prev.NativeKeys {
				if err := relational.Delete(ctx, documentID, key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// DocumentWrite builds the document-store step: it persists the same
// Document envelope MetadataWrite writes to the relational store, in the
// document backend (CouchDB), with the adapter's native revision surfaced
// as the step's native key.
func DocumentWrite(documentAdapter adapter.Adapter, metadata map[string]interface{}) Step {
	return Step{
		Name: "DocumentWrite",
		Forward: func(ctx context.Context, documentID, idempotencyKey string, _ Results) (Result, error) {
			payload, err := json.Marshal(documentEnvelope(documentID, metadata))
			if err != nil {
				return Result{}, errs.New(errs.Permanent, "DocumentWrite.encode", err)
			}
			res, err := documentAdapter.Put(ctx, documentID, payload, adapter.PutOptions{IdempotencyKey: idempotencyKey, ContentType: "application/json"})
			if err != nil {
				return Result{}, err
			}
			return Result{NativeKeys: []string{res.NativeKey}}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error {
			for _, key := range prev.NativeKeys {
				if err := documentAdapter.Delete(ctx, documentID, key); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// PayloadStream builds the streaming-upload step: it runs the streaming
// pipeline to completion and carries the resulting manifest as the step's
// Result.Data for IntegrityGate and downstream steps to consume.
func PayloadStream(pipeline *streaming.Pipeline, blob adapter.Adapter, source func() (io.Reader, error), declaredSize int64) Step {
	return Step{
		Name: "PayloadStream",
		Forward: func(ctx context.Context, documentID, _ string, _ Results) (Result, error) {
			r, err := source()
			if err != nil {
				return Result{}, errs.New(errs.Permanent, "PayloadStream.open_source", err)
			}
			if closer, ok := r.(io.Closer); ok {
				defer closer.Close()
			}

			manifest, err := pipeline.Upload(ctx, documentID, r, declaredSize)
			if err != nil {
				var rollback *streaming.RollbackRequired
				if errors.As(err, &rollback) {
					return Result{NativeKeys: rollback.UploadedChunkKeys}, errs.New(errs.Permanent, "PayloadStream.upload", err, rollback.UploadedChunkKeys...)
				}
				var integrity *streaming.IntegrityError
				if errors.As(err, &integrity) {
					return Result{NativeKeys: integrity.UploadedChunkKeys}, errs.New(errs.Integrity, "PayloadStream.integrity", err, integrity.UploadedChunkKeys...)
				}
				return Result{}, errs.New(errs.Transient, "PayloadStream.upload", err)
			}

			return Result{NativeKeys: manifest.ChunkKeys, Data: manifest}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error {
			return deleteChunksBestEffort(ctx, blob, documentID, prev.NativeKeys)
		},
	}
}

// IntegrityGate builds the non-mutating checkpoint step from spec.md §4.5:
// it re-validates the manifest produced by the preceding PayloadStream step
// against the caller-declared expected hash/size before any downstream
// write runs. A zero expectedAggregateHash skips the hash check (callers
// that never declared a content hash up front).
func IntegrityGate(expectedAggregateHash string, expectedSize int64) Step {
	return Step{
		Name:            "IntegrityGate",
		IsIntegrityGate: true,
		Forward: func(ctx context.Context, documentID, _ string, prior Results) (Result, error) {
			streamResult, ok := prior["PayloadStream"]
			if !ok {
				return Result{}, nil // no streamed payload for this saga; nothing to gate
			}
			manifest, ok := streamResult.Data.(model.Manifest)
			if !ok {
				return Result{}, errs.New(errs.Permanent, "IntegrityGate.missing_manifest", fmt.Errorf("PayloadStream result carried no manifest"))
			}

			if expectedAggregateHash != "" {
				if err := streaming.VerifyAggregateHash(manifest, expectedAggregateHash); err != nil {
					return Result{}, errs.New(errs.Integrity, "IntegrityGate.aggregate_hash", err, manifest.ChunkKeys...)
				}
			}
			if expectedSize > 0 && manifest.TotalSize != expectedSize {
				return Result{}, errs.New(errs.Integrity, "IntegrityGate.total_size",
					fmt.Errorf("expected %d bytes, manifest reports %d", expectedSize, manifest.TotalSize), manifest.ChunkKeys...)
			}
			return Result{}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error {
			return nil // a gate never mutates anything, so it has nothing to undo
		},
	}
}

// VectorWrite builds one vector-adapter put per embedding record.
func VectorWrite(vectorAdapter adapter.Adapter, records []model.VectorRecord) Step {
	return Step{
		Name: "VectorWrite",
		Forward: func(ctx context.Context, documentID, idempotencyKey string, _ Results) (Result, error) {
			var keys []string
			for i, rec := range records {
				rec.DocumentID = documentID
				payload, err := json.Marshal(rec)
				if err != nil {
					return Result{NativeKeys: keys}, errs.New(errs.Permanent, "VectorWrite.encode", err)
				}
				res, err := vectorAdapter.Put(ctx, fmt.Sprintf("%s#%d", documentID, i), payload, adapter.PutOptions{
					IdempotencyKey: fmt.Sprintf("%s:%d", idempotencyKey, i),
				})
				if err != nil {
					return Result{NativeKeys: keys}, err
				}
				keys = append(keys, res.NativeKey)
			}
			return Result{NativeKeys: keys}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error {
			var firstErr error
			for i, key := range prev.NativeKeys {
				if err := vectorAdapter.Delete(ctx, fmt.Sprintf("%s#%d", documentID, i), key); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}
}

// GraphWrite builds the graph step: creates the document node implicitly
// (via MERGE in the adapter) and writes every declared relation.
func GraphWrite(graphAdapter adapter.Adapter, relations []model.GraphRelation) Step {
	return Step{
		Name: "GraphWrite",
		Forward: func(ctx context.Context, documentID, idempotencyKey string, _ Results) (Result, error) {
			var keys []string
			for _, rel := range relations {
				if err := rel.Validate(); err != nil {
					return Result{NativeKeys: keys}, errs.New(errs.Permanent, "GraphWrite.validate", err)
				}
				payload, err := json.Marshal(rel)
				if err != nil {
					return Result{NativeKeys: keys}, errs.New(errs.Permanent, "GraphWrite.encode", err)
				}
				res, err := graphAdapter.Put(ctx, rel.CanonicalKey(), payload, adapter.PutOptions{IdempotencyKey: idempotencyKey})
				if err != nil {
					return Result{NativeKeys: keys}, err
				}
				keys = append(keys, res.NativeKey)
			}
			return Result{NativeKeys: keys}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev Result) error {
			var firstErr error
			for _, key := range prev.NativeKeys {
				if err := graphAdapter.Delete(ctx, key, key); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}
}

func deleteChunksBestEffort(ctx context.Context, blob adapter.Adapter, documentID string, keys []string) error {
	var firstErr error
	for _, key := range keys {
		if err := blob.Delete(ctx, documentID, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
