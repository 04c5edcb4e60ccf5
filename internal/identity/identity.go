// Package identity produces the document_id. No global mutable state is
// required; Generator is safe for concurrent use because google/uuid's
// package-level generator already is. Derived keys (chunk idempotency keys,
// relation canonical keys) live alongside the types they key —
// model.ChunkIdempotencyKey and model.GraphRelation.CanonicalKey — rather
// than being duplicated here.
package identity

import (
	"github.com/google/uuid"
)

// Generator produces opaque, URL-safe, collision-resistant document ids.
// The zero value is ready to use.
type Generator struct{}

// NewGenerator returns a ready-to-use Generator. A single process-wide
// generator is acceptable but not required; Generator carries no state so
// callers may freely construct as many as they like.
func NewGenerator() Generator { return Generator{} }

// NewDocumentID returns a fresh document id. UUIDv7 is preferred for its
// time-ordered prefix (friendlier to index locality in the relational and
// document backends); it falls back to UUIDv4 if the v7 generator errors.
func (Generator) NewDocumentID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
