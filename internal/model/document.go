// Package model holds the shared data types passed between the cache, the
// streaming pipeline and the saga coordinator: Document, Chunk, Vector
// Record, Graph Relation and the Saga Execution Record.
package model

import "time"

// Status is the processing lifecycle of a Document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// ReferenceMap maps a logical name to an adapter-native key for one backend
// kind (e.g. the relational row id, the blob object key, the graph node id).
type ReferenceMap map[string]string

// Document is the root entity coordinated across all backends. It is created
// by identity.Generator, mutated only by the saga coordinator through step
// outcomes, and never destroyed by this package (archive/delete is out of
// scope).
type Document struct {
	ID          string `json:"document_id"`
	FileRef     string `json:"file_ref"`
	ContentHash string `json:"content_hash"` // sha256 hex
	SizeBytes   int64  `json:"size_bytes"`
	MIME        string `json:"mime"`

	Status Status `json:"status"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// References holds one reference map per backend kind, e.g.
	// References["relational"]["row"] = "42".
	References map[string]ReferenceMap `json:"references,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetReference records an adapter-native key produced by a saga step so later
// steps and subsequent reads can find it.
func (d *Document) SetReference(backend, name, nativeKey string) {
	if d.References == nil {
		d.References = make(map[string]ReferenceMap)
	}
	refs, ok := d.References[backend]
	if !ok {
		refs = make(ReferenceMap)
		d.References[backend] = refs
	}
	refs[name] = nativeKey
}

// Reference looks up a previously recorded adapter-native key.
func (d *Document) Reference(backend, name string) (string, bool) {
	refs, ok := d.References[backend]
	if !ok {
		return "", false
	}
	key, ok := refs[name]
	return key, ok
}

// MaterializedView is the read-side representation returned by
// read_document and held by the single-record cache.
type MaterializedView struct {
	Document  Document                `json:"document"`
	Vectors   []VectorRecord          `json:"vectors,omitempty"`
	Relations []GraphRelation         `json:"relations,omitempty"`
	Extra     map[string]interface{}  `json:"extra,omitempty"`
	Cached    bool                    `json:"cached"`
}
