// Package service implements the Request API façade from spec.md §6:
// write_document, read_document, delete_document. It is the single place
// that wires the cache, the streaming pipeline, the saga coordinator and
// the backend adapters together; per the Non-goals, it intentionally
// exposes no HTTP/CLI surface of its own.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/cache"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
	"github.com/evalgo-org/polyglot-coordinator/internal/events"
	"github.com/evalgo-org/polyglot-coordinator/internal/identity"
	"github.com/evalgo-org/polyglot-coordinator/internal/model"
	"github.com/evalgo-org/polyglot-coordinator/internal/saga"
	"github.com/evalgo-org/polyglot-coordinator/internal/streaming"
)

// Adapters bundles the one concrete adapter per backend kind the service
// coordinates. Any entry may be nil, in which case the corresponding step
// is omitted from the saga definition (e.g. a write with no relations
// skips GraphWrite entirely).
type Adapters struct {
	Relational adapter.Adapter
	Document   adapter.Adapter
	Blob       adapter.Adapter
	Vector     adapter.Adapter
	Graph      adapter.Adapter
}

// stepBackend maps a saga step's name to the backend-kind key used in
// Document.References, so commit-time reference wiring (finalizeDocument)
// can tell which ReferenceMap a step's native keys belong in.
var stepBackend = map[string]string{
	"MetadataWrite": "relational",
	"DocumentWrite": "document",
	"PayloadStream": "blob",
	"VectorWrite":   "vector",
	"GraphWrite":    "graph",
}

// SagaResult mirrors spec.md §6's SagaResult: final status plus, on
// failure, the ordered list of step outcomes.
type SagaResult = saga.Outcome

// WriteRequest is the input to WriteDocument. DocumentID is optional; when
// empty a fresh one is minted. PayloadSource, when non-nil, is opened lazily
// by the streaming pipeline — never read eagerly by the service itself.
type WriteRequest struct {
	DocumentID            string
	Metadata              map[string]interface{}
	PayloadSource         func() (io.Reader, error)
	DeclaredSize          int64
	ExpectedAggregateHash string
	Vectors               []model.VectorRecord
	Relations             []model.GraphRelation
}

// Service is the coordinator's Request API façade.
type Service struct {
	adapters    Adapters
	cache       *cache.Cache
	coordinator *saga.Coordinator
	publisher   *events.Publisher
	idGen       identity.Generator
	streamCfg   streaming.Config
	logger      *logrus.Entry
}

// New builds a Service. coordinator must already be constructed with the
// durable log, join policy and cache the deployment wants wired in (see
// cmd/coordinatord for the full wiring). logger may be nil, in which case
// the standard logrus logger is used.
func New(adapters Adapters, cacheInst *cache.Cache, coordinator *saga.Coordinator, publisher *events.Publisher, streamCfg streaming.Config, logger *logrus.Entry) *Service {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{adapters: adapters, cache: cacheInst, coordinator: coordinator, publisher: publisher, idGen: identity.NewGenerator(), streamCfg: streamCfg, logger: logger}
}

// WriteDocument assigns (or reuses) a document_id, builds a saga definition
// from whichever inputs req supplies, executes it, and returns the result.
func (s *Service) WriteDocument(ctx context.Context, req WriteRequest) (SagaResult, error) {
	documentID := req.DocumentID
	if documentID == "" {
		documentID = s.idGen.NewDocumentID()
	}

	var steps []saga.Step
	if s.adapters.Relational != nil {
		steps = append(steps, saga.MetadataWrite(s.adapters.Relational, req.Metadata))
	}
	if s.adapters.Document != nil {
		steps = append(steps, saga.DocumentWrite(s.adapters.Document, req.Metadata))
	}

	hasStream := req.PayloadSource != nil && s.adapters.Blob != nil
	if hasStream {
		pipeline := streaming.New(s.streamCfg, s.adapters.Blob, nil)
		steps = append(steps, saga.PayloadStream(pipeline, s.adapters.Blob, req.PayloadSource, req.DeclaredSize))
		steps = append(steps, saga.IntegrityGate(req.ExpectedAggregateHash, req.DeclaredSize))
	}

	if len(req.Vectors) > 0 && s.adapters.Vector != nil {
		steps = append(steps, saga.VectorWrite(s.adapters.Vector, req.Vectors))
	}
	if len(req.Relations) > 0 && s.adapters.Graph != nil {
		steps = append(steps, saga.GraphWrite(s.adapters.Graph, req.Relations))
	}

	def := saga.Definition{
		DocumentID:  documentID,
		Fingerprint: fingerprint(req),
		Steps:       steps,
	}

	outcome, err := s.coordinator.Execute(ctx, def)
	if err != nil {
		return SagaResult{}, err
	}

	if outcome.Status == model.SagaCompleted {
		s.finalizeDocument(ctx, documentID, outcome)
	}

	if s.publisher != nil {
		s.publisher.Publish(ctx, events.SagaEvent{
			SagaID: outcome.SagaID, DocumentID: documentID, Status: outcome.Status,
			StepCount: len(outcome.Steps), OccurredAt: time.Now().UTC(),
		})
	}

	return outcome, nil
}

// finalizeDocument wires each completed step's native keys into the
// Document's cross-store ReferenceMaps (spec.md §4.5 step 5) and marks it
// completed, then re-persists the envelope to whichever of the relational
// and document backends are configured. It runs after the saga has already
// committed, so a failure here is logged and swallowed rather than failing
// the write: the coordinated data is already durable, and the reference
// maps are best-effort bookkeeping for later reads.
func (s *Service) finalizeDocument(ctx context.Context, documentID string, outcome SagaResult) {
	source := s.adapters.Relational
	if source == nil {
		source = s.adapters.Document
	}
	if source == nil {
		return
	}

	raw, found, err := source.Get(ctx, documentID)
	if err != nil || !found {
		if err != nil {
			s.logger.WithError(err).WithField("document_id", documentID).Warn("service: finalize: could not reload document envelope")
		}
		return
	}

	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.WithError(err).WithField("document_id", documentID).Warn("service: finalize: could not decode document envelope")
		return
	}

	for _, step := range outcome.Steps {
		backend, ok := stepBackend[step.StepName]
		if !ok || step.Status != model.StepCompleted {
			continue
		}
		for i, key := range step.NativeKeys {
			doc.SetReference(backend, fmt.Sprintf("%s:%d", step.StepName, i), key)
		}
	}
	doc.ID = documentID
	doc.Status = model.StatusCompleted
	doc.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(doc)
	if err != nil {
		s.logger.WithError(err).WithField("document_id", documentID).Warn("service: finalize: could not encode document envelope")
		return
	}

	if s.adapters.Relational != nil {
		if _, err := s.adapters.Relational.Put(ctx, documentID, payload, adapter.PutOptions{ContentType: "application/json"}); err != nil {
			s.logger.WithError(err).WithField("document_id", documentID).Warn("service: finalize: relational re-put failed")
		}
	}
	if s.adapters.Document != nil {
		if _, err := s.adapters.Document.Put(ctx, documentID, payload, adapter.PutOptions{ContentType: "application/json"}); err != nil {
			s.logger.WithError(err).WithField("document_id", documentID).Warn("service: finalize: document re-put failed")
		}
	}
}

// ReadOptions controls read_document's cache behavior.
type ReadOptions struct {
	SkipCache bool
}

// ReadDocument returns the materialized view for documentID, serving from
// cache on hit and fanning out to adapters on miss, per spec.md's read
// path: cache lookup → on miss, fan-out read via adapters → populate
// cache → return.
func (s *Service) ReadDocument(ctx context.Context, documentID string, opts ReadOptions) (*model.MaterializedView, error) {
	if !opts.SkipCache && s.cache != nil {
		if cached, ok := s.cache.Get(documentID); ok {
			view, ok := cached.(model.MaterializedView)
			if ok {
				view.Cached = true
				return &view, nil
			}
		}
	}

	view, found, err := s.fanOutRead(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if s.cache != nil {
		s.cache.Put(documentID, view, 0)
	}
	return &view, nil
}

func (s *Service) fanOutRead(ctx context.Context, documentID string) (model.MaterializedView, bool, error) {
	if s.adapters.Relational == nil {
		return model.MaterializedView{}, false, errs.ErrNoAdapterConfigured
	}

	raw, found, err := s.adapters.Relational.Get(ctx, documentID)
	if err != nil {
		return model.MaterializedView{}, false, err
	}
	if !found {
		return model.MaterializedView{}, false, nil
	}

	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.MaterializedView{}, false, fmt.Errorf("service: decode document metadata: %w", err)
	}
	doc.ID = documentID

	view := model.MaterializedView{Document: doc}

	if lister, ok := s.adapters.Vector.(adapter.VectorLister); ok {
		vectors, err := lister.ListVectors(ctx, documentID)
		if err != nil {
			return model.MaterializedView{}, false, fmt.Errorf("service: fan out vectors: %w", err)
		}
		view.Vectors = vectors
	}

	if lister, ok := s.adapters.Graph.(adapter.RelationLister); ok {
		relations, err := lister.ListRelationsBySource(ctx, documentID)
		if err != nil {
			return model.MaterializedView{}, false, fmt.Errorf("service: fan out relations: %w", err)
		}
		view.Relations = relations
	}

	return view, true, nil
}

// DeleteOptions controls delete_document. Currently reserved for future
// soft-delete vs. hard-delete selection; the core only implements hard
// delete, as a saga of one delete step per configured adapter.
type DeleteOptions struct{}

// DeleteDocument runs a best-effort delete across every configured adapter
// as its own saga, so partial failures are reported and logged the same
// way a failed write would be.
func (s *Service) DeleteDocument(ctx context.Context, documentID string, _ DeleteOptions) (SagaResult, error) {
	var steps []saga.Step
	if s.adapters.Relational != nil {
		steps = append(steps, deleteStep("MetadataDelete", s.adapters.Relational))
	}
	if s.adapters.Document != nil {
		steps = append(steps, deleteStep("DocumentDelete", s.adapters.Document))
	}
	if s.adapters.Blob != nil {
		steps = append(steps, deleteStep("PayloadDelete", s.adapters.Blob))
	}
	if s.adapters.Vector != nil {
		steps = append(steps, deleteStep("VectorDelete", s.adapters.Vector))
	}
	if s.adapters.Graph != nil {
		steps = append(steps, deleteStep("GraphDelete", s.adapters.Graph))
	}

	def := saga.Definition{DocumentID: documentID, Fingerprint: "delete:" + documentID, Steps: steps}
	outcome, err := s.coordinator.Execute(ctx, def)
	if err != nil {
		return SagaResult{}, err
	}

	if s.cache != nil {
		s.cache.Invalidate(documentID)
	}
	return outcome, nil
}

// deleteStep builds a one-shot delete step. Its compensation is
// intentionally a no-op: undoing a delete would mean resurrecting data the
// adapter no longer has, which is out of scope for this core.
func deleteStep(name string, target adapter.Adapter) saga.Step {
	return saga.Step{
		Name: name,
		Forward: func(ctx context.Context, documentID, _ string, _ saga.Results) (saga.Result, error) {
			if err := target.Delete(ctx, documentID, ""); err != nil {
				return saga.Result{}, err
			}
			return saga.Result{}, nil
		},
		Compensate: func(ctx context.Context, documentID string, prev saga.Result) error { return nil },
	}
}

// fingerprint derives the join-policy fingerprint for req: identical
// requests (same metadata + vector/relation set) for the same document_id
// join rather than collide, per spec.md §4.5's ordering guarantees.
func fingerprint(req WriteRequest) string {
	b, _ := json.Marshal(struct {
		Metadata  map[string]interface{} `json:"metadata"`
		Vectors   []model.VectorRecord   `json:"vectors"`
		Relations []model.GraphRelation  `json:"relations"`
	}{req.Metadata, req.Vectors, req.Relations})
	return string(b)
}
