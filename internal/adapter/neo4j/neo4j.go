// Package neo4j implements the graph backend adapter over Neo4j via
// neo4j-go-driver/v5, grounded on the teacher's MERGE-based Cypher pattern:
// every write uses MERGE rather than CREATE so repeated writes of the same
// relation are idempotent instead of producing duplicate edges.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
	"github.com/evalgo-org/polyglot-coordinator/internal/model"
)

// Config configures the Neo4j driver.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Adapter implements adapter.Adapter for the graph backend. Put/Get/Delete
// operate on a single GraphRelation encoded/decoded as the adapter's
// payload; the coordinator calls these once per relation write, matching
// how the rest of the adapter surface treats one record at a time.
type Adapter struct {
	driver   neo4j.DriverWithContext
	database string
}

// New dials Neo4j with basic auth.
func New(cfg Config) (*Adapter, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""), func(c *config.Config) {})
	if err != nil {
		return nil, fmt.Errorf("neo4j adapter: new driver: %w", err)
	}
	return &Adapter{driver: driver, database: cfg.Database}, nil
}

// Put MERGEs a relation node pair and edge. documentID is the relation's
// CanonicalKey (see model.GraphRelation.CanonicalKey); payload is the
// JSON-encoded model.GraphRelation.
func (a *Adapter) Put(ctx context.Context, documentID string, payload []byte, _ adapter.PutOptions) (adapter.PutResult, error) {
	rel, err := decodeRelation(payload)
	if err != nil {
		return adapter.PutResult{}, errs.New(errs.Permanent, "neo4j.put.decode", err)
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	metadataJSON, err := encodeMetadata(rel.Metadata)
	if err != nil {
		return adapter.PutResult{}, errs.New(errs.Permanent, "neo4j.put.encode_metadata", err)
	}

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (s:Document {document_id: $source})
			MERGE (t:Document {document_id: $target})
			MERGE (s)-[r:RELATES {type: $type}]->(t)
			SET r.strength = $strength, r.confidence = $confidence, r.metadata = $metadata
		`, map[string]any{
			"source":     rel.Source,
			"target":     rel.Target,
			"type":       string(rel.Type),
			"strength":   rel.Strength,
			"confidence": rel.Confidence,
			"metadata":   metadataJSON,
		})
		return nil, err
	})
	if err != nil {
		return adapter.PutResult{}, errs.New(classify(err), "neo4j.put", err)
	}
	return adapter.PutResult{NativeKey: rel.CanonicalKey()}, nil
}

// Get returns the JSON-encoded relation, or (nil, false, nil) if absent.
// documentID is the relation's CanonicalKey, "source->target#type".
func (a *Adapter) Get(ctx context.Context, documentID string) ([]byte, bool, error) {
	source, target, relType, err := splitCanonicalKey(documentID)
	if err != nil {
		return nil, false, errs.New(errs.Permanent, "neo4j.get.decode_key", err)
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.database, AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	payload, found, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, `
			MATCH (s:Document {document_id: $source})-[r:RELATES {type: $type}]->(t:Document {document_id: $target})
			RETURN r.strength AS strength, r.confidence AS confidence, r.metadata AS metadata
		`, map[string]any{"source": source, "type": relType, "target": target})
		if err != nil {
			return rowResult{}, err
		}
		record, err := records.Single(ctx)
		if err != nil {
			return rowResult{}, nil // no match: reported as absent below
		}
		strength, _ := record.Get("strength")
		confidence, _ := record.Get("confidence")
		metadata, _ := record.Get("metadata")
		metaStr, _ := metadata.(string)

		encoded, encErr := encodeRelation(source, target, relType, toFloat64(strength), toFloat64(confidence), metaStr)
		if encErr != nil {
			return rowResult{}, encErr
		}
		return rowResult{payload: encoded, found: true}, nil
	})
	if err != nil {
		return nil, false, errs.New(classify(err), "neo4j.get", err)
	}
	row := payload.(rowResult)
	if !row.found {
		return nil, false, nil
	}
	return row.payload, true, nil
}

type rowResult struct {
	payload []byte
	found   bool
}

// Delete removes the relation edge. A missing edge is not an error.
func (a *Adapter) Delete(ctx context.Context, documentID, _ string) error {
	source, target, relType, err := splitCanonicalKey(documentID)
	if err != nil {
		return errs.New(errs.Permanent, "neo4j.delete.decode_key", err)
	}

	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MATCH (s:Document {document_id: $source})-[r:RELATES {type: $type}]->(t:Document {document_id: $target})
			DELETE r
		`, map[string]any{"source": source, "type": relType, "target": target})
		return nil, err
	})
	if err != nil {
		return errs.New(classify(err), "neo4j.delete", err)
	}
	return nil
}

// ListRelationsBySource returns every relation where documentID is the
// source node, reassembling the read-side view's Relations slice without
// requiring the caller to already know each relation's (target, type).
func (a *Adapter) ListRelationsBySource(ctx context.Context, documentID string) ([]model.GraphRelation, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: a.database, AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, `
			MATCH (s:Document {document_id: $source})-[r:RELATES]->(t:Document)
			RETURN t.document_id AS target, r.type AS type, r.strength AS strength, r.confidence AS confidence, r.metadata AS metadata
		`, map[string]any{"source": documentID})
		if err != nil {
			return nil, err
		}

		var relations []model.GraphRelation
		for records.Next(ctx) {
			record := records.Record()
			target, _ := record.Get("target")
			relType, _ := record.Get("type")
			strength, _ := record.Get("strength")
			confidence, _ := record.Get("confidence")
			metadata, _ := record.Get("metadata")

			rel := model.GraphRelation{
				Source:     documentID,
				Target:     fmt.Sprintf("%v", target),
				Type:       model.RelationType(fmt.Sprintf("%v", relType)),
				Strength:   toFloat64(strength),
				Confidence: toFloat64(confidence),
			}
			if metaStr, ok := metadata.(string); ok && metaStr != "" {
				decoded, decErr := decodeMetadataString(metaStr)
				if decErr != nil {
					return nil, decErr
				}
				rel.Metadata = decoded
			}
			relations = append(relations, rel)
		}
		return relations, records.Err()
	})
	if err != nil {
		return nil, errs.New(classify(err), "neo4j.list_relations", err)
	}
	relations, _ := result.([]model.GraphRelation)
	return relations, nil
}

// Health verifies connectivity.
func (a *Adapter) Health(ctx context.Context) adapter.Health {
	if err := a.driver.VerifyConnectivity(ctx); err != nil {
		return adapter.Health{State: adapter.HealthDown, LastError: err}
	}
	return adapter.Health{State: adapter.HealthReachable}
}

// classify maps a driver/server error onto the taxonomy, mirroring
// postgres.classify and couchdb.classify: inspect what the driver tells us,
// default to permanent per spec.md §4.1 rather than assuming retryable.
func classify(err error) errs.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.DeadlineExceeded
	}

	var neo4jErr *db.Neo4jError
	if errors.As(err, &neo4jErr) {
		switch {
		case strings.Contains(neo4jErr.Code, "TransientError"):
			return errs.Transient
		case strings.Contains(neo4jErr.Code, "ClientError.Security"):
			return errs.Permanent
		}
	}

	return errs.Permanent
}

func toFloat64(v any) float64 {
	f, _ := v.(float64)
	return f
}
