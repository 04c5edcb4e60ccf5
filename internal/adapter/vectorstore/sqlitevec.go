// Package vectorstore implements the vector backend adapter over SQLite
// plus the sqlite-vec extension (vec0 virtual table), grounded on the
// pack's codenerd local vector store: a mattn/go-sqlite3 connection with
// the sqlite-vec extension auto-loaded at init, storing content/metadata
// alongside the embedding so a single Get round-trips the whole record.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
	"github.com/evalgo-org/polyglot-coordinator/internal/model"
)

func init() {
	vec.Auto()
}

// Adapter implements adapter.Adapter for the vector backend. Put/Get/Delete
// treat payload as a JSON-encoded model.VectorRecord.
type Adapter struct {
	db *sql.DB
}

// New opens path (a SQLite database file) and creates the vec0 virtual
// table and its companion metadata table if they don't already exist.
func New(path string, dimensions int) (*Adapter, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore adapter: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite-vec virtual tables are not safe under concurrent writers

	schema := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS document_vectors USING vec0(
			embedding float[%d]
		);
		CREATE TABLE IF NOT EXISTS document_vector_meta (
			document_id TEXT PRIMARY KEY,
			vector_rowid INTEGER NOT NULL,
			metadata TEXT
		);
	`, dimensions)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("vectorstore adapter: migrate: %w", err)
	}
	return &Adapter{db: db}, nil
}

// Put serializes the embedding and upserts both the vec0 row and its
// metadata sidecar row inside one transaction.
func (a *Adapter) Put(ctx context.Context, documentID string, payload []byte, _ adapter.PutOptions) (adapter.PutResult, error) {
	var rec model.VectorRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return adapter.PutResult{}, errs.New(errs.Permanent, "vectorstore.put.decode", err)
	}

	blob, err := vec.SerializeFloat32(rec.Embedding)
	if err != nil {
		return adapter.PutResult{}, errs.New(errs.Permanent, "vectorstore.put.serialize", err)
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return adapter.PutResult{}, errs.New(errs.Permanent, "vectorstore.put.encode_metadata", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return adapter.PutResult{}, errs.New(errs.Transient, "vectorstore.put.begin_tx", err)
	}
	defer tx.Rollback()

	// Replace semantics: drop any prior vector row for this document before
	// inserting the new one, since vec0 has no native upsert.
	var oldRowID sql.NullInt64
	_ = tx.QueryRowContext(ctx, `SELECT vector_rowid FROM document_vector_meta WHERE document_id = ?`, documentID).Scan(&oldRowID)
	if oldRowID.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_vectors WHERE rowid = ?`, oldRowID.Int64); err != nil {
			return adapter.PutResult{}, errs.New(errs.Permanent, "vectorstore.put.delete_old", err)
		}
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO document_vectors(embedding) VALUES (?)`, blob)
	if err != nil {
		return adapter.PutResult{}, errs.New(errs.Permanent, "vectorstore.put.insert_vector", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return adapter.PutResult{}, errs.New(errs.Permanent, "vectorstore.put.rowid", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_vector_meta (document_id, vector_rowid, metadata)
		VALUES (?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET vector_rowid = excluded.vector_rowid, metadata = excluded.metadata
	`, documentID, rowID, string(metaJSON))
	if err != nil {
		return adapter.PutResult{}, errs.New(errs.Permanent, "vectorstore.put.upsert_meta", err)
	}

	if err := tx.Commit(); err != nil {
		return adapter.PutResult{}, errs.New(errs.Transient, "vectorstore.put.commit", err)
	}
	return adapter.PutResult{NativeKey: fmt.Sprintf("%d", rowID)}, nil
}

// Get reassembles the JSON-encoded model.VectorRecord, or (nil, false, nil)
// if documentID has no stored vector.
func (a *Adapter) Get(ctx context.Context, documentID string) ([]byte, bool, error) {
	var rowID int64
	var metaJSON sql.NullString
	err := a.db.QueryRowContext(ctx, `
		SELECT vector_rowid, metadata FROM document_vector_meta WHERE document_id = ?
	`, documentID).Scan(&rowID, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.New(errs.Permanent, "vectorstore.get.meta", err)
	}

	var blob []byte
	err = a.db.QueryRowContext(ctx, `SELECT embedding FROM document_vectors WHERE rowid = ?`, rowID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.New(errs.Permanent, "vectorstore.get.vector", err)
	}

	embedding, err := vec.DeserializeFloat32(blob)
	if err != nil {
		return nil, false, errs.New(errs.Permanent, "vectorstore.get.deserialize", err)
	}

	rec := model.VectorRecord{DocumentID: documentID, Embedding: embedding}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
			return nil, false, errs.New(errs.Permanent, "vectorstore.get.decode_metadata", err)
		}
	}

	out, err := json.Marshal(rec)
	if err != nil {
		return nil, false, errs.New(errs.Permanent, "vectorstore.get.encode", err)
	}
	return out, true, nil
}

// Delete removes both the vec0 row and its metadata sidecar. A missing
// document_id is not an error.
func (a *Adapter) Delete(ctx context.Context, documentID, _ string) error {
	var rowID sql.NullInt64
	err := a.db.QueryRowContext(ctx, `SELECT vector_rowid FROM document_vector_meta WHERE document_id = ?`, documentID).Scan(&rowID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errs.New(errs.Permanent, "vectorstore.delete.meta", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.Transient, "vectorstore.delete.begin_tx", err)
	}
	defer tx.Rollback()

	if rowID.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_vectors WHERE rowid = ?`, rowID.Int64); err != nil {
			return errs.New(errs.Permanent, "vectorstore.delete.vector", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_vector_meta WHERE document_id = ?`, documentID); err != nil {
		return errs.New(errs.Permanent, "vectorstore.delete.meta_row", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.Transient, "vectorstore.delete.commit", err)
	}
	return nil
}

// ListVectors reassembles every embedding stored under a key of the form
// "<documentID>#<ordinal>", the scheme saga.VectorWrite uses so a document
// with N embeddings round-trips through N independent Put calls. Ordinals
// are probed sequentially starting at 0 until the first miss; callers with
// non-contiguous ordinals (never produced by VectorWrite) would see a
// truncated list, which does not arise in practice.
func (a *Adapter) ListVectors(ctx context.Context, documentID string) ([]model.VectorRecord, error) {
	var records []model.VectorRecord
	for i := 0; ; i++ {
		key := fmt.Sprintf("%s#%d", documentID, i)
		raw, found, err := a.Get(ctx, key)
		if err != nil {
			return records, err
		}
		if !found {
			break
		}
		var rec model.VectorRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return records, errs.New(errs.Permanent, "vectorstore.list.decode", err)
		}
		rec.DocumentID = documentID
		records = append(records, rec)
	}
	return records, nil
}

// Health runs a trivial query to confirm the connection and extension are
// alive.
func (a *Adapter) Health(ctx context.Context) adapter.Health {
	if err := a.db.PingContext(ctx); err != nil {
		return adapter.Health{State: adapter.HealthDown, LastError: err}
	}
	return adapter.Health{State: adapter.HealthReachable}
}
