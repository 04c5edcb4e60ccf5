// Package postgres implements the relational backend adapter over
// PostgreSQL via gorm.io/gorm, grounded on the teacher's GORM connection
// and migration conventions (pooled *gorm.DB, AutoMigrate on startup).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/evalgo-org/polyglot-coordinator/internal/adapter"
	"github.com/evalgo-org/polyglot-coordinator/internal/errs"
)

// documentRow is the relational row backing one Document's structured
// metadata. Payload is stored as raw JSON text rather than a typed column
// set because the coordinator treats the relational adapter's payload as
// opaque bytes, like every other backend kind.
type documentRow struct {
	DocumentID string `gorm:"primaryKey;column:document_id"`
	Payload    []byte `gorm:"column:payload;type:bytea"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (documentRow) TableName() string { return "document_metadata" }

// Config configures the PostgreSQL connection.
type Config struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Adapter implements adapter.Adapter for the relational backend.
type Adapter struct {
	db *gorm.DB
}

// New opens a connection pool and migrates the document_metadata table.
func New(cfg Config) (*Adapter, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres adapter: underlying sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(&documentRow{}); err != nil {
		return nil, fmt.Errorf("postgres adapter: migrate: %w", err)
	}

	return &Adapter{db: db}, nil
}

// Put upserts the metadata row for documentID. It is idempotent regardless
// of opts.IdempotencyKey because the primary key already makes repeat puts
// a no-op-equivalent upsert.
func (a *Adapter) Put(ctx context.Context, documentID string, payload []byte, _ adapter.PutOptions) (adapter.PutResult, error) {
	row := documentRow{DocumentID: documentID, Payload: payload}
	err := a.db.WithContext(ctx).
		Where(documentRow{DocumentID: documentID}).
		Assign(documentRow{Payload: payload}).
		FirstOrCreate(&row).Error
	if err != nil {
		return adapter.PutResult{}, errs.New(classify(err), "postgres.put", err)
	}
	return adapter.PutResult{NativeKey: documentID}, nil
}

// Get returns the stored payload, or (nil, false, nil) if absent.
func (a *Adapter) Get(ctx context.Context, documentID string) ([]byte, bool, error) {
	var row documentRow
	err := a.db.WithContext(ctx).Where("document_id = ?", documentID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.New(classify(err), "postgres.get", err)
	}
	return row.Payload, true, nil
}

// Delete removes the metadata row. Deleting an already-absent row is not an
// error, satisfying the idempotent-delete requirement.
func (a *Adapter) Delete(ctx context.Context, documentID, _ string) error {
	err := a.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&documentRow{}).Error
	if err != nil {
		return errs.New(classify(err), "postgres.delete", err)
	}
	return nil
}

// Health pings the underlying connection pool.
func (a *Adapter) Health(ctx context.Context) adapter.Health {
	sqlDB, err := a.db.DB()
	if err != nil {
		return adapter.Health{State: adapter.HealthDown, LastError: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return adapter.Health{State: adapter.HealthDown, LastError: err}
	}
	return adapter.Health{State: adapter.HealthReachable}
}

// classify maps an opaque gorm/driver error onto the taxonomy. Only a
// context deadline and gorm.ErrRecordNotFound are distinguished; everything
// else, connection failures included, is permanent, per spec.md §4.1's
// default rule.
func classify(err error) errs.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.DeadlineExceeded
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound
	}
	return errs.Permanent
}
