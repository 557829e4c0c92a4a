// Package store is the record store for the sync engine: applications,
// integrations, external mappings, status history, requirements,
// universities and the webhook audit trail, backed by PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store bundles the per-entity stores over one connection pool.
type Store struct {
	Applications *ApplicationStore
	Integrations *IntegrationStore
	Mappings     *MappingStore
	Universities *UniversityStore
	Webhooks     *WebhookStore
}

func New(db *sql.DB) *Store {
	return &Store{
		Applications: &ApplicationStore{db: db},
		Integrations: &IntegrationStore{db: db},
		Mappings:     &MappingStore{db: db},
		Universities: &UniversityStore{db: db},
		Webhooks:     &WebhookStore{db: db},
	}
}

// withTx runs fn inside a transaction, rolling back on error.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
