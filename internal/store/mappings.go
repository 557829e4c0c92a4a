// internal/store/mappings.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"apptrack-sync/internal/models"

	"github.com/google/uuid"
)

type MappingStore struct {
	db *sql.DB
}

const mappingColumns = `
	id, application_id, integration_id, external_application_id,
	sync_status, last_synced_at, sync_error_message, created_at`

func scanMapping(row interface{ Scan(...interface{}) error }) (*models.ExternalApplicationMapping, error) {
	var m models.ExternalApplicationMapping
	var lastSynced sql.NullTime
	var errMsg sql.NullString

	err := row.Scan(
		&m.ID, &m.ApplicationID, &m.IntegrationID, &m.ExternalApplicationID,
		&m.SyncStatus, &lastSynced, &errMsg, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastSynced.Valid {
		m.LastSyncedAt = &lastSynced.Time
	}
	if errMsg.Valid {
		m.SyncErrorMessage = errMsg.String
	}
	return &m, nil
}

func (s *MappingStore) GetByExternalID(ctx context.Context, integrationID, externalApplicationID string) (*models.ExternalApplicationMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+`
		FROM external_application_mappings
		WHERE integration_id = $1 AND external_application_id = $2`,
		integrationID, externalApplicationID)

	return s.scanOne(row)
}

// GetByExternalIDForProvider finds a mapping by external application id
// across all of one provider's integrations. Used by webhook handlers,
// which know the provider but not the integration.
func (s *MappingStore) GetByExternalIDForProvider(ctx context.Context, provider, externalApplicationID string) (*models.ExternalApplicationMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT m.id, m.application_id, m.integration_id, m.external_application_id,
		       m.sync_status, m.last_synced_at, m.sync_error_message, m.created_at
		FROM external_application_mappings m
		JOIN integrations i ON i.id = m.integration_id
		WHERE i.provider = $1 AND m.external_application_id = $2`,
		provider, externalApplicationID)

	return s.scanOne(row)
}

func (s *MappingStore) GetByApplication(ctx context.Context, integrationID, applicationID string) (*models.ExternalApplicationMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+`
		FROM external_application_mappings
		WHERE integration_id = $1 AND application_id = $2`,
		integrationID, applicationID)

	return s.scanOne(row)
}

func (s *MappingStore) scanOne(row *sql.Row) (*models.ExternalApplicationMapping, error) {
	m, err := scanMapping(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get mapping: %w", err)
	}
	return m, nil
}

func (s *MappingStore) ListByIntegration(ctx context.Context, integrationID string) ([]*models.ExternalApplicationMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+`
		FROM external_application_mappings WHERE integration_id = $1`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var out []*models.ExternalApplicationMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Create inserts a new mapping. The unique constraint on
// (application_id, integration_id) enforces at most one mapping per pair,
// including under two concurrent sync passes.
func (s *MappingStore) Create(ctx context.Context, m *models.ExternalApplicationMapping) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	if m.SyncStatus == "" {
		m.SyncStatus = models.MappingPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_application_mappings (
			id, application_id, integration_id, external_application_id,
			sync_status, last_synced_at, sync_error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ApplicationID, m.IntegrationID, m.ExternalApplicationID,
		m.SyncStatus, nullTime(m.LastSyncedAt), m.SyncErrorMessage, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}
	return nil
}

func (s *MappingStore) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE external_application_mappings
		SET sync_status = $2, last_synced_at = $3, sync_error_message = ''
		WHERE id = $1`,
		id, models.MappingSynced, at,
	)
	if err != nil {
		return fmt.Errorf("mark mapping synced: %w", err)
	}
	return nil
}

func (s *MappingStore) MarkError(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE external_application_mappings
		SET sync_status = $2, sync_error_message = $3
		WHERE id = $1`,
		id, models.MappingError, message,
	)
	if err != nil {
		return fmt.Errorf("mark mapping error: %w", err)
	}
	return nil
}
