// internal/store/integrations.go
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

type IntegrationStore struct {
	db *sql.DB
}

const integrationColumns = `
	id, user_id, provider, external_user_id, access_token, refresh_token,
	token_expires_at, integration_data, last_sync_at, sync_enabled,
	created_at, updated_at`

func scanIntegration(row interface{ Scan(...interface{}) error }) (*models.Integration, error) {
	var in models.Integration
	var externalUserID sql.NullString
	var tokenExpires, lastSync sql.NullTime
	var data []byte

	err := row.Scan(
		&in.ID, &in.UserID, &in.Provider, &externalUserID, &in.AccessToken, &in.RefreshToken,
		&tokenExpires, &data, &lastSync, &in.SyncEnabled,
		&in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if externalUserID.Valid {
		in.ExternalUserID = externalUserID.String
	}
	if tokenExpires.Valid {
		in.TokenExpiresAt = &tokenExpires.Time
	}
	if lastSync.Valid {
		in.LastSyncAt = &lastSync.Time
	}
	in.IntegrationData = data
	return &in, nil
}

func (s *IntegrationStore) GetByUserProvider(ctx context.Context, userID, provider string) (*models.Integration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+integrationColumns+`
		FROM integrations WHERE user_id = $1 AND provider = $2`, userID, provider)

	in, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return in, nil
}

// Create inserts a new integration row. The (user_id, provider) pair is
// unique; a second connect for the same pair is an upsert on tokens.
func (s *IntegrationStore) Create(ctx context.Context, in *models.Integration) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (
			id, user_id, provider, external_user_id, access_token, refresh_token,
			token_expires_at, integration_data, last_sync_at, sync_enabled, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, $10, $10)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			external_user_id = EXCLUDED.external_user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			sync_enabled = EXCLUDED.sync_enabled,
			updated_at = EXCLUDED.updated_at`,
		in.ID, in.UserID, in.Provider, in.ExternalUserID, in.AccessToken, in.RefreshToken,
		nullTime(in.TokenExpiresAt), in.IntegrationData, in.SyncEnabled, now,
	)
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

// UpdateTokens is the token-refresh read-modify-write. The expires_at guard
// makes concurrent refreshes for the same row last-writer-safe: a refresh
// that lost the race finds the row already carrying a later expiry and
// writes nothing.
func (s *IntegrationStore) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET
			access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = $5
		WHERE id = $1 AND (token_expires_at IS NULL OR token_expires_at < $4)`,
		id, accessToken, refreshToken, expiresAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	_, _ = res.RowsAffected()
	return nil
}

func (s *IntegrationStore) SetLastSyncAt(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET last_sync_at = $2, updated_at = $3 WHERE id = $1`,
		id, at, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	return nil
}

func (s *IntegrationStore) SetSyncEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET sync_enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set sync enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *IntegrationStore) UpdateData(ctx context.Context, id string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE integrations SET integration_data = $2, updated_at = $3 WHERE id = $1`,
		id, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update integration data: %w", err)
	}
	return nil
}

// DeleteWithMappings removes the integration and its mappings in one
// transaction; a mapping never outlives its integration.
func (s *IntegrationStore) DeleteWithMappings(ctx context.Context, id string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM external_application_mappings WHERE integration_id = $1`, id); err != nil {
			return fmt.Errorf("delete mappings: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM integrations WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete integration: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
