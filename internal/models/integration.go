// internal/models/integration.go
package models

import "time"

// Integration is one connected external platform account, one row per
// (userId, provider) pair. Token fields hold sealed ciphertext, never
// cleartext.
type Integration struct {
	ID              string     `json:"id"`
	UserID          string     `json:"userId"`
	Provider        string     `json:"provider"`
	ExternalUserID  string     `json:"externalUserId,omitempty"`
	AccessToken     string     `json:"-"`
	RefreshToken    string     `json:"-"`
	TokenExpiresAt  *time.Time `json:"tokenExpiresAt,omitempty"`
	IntegrationData []byte     `json:"integrationData,omitempty"` // opaque JSON blob
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
	SyncEnabled     bool       `json:"syncEnabled"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IntegrationData is the decoded shape of Integration.IntegrationData.
type IntegrationData struct {
	ErrorCount     int      `json:"errorCount,omitempty"`
	LastError      string   `json:"lastError,omitempty"`
	LastErrorAt    string   `json:"lastErrorAt,omitempty"`
	SyncedAppIDs   []string `json:"syncedApplicationIds,omitempty"`
	TokenRevokedAt string   `json:"tokenRevokedAt,omitempty"`
}

type MappingSyncStatus string

const (
	MappingSynced  MappingSyncStatus = "synced"
	MappingPending MappingSyncStatus = "pending"
	MappingError   MappingSyncStatus = "error"
)

// ExternalApplicationMapping links one local Application to one external
// application id under one Integration. At most one mapping exists per
// (application, integration) pair; mappings are cascade-deleted with their
// Integration.
type ExternalApplicationMapping struct {
	ID                    string            `json:"id"`
	ApplicationID         string            `json:"applicationId"`
	IntegrationID         string            `json:"integrationId"`
	ExternalApplicationID string            `json:"externalApplicationId"`
	SyncStatus            MappingSyncStatus `json:"syncStatus"`
	LastSyncedAt          *time.Time        `json:"lastSyncedAt,omitempty"`
	SyncErrorMessage      string            `json:"syncErrorMessage,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
}
