// Package sync implements the integration synchronization engine: the
// shared pull/push loop, conflict detection and resolution, retry
// scheduling, webhook de-duplication and the orchestrator/manager pair that
// coordinates provider implementations.
package sync

import (
	"context"
	"net/http"
	"time"

	"apptrack-sync/internal/models"
)

// Provider is one configured external application platform. Implementations
// own their OAuth flow, wire format and webhook signature scheme; the
// engine routes to them through this interface.
type Provider interface {
	Name() string

	// Authenticate exchanges an OAuth authorization code for tokens and
	// creates (or refreshes) the user's Integration record.
	Authenticate(ctx context.Context, userID, code string) (*models.Integration, error)

	// Sync runs one pull/push/bidirectional pass for the user. Detected
	// conflicts are returned alongside the result for post-processing;
	// they are not failures.
	Sync(ctx context.Context, userID string, opts models.SyncOptions) (*models.SyncResult, []models.DetectedConflict, error)

	// HandleWebhook validates and applies one inbound webhook delivery.
	HandleWebhook(ctx context.Context, payload []byte, headers http.Header) *models.WebhookResult

	// Disconnect revokes the external token (best effort) and deletes the
	// Integration with its mappings.
	Disconnect(ctx context.Context, userID string) error

	Status(ctx context.Context, userID string) (*models.Integration, error)
	ToggleSync(ctx context.Context, userID string, enabled bool) error
}

// ExternalApplication is a provider's application record translated to the
// internal vocabulary. Status/decision values are already mapped; unknown
// external values pass through unchanged.
type ExternalApplication struct {
	ID              string
	UniversityID    string
	UniversityName  string
	ApplicationType string
	Status          models.ApplicationStatus
	SubmittedDate   *time.Time
	DecisionDate    *time.Time
	DecisionType    *models.DecisionType
	Notes           string
	LastModified    time.Time
}

// Backend is the per-provider half of the sync pass. The shared
// orchestration (pull/push loops, conflict pre-check, partial-failure
// accounting) lives in Run; a Backend only knows how to move one
// application across the boundary.
type Backend interface {
	Provider() string

	// FetchExternal lists the user's applications on the platform.
	FetchExternal(ctx context.Context, integ *models.Integration) ([]*ExternalApplication, error)

	// Match reports whether local and external refer to the same
	// application.
	Match(local *models.Application, external *ExternalApplication) bool

	// UpdateLocal overwrites local fields from the external record,
	// appending a status-history entry when the status changed.
	UpdateLocal(ctx context.Context, local *models.Application, external *ExternalApplication) error

	// CreateLocal materializes a new local Application for an external
	// record, resolving the university by id or fuzzy name match. Returns
	// a data_mapping error when the university cannot be resolved.
	CreateLocal(ctx context.Context, integ *models.Integration, external *ExternalApplication) (*models.Application, error)

	// UpdateExternal pushes local fields to an already-mapped external
	// application.
	UpdateExternal(ctx context.Context, integ *models.Integration, local *models.Application, mapping *models.ExternalApplicationMapping) error

	// CreateExternal creates the application on the platform and returns
	// its external id.
	CreateExternal(ctx context.Context, integ *models.Integration, local *models.Application) (string, error)
}
