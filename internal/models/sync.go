// internal/models/sync.go
package models

import "time"

type SyncType string

const (
	SyncPull          SyncType = "pull"
	SyncPush          SyncType = "push"
	SyncBidirectional SyncType = "bidirectional"
)

// SyncOptions controls one sync pass for one provider/user pair.
type SyncOptions struct {
	SyncType       SyncType `json:"syncType"`
	ForceSync      bool     `json:"forceSync,omitempty"`
	ApplicationIDs []string `json:"applicationIds,omitempty"`
}

// SyncResult is the outcome of one Sync Service pass. Per-item failures are
// collected in Errors; a partially failed pass still reports what synced.
type SyncResult struct {
	Success     bool        `json:"success"`
	SyncedCount int         `json:"syncedCount"`
	ErrorCount  int         `json:"errorCount"`
	Errors      []SyncError `json:"errors,omitempty"`
	LastSyncAt  time.Time   `json:"lastSyncAt"`
}

// SyncError is the serializable per-item error shape carried in results and
// job records. The richer internal error type in common/errors converts to
// this at component boundaries.
type SyncError struct {
	Type          string `json:"type"`
	Message       string `json:"message"`
	ApplicationID string `json:"applicationId,omitempty"`
	ExternalID    string `json:"externalId,omitempty"`
	Retryable     bool   `json:"retryable"`
}

type SyncJobStatus string

const (
	JobPending   SyncJobStatus = "pending"
	JobRunning   SyncJobStatus = "running"
	JobCompleted SyncJobStatus = "completed"
	JobFailed    SyncJobStatus = "failed"
	JobCancelled SyncJobStatus = "cancelled"
)

// SyncJob tracks one orchestrated sync run. Provider empty means all
// registered providers.
type SyncJob struct {
	ID          string                 `json:"id"`
	UserID      string                 `json:"userId"`
	Provider    string                 `json:"provider,omitempty"`
	Options     SyncOptions            `json:"options"`
	Status      SyncJobStatus          `json:"status"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	Results     map[string]*SyncResult `json:"results,omitempty"` // keyed by provider
	Error       string                 `json:"error,omitempty"`
}

// Duration returns the job runtime, zero while the job is still in flight.
func (j *SyncJob) Duration() time.Duration {
	if j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}

type ConflictType string

const (
	ConflictDataMismatch     ConflictType = "data_mismatch"
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictSchemaChange     ConflictType = "schema_change"
)

// DetectedConflict is one field-level divergence between the local and
// external representation of the same application.
type DetectedConflict struct {
	ApplicationID string       `json:"applicationId"`
	Provider      string       `json:"provider"`
	FieldName     string       `json:"fieldName"`
	LocalValue    interface{}  `json:"localValue"`
	ExternalValue interface{}  `json:"externalValue"`
	ConflictType  ConflictType `json:"conflictType"`
	DetectedAt    time.Time    `json:"detectedAt"`
}

type ResolutionAction string

const (
	ResolutionUseExternal  ResolutionAction = "use_external"
	ResolutionUseLocal     ResolutionAction = "use_local"
	ResolutionMerge        ResolutionAction = "merge"
	ResolutionManualReview ResolutionAction = "manual_review"
)

// ConflictResolution is a strategy's verdict for one detected conflict.
// Only use_external and merge produce a record update when applied.
type ConflictResolution struct {
	Conflict           DetectedConflict `json:"conflict"`
	Action             ResolutionAction `json:"action"`
	ResolvedValue      interface{}      `json:"resolvedValue,omitempty"`
	Strategy           string           `json:"strategy"`
	RequiresUserAction bool             `json:"requiresUserAction"`
}

// RetryAttempt tracks one retry chain, keyed by (userId, provider,
// operation, applicationId).
type RetryAttempt struct {
	UserID        string    `json:"userId"`
	Provider      string    `json:"provider"`
	Operation     string    `json:"operation"`
	ApplicationID string    `json:"applicationId,omitempty"`
	Attempt       int       `json:"attempt"`
	MaxRetries    int       `json:"maxRetries"`
	NextRetryAt   time.Time `json:"nextRetryAt"`
	LastError     string    `json:"lastError"`
	ErrorType     string    `json:"errorType"`
	Failed        bool      `json:"failed"` // permanently failed, ceiling reached
}
