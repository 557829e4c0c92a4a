// Package errors provides standardized error handling for the integration
// sync engine.
package errors

import (
	"fmt"
	"time"

	"apptrack-sync/internal/models"
)

// ==========================
// 1. Error Taxonomy
// ==========================

// ErrorType classifies sync failures and drives retry eligibility.
type ErrorType string

const (
	// TypeAuthentication: token invalid or expired beyond refresh. Not
	// retryable, requires the user to reconnect the integration.
	TypeAuthentication ErrorType = "authentication"
	// TypeNetwork: connection failure, 5xx, 429. Retryable.
	TypeNetwork ErrorType = "network"
	// TypeDataMapping: unexpected shape or translation failure. Not
	// retryable by default.
	TypeDataMapping ErrorType = "data_mapping"
	// TypeValidation: malformed input. Not retryable.
	TypeValidation ErrorType = "validation"
	// TypeConflict: detected local/external divergence. Handled by the
	// conflict resolver, not a hard failure.
	TypeConflict ErrorType = "conflict"
)

// SyncError is a structured sync failure.
type SyncError struct {
	Type          ErrorType              `json:"type"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	Provider      string                 `json:"provider,omitempty"`
	ApplicationID string                 `json:"applicationId,omitempty"`
	ExternalID    string                 `json:"externalId,omitempty"`
	Retryable     bool                   `json:"retryable"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("SyncError[%s]: %s", e.Type, e.Message)
}

// WithApplication returns a copy of the error bound to an application id.
func (e *SyncError) WithApplication(applicationID string) *SyncError {
	dup := *e
	dup.ApplicationID = applicationID
	return &dup
}

// WithExternal returns a copy of the error bound to an external application
// id, for failures on records that have no local application yet.
func (e *SyncError) WithExternal(externalID string) *SyncError {
	dup := *e
	dup.ExternalID = externalID
	return &dup
}

// ToModel converts to the serializable per-item shape carried in SyncResult.
func (e *SyncError) ToModel() models.SyncError {
	return models.SyncError{
		Type:          string(e.Type),
		Message:       e.Message,
		ApplicationID: e.ApplicationID,
		ExternalID:    e.ExternalID,
		Retryable:     e.Retryable,
	}
}

// ==========================
// 2. Error Constructors
// ==========================

// NewAuthenticationError creates a non-retryable authentication error.
func NewAuthenticationError(provider, details string) *SyncError {
	return &SyncError{
		Type:      TypeAuthentication,
		Message:   "Authentication with provider failed",
		Details:   details,
		Provider:  provider,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewTokenExpiredError creates a non-retryable error for tokens expired
// beyond refresh.
func NewTokenExpiredError(provider string) *SyncError {
	return &SyncError{
		Type:      TypeAuthentication,
		Message:   "Access token expired and could not be refreshed",
		Provider:  provider,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNetworkError creates a retryable network error.
func NewNetworkError(provider string, err error) *SyncError {
	return &SyncError{
		Type:      TypeNetwork,
		Message:   "Provider request failed",
		Details:   err.Error(),
		Provider:  provider,
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewRateLimitedError creates a retryable error for 429 responses.
func NewRateLimitedError(provider string, retryAfter time.Duration) *SyncError {
	return &SyncError{
		Type:      TypeNetwork,
		Message:   "Provider rate limit exceeded",
		Details:   fmt.Sprintf("retry after %s", retryAfter),
		Provider:  provider,
		Retryable: true,
		Metadata:  map[string]interface{}{"retryAfterMs": retryAfter.Milliseconds()},
		Timestamp: time.Now().UTC(),
	}
}

// NewDataMappingError creates a non-retryable translation error.
func NewDataMappingError(provider, details string) *SyncError {
	return &SyncError{
		Type:      TypeDataMapping,
		Message:   "Failed to map external application data",
		Details:   details,
		Provider:  provider,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationError creates a non-retryable validation error.
func NewValidationError(details string) *SyncError {
	return &SyncError{
		Type:      TypeValidation,
		Message:   "Sync input validation failed",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewConflictError creates a conflict marker error. Conflicts are routed to
// the resolver rather than failing the pass.
func NewConflictError(provider, applicationID, field string) *SyncError {
	return &SyncError{
		Type:          TypeConflict,
		Message:       "Local and external values diverged",
		Details:       fmt.Sprintf("field: %s", field),
		Provider:      provider,
		ApplicationID: applicationID,
		Retryable:     false,
		Timestamp:     time.Now().UTC(),
	}
}

// NewIntegrationNotFoundError creates a non-retryable error for missing or
// disconnected integrations.
func NewIntegrationNotFoundError(provider, userID string) *SyncError {
	return &SyncError{
		Type:      TypeAuthentication,
		Message:   "Integration not connected",
		Details:   fmt.Sprintf("provider: %s, userId: %s", provider, userID),
		Provider:  provider,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 3. Normalization
// ==========================

// Normalize ensures any error crossing a component boundary is a SyncError.
// Unclassified errors become non-retryable data_mapping errors so a bug
// never retries forever.
func Normalize(provider string, err error) *SyncError {
	if err == nil {
		return nil
	}
	if syncErr, ok := err.(*SyncError); ok {
		return syncErr
	}
	return &SyncError{
		Type:      TypeDataMapping,
		Message:   "Unexpected error",
		Details:   err.Error(),
		Provider:  provider,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// IsRetryable reports whether err should be handed to the retry manager.
func IsRetryable(err error) bool {
	if syncErr, ok := err.(*SyncError); ok {
		return syncErr.Retryable
	}
	return false
}

// ==========================
// 4. User-Visible Messages
// ==========================

// UserMessage maps an error type to the message surfaced to users. Full
// detail stays in server-side logs.
func UserMessage(t ErrorType) string {
	switch t {
	case TypeAuthentication:
		return "Your connection to this platform has expired. Please reconnect."
	case TypeNetwork:
		return "We couldn't reach the platform. We'll retry automatically."
	case TypeValidation:
		return "Some application data is invalid. Please review and correct it."
	case TypeConflict:
		return "This application changed in both places. Review the differences."
	default:
		return "Something went wrong syncing this application."
	}
}
