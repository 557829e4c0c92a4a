// internal/models/webhook.go
package models

import "time"

type WebhookEventType string

const (
	EventStatusChanged        WebhookEventType = "application.status_changed"
	EventApplicationSubmitted WebhookEventType = "application.submitted"
	EventDecisionReceived     WebhookEventType = "application.decision_received"
	EventDocumentUploaded     WebhookEventType = "document.uploaded"
	EventRequirementCompleted WebhookEventType = "requirement.completed"
)

// WebhookEvent is the provider-agnostic normalized shape of an inbound
// webhook payload.
type WebhookEvent struct {
	ID        string                 `json:"id"`
	Type      WebhookEventType       `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Source    string                 `json:"source"` // provider name
}

// WebhookResult reports the handling outcome. Processed is false both for
// rejected payloads and for duplicate deliveries; Success distinguishes the
// two.
type WebhookResult struct {
	Success   bool   `json:"success"`
	Processed bool   `json:"processed"`
	Error     string `json:"error,omitempty"`
}
