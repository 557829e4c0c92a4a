// internal/providers/commonapp/webhook.go
package commonapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/metrics"
	"apptrack-sync/internal/models"
)

const signatureHeader = "x-commonapp-signature"

var errInvalidPayload = syncerrors.NewValidationError("malformed webhook payload")

// eventSchema rejects structurally broken payloads before any processing.
var eventSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["id", "type", "timestamp", "data"],
	"properties": {
		"id":        {"type": "string", "minLength": 1},
		"type":      {"type": "string", "minLength": 1},
		"timestamp": {"type": "string"},
		"data":      {"type": "object"}
	}
}`)

// HandleWebhook validates, de-duplicates and applies one inbound delivery.
// A rejected or duplicate delivery is never applied twice; a processing
// failure releases the dedup marker so the sender's redelivery can succeed.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) *models.WebhookResult {
	if !s.verifySignature(payload, headers.Get(signatureHeader)) {
		metrics.WebhooksReceived.WithLabelValues(ProviderName, "invalid_signature").Inc()
		return &models.WebhookResult{Success: false, Error: "Invalid webhook signature"}
	}

	event, err := s.parseEvent(payload)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(ProviderName, "invalid_payload").Inc()
		return &models.WebhookResult{Success: false, Error: err.Error()}
	}

	fresh, err := s.deduper.MarkSeen(ctx, ProviderName, event.ID)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(ProviderName, "error").Inc()
		return &models.WebhookResult{Success: false, Error: "deduplication unavailable"}
	}
	if !fresh {
		metrics.WebhooksReceived.WithLabelValues(ProviderName, "duplicate").Inc()
		s.logger.Info("duplicate webhook suppressed", map[string]interface{}{"eventId": event.ID})
		return &models.WebhookResult{Success: true, Processed: false}
	}

	processed, err := s.applyEvent(ctx, event)
	s.auditDelivery(ctx, event, processed, err)
	if err != nil {
		if ferr := s.deduper.Forget(ctx, ProviderName, event.ID); ferr != nil {
			s.logger.Warn("could not release dedup marker", map[string]interface{}{
				"eventId": event.ID, "error": ferr.Error(),
			})
		}
		metrics.WebhooksReceived.WithLabelValues(ProviderName, "error").Inc()
		s.logger.Error("webhook processing failed", map[string]interface{}{
			"eventId": event.ID, "type": string(event.Type), "error": err.Error(),
		})
		return &models.WebhookResult{Success: false, Error: err.Error()}
	}

	metrics.WebhooksReceived.WithLabelValues(ProviderName, "processed").Inc()
	return &models.WebhookResult{Success: true, Processed: processed}
}

// auditDelivery appends the delivery to the webhook audit trail. Best
// effort: an audit failure never fails the delivery.
func (s *Service) auditDelivery(ctx context.Context, event *models.WebhookEvent, processed bool, applyErr error) {
	errMsg := ""
	if applyErr != nil {
		errMsg = applyErr.Error()
	}
	if err := s.store.Webhooks.RecordDelivery(ctx, ProviderName, event.ID, string(event.Type), processed, errMsg); err != nil {
		s.logger.Warn("webhook audit write failed", map[string]interface{}{
			"eventId": event.ID, "error": err.Error(),
		})
	}
}

// verifySignature checks the HMAC-SHA256 of the raw body in constant time.
func (s *Service) verifySignature(payload []byte, header string) bool {
	if s.cfg.WebhookSecret == "" || header == "" {
		return false
	}
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

func (s *Service) parseEvent(payload []byte) (*models.WebhookEvent, error) {
	check, err := gojsonschema.Validate(eventSchema, gojsonschema.NewBytesLoader(payload))
	if err != nil || !check.Valid() {
		return nil, errInvalidPayload
	}

	var raw struct {
		ID        string                 `json:"id"`
		Type      string                 `json:"type"`
		Timestamp string                 `json:"timestamp"`
		Data      map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errInvalidPayload
	}

	ts, err := parseEventTime(raw.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return &models.WebhookEvent{
		ID:        raw.ID,
		Type:      models.WebhookEventType(raw.Type),
		Timestamp: ts,
		Data:      raw.Data,
		Source:    ProviderName,
	}, nil
}

// applyEvent dispatches per event type. Unknown types are acknowledged and
// ignored so new platform events never bounce deliveries.
func (s *Service) applyEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	switch event.Type {
	case models.EventStatusChanged:
		return s.onStatusChanged(ctx, event)
	case models.EventApplicationSubmitted:
		return s.onSubmitted(ctx, event)
	case models.EventDecisionReceived:
		return s.onDecisionReceived(ctx, event)
	case models.EventDocumentUploaded:
		return s.onDocumentUploaded(ctx, event)
	case models.EventRequirementCompleted:
		return s.onRequirementCompleted(ctx, event)
	default:
		s.logger.Info("ignoring unknown webhook type", map[string]interface{}{
			"eventId": event.ID, "type": string(event.Type),
		})
		return false, nil
	}
}

func (s *Service) onStatusChanged(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	externalID := stringField(event.Data, "application_id")
	status := stringField(event.Data, "status")
	if externalID == "" || status == "" {
		return false, errInvalidPayload
	}

	mapping, app, err := s.locate(ctx, externalID)
	if err != nil {
		return false, err
	}

	newStatus := MapStatusToInternal(status)
	if newStatus == app.Status || !models.StatusAtLeast(newStatus, app.Status) {
		return false, nil
	}
	return true, s.transition(ctx, app, mapping, newStatus)
}

func (s *Service) onSubmitted(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	externalID := stringField(event.Data, "application_id")
	if externalID == "" {
		return false, errInvalidPayload
	}

	mapping, app, err := s.locate(ctx, externalID)
	if err != nil {
		return false, err
	}

	submittedAt := event.Timestamp
	if v := stringField(event.Data, "submitted_at"); v != "" {
		if t, err := parseEventTime(v); err == nil {
			submittedAt = t
		}
	}
	app.SubmittedDate = &submittedAt

	if models.StatusAtLeast(models.StatusSubmitted, app.Status) && app.Status != models.StatusSubmitted {
		return true, s.transition(ctx, app, mapping, models.StatusSubmitted)
	}
	return true, s.transition(ctx, app, mapping, app.Status)
}

func (s *Service) onDecisionReceived(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	externalID := stringField(event.Data, "application_id")
	decision := stringField(event.Data, "decision")
	if externalID == "" || decision == "" {
		return false, errInvalidPayload
	}

	mapping, app, err := s.locate(ctx, externalID)
	if err != nil {
		return false, err
	}

	decidedAt := event.Timestamp
	if v := stringField(event.Data, "decision_at"); v != "" {
		if t, err := parseEventTime(v); err == nil {
			decidedAt = t
		}
	}
	dt := MapDecisionToInternal(decision)
	app.DecisionType = &dt
	app.DecisionDate = &decidedAt

	return true, s.transition(ctx, app, mapping, models.StatusDecided)
}

func (s *Service) onDocumentUploaded(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	externalID := stringField(event.Data, "application_id")
	docType := stringField(event.Data, "document_type")
	if externalID == "" || docType == "" {
		return false, errInvalidPayload
	}

	_, app, err := s.locate(ctx, externalID)
	if err != nil {
		return false, err
	}
	return true, s.store.Applications.CompleteRequirement(ctx, app.ID, MapRequirementToInternal(docType))
}

func (s *Service) onRequirementCompleted(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	externalID := stringField(event.Data, "application_id")
	reqType := stringField(event.Data, "requirement_type")
	if externalID == "" || reqType == "" {
		return false, errInvalidPayload
	}

	_, app, err := s.locate(ctx, externalID)
	if err != nil {
		return false, err
	}
	return true, s.store.Applications.CompleteRequirement(ctx, app.ID, MapRequirementToInternal(reqType))
}

// locate resolves the event's external application id to the local mapping
// and application.
func (s *Service) locate(ctx context.Context, externalID string) (*models.ExternalApplicationMapping, *models.Application, error) {
	mapping, err := s.store.Mappings.GetByExternalIDForProvider(ctx, ProviderName, externalID)
	if err != nil {
		return nil, nil, err
	}
	app, err := s.store.Applications.GetByID(ctx, mapping.ApplicationID)
	if err != nil {
		return nil, nil, err
	}
	return mapping, app, nil
}

// transition persists the application, appends a status-history entry when
// the status moved, and marks the mapping synced.
func (s *Service) transition(ctx context.Context, app *models.Application, mapping *models.ExternalApplicationMapping, newStatus models.ApplicationStatus) error {
	fromStatus := app.Status
	app.Status = newStatus

	if err := s.store.Applications.Update(ctx, app); err != nil {
		return err
	}
	if newStatus != fromStatus {
		entry := &models.StatusHistoryEntry{
			ApplicationID: app.ID,
			FromStatus:    fromStatus,
			ToStatus:      newStatus,
			ChangedBy:     "webhook:" + ProviderName,
		}
		if err := s.store.Applications.AppendStatusHistory(ctx, entry); err != nil {
			return err
		}
	}
	return s.store.Mappings.MarkSynced(ctx, mapping.ID, time.Now().UTC())
}

func stringField(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
