// internal/providers/commonapp/mapper.go
package commonapp

import (
	"fmt"
	"strings"
	"time"

	"apptrack-sync/internal/models"
	engine "apptrack-sync/internal/sync"
)

// Vocabulary translation between the internal model and the platform's
// schema. Pure and stateless; unknown values pass through unchanged so new
// platform vocabulary never breaks a sync.

var statusToInternal = map[string]models.ApplicationStatus{
	"created":       models.StatusNotStarted,
	"in_progress":   models.StatusInProgress,
	"submitted":     models.StatusSubmitted,
	"in_review":     models.StatusUnderReview,
	"decision_made": models.StatusDecided,
}

var statusToExternal = map[models.ApplicationStatus]string{
	models.StatusNotStarted:  "created",
	models.StatusInProgress:  "in_progress",
	models.StatusSubmitted:   "submitted",
	models.StatusUnderReview: "in_review",
	models.StatusDecided:     "decision_made",
}

var decisionToInternal = map[string]models.DecisionType{
	"admit":      models.DecisionAccepted,
	"admitted":   models.DecisionAccepted,
	"accepted":   models.DecisionAccepted,
	"denied":     models.DecisionRejected,
	"decline":    models.DecisionRejected,
	"rejected":   models.DecisionRejected,
	"waitlist":   models.DecisionWaitlisted,
	"deferred":   models.DecisionWaitlisted,
	"waitlisted": models.DecisionWaitlisted,
}

var decisionToExternal = map[models.DecisionType]string{
	models.DecisionAccepted:   "admitted",
	models.DecisionRejected:   "denied",
	models.DecisionWaitlisted: "waitlisted",
}

var requirementToInternal = map[string]models.RequirementType{
	"essay":          models.RequirementEssay,
	"supplement":     models.RequirementEssay,
	"recommendation": models.RequirementRecommendation,
	"transcript":     models.RequirementTranscript,
	"test_scores":    models.RequirementTestScores,
}

var requirementToExternal = map[models.RequirementType]string{
	models.RequirementEssay:          "essay",
	models.RequirementRecommendation: "recommendation",
	models.RequirementTranscript:     "transcript",
	models.RequirementTestScores:     "test_scores",
}

func MapStatusToInternal(external string) models.ApplicationStatus {
	if s, ok := statusToInternal[strings.ToLower(external)]; ok {
		return s
	}
	return models.ApplicationStatus(external)
}

func MapStatusToExternal(internal models.ApplicationStatus) string {
	if s, ok := statusToExternal[internal]; ok {
		return s
	}
	return string(internal)
}

func MapDecisionToInternal(external string) models.DecisionType {
	if d, ok := decisionToInternal[strings.ToLower(external)]; ok {
		return d
	}
	return models.DecisionType(external)
}

func MapDecisionToExternal(internal models.DecisionType) string {
	if d, ok := decisionToExternal[internal]; ok {
		return d
	}
	return string(internal)
}

func MapRequirementToInternal(external string) models.RequirementType {
	if r, ok := requirementToInternal[strings.ToLower(external)]; ok {
		return r
	}
	return models.RequirementType(external)
}

func MapRequirementToExternal(internal models.RequirementType) string {
	if r, ok := requirementToExternal[internal]; ok {
		return r
	}
	return string(internal)
}

// ==========================
// Record Translation
// ==========================

// toExternalApplication translates a wire record into the engine's
// provider-agnostic shape.
func toExternalApplication(rec *applicationRecord) *engine.ExternalApplication {
	out := &engine.ExternalApplication{
		ID:              rec.ID,
		UniversityID:    rec.CollegeID,
		UniversityName:  rec.CollegeName,
		ApplicationType: rec.ApplicationType,
		Status:          MapStatusToInternal(rec.Status),
		SubmittedDate:   rec.SubmittedAt,
		DecisionDate:    rec.DecisionAt,
		Notes:           rec.Notes,
		LastModified:    rec.UpdatedAt,
	}
	if rec.Decision != "" {
		d := MapDecisionToInternal(rec.Decision)
		out.DecisionType = &d
	}
	return out
}

// toApplicationRecord translates a local application into the platform's
// wire shape for pushes.
func toApplicationRecord(app *models.Application, collegeID string) *applicationRecord {
	rec := &applicationRecord{
		CollegeID:       collegeID,
		ApplicationType: app.ApplicationType,
		Status:          MapStatusToExternal(app.Status),
		SubmittedAt:     app.SubmittedDate,
		DecisionAt:      app.DecisionDate,
		Notes:           app.Notes,
		UpdatedAt:       app.UpdatedAt,
	}
	if app.DecisionType != nil {
		rec.Decision = MapDecisionToExternal(*app.DecisionType)
	}
	return rec
}

// Matches is the matching predicate: local and external refer to the same
// application when their university identifiers agree, and, when both sides
// carry an application type, the types agree too.
func Matches(local *models.Application, external *engine.ExternalApplication) bool {
	if local.UniversityID == "" || external.UniversityID == "" {
		return false
	}
	if local.UniversityID != external.UniversityID {
		return false
	}
	if local.ApplicationType != "" && external.ApplicationType != "" {
		return local.ApplicationType == external.ApplicationType
	}
	return true
}

// ValidateForPush lists the fields a local application is missing before it
// can be created on the platform. Empty means pushable.
func ValidateForPush(app *models.Application) []string {
	var missing []string
	if app.UniversityID == "" {
		missing = append(missing, "universityId")
	}
	if app.ApplicationType == "" {
		missing = append(missing, "applicationType")
	}
	if app.Deadline == nil {
		missing = append(missing, "deadline")
	}
	return missing
}

// parseEventTime accepts the timestamp formats the platform has been seen
// sending.
func parseEventTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp: %q", v)
}
