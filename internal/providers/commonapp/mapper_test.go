// internal/providers/commonapp/mapper_test.go
package commonapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"apptrack-sync/internal/models"
	engine "apptrack-sync/internal/sync"
)

func TestStatusMapping_RoundTripsEveryInternalStatus(t *testing.T) {
	all := []models.ApplicationStatus{
		models.StatusNotStarted,
		models.StatusInProgress,
		models.StatusSubmitted,
		models.StatusUnderReview,
		models.StatusDecided,
	}
	for _, s := range all {
		assert.Equal(t, s, MapStatusToInternal(MapStatusToExternal(s)), "status %s", s)
	}
}

func TestStatusMapping_UnknownExternalPassesThrough(t *testing.T) {
	assert.Equal(t, models.ApplicationStatus("on_hold"), MapStatusToInternal("on_hold"))
}

func TestDecisionMapping_Synonyms(t *testing.T) {
	for _, v := range []string{"admit", "admitted", "accepted", "Admitted"} {
		assert.Equal(t, models.DecisionAccepted, MapDecisionToInternal(v), v)
	}
	for _, v := range []string{"denied", "decline", "rejected"} {
		assert.Equal(t, models.DecisionRejected, MapDecisionToInternal(v), v)
	}
	for _, v := range []string{"waitlist", "deferred", "waitlisted"} {
		assert.Equal(t, models.DecisionWaitlisted, MapDecisionToInternal(v), v)
	}
	assert.Equal(t, models.DecisionType("conditional"), MapDecisionToInternal("conditional"))
}

func TestRequirementMapping_SupplementFoldsIntoEssay(t *testing.T) {
	assert.Equal(t, models.RequirementEssay, MapRequirementToInternal("supplement"))
	assert.Equal(t, models.RequirementEssay, MapRequirementToInternal("essay"))
	assert.Equal(t, "essay", MapRequirementToExternal(models.RequirementEssay))
	assert.Equal(t, models.RequirementType("portfolio"), MapRequirementToInternal("portfolio"))
}

func TestMatches(t *testing.T) {
	local := &models.Application{UniversityID: "uni-1", ApplicationType: "early_decision"}

	assert.True(t, Matches(local, &engine.ExternalApplication{UniversityID: "uni-1", ApplicationType: "early_decision"}))
	assert.False(t, Matches(local, &engine.ExternalApplication{UniversityID: "uni-2", ApplicationType: "early_decision"}))
	assert.False(t, Matches(local, &engine.ExternalApplication{UniversityID: "uni-1", ApplicationType: "regular"}))

	// Missing type on either side falls back to university-only matching.
	assert.True(t, Matches(local, &engine.ExternalApplication{UniversityID: "uni-1"}))
	assert.False(t, Matches(&models.Application{}, &engine.ExternalApplication{UniversityID: "uni-1"}))
}

func TestToExternalApplication(t *testing.T) {
	now := time.Now().UTC()
	submitted := now.Add(-time.Hour)
	rec := &applicationRecord{
		ID:              "ext-1",
		CollegeID:       "uni-1",
		CollegeName:     "Example University",
		ApplicationType: "regular",
		Status:          "in_review",
		SubmittedAt:     &submitted,
		Decision:        "admit",
		Notes:           "note",
		UpdatedAt:       now,
	}

	ext := toExternalApplication(rec)
	assert.Equal(t, models.StatusUnderReview, ext.Status)
	assert.Equal(t, "uni-1", ext.UniversityID)
	assert.Equal(t, &submitted, ext.SubmittedDate)
	assert.Equal(t, models.DecisionAccepted, *ext.DecisionType)
	assert.Equal(t, now, ext.LastModified)
}

func TestToApplicationRecord(t *testing.T) {
	dt := models.DecisionWaitlisted
	app := &models.Application{
		UniversityID:    "uni-1",
		ApplicationType: "regular",
		Status:          models.StatusDecided,
		DecisionType:    &dt,
		Notes:           "note",
	}

	rec := toApplicationRecord(app, "college-9")
	assert.Equal(t, "college-9", rec.CollegeID)
	assert.Equal(t, "decision_made", rec.Status)
	assert.Equal(t, "waitlisted", rec.Decision)
}

func TestValidateForPush(t *testing.T) {
	deadline := time.Now().UTC().Add(30 * 24 * time.Hour)
	complete := &models.Application{
		UniversityID:    "uni-1",
		ApplicationType: "regular",
		Deadline:        &deadline,
	}
	assert.Empty(t, ValidateForPush(complete))

	missing := ValidateForPush(&models.Application{})
	assert.ElementsMatch(t, []string{"universityId", "applicationType", "deadline"}, missing)
}
