// internal/sync/conflict_test.go
package sync

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/models"
	"apptrack-sync/internal/store"
)

func timePtr(t time.Time) *time.Time { return &t }

func baseApplication(updatedAt time.Time) *models.Application {
	return &models.Application{
		ID:              "app-1",
		StudentID:       "student-1",
		UniversityID:    "uni-1",
		ApplicationType: "early_decision",
		Status:          models.StatusSubmitted,
		Notes:           "local notes",
		UpdatedAt:       updatedAt,
	}
}

func baseExternal(lastModified time.Time) *ExternalApplication {
	return &ExternalApplication{
		ID:              "ext-1",
		UniversityID:    "uni-1",
		ApplicationType: "early_decision",
		Status:          models.StatusSubmitted,
		Notes:           "local notes",
		LastModified:    lastModified,
	}
}

// ==========================
// Detection
// ==========================

func TestDetectConflicts_NoDivergence(t *testing.T) {
	now := time.Now().UTC()
	local := baseApplication(now)
	external := baseExternal(now)

	conflicts := DetectConflicts(local, external, "commonapp", timePtr(now.Add(-time.Hour)))
	assert.Empty(t, conflicts)
}

func TestDetectConflicts_BothNilAgree(t *testing.T) {
	now := time.Now().UTC()
	local := baseApplication(now)
	external := baseExternal(now)
	local.SubmittedDate = nil
	external.SubmittedDate = nil

	conflicts := DetectConflicts(local, external, "commonapp", nil)
	assert.Empty(t, conflicts)
}

func TestDetectConflicts_OneNilConflicts(t *testing.T) {
	now := time.Now().UTC()
	local := baseApplication(now)
	external := baseExternal(now)
	external.SubmittedDate = timePtr(now)

	conflicts := DetectConflicts(local, external, "commonapp", nil)
	assert.Len(t, conflicts, 1)
	assert.Equal(t, "submittedDate", conflicts[0].FieldName)
}

func TestDetectConflicts_DateWithinToleranceAgrees(t *testing.T) {
	now := time.Now().UTC()
	local := baseApplication(now)
	external := baseExternal(now)
	local.SubmittedDate = timePtr(now)
	external.SubmittedDate = timePtr(now.Add(800 * time.Millisecond))

	conflicts := DetectConflicts(local, external, "commonapp", nil)
	assert.Empty(t, conflicts)
}

func TestDetectConflicts_DateBeyondToleranceConflicts(t *testing.T) {
	now := time.Now().UTC()
	local := baseApplication(now)
	external := baseExternal(now)
	local.SubmittedDate = timePtr(now)
	external.SubmittedDate = timePtr(now.Add(2 * time.Second))

	conflicts := DetectConflicts(local, external, "commonapp", nil)
	assert.Len(t, conflicts, 1)
}

func TestDetectConflicts_StringsCompareTrimmed(t *testing.T) {
	now := time.Now().UTC()
	local := baseApplication(now)
	external := baseExternal(now)
	local.Notes = "  same notes  "
	external.Notes = "same notes"

	conflicts := DetectConflicts(local, external, "commonapp", nil)
	assert.Empty(t, conflicts)
}

// Detection only compares values, so swapping the sides must yield the
// mirrored conflict set, never a different one.
func TestDetectConflicts_Symmetric(t *testing.T) {
	now := time.Now().UTC()
	local := baseApplication(now)
	external := baseExternal(now)
	local.Status = models.StatusSubmitted
	external.Status = models.StatusUnderReview
	local.Notes = "a"
	external.Notes = "b"

	forward := DetectConflicts(local, external, "commonapp", nil)

	swappedLocal := baseApplication(now)
	swappedLocal.Status = models.StatusUnderReview
	swappedLocal.Notes = "b"
	swappedExternal := baseExternal(now)
	swappedExternal.Status = models.StatusSubmitted
	swappedExternal.Notes = "a"

	backward := DetectConflicts(swappedLocal, swappedExternal, "commonapp", nil)

	assert.Len(t, forward, 2)
	assert.Len(t, backward, 2)
	for i := range forward {
		assert.Equal(t, forward[i].FieldName, backward[i].FieldName)
		assert.Equal(t, forward[i].LocalValue, backward[i].ExternalValue)
		assert.Equal(t, forward[i].ExternalValue, backward[i].LocalValue)
	}
}

func TestDetectConflicts_ConcurrentUpdateClassification(t *testing.T) {
	lastSync := time.Now().UTC().Add(-time.Hour)
	local := baseApplication(time.Now().UTC())
	external := baseExternal(time.Now().UTC())
	external.Status = models.StatusUnderReview

	conflicts := DetectConflicts(local, external, "commonapp", &lastSync)
	assert.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictConcurrentUpdate, conflicts[0].ConflictType)
}

func TestDetectConflicts_DataMismatchWhenOnlyExternalChanged(t *testing.T) {
	lastSync := time.Now().UTC().Add(-time.Hour)
	local := baseApplication(lastSync.Add(-time.Hour))
	external := baseExternal(time.Now().UTC())
	external.Status = models.StatusUnderReview

	conflicts := DetectConflicts(local, external, "commonapp", &lastSync)
	assert.Len(t, conflicts, 1)
	assert.Equal(t, models.ConflictDataMismatch, conflicts[0].ConflictType)
}

// ==========================
// Strategies
// ==========================

func statusConflict(local, external models.ApplicationStatus) models.DetectedConflict {
	return models.DetectedConflict{
		ApplicationID: "app-1",
		Provider:      "commonapp",
		FieldName:     "status",
		LocalValue:    local,
		ExternalValue: external,
		ConflictType:  models.ConflictDataMismatch,
		DetectedAt:    time.Now().UTC(),
	}
}

func TestLastModifiedWins_LocalNewerThanLastSync(t *testing.T) {
	registry := NewStrategyRegistry()
	lastSync := time.Now().UTC().Add(-time.Hour)
	rc := ResolutionContext{
		LocalUpdatedAt: time.Now().UTC(),
		LastSyncedAt:   &lastSync,
	}

	res := registry.Get("last_modified_wins").Resolve(statusConflict(models.StatusSubmitted, models.StatusUnderReview), rc)
	assert.Equal(t, models.ResolutionUseLocal, res.Action)
	assert.Equal(t, models.StatusSubmitted, res.ResolvedValue)
}

func TestLastModifiedWins_ExternalWinsWithoutLocalEdits(t *testing.T) {
	registry := NewStrategyRegistry()
	lastSync := time.Now().UTC().Add(-time.Hour)
	rc := ResolutionContext{
		LocalUpdatedAt: lastSync.Add(-time.Hour),
		LastSyncedAt:   &lastSync,
	}

	res := registry.Get("last_modified_wins").Resolve(statusConflict(models.StatusSubmitted, models.StatusUnderReview), rc)
	assert.Equal(t, models.ResolutionUseExternal, res.Action)
	assert.Equal(t, models.StatusUnderReview, res.ResolvedValue)
}

func TestLastModifiedWins_NoPriorSyncUsesExternal(t *testing.T) {
	registry := NewStrategyRegistry()
	rc := ResolutionContext{LocalUpdatedAt: time.Now().UTC()}

	res := registry.Get("last_modified_wins").Resolve(statusConflict(models.StatusSubmitted, models.StatusUnderReview), rc)
	assert.Equal(t, models.ResolutionUseExternal, res.Action)
}

func TestFixedStrategies(t *testing.T) {
	registry := NewStrategyRegistry()
	c := statusConflict(models.StatusSubmitted, models.StatusUnderReview)

	res := registry.Get("external_wins").Resolve(c, ResolutionContext{})
	assert.Equal(t, models.ResolutionUseExternal, res.Action)

	res = registry.Get("local_wins").Resolve(c, ResolutionContext{})
	assert.Equal(t, models.ResolutionUseLocal, res.Action)

	res = registry.Get("manual_review").Resolve(c, ResolutionContext{})
	assert.Equal(t, models.ResolutionManualReview, res.Action)
	assert.True(t, res.RequiresUserAction)
}

func TestSmartMerge_NotesConcatenate(t *testing.T) {
	registry := NewStrategyRegistry()
	c := models.DetectedConflict{
		FieldName:     "notes",
		LocalValue:    "local notes",
		ExternalValue: "external notes",
	}

	res := registry.Get("smart_merge").Resolve(c, ResolutionContext{})
	assert.Equal(t, models.ResolutionMerge, res.Action)
	assert.Equal(t, "local notes\n---\nexternal notes", res.ResolvedValue)
}

// A more advanced local status is never regressed by a merge, regardless of
// which side is newer.
func TestSmartMerge_StatusNeverRegresses(t *testing.T) {
	registry := NewStrategyRegistry()
	strategy := registry.Get("smart_merge")

	res := strategy.Resolve(statusConflict(models.StatusUnderReview, models.StatusSubmitted), ResolutionContext{})
	assert.Equal(t, models.ResolutionUseLocal, res.Action)
	assert.Equal(t, models.StatusUnderReview, res.ResolvedValue)

	res = strategy.Resolve(statusConflict(models.StatusSubmitted, models.StatusDecided), ResolutionContext{})
	assert.Equal(t, models.ResolutionUseExternal, res.Action)
	assert.Equal(t, models.StatusDecided, res.ResolvedValue)
}

func TestStrategyRegistry_UnknownNameFallsBack(t *testing.T) {
	registry := NewStrategyRegistry()
	assert.Equal(t, "last_modified_wins", registry.Get("no_such_strategy").Name())
}

// ==========================
// Apply
// ==========================

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.New(db)
	return NewResolver(NewStrategyRegistry(), st.Applications, logger.NewNoOpLogger()), mock
}

func statusResolution(resolved models.ApplicationStatus) models.ConflictResolution {
	return models.ConflictResolution{
		Conflict:      statusConflict(models.StatusSubmitted, resolved),
		Action:        models.ResolutionUseExternal,
		ResolvedValue: resolved,
		Strategy:      "external_wins",
	}
}

// Even an external_wins resolution must not move a status backward; the
// record is left untouched and the resolution is not counted as applied.
func TestApply_SkipsStatusRegression(t *testing.T) {
	resolver, mock := newTestResolver(t)
	app := baseApplication(time.Now().UTC())
	app.Status = models.StatusUnderReview

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE id").
		WillReturnRows(applicationRows(app))

	applied, err := resolver.Apply(context.Background(), []models.ConflictResolution{
		statusResolution(models.StatusSubmitted),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_AdvancingStatusRecordsHistory(t *testing.T) {
	resolver, mock := newTestResolver(t)
	app := baseApplication(time.Now().UTC())
	app.Status = models.StatusSubmitted

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE id").
		WillReturnRows(applicationRows(app))
	mock.ExpectExec("UPDATE applications").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO application_status_history").
		WithArgs(sqlmock.AnyArg(), "app-1", "submitted", "decided", "sync:commonapp", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := resolver.Apply(context.Background(), []models.ConflictResolution{
		statusResolution(models.StatusDecided),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
