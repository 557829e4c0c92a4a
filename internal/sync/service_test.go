// internal/sync/service_test.go
package sync

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/models"
	"apptrack-sync/internal/store"
)

// fakeBackend is a scriptable Backend for exercising the shared pass.
type fakeBackend struct {
	name      string
	externals []*ExternalApplication
	fetchErr  error

	createLocalErr    error
	updateExternalErr error

	updatedLocal    []string
	createdLocal    []string
	updatedExternal []string
	createdExternal []string
}

func (f *fakeBackend) Provider() string { return f.name }

func (f *fakeBackend) FetchExternal(ctx context.Context, integ *models.Integration) ([]*ExternalApplication, error) {
	return f.externals, f.fetchErr
}

func (f *fakeBackend) Match(local *models.Application, external *ExternalApplication) bool {
	return local.UniversityID == external.UniversityID
}

func (f *fakeBackend) UpdateLocal(ctx context.Context, local *models.Application, external *ExternalApplication) error {
	f.updatedLocal = append(f.updatedLocal, local.ID)
	return nil
}

func (f *fakeBackend) CreateLocal(ctx context.Context, integ *models.Integration, external *ExternalApplication) (*models.Application, error) {
	if f.createLocalErr != nil {
		return nil, f.createLocalErr
	}
	f.createdLocal = append(f.createdLocal, external.ID)
	return &models.Application{
		ID:           "app-new-" + external.ID,
		StudentID:    integ.UserID,
		UniversityID: external.UniversityID,
		Status:       external.Status,
	}, nil
}

func (f *fakeBackend) UpdateExternal(ctx context.Context, integ *models.Integration, local *models.Application, mapping *models.ExternalApplicationMapping) error {
	if f.updateExternalErr != nil {
		return f.updateExternalErr
	}
	f.updatedExternal = append(f.updatedExternal, local.ID)
	return nil
}

func (f *fakeBackend) CreateExternal(ctx context.Context, integ *models.Integration, local *models.Application) (string, error) {
	f.createdExternal = append(f.createdExternal, local.ID)
	return "ext-new-" + local.ID, nil
}

func newTestDeps(t *testing.T) (Deps, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return Deps{Store: store.New(db), Logger: logger.NewNoOpLogger()}, mock
}

func testIntegration(lastSyncAt *time.Time) *models.Integration {
	return &models.Integration{
		ID:          "integ-1",
		UserID:      "student-1",
		Provider:    "commonapp",
		SyncEnabled: true,
		LastSyncAt:  lastSyncAt,
	}
}

func applicationRows(apps ...*models.Application) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "student_id", "university_id", "application_type", "status",
		"deadline", "submitted_date", "decision_date", "decision_type", "notes",
		"created_at", "updated_at",
	})
	for _, a := range apps {
		var submitted, decision interface{}
		if a.SubmittedDate != nil {
			submitted = *a.SubmittedDate
		}
		if a.DecisionDate != nil {
			decision = *a.DecisionDate
		}
		rows.AddRow(
			a.ID, a.StudentID, a.UniversityID, a.ApplicationType, a.Status,
			nil, submitted, decision, nil, a.Notes,
			a.CreatedAt, a.UpdatedAt,
		)
	}
	return rows
}

func mappingRows(m *models.ExternalApplicationMapping) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "application_id", "integration_id", "external_application_id",
		"sync_status", "last_synced_at", "sync_error_message", "created_at",
	})
	var lastSynced interface{}
	if m.LastSyncedAt != nil {
		lastSynced = *m.LastSyncedAt
	}
	return rows.AddRow(
		m.ID, m.ApplicationID, m.IntegrationID, m.ExternalApplicationID,
		m.SyncStatus, lastSynced, m.SyncErrorMessage, m.CreatedAt,
	)
}

func expectLastSyncUpdate(mock sqlmock.Sqlmock) {
	mock.ExpectExec("UPDATE integrations").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestRun_PullCreatesLocalForUnmappedExternal(t *testing.T) {
	deps, mock := newTestDeps(t)
	backend := &fakeBackend{
		name: "commonapp",
		externals: []*ExternalApplication{{
			ID:           "ext-1",
			UniversityID: "uni-1",
			Status:       models.StatusSubmitted,
			LastModified: time.Now().UTC(),
		}},
	}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows())
	mock.ExpectQuery("SELECT (.+) FROM external_application_mappings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO external_application_mappings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLastSyncUpdate(mock)

	result, conflicts, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: models.SyncPull}, deps)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Empty(t, conflicts)
	assert.Equal(t, []string{"ext-1"}, backend.createdLocal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PullUpdatesMappedWhenExternalNewer(t *testing.T) {
	deps, mock := newTestDeps(t)
	now := time.Now().UTC()
	local := &models.Application{
		ID: "app-1", StudentID: "student-1", UniversityID: "uni-1",
		Status: models.StatusInProgress, CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-24 * time.Hour),
	}
	backend := &fakeBackend{
		name: "commonapp",
		externals: []*ExternalApplication{{
			ID: "ext-1", UniversityID: "uni-1",
			Status: models.StatusSubmitted, LastModified: now,
		}},
	}
	mapping := &models.ExternalApplicationMapping{
		ID: "map-1", ApplicationID: "app-1", IntegrationID: "integ-1",
		ExternalApplicationID: "ext-1", SyncStatus: models.MappingSynced, CreatedAt: now.Add(-48 * time.Hour),
	}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows(local))
	mock.ExpectQuery("SELECT (.+) FROM external_application_mappings").
		WillReturnRows(mappingRows(mapping))
	mock.ExpectQuery("SELECT (.+) FROM applications WHERE id").
		WillReturnRows(applicationRows(local))
	mock.ExpectExec("UPDATE external_application_mappings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLastSyncUpdate(mock)

	result, conflicts, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: models.SyncPull}, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Empty(t, conflicts)
	assert.Equal(t, []string{"app-1"}, backend.updatedLocal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PullSkipsWhenLocalIsCurrent(t *testing.T) {
	deps, mock := newTestDeps(t)
	now := time.Now().UTC()
	local := &models.Application{
		ID: "app-1", StudentID: "student-1", UniversityID: "uni-1",
		Status: models.StatusSubmitted, CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now,
	}
	backend := &fakeBackend{
		name: "commonapp",
		externals: []*ExternalApplication{{
			ID: "ext-1", UniversityID: "uni-1",
			Status: models.StatusSubmitted, LastModified: now.Add(-time.Hour),
		}},
	}
	mapping := &models.ExternalApplicationMapping{
		ID: "map-1", ApplicationID: "app-1", IntegrationID: "integ-1",
		ExternalApplicationID: "ext-1", SyncStatus: models.MappingSynced, CreatedAt: now.Add(-48 * time.Hour),
	}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows(local))
	mock.ExpectQuery("SELECT (.+) FROM external_application_mappings").
		WillReturnRows(mappingRows(mapping))
	mock.ExpectQuery("SELECT (.+) FROM applications WHERE id").
		WillReturnRows(applicationRows(local))
	expectLastSyncUpdate(mock)

	result, _, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: models.SyncPull}, deps)
	require.NoError(t, err)
	assert.Equal(t, 0, result.SyncedCount)
	assert.Empty(t, backend.updatedLocal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PullReturnsConflictsInsteadOfOverwriting(t *testing.T) {
	deps, mock := newTestDeps(t)
	now := time.Now().UTC()
	lastSync := now.Add(-time.Hour)
	local := &models.Application{
		ID: "app-1", StudentID: "student-1", UniversityID: "uni-1",
		Status: models.StatusUnderReview, CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now,
	}
	backend := &fakeBackend{
		name: "commonapp",
		externals: []*ExternalApplication{{
			ID: "ext-1", UniversityID: "uni-1",
			Status: models.StatusSubmitted, LastModified: now,
		}},
	}
	mapping := &models.ExternalApplicationMapping{
		ID: "map-1", ApplicationID: "app-1", IntegrationID: "integ-1",
		ExternalApplicationID: "ext-1", SyncStatus: models.MappingSynced, CreatedAt: now.Add(-48 * time.Hour),
	}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows(local))
	mock.ExpectQuery("SELECT (.+) FROM external_application_mappings").
		WillReturnRows(mappingRows(mapping))
	mock.ExpectQuery("SELECT (.+) FROM applications WHERE id").
		WillReturnRows(applicationRows(local))
	expectLastSyncUpdate(mock)

	result, conflicts, err := Run(context.Background(), backend, testIntegration(&lastSync), models.SyncOptions{SyncType: models.SyncPull}, deps)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, backend.updatedLocal)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "status", conflicts[0].FieldName)
	assert.Equal(t, models.ConflictConcurrentUpdate, conflicts[0].ConflictType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PullCollectsMappingFailuresAndContinues(t *testing.T) {
	deps, mock := newTestDeps(t)
	backend := &fakeBackend{
		name: "commonapp",
		externals: []*ExternalApplication{{
			ID: "ext-bad", UniversityName: "Unknown College", LastModified: time.Now().UTC(),
		}},
		createLocalErr: syncerrors.NewDataMappingError("commonapp", "university not found"),
	}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows())
	mock.ExpectQuery("SELECT (.+) FROM external_application_mappings").
		WillReturnError(sql.ErrNoRows)
	expectLastSyncUpdate(mock)

	result, _, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: models.SyncPull}, deps)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.SyncedCount)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "data_mapping", result.Errors[0].Type)
	assert.Equal(t, "ext-bad", result.Errors[0].ExternalID)
	assert.False(t, result.Errors[0].Retryable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PushCreatesExternalForUnmappedLocal(t *testing.T) {
	deps, mock := newTestDeps(t)
	now := time.Now().UTC()
	local := &models.Application{
		ID: "app-1", StudentID: "student-1", UniversityID: "uni-1",
		Status: models.StatusInProgress, CreatedAt: now, UpdatedAt: now,
	}
	backend := &fakeBackend{name: "commonapp"}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows(local))
	mock.ExpectQuery("SELECT (.+) FROM external_application_mappings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO external_application_mappings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLastSyncUpdate(mock)

	result, _, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: models.SyncPush}, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, []string{"app-1"}, backend.createdExternal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_PushUpdatesMappedLocal(t *testing.T) {
	deps, mock := newTestDeps(t)
	now := time.Now().UTC()
	local := &models.Application{
		ID: "app-1", StudentID: "student-1", UniversityID: "uni-1",
		Status: models.StatusSubmitted, CreatedAt: now, UpdatedAt: now,
	}
	backend := &fakeBackend{name: "commonapp"}
	mapping := &models.ExternalApplicationMapping{
		ID: "map-1", ApplicationID: "app-1", IntegrationID: "integ-1",
		ExternalApplicationID: "ext-1", SyncStatus: models.MappingSynced, CreatedAt: now,
	}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows(local))
	mock.ExpectQuery("SELECT (.+) FROM external_application_mappings").
		WillReturnRows(mappingRows(mapping))
	mock.ExpectExec("UPDATE external_application_mappings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLastSyncUpdate(mock)

	result, _, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: models.SyncPush}, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Equal(t, []string{"app-1"}, backend.updatedExternal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_FetchFailureIsFatal(t *testing.T) {
	deps, mock := newTestDeps(t)
	backend := &fakeBackend{
		name:     "commonapp",
		fetchErr: syncerrors.NewNetworkError("commonapp", errors.New("connection refused")),
	}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows())

	_, _, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: models.SyncPull}, deps)
	require.Error(t, err)
	assert.True(t, syncerrors.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRun_UnknownSyncTypeRejected(t *testing.T) {
	deps, mock := newTestDeps(t)
	backend := &fakeBackend{name: "commonapp"}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows())

	_, _, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: "sideways"}, deps)
	require.Error(t, err)
	assert.False(t, syncerrors.IsRetryable(err))
}

func TestRun_MatchesExistingLocalInsteadOfCreating(t *testing.T) {
	deps, mock := newTestDeps(t)
	now := time.Now().UTC()
	local := &models.Application{
		ID: "app-1", StudentID: "student-1", UniversityID: "uni-1",
		Status: models.StatusInProgress, CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-24 * time.Hour),
	}
	backend := &fakeBackend{
		name: "commonapp",
		externals: []*ExternalApplication{{
			ID: "ext-1", UniversityID: "uni-1",
			Status: models.StatusSubmitted, LastModified: now,
		}},
	}

	mock.ExpectQuery("SELECT (.+) FROM applications WHERE student_id").
		WillReturnRows(applicationRows(local))
	mock.ExpectQuery("SELECT (.+) FROM external_application_mappings").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO external_application_mappings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM applications WHERE id").
		WillReturnRows(applicationRows(local))
	mock.ExpectExec("UPDATE external_application_mappings").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectLastSyncUpdate(mock)

	result, _, err := Run(context.Background(), backend, testIntegration(nil), models.SyncOptions{SyncType: models.SyncPull}, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, result.SyncedCount)
	assert.Empty(t, backend.createdLocal)
	assert.Equal(t, []string{"app-1"}, backend.updatedLocal)
	assert.NoError(t, mock.ExpectationsWereMet())
}
