// internal/sync/manager_test.go
package sync

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apptrack-sync/internal/common/config"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/models"
)

// fakeProvider is a scriptable Provider for registry and routing tests.
type fakeProvider struct {
	name    string
	result  *models.SyncResult
	syncErr error

	conflicts []models.DetectedConflict
	synced    int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Authenticate(ctx context.Context, userID, code string) (*models.Integration, error) {
	return &models.Integration{UserID: userID, Provider: f.name}, nil
}

func (f *fakeProvider) Sync(ctx context.Context, userID string, opts models.SyncOptions) (*models.SyncResult, []models.DetectedConflict, error) {
	f.synced++
	if f.syncErr != nil {
		return nil, nil, f.syncErr
	}
	if f.result != nil {
		return f.result, f.conflicts, nil
	}
	return &models.SyncResult{Success: true, SyncedCount: 1}, f.conflicts, nil
}

func (f *fakeProvider) HandleWebhook(ctx context.Context, payload []byte, headers http.Header) *models.WebhookResult {
	return &models.WebhookResult{Success: true, Processed: true}
}

func (f *fakeProvider) Disconnect(ctx context.Context, userID string) error { return nil }

func (f *fakeProvider) Status(ctx context.Context, userID string) (*models.Integration, error) {
	return &models.Integration{UserID: userID, Provider: f.name, SyncEnabled: true}, nil
}

func (f *fakeProvider) ToggleSync(ctx context.Context, userID string, enabled bool) error {
	return nil
}

func managerConfig() *config.Config {
	return &config.Config{
		Providers: map[string]config.ProviderConfig{
			"commonapp": {
				Enabled:      true,
				ClientID:     "client-id",
				ClientSecret: "client-secret",
				APIBaseURL:   "https://api.example.test",
			},
			"disabled-one": {Enabled: false},
			"credless":     {Enabled: true},
		},
	}
}

func TestManager_RegisterAndRoute(t *testing.T) {
	m := NewManager(managerConfig(), logger.NewNoOpLogger())
	p := &fakeProvider{name: "commonapp"}
	require.NoError(t, m.Register(p))

	assert.Equal(t, []string{"commonapp"}, m.Names())

	result, _, err := m.Sync(context.Background(), "commonapp", "user-1", models.SyncOptions{SyncType: models.SyncPull})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, p.synced)
}

func TestManager_RejectsUnconfiguredProvider(t *testing.T) {
	m := NewManager(managerConfig(), logger.NewNoOpLogger())

	err := m.Register(&fakeProvider{name: "unknown"})
	assert.Error(t, err)

	err = m.Register(&fakeProvider{name: "disabled-one"})
	assert.Error(t, err)
}

func TestManager_RejectsMissingCredentials(t *testing.T) {
	m := NewManager(managerConfig(), logger.NewNoOpLogger())
	assert.Error(t, m.Register(&fakeProvider{name: "credless"}))
}

func TestManager_RejectsDuplicateRegistration(t *testing.T) {
	m := NewManager(managerConfig(), logger.NewNoOpLogger())
	require.NoError(t, m.Register(&fakeProvider{name: "commonapp"}))
	assert.Error(t, m.Register(&fakeProvider{name: "commonapp"}))
}

func TestManager_UnknownProviderRouting(t *testing.T) {
	m := NewManager(managerConfig(), logger.NewNoOpLogger())

	_, _, err := m.Sync(context.Background(), "nope", "user-1", models.SyncOptions{})
	assert.Error(t, err)

	res := m.HandleWebhook(context.Background(), "nope", []byte("{}"), http.Header{})
	assert.False(t, res.Success)
}
