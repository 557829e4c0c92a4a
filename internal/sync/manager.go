// internal/sync/manager.go
package sync

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"apptrack-sync/internal/common/config"
	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/models"
)

// Manager is the explicit provider registry. Every provider is registered
// at startup; there is no dynamic discovery, an unknown provider name is a
// routing error.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	cfg       *config.Config
	logger    logger.Logger
}

func NewManager(cfg *config.Config, log logger.Logger) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		cfg:       cfg,
		logger:    log.WithFields(map[string]interface{}{"component": "integration-manager"}),
	}
}

// Register adds a provider after checking its configuration is complete.
// Registering a disabled provider is rejected rather than silently kept.
func (m *Manager) Register(p Provider) error {
	name := p.Name()
	pc, ok := m.cfg.Providers[name]
	if !ok || !pc.Enabled {
		return syncerrors.NewValidationError("provider not enabled: " + name)
	}
	if pc.ClientID == "" || pc.ClientSecret == "" {
		return syncerrors.NewValidationError("provider missing OAuth credentials: " + name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[name]; exists {
		return syncerrors.NewValidationError("provider already registered: " + name)
	}
	m.providers[name] = p
	m.logger.Info("provider registered", map[string]interface{}{"provider": name})
	return nil
}

// Provider returns the registered provider or an integration-not-found
// error for unknown names.
func (m *Manager) Provider(name string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	if !ok {
		return nil, syncerrors.NewIntegrationNotFoundError(name, "")
	}
	return p, nil
}

// Names lists registered providers in stable order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Authenticate(ctx context.Context, provider, userID, code string) (*models.Integration, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return nil, err
	}
	integ, err := p.Authenticate(ctx, userID, code)
	if err != nil {
		return nil, syncerrors.Normalize(provider, err)
	}
	return integ, nil
}

func (m *Manager) Sync(ctx context.Context, provider, userID string, opts models.SyncOptions) (*models.SyncResult, []models.DetectedConflict, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return nil, nil, err
	}
	result, conflicts, err := p.Sync(ctx, userID, opts)
	if err != nil {
		return nil, nil, syncerrors.Normalize(provider, err)
	}
	return result, conflicts, nil
}

func (m *Manager) HandleWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) *models.WebhookResult {
	p, err := m.Provider(provider)
	if err != nil {
		return &models.WebhookResult{Success: false, Error: "unknown provider: " + provider}
	}
	return p.HandleWebhook(ctx, payload, headers)
}

func (m *Manager) Disconnect(ctx context.Context, provider, userID string) error {
	p, err := m.Provider(provider)
	if err != nil {
		return err
	}
	if err := p.Disconnect(ctx, userID); err != nil {
		return syncerrors.Normalize(provider, err)
	}
	return nil
}

func (m *Manager) Status(ctx context.Context, provider, userID string) (*models.Integration, error) {
	p, err := m.Provider(provider)
	if err != nil {
		return nil, err
	}
	integ, err := p.Status(ctx, userID)
	if err != nil {
		return nil, syncerrors.Normalize(provider, err)
	}
	return integ, nil
}

func (m *Manager) ToggleSync(ctx context.Context, provider, userID string, enabled bool) error {
	p, err := m.Provider(provider)
	if err != nil {
		return err
	}
	if err := p.ToggleSync(ctx, userID, enabled); err != nil {
		return syncerrors.Normalize(provider, err)
	}
	return nil
}
