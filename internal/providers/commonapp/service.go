// internal/providers/commonapp/service.go
package commonapp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"apptrack-sync/internal/common/config"
	"apptrack-sync/internal/common/crypto"
	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/models"
	"apptrack-sync/internal/store"
	engine "apptrack-sync/internal/sync"
)

// Service is the platform's Provider and Backend implementation. Provider
// methods are the entry points the manager routes to; Backend methods are
// called back by the engine's shared sync pass.
type Service struct {
	cfg     config.ProviderConfig
	client  *Client
	store   *store.Store
	sealer  *crypto.TokenSealer
	deduper *engine.EventDeduper
	logger  logger.Logger
}

func NewService(cfg config.ProviderConfig, client *Client, st *store.Store, sealer *crypto.TokenSealer, deduper *engine.EventDeduper, log logger.Logger) *Service {
	return &Service{
		cfg:     cfg,
		client:  client,
		store:   st,
		sealer:  sealer,
		deduper: deduper,
		logger:  log.WithFields(map[string]interface{}{"provider": ProviderName}),
	}
}

func (s *Service) Name() string { return ProviderName }

// ==========================
// Provider
// ==========================

// Authenticate exchanges the OAuth code, seals the tokens and upserts the
// user's Integration row. Reconnecting an already connected account
// replaces the stored tokens.
func (s *Service) Authenticate(ctx context.Context, userID, code string) (*models.Integration, error) {
	tokens, err := s.client.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	sealedAccess, err := s.sealer.Seal(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	sealedRefresh, err := s.sealer.Seal(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	integ := &models.Integration{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       ProviderName,
		AccessToken:    sealedAccess,
		RefreshToken:   sealedRefresh,
		TokenExpiresAt: &expiresAt,
		SyncEnabled:    true,
	}

	if user, err := s.client.GetUser(ctx, integ); err == nil {
		integ.ExternalUserID = user.ID
	} else {
		s.logger.Warn("could not fetch platform account", map[string]interface{}{
			"userId": userID, "error": err.Error(),
		})
	}

	if err := s.store.Integrations.Create(ctx, integ); err != nil {
		return nil, err
	}
	s.logger.Info("integration connected", map[string]interface{}{"userId": userID})
	return integ, nil
}

// Sync loads the integration fail-fast, then hands the pass to the shared
// engine loop with this service as the backend.
func (s *Service) Sync(ctx context.Context, userID string, opts models.SyncOptions) (*models.SyncResult, []models.DetectedConflict, error) {
	integ, err := s.loadIntegration(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !integ.SyncEnabled {
		return nil, nil, syncerrors.NewValidationError("sync is disabled for this integration")
	}
	result, conflicts, err := engine.Run(ctx, s, integ, opts, engine.Deps{Store: s.store, Logger: s.logger})
	if err != nil {
		s.recordIntegrationError(ctx, integ, err)
		return nil, nil, err
	}
	return result, conflicts, nil
}

// Disconnect revokes the token best effort, then removes the Integration
// and its mappings in one transaction.
func (s *Service) Disconnect(ctx context.Context, userID string) error {
	integ, err := s.loadIntegration(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.client.RevokeToken(ctx, integ); err != nil {
		s.logger.Warn("token revoke failed, deleting integration anyway", map[string]interface{}{
			"userId": userID, "error": err.Error(),
		})
	}

	if err := s.store.Integrations.DeleteWithMappings(ctx, integ.ID); err != nil {
		return err
	}
	s.logger.Info("integration disconnected", map[string]interface{}{"userId": userID})
	return nil
}

func (s *Service) Status(ctx context.Context, userID string) (*models.Integration, error) {
	return s.loadIntegration(ctx, userID)
}

func (s *Service) ToggleSync(ctx context.Context, userID string, enabled bool) error {
	integ, err := s.loadIntegration(ctx, userID)
	if err != nil {
		return err
	}
	return s.store.Integrations.SetSyncEnabled(ctx, integ.ID, enabled)
}

func (s *Service) loadIntegration(ctx context.Context, userID string) (*models.Integration, error) {
	integ, err := s.store.Integrations.GetByUserProvider(ctx, userID, ProviderName)
	if err == store.ErrNotFound {
		return nil, syncerrors.NewIntegrationNotFoundError(ProviderName, userID)
	}
	if err != nil {
		return nil, err
	}
	return integ, nil
}

// ==========================
// Backend
// ==========================

func (s *Service) Provider() string { return ProviderName }

func (s *Service) FetchExternal(ctx context.Context, integ *models.Integration) ([]*engine.ExternalApplication, error) {
	records, err := s.client.ListApplications(ctx, integ)
	if err != nil {
		return nil, err
	}
	out := make([]*engine.ExternalApplication, 0, len(records))
	for i := range records {
		out = append(out, toExternalApplication(&records[i]))
	}
	return out, nil
}

func (s *Service) Match(local *models.Application, external *engine.ExternalApplication) bool {
	return Matches(local, external)
}

// UpdateLocal overwrites local fields from the external record. The status
// only ever moves forward in the hierarchy; an external status behind the
// local one leaves it alone. Each applied status change appends a history
// entry.
func (s *Service) UpdateLocal(ctx context.Context, local *models.Application, external *engine.ExternalApplication) error {
	fromStatus := local.Status

	if external.Status != local.Status && models.StatusAtLeast(external.Status, local.Status) {
		local.Status = external.Status
	}
	if external.SubmittedDate != nil {
		local.SubmittedDate = external.SubmittedDate
	}
	if external.DecisionDate != nil {
		local.DecisionDate = external.DecisionDate
	}
	if external.DecisionType != nil {
		local.DecisionType = external.DecisionType
	}
	if strings.TrimSpace(external.Notes) != "" {
		local.Notes = external.Notes
	}

	if err := s.store.Applications.Update(ctx, local); err != nil {
		return err
	}

	if local.Status != fromStatus {
		entry := &models.StatusHistoryEntry{
			ApplicationID: local.ID,
			FromStatus:    fromStatus,
			ToStatus:      local.Status,
			ChangedBy:     "sync:" + ProviderName,
		}
		if err := s.store.Applications.AppendStatusHistory(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// CreateLocal materializes a local application for an external record,
// resolving the university by id first, then by fuzzy name.
func (s *Service) CreateLocal(ctx context.Context, integ *models.Integration, external *engine.ExternalApplication) (*models.Application, error) {
	uni, err := s.store.Universities.Resolve(ctx, external.UniversityID, external.UniversityName)
	if err != nil {
		return nil, syncerrors.NewDataMappingError(ProviderName,
			fmt.Sprintf("cannot resolve university %q (%s)", external.UniversityName, external.UniversityID))
	}

	app := &models.Application{
		StudentID:       integ.UserID,
		UniversityID:    uni.ID,
		ApplicationType: external.ApplicationType,
		Status:          external.Status,
		SubmittedDate:   external.SubmittedDate,
		DecisionDate:    external.DecisionDate,
		DecisionType:    external.DecisionType,
		Notes:           external.Notes,
	}
	if models.StatusRank(app.Status) < 0 {
		app.Status = models.StatusNotStarted
	}
	if err := s.store.Applications.Create(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

func (s *Service) UpdateExternal(ctx context.Context, integ *models.Integration, local *models.Application, mapping *models.ExternalApplicationMapping) error {
	rec := toApplicationRecord(local, local.UniversityID)
	return s.client.UpdateApplication(ctx, integ, mapping.ExternalApplicationID, rec)
}

// CreateExternal creates the application on the platform, locating the
// platform's college id via its search endpoint.
func (s *Service) CreateExternal(ctx context.Context, integ *models.Integration, local *models.Application) (string, error) {
	if missing := ValidateForPush(local); len(missing) > 0 {
		return "", syncerrors.NewDataMappingError(ProviderName,
			"application not pushable, missing: "+strings.Join(missing, ", "))
	}

	uni, err := s.store.Universities.GetByID(ctx, local.UniversityID)
	if err != nil {
		return "", syncerrors.NewDataMappingError(ProviderName, "unknown university: "+local.UniversityID)
	}

	colleges, err := s.client.SearchColleges(ctx, integ, uni.Name)
	if err != nil {
		return "", err
	}
	collegeID := ""
	for _, c := range colleges {
		if strings.EqualFold(c.Name, uni.Name) {
			collegeID = c.ID
			break
		}
	}
	if collegeID == "" && len(colleges) > 0 {
		collegeID = colleges[0].ID
	}
	if collegeID == "" {
		return "", syncerrors.NewDataMappingError(ProviderName,
			fmt.Sprintf("platform has no college matching %q", uni.Name))
	}

	created, err := s.client.CreateApplication(ctx, integ, toApplicationRecord(local, collegeID))
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", syncerrors.NewDataMappingError(ProviderName, "platform returned application without id")
	}
	return created.ID, nil
}

// recordIntegrationError folds a failure into the integration's opaque data
// blob for status reporting.
func (s *Service) recordIntegrationError(ctx context.Context, integ *models.Integration, cause error) {
	var data models.IntegrationData
	if len(integ.IntegrationData) > 0 {
		_ = json.Unmarshal(integ.IntegrationData, &data)
	}
	data.ErrorCount++
	data.LastError = cause.Error()
	data.LastErrorAt = time.Now().UTC().Format(time.RFC3339)

	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	if err := s.store.Integrations.UpdateData(ctx, integ.ID, raw); err != nil {
		s.logger.Warn("could not record integration error", map[string]interface{}{
			"userId": integ.UserID, "error": err.Error(),
		})
	}
}
