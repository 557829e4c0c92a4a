// internal/sync/service.go
package sync

import (
	"context"
	"time"

	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/common/metrics"
	"apptrack-sync/internal/models"
	"apptrack-sync/internal/store"
)

// Deps carries the shared collaborators a sync pass needs. Providers embed
// one and hand it to Run.
type Deps struct {
	Store  *store.Store
	Logger logger.Logger
}

// passState accumulates the outcome of one pass.
type passState struct {
	synced    int
	errors    []models.SyncError
	conflicts []models.DetectedConflict
}

func (p *passState) collect(provider string, err *syncerrors.SyncError) {
	p.errors = append(p.errors, err.ToModel())
	metrics.SyncItemErrors.WithLabelValues(provider, string(err.Type)).Inc()
}

// Run executes one pull/push/bidirectional pass for the integration using
// the backend for all provider-specific work. Per-application failures are
// collected into the result rather than aborting the pass; only failures
// that invalidate the whole pass (fetching the external list, loading local
// state) return an error. LastSyncAt advances even on partial failure so
// progress is never re-done.
func Run(ctx context.Context, backend Backend, integ *models.Integration, opts models.SyncOptions, deps Deps) (*models.SyncResult, []models.DetectedConflict, error) {
	provider := backend.Provider()
	start := time.Now()
	log := deps.Logger.WithFields(map[string]interface{}{
		"provider": provider,
		"userId":   integ.UserID,
		"syncType": string(opts.SyncType),
	})
	log.Info("sync pass started", nil)

	state := &passState{}

	locals, err := deps.Store.Applications.ListByStudent(ctx, integ.UserID, opts.ApplicationIDs)
	if err != nil {
		return nil, nil, syncerrors.Normalize(provider, err)
	}

	switch opts.SyncType {
	case models.SyncPull:
		err = runPull(ctx, backend, integ, opts, locals, state, deps)
	case models.SyncPush:
		err = runPush(ctx, backend, integ, locals, state, deps)
	case models.SyncBidirectional:
		if err = runPull(ctx, backend, integ, opts, locals, state, deps); err == nil {
			// Reload: the pull may have created or rewritten local records.
			locals, err = deps.Store.Applications.ListByStudent(ctx, integ.UserID, opts.ApplicationIDs)
			if err == nil {
				err = runPush(ctx, backend, integ, locals, state, deps)
			}
		}
	default:
		return nil, nil, syncerrors.NewValidationError("unknown sync type: " + string(opts.SyncType))
	}
	if err != nil {
		return nil, nil, syncerrors.Normalize(provider, err)
	}

	now := time.Now().UTC()
	if serr := deps.Store.Integrations.SetLastSyncAt(ctx, integ.ID, now); serr != nil {
		log.Warn("failed to advance lastSyncAt", map[string]interface{}{"error": serr.Error()})
	}
	integ.LastSyncAt = &now

	result := &models.SyncResult{
		Success:     len(state.errors) == 0,
		SyncedCount: state.synced,
		ErrorCount:  len(state.errors),
		Errors:      state.errors,
		LastSyncAt:  now,
	}
	metrics.SyncDuration.WithLabelValues(provider, string(opts.SyncType)).Observe(time.Since(start).Seconds())
	log.Info("sync pass finished", map[string]interface{}{
		"synced":    result.SyncedCount,
		"errors":    result.ErrorCount,
		"conflicts": len(state.conflicts),
	})
	return result, state.conflicts, nil
}

// runPull folds the platform's records into local state. Mapped records
// update through the overwrite gate, unmapped records first try to match an
// existing local application before materializing a new one.
func runPull(ctx context.Context, backend Backend, integ *models.Integration, opts models.SyncOptions, locals []*models.Application, state *passState, deps Deps) error {
	provider := backend.Provider()

	externals, err := backend.FetchExternal(ctx, integ)
	if err != nil {
		return err
	}

	for _, ext := range externals {
		if err := ctx.Err(); err != nil {
			return err
		}

		mapping, err := deps.Store.Mappings.GetByExternalID(ctx, integ.ID, ext.ID)
		if err != nil && err != store.ErrNotFound {
			return err
		}

		if mapping == nil {
			local := matchLocal(locals, ext, backend)
			if local != nil {
				mapping, err = createMapping(ctx, deps, local.ID, integ.ID, ext.ID)
				if err != nil {
					return err
				}
			} else {
				created, cerr := backend.CreateLocal(ctx, integ, ext)
				if cerr != nil {
					state.collect(provider, syncerrors.Normalize(provider, cerr).WithExternal(ext.ID))
					continue
				}
				if _, err = createMapping(ctx, deps, created.ID, integ.ID, ext.ID); err != nil {
					return err
				}
				locals = append(locals, created)
				state.synced++
				continue
			}
		}

		local, err := deps.Store.Applications.GetByID(ctx, mapping.ApplicationID)
		if err != nil {
			return err
		}

		if integ.LastSyncAt != nil && !opts.ForceSync {
			conflicts := DetectConflicts(local, ext, provider, integ.LastSyncAt)
			if len(conflicts) > 0 {
				state.conflicts = append(state.conflicts, conflicts...)
				continue
			}
		}

		if !opts.ForceSync && !ext.LastModified.After(local.UpdatedAt) {
			continue
		}

		if uerr := backend.UpdateLocal(ctx, local, ext); uerr != nil {
			state.collect(provider, syncerrors.Normalize(provider, uerr).WithApplication(local.ID))
			_ = deps.Store.Mappings.MarkError(ctx, mapping.ID, uerr.Error())
			continue
		}
		if merr := deps.Store.Mappings.MarkSynced(ctx, mapping.ID, time.Now().UTC()); merr != nil {
			return merr
		}
		state.synced++
	}
	return nil
}

// runPush publishes local applications to the platform, updating mapped
// records and creating the rest.
func runPush(ctx context.Context, backend Backend, integ *models.Integration, locals []*models.Application, state *passState, deps Deps) error {
	provider := backend.Provider()

	for _, local := range locals {
		if err := ctx.Err(); err != nil {
			return err
		}

		mapping, err := deps.Store.Mappings.GetByApplication(ctx, integ.ID, local.ID)
		if err != nil && err != store.ErrNotFound {
			return err
		}

		if mapping != nil {
			if uerr := backend.UpdateExternal(ctx, integ, local, mapping); uerr != nil {
				state.collect(provider, syncerrors.Normalize(provider, uerr).WithApplication(local.ID))
				_ = deps.Store.Mappings.MarkError(ctx, mapping.ID, uerr.Error())
				continue
			}
			if merr := deps.Store.Mappings.MarkSynced(ctx, mapping.ID, time.Now().UTC()); merr != nil {
				return merr
			}
			state.synced++
			continue
		}

		externalID, cerr := backend.CreateExternal(ctx, integ, local)
		if cerr != nil {
			state.collect(provider, syncerrors.Normalize(provider, cerr).WithApplication(local.ID))
			continue
		}
		if _, err = createMapping(ctx, deps, local.ID, integ.ID, externalID); err != nil {
			return err
		}
		state.synced++
	}
	return nil
}

func matchLocal(locals []*models.Application, ext *ExternalApplication, backend Backend) *models.Application {
	for _, local := range locals {
		if backend.Match(local, ext) {
			return local
		}
	}
	return nil
}

func createMapping(ctx context.Context, deps Deps, applicationID, integrationID, externalID string) (*models.ExternalApplicationMapping, error) {
	mapping := &models.ExternalApplicationMapping{
		ApplicationID:         applicationID,
		IntegrationID:         integrationID,
		ExternalApplicationID: externalID,
		SyncStatus:            models.MappingSynced,
	}
	if err := deps.Store.Mappings.Create(ctx, mapping); err != nil {
		return nil, err
	}
	return mapping, nil
}
