// internal/sync/conflict.go
package sync

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/common/metrics"
	"apptrack-sync/internal/models"
	"apptrack-sync/internal/store"
)

// conflictFields is the fixed field set compared between local and external
// representations of the same application.
var conflictFields = []string{"status", "submittedDate", "decisionDate", "decisionType", "notes"}

// dateTolerance absorbs sub-second clock skew between platforms.
const dateTolerance = 1000 * time.Millisecond

// notesSeparator joins local and external notes under smart_merge.
const notesSeparator = "\n---\n"

// DetectConflicts compares the fixed field set and returns one
// DetectedConflict per diverging field. lastSyncAt classifies the conflict:
// both sides modified since the last sync is a concurrent_update.
func DetectConflicts(local *models.Application, external *ExternalApplication, provider string, lastSyncAt *time.Time) []models.DetectedConflict {
	now := time.Now().UTC()
	var out []models.DetectedConflict

	for _, field := range conflictFields {
		lv := localFieldValue(local, field)
		ev := externalFieldValue(external, field)
		if !hasConflict(lv, ev) {
			continue
		}

		c := models.DetectedConflict{
			ApplicationID: local.ID,
			Provider:      provider,
			FieldName:     field,
			LocalValue:    lv,
			ExternalValue: ev,
			ConflictType:  classifyConflict(lv, ev, local.UpdatedAt, external.LastModified, lastSyncAt),
			DetectedAt:    now,
		}
		out = append(out, c)
		metrics.ConflictsDetected.WithLabelValues(provider, string(c.ConflictType)).Inc()
	}
	return out
}

// hasConflict applies the field comparison rules: both nil is agreement,
// exactly one nil is a conflict, dates within tolerance agree, strings
// compare after trimming, everything else compares strictly.
func hasConflict(local, external interface{}) bool {
	localNil := isNil(local)
	externalNil := isNil(external)

	if localNil && externalNil {
		return false
	}
	if localNil != externalNil {
		return true
	}

	if lt, ok := asTime(local); ok {
		if et, ok := asTime(external); ok {
			diff := lt.Sub(et)
			if diff < 0 {
				diff = -diff
			}
			return diff > dateTolerance
		}
		return true
	}

	if ls, ok := asString(local); ok {
		if es, ok := asString(external); ok {
			return strings.TrimSpace(ls) != strings.TrimSpace(es)
		}
		return true
	}

	return !reflect.DeepEqual(local, external)
}

func classifyConflict(local, external interface{}, localModified, externalModified time.Time, lastSyncAt *time.Time) models.ConflictType {
	if !isNil(local) && !isNil(external) && reflect.TypeOf(local) != reflect.TypeOf(external) {
		_, lt := asComparableKind(local)
		_, et := asComparableKind(external)
		if lt != et {
			return models.ConflictSchemaChange
		}
	}
	if lastSyncAt != nil && localModified.After(*lastSyncAt) && externalModified.After(*lastSyncAt) {
		return models.ConflictConcurrentUpdate
	}
	return models.ConflictDataMismatch
}

// asComparableKind collapses value types to coarse kinds so that, e.g.,
// ApplicationStatus vs string is not a schema change but string vs time is.
func asComparableKind(v interface{}) (interface{}, string) {
	if t, ok := asTime(v); ok {
		return t, "time"
	}
	if s, ok := asString(v); ok {
		return s, "string"
	}
	return v, reflect.TypeOf(v).Kind().String()
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		return rv.IsNil()
	}
	return false
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	}
	return time.Time{}, false
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case models.ApplicationStatus:
		return string(s), true
	case models.DecisionType:
		return string(s), true
	case *models.DecisionType:
		if s == nil {
			return "", false
		}
		return string(*s), true
	}
	return "", false
}

func localFieldValue(app *models.Application, field string) interface{} {
	switch field {
	case "status":
		return app.Status
	case "submittedDate":
		return app.SubmittedDate
	case "decisionDate":
		return app.DecisionDate
	case "decisionType":
		return app.DecisionType
	case "notes":
		return app.Notes
	}
	return nil
}

func externalFieldValue(ext *ExternalApplication, field string) interface{} {
	switch field {
	case "status":
		return ext.Status
	case "submittedDate":
		return ext.SubmittedDate
	case "decisionDate":
		return ext.DecisionDate
	case "decisionType":
		return ext.DecisionType
	case "notes":
		return ext.Notes
	}
	return nil
}

// ==========================
// Resolution Strategies
// ==========================

// ResolutionContext carries the timestamps a strategy compares.
type ResolutionContext struct {
	LocalUpdatedAt time.Time
	LastSyncedAt   *time.Time
}

// Strategy decides the resolved value for one detected conflict.
type Strategy interface {
	Name() string
	Resolve(c models.DetectedConflict, rc ResolutionContext) models.ConflictResolution
}

// StrategyRegistry is a pluggable, name-keyed strategy set.
type StrategyRegistry struct {
	strategies map[string]Strategy
}

func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[string]Strategy)}
	for _, s := range []Strategy{
		lastModifiedWins{},
		externalWins{},
		localWins{},
		manualReview{},
		smartMerge{},
	} {
		r.Register(s)
	}
	return r
}

func (r *StrategyRegistry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Get returns the named strategy, falling back to last_modified_wins for
// unknown names.
func (r *StrategyRegistry) Get(name string) Strategy {
	if s, ok := r.strategies[name]; ok {
		return s
	}
	return r.strategies["last_modified_wins"]
}

type lastModifiedWins struct{}

func (lastModifiedWins) Name() string { return "last_modified_wins" }

// Resolve compares the application's local updatedAt against the mapping's
// lastSyncedAt: local edits newer than the last sync win, otherwise the
// external value does. No prior sync means nothing local-newer to protect.
func (s lastModifiedWins) Resolve(c models.DetectedConflict, rc ResolutionContext) models.ConflictResolution {
	res := models.ConflictResolution{Conflict: c, Strategy: s.Name()}
	if rc.LastSyncedAt != nil && rc.LocalUpdatedAt.After(*rc.LastSyncedAt) {
		res.Action = models.ResolutionUseLocal
		res.ResolvedValue = c.LocalValue
	} else {
		res.Action = models.ResolutionUseExternal
		res.ResolvedValue = c.ExternalValue
	}
	return res
}

type externalWins struct{}

func (externalWins) Name() string { return "external_wins" }

func (s externalWins) Resolve(c models.DetectedConflict, rc ResolutionContext) models.ConflictResolution {
	return models.ConflictResolution{
		Conflict:      c,
		Strategy:      s.Name(),
		Action:        models.ResolutionUseExternal,
		ResolvedValue: c.ExternalValue,
	}
}

type localWins struct{}

func (localWins) Name() string { return "local_wins" }

func (s localWins) Resolve(c models.DetectedConflict, rc ResolutionContext) models.ConflictResolution {
	return models.ConflictResolution{
		Conflict:      c,
		Strategy:      s.Name(),
		Action:        models.ResolutionUseLocal,
		ResolvedValue: c.LocalValue,
	}
}

type manualReview struct{}

func (manualReview) Name() string { return "manual_review" }

func (s manualReview) Resolve(c models.DetectedConflict, rc ResolutionContext) models.ConflictResolution {
	return models.ConflictResolution{
		Conflict:           c,
		Strategy:           s.Name(),
		Action:             models.ResolutionManualReview,
		RequiresUserAction: true,
	}
}

type smartMerge struct{}

func (smartMerge) Name() string { return "smart_merge" }

// Resolve is field-aware: notes concatenate instead of overwriting, status
// resolves to whichever value is further along the hierarchy (a more
// advanced local status is never regressed), everything else falls back to
// last_modified_wins.
func (s smartMerge) Resolve(c models.DetectedConflict, rc ResolutionContext) models.ConflictResolution {
	switch c.FieldName {
	case "notes":
		local, _ := asString(c.LocalValue)
		external, _ := asString(c.ExternalValue)
		merged := local
		if external != "" {
			if merged != "" {
				merged += notesSeparator
			}
			merged += external
		}
		return models.ConflictResolution{
			Conflict:      c,
			Strategy:      s.Name(),
			Action:        models.ResolutionMerge,
			ResolvedValue: merged,
		}
	case "status":
		localStr, _ := asString(c.LocalValue)
		externalStr, _ := asString(c.ExternalValue)
		local := models.ApplicationStatus(localStr)
		external := models.ApplicationStatus(externalStr)
		if models.StatusAtLeast(local, external) {
			return models.ConflictResolution{
				Conflict:      c,
				Strategy:      s.Name(),
				Action:        models.ResolutionUseLocal,
				ResolvedValue: local,
			}
		}
		return models.ConflictResolution{
			Conflict:      c,
			Strategy:      s.Name(),
			Action:        models.ResolutionUseExternal,
			ResolvedValue: external,
		}
	default:
		res := lastModifiedWins{}.Resolve(c, rc)
		res.Strategy = s.Name()
		return res
	}
}

// ==========================
// Applying Resolutions
// ==========================

// Resolver resolves conflict batches with a named strategy and applies the
// outcome to the record store.
type Resolver struct {
	registry *StrategyRegistry
	apps     *store.ApplicationStore
	logger   logger.Logger
}

func NewResolver(registry *StrategyRegistry, apps *store.ApplicationStore, log logger.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		apps:     apps,
		logger:   log.WithFields(map[string]interface{}{"component": "conflict-resolver"}),
	}
}

// ResolveBatch runs the named strategy over all conflicts.
func (r *Resolver) ResolveBatch(conflicts []models.DetectedConflict, strategyName string, rc ResolutionContext) []models.ConflictResolution {
	strategy := r.registry.Get(strategyName)
	out := make([]models.ConflictResolution, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, strategy.Resolve(c, rc))
	}
	return out
}

// Apply writes the resolutions back. Only use_external and merge touch the
// record; use_local is a no-op and manual_review is surfaced for operator
// attention. Every applied change is logged for audit.
func (r *Resolver) Apply(ctx context.Context, resolutions []models.ConflictResolution) (int, error) {
	applied := 0
	for _, res := range resolutions {
		metrics.ConflictsResolved.WithLabelValues(res.Strategy, string(res.Action)).Inc()

		switch res.Action {
		case models.ResolutionUseLocal:
			continue
		case models.ResolutionManualReview:
			r.logger.Warn("conflict requires manual review", map[string]interface{}{
				"applicationId": res.Conflict.ApplicationID,
				"provider":      res.Conflict.Provider,
				"field":         res.Conflict.FieldName,
			})
			continue
		}

		app, err := r.apps.GetByID(ctx, res.Conflict.ApplicationID)
		if err != nil {
			return applied, fmt.Errorf("load application for resolution: %w", err)
		}

		// Reconciliation never moves a status backward, whatever the
		// strategy decided.
		fromStatus := app.Status
		if res.Conflict.FieldName == "status" {
			s, _ := asString(res.ResolvedValue)
			if !models.StatusAtLeast(models.ApplicationStatus(s), fromStatus) {
				r.logger.Warn("resolution would regress status, skipped", map[string]interface{}{
					"applicationId": res.Conflict.ApplicationID,
					"provider":      res.Conflict.Provider,
					"from":          string(fromStatus),
					"to":            s,
				})
				continue
			}
		}

		if err := setApplicationField(app, res.Conflict.FieldName, res.ResolvedValue); err != nil {
			return applied, err
		}
		if err := r.apps.Update(ctx, app); err != nil {
			return applied, fmt.Errorf("apply resolution: %w", err)
		}
		if res.Conflict.FieldName == "status" && app.Status != fromStatus {
			entry := &models.StatusHistoryEntry{
				ApplicationID: app.ID,
				FromStatus:    fromStatus,
				ToStatus:      app.Status,
				ChangedBy:     "sync:" + res.Conflict.Provider,
			}
			if err := r.apps.AppendStatusHistory(ctx, entry); err != nil {
				return applied, err
			}
		}
		applied++

		r.logger.Info("conflict resolved", map[string]interface{}{
			"applicationId": res.Conflict.ApplicationID,
			"provider":      res.Conflict.Provider,
			"field":         res.Conflict.FieldName,
			"strategy":      res.Strategy,
			"action":        string(res.Action),
		})
	}
	return applied, nil
}

func setApplicationField(app *models.Application, field string, value interface{}) error {
	switch field {
	case "status":
		s, _ := asString(value)
		app.Status = models.ApplicationStatus(s)
	case "notes":
		s, _ := asString(value)
		app.Notes = s
	case "submittedDate":
		if t, ok := asTime(value); ok {
			app.SubmittedDate = &t
		} else {
			app.SubmittedDate = nil
		}
	case "decisionDate":
		if t, ok := asTime(value); ok {
			app.DecisionDate = &t
		} else {
			app.DecisionDate = nil
		}
	case "decisionType":
		if s, ok := asString(value); ok {
			dt := models.DecisionType(s)
			app.DecisionType = &dt
		} else {
			app.DecisionType = nil
		}
	default:
		return fmt.Errorf("unknown conflict field: %s", field)
	}
	return nil
}
