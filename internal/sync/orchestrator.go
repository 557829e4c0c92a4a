// internal/sync/orchestrator.go
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"apptrack-sync/internal/common/config"
	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/common/metrics"
	"apptrack-sync/internal/common/observability"
	"apptrack-sync/internal/models"
	"apptrack-sync/internal/store"
)

// Orchestrator runs sync jobs across providers: it fans a job out to one or
// all registered providers, serializes passes per (user, provider) with a
// Redis lease, resolves conflicts with the configured strategy and
// schedules retries for retryable failures. Job state lives in memory;
// finished jobs stay queryable until the retention window lapses.
type Orchestrator struct {
	manager  *Manager
	resolver *Resolver
	retries  *RetryManager
	locks    *SyncLocks
	store    *store.Store
	cfg      *config.Config
	obs      *observability.Observability
	logger   logger.Logger

	mu      sync.RWMutex
	jobs    map[string]*models.SyncJob
	cancels map[string]context.CancelFunc

	conflictsResolved int64
	retriesExecuted   int64
	wg                sync.WaitGroup
}

// Stats is a point-in-time orchestrator summary.
type Stats struct {
	TotalJobs         int           `json:"totalJobs"`
	ActiveJobs        int           `json:"activeJobs"`
	CompletedJobs     int           `json:"completedJobs"`
	FailedJobs        int           `json:"failedJobs"`
	CancelledJobs     int           `json:"cancelledJobs"`
	AverageDuration   time.Duration `json:"averageDurationMs"`
	ConflictsResolved int64         `json:"conflictsResolved"`
	RetriesExecuted   int64         `json:"retriesExecuted"`
}

func NewOrchestrator(manager *Manager, resolver *Resolver, retries *RetryManager, locks *SyncLocks, st *store.Store, cfg *config.Config, obs *observability.Observability, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		manager:  manager,
		resolver: resolver,
		retries:  retries,
		locks:    locks,
		store:    st,
		cfg:      cfg,
		obs:      obs,
		logger:   log.WithFields(map[string]interface{}{"component": "sync-orchestrator"}),
		jobs:     make(map[string]*models.SyncJob),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// TriggerSync starts a job for one provider, or for every registered
// provider when provider is empty. The job runs in the background; the
// returned record is the pending snapshot to poll with GetJob.
func (o *Orchestrator) TriggerSync(ctx context.Context, userID, provider string, opts models.SyncOptions) (*models.SyncJob, error) {
	if opts.SyncType == "" {
		opts.SyncType = models.SyncBidirectional
	}

	targets := o.manager.Names()
	if provider != "" {
		if _, err := o.manager.Provider(provider); err != nil {
			return nil, err
		}
		targets = []string{provider}
	}
	if len(targets) == 0 {
		return nil, syncerrors.NewValidationError("no providers registered")
	}

	job := &models.SyncJob{
		ID:        uuid.New().String(),
		UserID:    userID,
		Provider:  provider,
		Options:   opts,
		Status:    models.JobPending,
		StartedAt: time.Now().UTC(),
		Results:   make(map[string]*models.SyncResult),
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	o.pruneLocked()
	o.jobs[job.ID] = job
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(runCtx, job, targets)

	return o.snapshot(job.ID), nil
}

func (o *Orchestrator) run(ctx context.Context, job *models.SyncJob, targets []string) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.ID)
		o.mu.Unlock()
	}()

	o.setStatus(job.ID, models.JobRunning)
	log := o.logger.WithFields(map[string]interface{}{"jobId": job.ID, "userId": job.UserID})

	failed := false
	for _, provider := range targets {
		if ctx.Err() != nil {
			o.finish(job.ID, models.JobCancelled, "cancelled")
			return
		}

		result, err := o.runProvider(ctx, job, provider)
		o.mu.Lock()
		if result != nil {
			job.Results[provider] = result
		}
		o.mu.Unlock()

		if err != nil {
			failed = true
			log.Error("provider sync failed", map[string]interface{}{
				"provider": provider,
				"error":    err.Error(),
			})
			o.mu.Lock()
			job.Results[provider] = &models.SyncResult{
				Success:    false,
				ErrorCount: 1,
				Errors:     []models.SyncError{syncerrors.Normalize(provider, err).ToModel()},
			}
			o.mu.Unlock()
		}
	}

	if ctx.Err() != nil {
		o.finish(job.ID, models.JobCancelled, "cancelled")
		return
	}
	if failed {
		o.finish(job.ID, models.JobFailed, "one or more providers failed")
		return
	}
	o.finish(job.ID, models.JobCompleted, "")
}

// runProvider executes one provider's pass under the (user, provider)
// lease. A held lease skips the provider with a conflict error rather than
// queueing behind the holder.
func (o *Orchestrator) runProvider(ctx context.Context, job *models.SyncJob, provider string) (*models.SyncResult, error) {
	acquired, err := o.locks.Acquire(ctx, job.UserID, provider, job.ID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, syncerrors.NewConflictError(provider, "", "sync already in progress")
	}
	defer func() {
		if rerr := o.locks.Release(context.WithoutCancel(ctx), job.UserID, provider, job.ID); rerr != nil {
			o.logger.Warn("failed to release sync lock", map[string]interface{}{
				"jobId": job.ID, "provider": provider, "error": rerr.Error(),
			})
		}
	}()

	metrics.SyncJobsActive.WithLabelValues(provider).Inc()
	defer metrics.SyncJobsActive.WithLabelValues(provider).Dec()
	start := time.Now()

	result, conflicts, err := o.manager.Sync(ctx, provider, job.UserID, job.Options)
	if o.obs != nil {
		o.obs.RecordSyncDuration(ctx, time.Since(start), provider)
	}
	if err != nil {
		if o.obs != nil {
			o.obs.RecordSyncPass(ctx, provider, "failed")
		}
		metrics.SyncJobsFailed.WithLabelValues(provider, errorType(err)).Inc()
		o.scheduleRetry(ctx, job, provider, "sync", "", err)
		return nil, err
	}

	if len(conflicts) > 0 {
		resolved, rerr := o.resolveConflicts(ctx, job, provider, conflicts)
		if rerr != nil {
			o.logger.Error("conflict resolution failed", map[string]interface{}{
				"jobId": job.ID, "provider": provider, "error": rerr.Error(),
			})
		} else {
			result.SyncedCount += resolved
		}
	}

	for _, itemErr := range result.Errors {
		if !itemErr.Retryable {
			continue
		}
		cause := &syncerrors.SyncError{
			Type:          syncerrors.ErrorType(itemErr.Type),
			Message:       itemErr.Message,
			Provider:      provider,
			ApplicationID: itemErr.ApplicationID,
			Retryable:     true,
			Timestamp:     time.Now().UTC(),
		}
		o.scheduleRetry(ctx, job, provider, "sync_item", itemErr.ApplicationID, cause)
	}

	if o.obs != nil {
		o.obs.RecordSyncPass(ctx, provider, "completed")
	}
	metrics.SyncJobsCompleted.WithLabelValues(provider, string(job.Options.SyncType)).Inc()
	return result, nil
}

// resolveConflicts runs the configured strategy over the pass's conflicts,
// grouped per application so each resolution compares the right local
// timestamps.
func (o *Orchestrator) resolveConflicts(ctx context.Context, job *models.SyncJob, provider string, conflicts []models.DetectedConflict) (int, error) {
	integ, err := o.store.Integrations.GetByUserProvider(ctx, job.UserID, provider)
	if err != nil {
		return 0, err
	}

	byApp := make(map[string][]models.DetectedConflict)
	for _, c := range conflicts {
		byApp[c.ApplicationID] = append(byApp[c.ApplicationID], c)
	}

	applied := 0
	for appID, group := range byApp {
		app, err := o.store.Applications.GetByID(ctx, appID)
		if err != nil {
			return applied, err
		}
		// The mapping's lastSyncedAt is the per-record watermark; the
		// integration's lastSyncAt has already moved past the pass that
		// reported these conflicts and would mask local edits.
		var lastSynced *time.Time
		mapping, err := o.store.Mappings.GetByApplication(ctx, integ.ID, appID)
		switch {
		case err == nil:
			lastSynced = mapping.LastSyncedAt
		case errors.Is(err, store.ErrNotFound):
		default:
			return applied, err
		}
		rc := ResolutionContext{LocalUpdatedAt: app.UpdatedAt, LastSyncedAt: lastSynced}
		resolutions := o.resolver.ResolveBatch(group, o.cfg.Sync.DefaultStrategy, rc)
		n, err := o.resolver.Apply(ctx, resolutions)
		applied += n
		if err != nil {
			return applied, err
		}
	}

	o.mu.Lock()
	o.conflictsResolved += int64(applied)
	o.mu.Unlock()
	return applied, nil
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, job *models.SyncJob, provider, operation, applicationID string, cause error) {
	if !syncerrors.IsRetryable(cause) {
		return
	}
	if _, err := o.retries.Schedule(context.WithoutCancel(ctx), job.UserID, provider, operation, applicationID, cause); err != nil {
		o.logger.Warn("failed to schedule retry", map[string]interface{}{
			"jobId": job.ID, "provider": provider, "error": err.Error(),
		})
	}
}

// RunRetryLoop periodically re-executes due retry chains until ctx is
// cancelled. Run it in its own goroutine next to the HTTP server.
func (o *Orchestrator) RunRetryLoop(ctx context.Context) {
	interval := time.Duration(o.cfg.Sync.RetryPollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.ExecuteDueRetries(ctx); err != nil {
				o.logger.Error("retry sweep failed", map[string]interface{}{"error": err.Error()})
			} else if n > 0 {
				o.logger.Info("retry sweep finished", map[string]interface{}{"executed": n})
			}
		}
	}
}

// ExecuteDueRetries re-runs every chain whose backoff has elapsed. A chain
// whose (user, provider) lease is held is left for the next sweep.
func (o *Orchestrator) ExecuteDueRetries(ctx context.Context) (int, error) {
	due, err := o.retries.Due(ctx)
	if err != nil {
		return 0, err
	}

	executed := 0
	for _, attempt := range due {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}
		if o.executeRetry(ctx, attempt) {
			executed++
		}
	}

	o.mu.Lock()
	o.retriesExecuted += int64(executed)
	o.mu.Unlock()
	return executed, nil
}

func (o *Orchestrator) executeRetry(ctx context.Context, attempt *models.RetryAttempt) bool {
	holder := "retry-" + uuid.New().String()
	acquired, err := o.locks.Acquire(ctx, attempt.UserID, attempt.Provider, holder)
	if err != nil || !acquired {
		return false
	}
	defer func() {
		if rerr := o.locks.Release(context.WithoutCancel(ctx), attempt.UserID, attempt.Provider, holder); rerr != nil {
			o.logger.Warn("failed to release sync lock", map[string]interface{}{
				"provider": attempt.Provider, "error": rerr.Error(),
			})
		}
	}()

	log := o.logger.WithFields(map[string]interface{}{
		"userId":        attempt.UserID,
		"provider":      attempt.Provider,
		"operation":     attempt.Operation,
		"applicationId": attempt.ApplicationID,
		"attempt":       attempt.Attempt,
	})

	opts := models.SyncOptions{SyncType: models.SyncBidirectional}
	if attempt.ApplicationID != "" {
		opts.ApplicationIDs = []string{attempt.ApplicationID}
	}

	_, _, err = o.manager.Sync(ctx, attempt.Provider, attempt.UserID, opts)
	if err != nil {
		metrics.RetriesExecuted.WithLabelValues(attempt.Provider, "failed").Inc()
		next, serr := o.retries.Schedule(context.WithoutCancel(ctx), attempt.UserID, attempt.Provider, attempt.Operation, attempt.ApplicationID, err)
		switch {
		case serr != nil:
			log.Warn("failed to reschedule retry", map[string]interface{}{"error": serr.Error()})
		case next == nil:
			// The retried pass failed in a way that is no longer
			// retryable; the chain is abandoned.
			log.Warn("retry failed with non-retryable error, chain dropped", map[string]interface{}{"error": err.Error()})
			if derr := o.retries.Resolve(context.WithoutCancel(ctx), attempt.UserID, attempt.Provider, attempt.Operation, attempt.ApplicationID); derr != nil {
				log.Warn("failed to drop retry chain", map[string]interface{}{"error": derr.Error()})
			}
		default:
			log.Info("retry failed, rescheduled", map[string]interface{}{"error": err.Error()})
		}
		return true
	}

	metrics.RetriesExecuted.WithLabelValues(attempt.Provider, "succeeded").Inc()
	if rerr := o.retries.Resolve(context.WithoutCancel(ctx), attempt.UserID, attempt.Provider, attempt.Operation, attempt.ApplicationID); rerr != nil {
		log.Warn("failed to clear retry chain", map[string]interface{}{"error": rerr.Error()})
	}
	log.Info("retry succeeded", nil)
	return true
}

// CancelSync cancels a pending or running job. Finished jobs cannot be
// cancelled.
func (o *Orchestrator) CancelSync(jobID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cancel, ok := o.cancels[jobID]
	if !ok {
		if _, exists := o.jobs[jobID]; exists {
			return syncerrors.NewValidationError("job already finished: " + jobID)
		}
		return syncerrors.NewValidationError("unknown job: " + jobID)
	}
	cancel()
	return nil
}

// GetJob returns a copy of the job record, nil for unknown ids.
func (o *Orchestrator) GetJob(jobID string) *models.SyncJob {
	return o.snapshot(jobID)
}

// Jobs lists all retained jobs for a user.
func (o *Orchestrator) Jobs(userID string) []*models.SyncJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []*models.SyncJob
	for id, j := range o.jobs {
		if j.UserID == userID {
			out = append(out, o.snapshotLocked(id))
		}
	}
	return out
}

// GetStats summarizes retained jobs.
func (o *Orchestrator) GetStats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Stats{ConflictsResolved: o.conflictsResolved, RetriesExecuted: o.retriesExecuted}
	var total time.Duration
	var finished int
	for _, j := range o.jobs {
		s.TotalJobs++
		switch j.Status {
		case models.JobPending, models.JobRunning:
			s.ActiveJobs++
		case models.JobCompleted:
			s.CompletedJobs++
		case models.JobFailed:
			s.FailedJobs++
		case models.JobCancelled:
			s.CancelledJobs++
		}
		if d := j.Duration(); d > 0 {
			total += d
			finished++
		}
	}
	if finished > 0 {
		s.AverageDuration = total / time.Duration(finished)
	}
	return s
}

// Wait blocks until all in-flight jobs finish. Used during shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) setStatus(jobID string, status models.SyncJobStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if j, ok := o.jobs[jobID]; ok {
		j.Status = status
	}
}

func (o *Orchestrator) finish(jobID string, status models.SyncJobStatus, errMsg string) {
	now := time.Now().UTC()
	o.mu.Lock()
	defer o.mu.Unlock()
	if j, ok := o.jobs[jobID]; ok {
		j.Status = status
		j.CompletedAt = &now
		j.Error = errMsg
	}
}

// pruneLocked drops finished jobs older than the retention window. Caller
// holds the write lock.
func (o *Orchestrator) pruneLocked() {
	retention := time.Duration(o.cfg.Sync.JobRetentionMs) * time.Millisecond
	if retention <= 0 {
		retention = time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)
	for id, j := range o.jobs {
		if j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(o.jobs, id)
		}
	}
}

func (o *Orchestrator) snapshot(jobID string) *models.SyncJob {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked(jobID)
}

func (o *Orchestrator) snapshotLocked(jobID string) *models.SyncJob {
	j, ok := o.jobs[jobID]
	if !ok {
		return nil
	}
	cp := *j
	cp.Results = make(map[string]*models.SyncResult, len(j.Results))
	for k, v := range j.Results {
		rv := *v
		cp.Results[k] = &rv
	}
	return &cp
}
