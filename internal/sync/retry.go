// internal/sync/retry.go
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"apptrack-sync/internal/common/config"
	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/common/metrics"
	"apptrack-sync/internal/models"
)

const (
	retryKeyPrefix = "retry:"
	// retryRecordTTL bounds how long a retry chain can sit idle before the
	// record expires on its own.
	retryRecordTTL = 24 * time.Hour
	// jitterFraction is the maximum random addition to a computed delay.
	jitterFraction = 0.10
)

// RetryPolicy bounds one provider's retry behavior. An empty
// RetryableErrorTypes admits every retryable error type.
type RetryPolicy struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Multiplier          float64
	RetryableErrorTypes []string
}

// DefaultRetryPolicy applies when a provider has no configured policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  time.Second,
	MaxDelay:   30 * time.Second,
	Multiplier: 2.0,
}

func (p RetryPolicy) admits(errType string) bool {
	if len(p.RetryableErrorTypes) == 0 {
		return true
	}
	for _, t := range p.RetryableErrorTypes {
		if t == errType {
			return true
		}
	}
	return false
}

// RetryManager tracks retry chains for retryable failures in Redis so that
// attempt counts survive process restarts. Chains are keyed by (userId,
// provider, operation, applicationId).
type RetryManager struct {
	redis    *redis.Client
	policies map[string]RetryPolicy // keyed by provider
	logger   logger.Logger
}

func NewRetryManager(rdb *redis.Client, providers map[string]config.ProviderConfig, log logger.Logger) *RetryManager {
	policies := make(map[string]RetryPolicy, len(providers))
	for name, pc := range providers {
		policies[name] = RetryPolicy{
			MaxRetries:          pc.MaxRetries,
			BaseDelay:           time.Duration(pc.RetryBaseDelayMs) * time.Millisecond,
			MaxDelay:            time.Duration(pc.RetryMaxDelayMs) * time.Millisecond,
			Multiplier:          pc.BackoffMultiplier,
			RetryableErrorTypes: pc.RetryableErrorTypes,
		}
	}
	return &RetryManager{
		redis:    rdb,
		policies: policies,
		logger:   log.WithFields(map[string]interface{}{"component": "retry-manager"}),
	}
}

func (m *RetryManager) policyFor(provider string) RetryPolicy {
	if p, ok := m.policies[provider]; ok && p.MaxRetries > 0 {
		return p
	}
	return DefaultRetryPolicy
}

func errorType(err error) string {
	var se *syncerrors.SyncError
	if errors.As(err, &se) {
		return string(se.Type)
	}
	return "unknown"
}

func retryKey(userID, provider, operation, applicationID string) string {
	return fmt.Sprintf("%s%s:%s:%s:%s", retryKeyPrefix, userID, provider, operation, applicationID)
}

// Delay computes the backoff before the given attempt number (1-based):
// base * multiplier^(attempt-1), capped at the policy maximum, plus up to
// 10% random jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	d += d * jitterFraction * rand.Float64()
	return time.Duration(d)
}

// Schedule records a failed attempt and computes the next retry time. A
// cause that is not retryable, or whose type the policy does not admit,
// schedules nothing and returns a nil attempt. When the chain has exhausted
// the policy's ceiling the returned attempt is marked Failed and no further
// retries are scheduled; the record stays in Redis as a permanent-failure
// marker until its TTL lapses.
func (m *RetryManager) Schedule(ctx context.Context, userID, provider, operation, applicationID string, cause error) (*models.RetryAttempt, error) {
	key := retryKey(userID, provider, operation, applicationID)
	policy := m.policyFor(provider)

	if !syncerrors.IsRetryable(cause) || !policy.admits(errorType(cause)) {
		m.logger.Debug("failure not retryable, dropped", map[string]interface{}{
			"userId":    userID,
			"provider":  provider,
			"operation": operation,
			"errorType": errorType(cause),
		})
		return nil, nil
	}

	attempt, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		attempt = &models.RetryAttempt{
			UserID:        userID,
			Provider:      provider,
			Operation:     operation,
			ApplicationID: applicationID,
			MaxRetries:    policy.MaxRetries,
		}
	}
	if attempt.Failed {
		return attempt, nil
	}

	attempt.Attempt++
	attempt.LastError = cause.Error()
	attempt.ErrorType = errorType(cause)

	if attempt.Attempt > policy.MaxRetries {
		attempt.Failed = true
		m.logger.Error("retry ceiling reached", map[string]interface{}{
			"userId":        userID,
			"provider":      provider,
			"operation":     operation,
			"applicationId": applicationID,
			"attempts":      attempt.Attempt - 1,
			"lastError":     attempt.LastError,
		})
	} else {
		delay := policy.Delay(attempt.Attempt)
		attempt.NextRetryAt = time.Now().UTC().Add(delay)
		metrics.RetriesScheduled.WithLabelValues(provider, operation).Inc()
		m.logger.Info("retry scheduled", map[string]interface{}{
			"userId":    userID,
			"provider":  provider,
			"operation": operation,
			"attempt":   attempt.Attempt,
			"delayMs":   delay.Milliseconds(),
		})
	}

	if err := m.save(ctx, key, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// Due returns every chain whose next retry time has passed and that has not
// permanently failed.
func (m *RetryManager) Due(ctx context.Context) ([]*models.RetryAttempt, error) {
	now := time.Now().UTC()
	var due []*models.RetryAttempt

	iter := m.redis.Scan(ctx, 0, retryKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		attempt, err := m.load(ctx, iter.Val())
		if err != nil {
			return nil, err
		}
		if attempt == nil || attempt.Failed {
			continue
		}
		if !attempt.NextRetryAt.After(now) {
			due = append(due, attempt)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan retry records: %w", err)
	}
	return due, nil
}

// Resolve clears a chain after a successful attempt.
func (m *RetryManager) Resolve(ctx context.Context, userID, provider, operation, applicationID string) error {
	return m.redis.Del(ctx, retryKey(userID, provider, operation, applicationID)).Err()
}

// Get returns the chain state, nil when no chain exists.
func (m *RetryManager) Get(ctx context.Context, userID, provider, operation, applicationID string) (*models.RetryAttempt, error) {
	return m.load(ctx, retryKey(userID, provider, operation, applicationID))
}

func (m *RetryManager) load(ctx context.Context, key string) (*models.RetryAttempt, error) {
	raw, err := m.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load retry record: %w", err)
	}
	var attempt models.RetryAttempt
	if err := json.Unmarshal(raw, &attempt); err != nil {
		return nil, fmt.Errorf("decode retry record: %w", err)
	}
	return &attempt, nil
}

func (m *RetryManager) save(ctx context.Context, key string, attempt *models.RetryAttempt) error {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	if err := m.redis.Set(ctx, key, raw, retryRecordTTL).Err(); err != nil {
		return fmt.Errorf("save retry record: %w", err)
	}
	return nil
}
