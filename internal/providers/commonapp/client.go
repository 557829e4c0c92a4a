// internal/providers/commonapp/client.go
package commonapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"apptrack-sync/internal/common/config"
	"apptrack-sync/internal/common/crypto"
	syncerrors "apptrack-sync/internal/common/errors"
	"apptrack-sync/internal/common/logger"
	"apptrack-sync/internal/models"
	"apptrack-sync/internal/store"
)

const ProviderName = "commonapp"

// tokenResponse is the OAuth token endpoint reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// applicationRecord is the platform's application wire shape.
type applicationRecord struct {
	ID              string     `json:"id"`
	CollegeID       string     `json:"college_id"`
	CollegeName     string     `json:"college_name"`
	ApplicationType string     `json:"application_type"`
	Status          string     `json:"status"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
	DecisionAt      *time.Time `json:"decision_at,omitempty"`
	Decision        string     `json:"decision,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// requirementRecord is the platform's requirement wire shape.
type requirementRecord struct {
	ID            string `json:"id"`
	ApplicationID string `json:"application_id"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Completed     bool   `json:"completed"`
}

// collegeRecord is one college search hit.
type collegeRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// userRecord is the platform's account shape.
type userRecord struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Client talks to the platform's REST API. Tokens are unsealed on demand
// and refreshed transparently inside the expiry buffer; refreshes for the
// same integration are serialized so concurrent passes trigger exactly one
// token exchange.
type Client struct {
	cfg           config.ProviderConfig
	http          *http.Client
	sealer        *crypto.TokenSealer
	integrations  *store.IntegrationStore
	logger        logger.Logger
	refreshBuffer time.Duration
	limiter       *rateLimiter
	now           func() time.Time

	refreshMu sync.Mutex
	refreshes map[string]*sync.Mutex // per integration id
}

func NewClient(cfg config.ProviderConfig, sealer *crypto.TokenSealer, integrations *store.IntegrationStore, refreshBuffer time.Duration, log logger.Logger) *Client {
	if refreshBuffer <= 0 {
		refreshBuffer = 5 * time.Minute
	}
	return &Client{
		cfg:           cfg,
		http:          &http.Client{Timeout: 30 * time.Second},
		sealer:        sealer,
		integrations:  integrations,
		logger:        log.WithFields(map[string]interface{}{"provider": ProviderName, "component": "client"}),
		refreshBuffer: refreshBuffer,
		limiter:       newRateLimiter(cfg.RateLimitPerMinute, cfg.RateLimitPerHour),
		now:           time.Now,
		refreshes:     make(map[string]*sync.Mutex),
	}
}

// ==========================
// OAuth
// ==========================

// ExchangeCode trades an authorization code for tokens.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"redirect_uri":  {c.cfg.RedirectURI},
	}
	return c.tokenRequest(ctx, form)
}

func (c *Client) refreshTokens(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	return c.tokenRequest(ctx, form)
}

func (c *Client) tokenRequest(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, syncerrors.NewNetworkError(ProviderName, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerrors.NewNetworkError(ProviderName, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, syncerrors.NewAuthenticationError(ProviderName, fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, truncate(body, 200)))
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, syncerrors.NewAuthenticationError(ProviderName, "malformed token response")
	}
	if tokens.AccessToken == "" {
		return nil, syncerrors.NewAuthenticationError(ProviderName, "token response missing access_token")
	}
	return &tokens, nil
}

// RevokeToken invalidates the access token on the platform. Best effort;
// callers treat failures as non-fatal during disconnect.
func (c *Client) RevokeToken(ctx context.Context, integ *models.Integration) error {
	token, err := c.sealer.Open(integ.AccessToken)
	if err != nil {
		return syncerrors.NewAuthenticationError(ProviderName, "cannot unseal access token")
	}
	form := url.Values{
		"token":         {token},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBaseURL+"/oauth/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return syncerrors.NewNetworkError(ProviderName, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return syncerrors.NewNetworkError(ProviderName, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return syncerrors.NewNetworkError(ProviderName, fmt.Errorf("revoke returned %d", resp.StatusCode))
	}
	return nil
}

// isTokenExpired treats a token inside the refresh buffer as already
// expired: expired iff now >= expiresAt - buffer, with the boundary itself
// counting as expired. A missing expiry means the token never expires.
func (c *Client) isTokenExpired(integ *models.Integration) bool {
	if integ.TokenExpiresAt == nil {
		return false
	}
	return !integ.TokenExpiresAt.After(c.now().UTC().Add(c.refreshBuffer))
}

// bearerToken returns a valid unsealed access token, refreshing first when
// the stored one is inside the expiry buffer.
func (c *Client) bearerToken(ctx context.Context, integ *models.Integration) (string, error) {
	if !c.isTokenExpired(integ) {
		token, err := c.sealer.Open(integ.AccessToken)
		if err != nil {
			return "", syncerrors.NewAuthenticationError(ProviderName, "cannot unseal access token")
		}
		return token, nil
	}
	return c.refresh(ctx, integ)
}

// refresh serializes per integration id: the loser of the race re-reads the
// integration and finds fresh tokens instead of refreshing again.
func (c *Client) refresh(ctx context.Context, integ *models.Integration) (string, error) {
	c.refreshMu.Lock()
	mu, ok := c.refreshes[integ.ID]
	if !ok {
		mu = &sync.Mutex{}
		c.refreshes[integ.ID] = mu
	}
	c.refreshMu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	current, err := c.integrations.GetByUserProvider(ctx, integ.UserID, ProviderName)
	if err != nil {
		return "", err
	}
	if !c.isTokenExpired(current) {
		*integ = *current
		token, err := c.sealer.Open(current.AccessToken)
		if err != nil {
			return "", syncerrors.NewAuthenticationError(ProviderName, "cannot unseal access token")
		}
		return token, nil
	}

	if current.RefreshToken == "" {
		return "", syncerrors.NewTokenExpiredError(ProviderName)
	}
	refreshToken, err := c.sealer.Open(current.RefreshToken)
	if err != nil {
		return "", syncerrors.NewAuthenticationError(ProviderName, "cannot unseal refresh token")
	}

	tokens, err := c.refreshTokens(ctx, refreshToken)
	if err != nil {
		return "", syncerrors.NewTokenExpiredError(ProviderName)
	}

	sealedAccess, err := c.sealer.Seal(tokens.AccessToken)
	if err != nil {
		return "", err
	}
	newRefresh := tokens.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	sealedRefresh, err := c.sealer.Seal(newRefresh)
	if err != nil {
		return "", err
	}
	expiresAt := time.Now().UTC().Add(time.Duration(tokens.ExpiresIn) * time.Second)

	if err := c.integrations.UpdateTokens(ctx, current.ID, sealedAccess, sealedRefresh, expiresAt); err != nil {
		return "", err
	}
	c.logger.Info("access token refreshed", map[string]interface{}{"userId": integ.UserID})

	integ.AccessToken = sealedAccess
	integ.RefreshToken = sealedRefresh
	integ.TokenExpiresAt = &expiresAt
	return tokens.AccessToken, nil
}

// ==========================
// Request Core
// ==========================

// do sends one authenticated request. 4xx (except 429) fails immediately;
// 429 and 5xx retry with exponential backoff up to the configured ceiling.
// An empty 2xx body decodes into the zero result.
func (c *Client) do(ctx context.Context, integ *models.Integration, method, path string, payload, result interface{}) error {
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := time.Duration(c.cfg.RetryBaseDelayMs) * time.Millisecond
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := time.Duration(c.cfg.RetryMaxDelayMs) * time.Millisecond
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * (1 << (attempt - 1))
			if delay > maxDelay {
				delay = maxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return syncerrors.NewNetworkError(ProviderName, ctx.Err())
			}
		}

		if err := c.limiter.wait(ctx); err != nil {
			return syncerrors.NewNetworkError(ProviderName, err)
		}

		retryable, err := c.send(ctx, integ, method, path, payload, result)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// send performs a single request. The bool reports whether the failure is
// worth retrying.
func (c *Client) send(ctx context.Context, integ *models.Integration, method, path string, payload, result interface{}) (bool, error) {
	token, err := c.bearerToken(ctx, integ)
	if err != nil {
		return false, err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return false, syncerrors.NewDataMappingError(ProviderName, err.Error())
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBaseURL+path, body)
	if err != nil {
		return false, syncerrors.NewNetworkError(ProviderName, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return true, syncerrors.NewNetworkError(ProviderName, err)
	}
	defer resp.Body.Close()

	c.limiter.observeHeaders(resp.Header)
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if result == nil || len(bytes.TrimSpace(raw)) == 0 {
			return false, nil
		}
		if err := json.Unmarshal(raw, result); err != nil {
			return false, syncerrors.NewDataMappingError(ProviderName, fmt.Sprintf("decode %s %s: %v", method, path, err))
		}
		return false, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, syncerrors.NewAuthenticationError(ProviderName, fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode))

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header)
		return true, syncerrors.NewRateLimitedError(ProviderName, retryAfter)

	case resp.StatusCode >= 500:
		return true, syncerrors.NewNetworkError(ProviderName, fmt.Errorf("%s %s returned %d", method, path, resp.StatusCode))

	default:
		return false, syncerrors.NewValidationError(fmt.Sprintf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(raw, 200)))
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// ==========================
// Operations
// ==========================

func (c *Client) ListApplications(ctx context.Context, integ *models.Integration) ([]applicationRecord, error) {
	var out struct {
		Applications []applicationRecord `json:"applications"`
	}
	if err := c.do(ctx, integ, http.MethodGet, "/v1/applications", nil, &out); err != nil {
		return nil, err
	}
	return out.Applications, nil
}

func (c *Client) GetApplication(ctx context.Context, integ *models.Integration, id string) (*applicationRecord, error) {
	var out applicationRecord
	if err := c.do(ctx, integ, http.MethodGet, "/v1/applications/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateApplication(ctx context.Context, integ *models.Integration, rec *applicationRecord) (*applicationRecord, error) {
	var out applicationRecord
	if err := c.do(ctx, integ, http.MethodPost, "/v1/applications", rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateApplication(ctx context.Context, integ *models.Integration, id string, rec *applicationRecord) error {
	return c.do(ctx, integ, http.MethodPut, "/v1/applications/"+id, rec, nil)
}

func (c *Client) SubmitApplication(ctx context.Context, integ *models.Integration, id string) error {
	return c.do(ctx, integ, http.MethodPost, "/v1/applications/"+id+"/submit", nil, nil)
}

func (c *Client) ListRequirements(ctx context.Context, integ *models.Integration, applicationID string) ([]requirementRecord, error) {
	var out struct {
		Requirements []requirementRecord `json:"requirements"`
	}
	if err := c.do(ctx, integ, http.MethodGet, "/v1/applications/"+applicationID+"/requirements", nil, &out); err != nil {
		return nil, err
	}
	return out.Requirements, nil
}

func (c *Client) UpdateRequirement(ctx context.Context, integ *models.Integration, applicationID, requirementID string, completed bool) error {
	payload := map[string]interface{}{"completed": completed}
	return c.do(ctx, integ, http.MethodPut, "/v1/applications/"+applicationID+"/requirements/"+requirementID, payload, nil)
}

func (c *Client) SearchColleges(ctx context.Context, integ *models.Integration, query string) ([]collegeRecord, error) {
	var out struct {
		Colleges []collegeRecord `json:"colleges"`
	}
	path := "/v1/colleges?query=" + url.QueryEscape(query)
	if err := c.do(ctx, integ, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Colleges, nil
}

func (c *Client) GetUser(ctx context.Context, integ *models.Integration) (*userRecord, error) {
	var out userRecord
	if err := c.do(ctx, integ, http.MethodGet, "/v1/user", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
