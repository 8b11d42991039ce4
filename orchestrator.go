package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// quotaDivisor converts the provider's internal quota units to dollars.
const quotaDivisor = 500000

// BalanceInfo is the account balance reported by the identity endpoint.
type BalanceInfo struct {
	Quota     float64 `json:"quota"`
	UsedQuota float64 `json:"used_quota"`
}

// AuthResult is the structured outcome of one account's authentication run.
type AuthResult struct {
	AccountName string
	Provider    string
	Method      AuthMethod
	Success     bool
	FromCache   bool
	UserID      string
	Username    string
	CheckinNote string
	Balance     *BalanceInfo
	Err         error
}

// SurfaceFactory creates an interaction surface for one flow, optionally
// behind the given proxy. The returned func releases the surface.
type SurfaceFactory func(ctx context.Context, proxy string) (Surface, func(), error)

// ProviderClient is the headless client the orchestrator talks to the
// provider with: the last cascade channel plus the identity and check-in
// calls.
type ProviderClient interface {
	CookieFetcher
	IdentityCaller
	CheckIn(ctx context.Context, provider *Provider, cookies map[string]string, apiUser string) (*IdentityOutcome, error)
}

// AuthenticationOrchestrator wires the engine components into per-account
// flows: cache first, then surface preparation, challenge wait, credential
// cascade, validation, persistence, and the post-login provider calls.
type AuthenticationOrchestrator struct {
	Cache      *SessionCache
	Proxies    *ProxyService
	Providers  map[string]*Provider
	Config     EngineConfig
	NewSurface SurfaceFactory
	Scraper    CookieFetcher
	Client     ProviderClient
	Logger     Logger
}

// Authenticate runs the account's credential mechanisms in order and returns
// the first success, or the last failure when every mechanism fails.
func (o *AuthenticationOrchestrator) Authenticate(ctx context.Context, account Account) *AuthResult {
	provider, ok := o.Providers[account.Provider]
	if !ok {
		return &AuthResult{
			AccountName: account.Name,
			Provider:    account.Provider,
			Err:         fmt.Errorf("unknown provider %q", account.Provider),
		}
	}

	logger := newAccountLogger(account.Name, o.Logger)

	var last *AuthResult
	for _, method := range account.Methods {
		result := o.authenticateMethod(ctx, account, provider, method, logger)
		if result.Success {
			return result
		}
		logger.Log("method %s failed: %v", method.Method, result.Err)
		last = result
	}

	if last == nil {
		last = &AuthResult{
			AccountName: account.Name,
			Provider:    account.Provider,
			Err:         fmt.Errorf("no authentication methods configured"),
		}
	}
	return last
}

// authenticateMethod runs one mechanism end to end. Panics inside the flow
// convert to UnexpectedError here; nothing escapes to the batch driver.
func (o *AuthenticationOrchestrator) authenticateMethod(ctx context.Context, account Account, provider *Provider, method AuthMethodConfig, logger Logger) (result *AuthResult) {
	result = &AuthResult{
		AccountName: account.Name,
		Provider:    account.Provider,
		Method:      method.Method,
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Log("recovered from panic in %s flow: %v", method.Method, r)
			result.Success = false
			result.Err = NewUnexpectedError(r)
		}
	}()

	if session := o.Cache.Load(account.Name, account.Provider); session.HasIdentity() {
		logger.Log("cache hit (user %s), skipping acquisition", session.UserID)
		result.Success = true
		result.FromCache = true
		result.UserID = session.UserID
		result.Username = session.Username
		o.afterLogin(ctx, provider, session, method, result, logger)
		return result
	}

	session, err := o.acquireSession(ctx, account, provider, method, logger)
	if err != nil {
		result.Err = err
		return result
	}

	if o.cacheWorthy(session) {
		o.Cache.Save(account.Name, account.Provider, session, o.Config.CacheTTL)
	} else {
		logger.Log("session too thin to cache (%d cookies, no identity)", len(session.Cookies))
	}

	result.Success = true
	result.UserID = session.UserID
	result.Username = session.Username
	o.afterLogin(ctx, provider, session, method, result, logger)
	return result
}

// acquireSession runs the fresh-login path: surface, challenge wait, cascade,
// validation.
func (o *AuthenticationOrchestrator) acquireSession(ctx context.Context, account Account, provider *Provider, method AuthMethodConfig, logger Logger) (*Session, error) {
	proxy := ""
	proxyIdx := -1
	if o.Proxies != nil && o.Proxies.Count() > 0 {
		proxy, proxyIdx = o.Proxies.Random()
		logger.Log("using proxy %s", o.Proxies.DisplayAt(proxyIdx))
	}

	surface, release, err := o.NewSurface(ctx, proxy)
	if err != nil {
		if proxy != "" && IsRetryableError(err) {
			o.Proxies.Invalidate(proxy)
		}
		return nil, fmt.Errorf("surface: %w", err)
	}
	defer release()

	policy := NewBackoffPolicy(logger)
	policy.Multiplier = o.Config.WaitMultiplierFor(method.Method)

	if err := surface.Navigate(ctx, provider.LoginURL, WaitDOMContentLoaded, scaledTimeout(30*time.Second, policy.Multiplier)); err != nil {
		if proxy != "" && IsRetryableError(err) {
			o.Proxies.Invalidate(proxy)
		}
		return nil, fmt.Errorf("entry navigation: %w", err)
	}

	if o.Config.SkipChallengeWait {
		logger.Log("challenge wait skipped by configuration")
	} else {
		waiter := NewChallengeWaiter(surface, policy, provider.LoginURL, logger)
		waiter.Strict = o.Config.StrictChallenge
		if state := waiter.Wait(ctx); state == ChallengeTimedOut {
			return nil, ErrChallengeTimeout
		}
	}

	cascade := &CredentialCascade{
		Surface:      surface,
		Scraper:      o.Scraper,
		Impersonator: o.Client,
		Policy:       policy,
		Provider:     provider,
		Proxy:        proxy,
		Logger:       logger,
	}
	cookies, err := cascade.Acquire(ctx, method)
	if err != nil {
		if proxy != "" && IsRetryableError(err) {
			o.Proxies.Invalidate(proxy)
		}
		return nil, err
	}
	if len(cookies) == 0 {
		return nil, ErrAcquisitionFailed
	}

	validator := &SessionValidator{
		Surface:     surface,
		Client:      o.Client,
		Provider:    provider,
		AccountName: account.Name,
		APIUser:     method.APIUser,
		Logger:      logger,
	}
	verdict := validator.Validate(ctx, cookies)
	if !verdict.Valid {
		return nil, NewValidationError(verdict.Reason)
	}

	now := time.Now()
	return &Session{
		Cookies:   cookies,
		UserID:    verdict.UserID,
		Username:  verdict.Username,
		CreatedAt: now,
		ExpiresAt: now.Add(o.Config.CacheTTL),
	}, nil
}

// cacheWorthy applies the persistence rule: confirmed identity, or a cookie
// set rich enough to be more than firewall residue.
func (o *AuthenticationOrchestrator) cacheWorthy(session *Session) bool {
	if session.HasIdentity() {
		return true
	}
	return len(session.Cookies) > heuristicCookieThreshold
}

// afterLogin performs the check-in call and balance read. Both are
// best-effort; their failures annotate the result without failing it.
func (o *AuthenticationOrchestrator) afterLogin(ctx context.Context, provider *Provider, session *Session, method AuthMethodConfig, result *AuthResult, logger Logger) {
	if o.Client == nil {
		return
	}

	result.CheckinNote = o.checkIn(ctx, provider, session, method, logger)

	outcome, err := o.Client.CallIdentity(ctx, provider, session.Cookies, method.APIUser)
	if err != nil || outcome.StatusCode != 200 {
		return
	}
	var payload identityPayload
	if err := json.Unmarshal(outcome.Body, &payload); err != nil || !payload.Success {
		return
	}
	quota, _ := payload.Data.Quota.Float64()
	used, _ := payload.Data.UsedQuota.Float64()
	result.Balance = &BalanceInfo{
		Quota:     quota / quotaDivisor,
		UsedQuota: used / quotaDivisor,
	}
	if result.UserID == "" {
		result.UserID = payload.Data.ID.String()
	}
	if result.Username == "" {
		result.Username = payload.Data.Username
	}
}

// checkIn posts the provider check-in endpoint under backoff. A 404 means the
// provider has no check-in; the session staying alive is confirmed through
// the identity endpoint instead.
func (o *AuthenticationOrchestrator) checkIn(ctx context.Context, provider *Provider, session *Session, method AuthMethodConfig, logger Logger) string {
	policy := NewBackoffPolicy(logger)
	policy.Multiplier = o.Config.WaitMultiplierFor(method.Method)

	note, ok := ExecuteBackoff(ctx, policy, "checkin", 3, func(ctx context.Context) (string, bool) {
		outcome, err := o.Client.CheckIn(ctx, provider, session.Cookies, method.APIUser)
		if err != nil {
			logger.Log("checkin: %v", err)
			return "", false
		}

		switch {
		case outcome.StatusCode == 200:
			var body struct {
				Success bool   `json:"success"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal(outcome.Body, &body); err == nil && body.Message != "" {
				return body.Message, true
			}
			return "checked in", true

		case outcome.StatusCode == 404:
			identity, err := o.Client.CallIdentity(ctx, provider, session.Cookies, method.APIUser)
			if err == nil && identity.StatusCode == 200 {
				return "no check-in endpoint, session alive", true
			}
			return "", false

		default:
			logger.Log("checkin: unexpected status %d", outcome.StatusCode)
			return "", false
		}
	}, nil)

	if !ok {
		return "check-in failed"
	}
	return note
}

// scaledTimeout applies the wait multiplier to a base timeout.
func scaledTimeout(d time.Duration, multiplier float64) time.Duration {
	if multiplier <= 0 {
		return d
	}
	return time.Duration(float64(d) * multiplier)
}

// describeResult renders one result as a status line fragment.
func describeResult(r *AuthResult) string {
	if r.Success {
		parts := []string{"ok"}
		if r.FromCache {
			parts = append(parts, "cached")
		}
		if r.UserID != "" {
			parts = append(parts, "user "+r.UserID)
		}
		if r.CheckinNote != "" {
			parts = append(parts, r.CheckinNote)
		}
		return strings.Join(parts, ", ")
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return "failed"
}
