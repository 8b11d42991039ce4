package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// CookieFetcher is a headless acquisition channel: fetch the URL and return
// whatever cookies the exchange produced. Implementations are best-effort and
// must not panic.
type CookieFetcher interface {
	FetchCookies(ctx context.Context, target string, proxy string) (map[string]string, error)
}

// enhancementThreshold is the minimum cookie count below which the cascade
// escalates to the next channel.
const enhancementThreshold = 2

// oauthParams are the delegated-login parameters retrieved from the
// authenticated page context.
type oauthParams struct {
	ClientID string `json:"client_id"`
	State    string `json:"state"`
}

// CredentialCascade acquires session cookies through up to three channels:
// the interactive surface, a headless scraping channel, and a
// fingerprint-impersonating channel. Later channels run only when the cookie
// yield stays under the enhancement threshold, and they never overwrite
// cookies already collected. The cascade returns raw cookies; judging whether
// they form a live session is the validator's job.
type CredentialCascade struct {
	Surface      Surface
	Scraper      CookieFetcher
	Impersonator CookieFetcher
	Policy       *BackoffPolicy
	Provider     *Provider
	Proxy        string
	Logger       Logger
}

// Acquire runs the configured method on the interactive surface, then
// escalates through the headless channels while the yield is thin.
func (c *CredentialCascade) Acquire(ctx context.Context, method AuthMethodConfig) (map[string]string, error) {
	cookies, err := c.runInteractive(ctx, method)
	if err != nil {
		return nil, err
	}

	if len(cookies) < enhancementThreshold && c.Scraper != nil {
		c.Logger.Log("cascade: %d cookies from surface, escalating to scraping channel", len(cookies))
		cookies = c.enhance(ctx, cookies, c.Scraper, "scrape")
	}
	if len(cookies) < enhancementThreshold && c.Impersonator != nil {
		c.Logger.Log("cascade: %d cookies after scrape, escalating to impersonating channel", len(cookies))
		cookies = c.enhance(ctx, cookies, c.Impersonator, "impersonate")
	}

	return cookies, nil
}

// runInteractive drives the surface for one credential mechanism and returns
// the cookies visible afterwards.
func (c *CredentialCascade) runInteractive(ctx context.Context, method AuthMethodConfig) (map[string]string, error) {
	switch method.Method {
	case MethodCookies:
		return c.importCookies(ctx, method)
	case MethodPassword:
		return c.passwordLogin(ctx, method)
	case MethodOAuth:
		return c.oauthLogin(ctx, method)
	}
	// A method no channel can run is a configuration problem, not a transient
	// failure; marking it fatal keeps it off the retry and proxy-burn paths.
	return nil, NewFatalError(fmt.Errorf("unsupported auth method %q", method.Method))
}

// importCookies injects the configured cookies and loads the base URL so the
// service can mint whatever path-dependent cookies it adds on top.
func (c *CredentialCascade) importCookies(ctx context.Context, method AuthMethodConfig) (map[string]string, error) {
	domain := hostOf(c.Provider.BaseURL)
	if err := c.Surface.AddCookies(cookieListForDomain(method.Cookies, domain)); err != nil {
		return nil, fmt.Errorf("cookie injection: %w", err)
	}
	if err := c.Surface.Navigate(ctx, c.Provider.BaseURL, WaitNetworkIdle, c.scaled(30*time.Second)); err != nil {
		return nil, fmt.Errorf("post-injection navigation: %w", err)
	}

	collected, err := surfaceCookieMap(c.Surface)
	if err != nil {
		return nil, err
	}
	return mergeCookies(method.Cookies, collected), nil
}

// passwordLogin fills the login form through generic selectors and submits.
func (c *CredentialCascade) passwordLogin(ctx context.Context, method AuthMethodConfig) (map[string]string, error) {
	if err := c.Surface.Navigate(ctx, c.Provider.LoginURL, WaitDOMContentLoaded, c.scaled(30*time.Second)); err != nil {
		return nil, fmt.Errorf("login page navigation: %w", err)
	}

	userSel := `input[name="username"], input[name="email"], input[type="email"]`
	passSel := `input[type="password"]`
	submitSel := `button[type="submit"], input[type="submit"]`

	if err := c.fillAndSubmit(ctx, userSel, passSel, submitSel, method.Username, method.Password); err != nil {
		return nil, err
	}
	c.settle(ctx, 5*time.Second)

	return surfaceCookieMap(c.Surface)
}

// oauthLogin retrieves the delegated-login parameters from the service's
// login page, builds the provider's authorization URL from them, and signs in
// at the identity provider when the authorization request bounces to its
// login form.
func (c *CredentialCascade) oauthLogin(ctx context.Context, method AuthMethodConfig) (map[string]string, error) {
	meta := method.OAuth
	if meta == nil {
		return nil, NewFatalError(fmt.Errorf("oauth method without provider metadata"))
	}

	if err := c.Surface.Navigate(ctx, c.Provider.LoginURL, WaitDOMContentLoaded, c.scaled(30*time.Second)); err != nil {
		return nil, fmt.Errorf("login page navigation: %w", err)
	}

	params, ok := c.retrieveOAuthParams(ctx)
	if !ok {
		// One cookie-enhancement pass through the scraping channel, then
		// exactly one more retrieval before surfacing failure.
		c.Logger.Log("cascade: oauth parameter retrieval exhausted, trying cookie enhancement")
		if c.Scraper != nil {
			if extra, err := c.Scraper.FetchCookies(ctx, c.Provider.LoginURL, c.Proxy); err == nil && len(extra) > 0 {
				domain := hostOf(c.Provider.BaseURL)
				if err := c.Surface.AddCookies(cookieListForDomain(extra, domain)); err != nil {
					c.Logger.Log("cascade: enhancement cookie injection failed: %v", err)
				}
				if err := c.Surface.Navigate(ctx, c.Provider.LoginURL, WaitDOMContentLoaded, c.scaled(20*time.Second)); err != nil {
					c.Logger.Log("cascade: enhancement revisit failed: %v", err)
				}
			}
		}
		params, ok = c.oauthParamsOnce()
		if !ok {
			return nil, fmt.Errorf("oauth parameters unavailable after enhancement: %w", ErrAcquisitionFailed)
		}
	}
	c.Logger.Log("cascade: oauth parameters retrieved (client_id=%s)", params.ClientID)

	authorize := meta.authorizeURL(params.ClientID, params.State)
	if err := c.Surface.Navigate(ctx, authorize, WaitDOMContentLoaded, c.scaled(60*time.Second)); err != nil {
		return nil, fmt.Errorf("authorization navigation for %s: %w", meta.Name, err)
	}
	c.settle(ctx, 2*time.Second)

	// Sign in only when the provider actually shows its login form; a live
	// provider session goes straight to consent or back to the service.
	if strings.Contains(c.Surface.URL(), meta.Host) {
		if err := c.Surface.WaitForSelector(ctx, meta.PassSelector, c.scaled(10*time.Second)); err == nil {
			if err := c.fillAndSubmit(ctx, meta.UserSelector, meta.PassSelector, meta.SubmitSelector, method.Username, method.Password); err != nil {
				return nil, err
			}
			c.settle(ctx, 8*time.Second)
		}
	}

	// First-time authorizations show a consent page before redirecting back.
	if meta.ConsentSelector != "" && strings.Contains(c.Surface.URL(), meta.Host) {
		if err := c.clickFirst(ctx, []string{meta.ConsentSelector}); err == nil {
			c.settle(ctx, 3*time.Second)
		}
	}

	return surfaceCookieMap(c.Surface)
}

// retrieveOAuthParams evaluates the parameter-extraction script under backoff:
// three attempts with roughly 10s/20s waits, reloading the current page before
// the first retry and revisiting the login URL before the second.
func (c *CredentialCascade) retrieveOAuthParams(ctx context.Context) (oauthParams, bool) {
	policy := &BackoffPolicy{
		Base:       10 * time.Second,
		Growth:     2.0,
		Cap:        60 * time.Second,
		Multiplier: c.multiplier(),
		Logger:     c.Logger,
	}

	recoveries := []RecoveryStrategy{
		func(ctx context.Context) error {
			return c.Surface.Navigate(ctx, c.Surface.URL(), WaitDOMContentLoaded, c.scaled(20*time.Second))
		},
		func(ctx context.Context) error {
			return c.Surface.Navigate(ctx, c.Provider.LoginURL, WaitDOMContentLoaded, c.scaled(20*time.Second))
		},
	}

	return ExecuteBackoff(ctx, policy, "oauth-params", 3, func(ctx context.Context) (oauthParams, bool) {
		return c.oauthParamsOnce()
	}, recoveries)
}

// oauthParamsOnce pulls the client id from the page-scoped status blob and the
// state token from the state endpoint, both inside the page context.
func (c *CredentialCascade) oauthParamsOnce() (oauthParams, bool) {
	script := `(() => {
		try {
			const status = JSON.parse(localStorage.getItem('status') || '{}');
			const clientID = status.github_client_id || status.oauth_client_id || '';
			const xhr = new XMLHttpRequest();
			xhr.open('GET', '/api/oauth/state', false);
			xhr.send();
			let state = '';
			if (xhr.status === 200) {
				const body = JSON.parse(xhr.responseText);
				state = body.data || '';
			}
			if (!clientID || !state) return '';
			return JSON.stringify({client_id: clientID, state: state});
		} catch (e) {
			return '';
		}
	})()`

	raw, err := c.Surface.Evaluate(script)
	if err != nil || raw == "" {
		return oauthParams{}, false
	}
	var params oauthParams
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return oauthParams{}, false
	}
	if params.ClientID == "" || params.State == "" {
		return oauthParams{}, false
	}
	return params, true
}

// fillAndSubmit types credentials into the matched fields and submits.
// Values go through JSON encoding so quoting in the page script stays safe.
func (c *CredentialCascade) fillAndSubmit(ctx context.Context, userSel, passSel, submitSel, username, password string) error {
	if err := c.Surface.WaitForSelector(ctx, passSel, c.scaled(15*time.Second)); err != nil {
		return fmt.Errorf("login form did not appear: %w", err)
	}

	script := fmt.Sprintf(`(() => {
		const user = document.querySelector(%s);
		const pass = document.querySelector(%s);
		if (!user || !pass) return 'missing fields';
		const set = (el, value) => {
			el.value = value;
			el.dispatchEvent(new Event('input', {bubbles: true}));
			el.dispatchEvent(new Event('change', {bubbles: true}));
		};
		set(user, %s);
		set(pass, %s);
		const submit = document.querySelector(%s);
		if (submit) { submit.click(); } else { pass.form && pass.form.submit(); }
		return '';
	})()`, jsString(userSel), jsString(passSel), jsString(username), jsString(password), jsString(submitSel))

	result, err := c.Surface.Evaluate(script)
	if err != nil {
		return fmt.Errorf("form fill: %w", err)
	}
	if result != "" {
		return fmt.Errorf("form fill: %s", result)
	}
	return nil
}

// clickFirst clicks the first selector that matches an element on the page.
func (c *CredentialCascade) clickFirst(ctx context.Context, selectors []string) error {
	for _, sel := range selectors {
		script := fmt.Sprintf(`(() => {
			const el = document.querySelector(%s);
			if (!el) return 'missing';
			el.click();
			return '';
		})()`, jsString(sel))

		result, err := c.Surface.Evaluate(script)
		if errors.Is(err, errNoScriptRuntime) {
			return fmt.Errorf("click %s: %w", sel, err)
		}
		if err == nil && result == "" {
			return nil
		}
	}
	return fmt.Errorf("no selector matched: %s", strings.Join(selectors, ", "))
}

// enhance runs one headless channel and merges its yield under the cookies
// already collected.
func (c *CredentialCascade) enhance(ctx context.Context, cookies map[string]string, fetcher CookieFetcher, label string) map[string]string {
	extra, err := fetcher.FetchCookies(ctx, c.Provider.BaseURL, c.Proxy)
	if err != nil {
		c.Logger.Log("cascade: %s channel failed: %v", label, err)
		return cookies
	}
	merged := mergeCookies(cookies, extra)
	c.Logger.Log("cascade: %s channel contributed %d cookies (%d total)", label, len(merged)-len(cookies), len(merged))
	return merged
}

// settle gives the page a moment after an action that triggers navigation.
func (c *CredentialCascade) settle(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(c.scaled(d)):
	}
}

func (c *CredentialCascade) multiplier() float64 {
	if c.Policy != nil && c.Policy.Multiplier > 0 {
		return c.Policy.Multiplier
	}
	return 1.0
}

func (c *CredentialCascade) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) * c.multiplier())
}

// mergeCookies overlays extra onto base without overwriting existing names.
func mergeCookies(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for name, value := range base {
		merged[name] = value
	}
	for name, value := range extra {
		if _, ok := merged[name]; !ok {
			merged[name] = value
		}
	}
	return merged
}

// jsString encodes a Go string as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// hostOf extracts the host from a URL, falling back to the raw string.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}
