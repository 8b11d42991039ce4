package main

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Verdict is the validator's judgment on a cookie set. Reason is required
// whenever Valid is false.
type Verdict struct {
	Valid    bool
	UserID   string
	Username string
	Reason   string
}

// IdentityOutcome is the raw result of one authoritative identity call.
type IdentityOutcome struct {
	StatusCode  int
	ContentType string
	Location    string
	Body        []byte
}

// IdentityCaller performs the authoritative identity-endpoint request with the
// candidate cookies attached and redirects not followed.
type IdentityCaller interface {
	CallIdentity(ctx context.Context, provider *Provider, cookies map[string]string, apiUser string) (*IdentityOutcome, error)
}

// identityPayload is the identity endpoint's JSON body. The id field is served
// as a string by some deployments and a number by others.
type identityPayload struct {
	Success bool `json:"success"`
	Data    struct {
		ID        flexString  `json:"id"`
		Username  string      `json:"username"`
		Quota     json.Number `json:"quota"`
		UsedQuota json.Number `json:"used_quota"`
	} `json:"data"`
}

// sessionCookieNames are the cookie names that by themselves indicate an
// authenticated session.
var sessionCookieNames = []string{"session"}

// firewallCookieNames is the vocabulary of anti-bot and CDN cookies. A cookie
// set drawn entirely from this list proves only that a firewall was passed,
// never that a session exists.
var firewallCookieNames = []string{
	"acw_tc",
	"cdn_sec_tc",
	"acw_sc__v2",
	"cf_clearance",
	"__cf_bm",
	"cf_chl_2",
}

// heuristicCookieThreshold is the minimum cookie count for the last-resort
// positive heuristic.
const heuristicCookieThreshold = 3

var userIDPathPattern = regexp.MustCompile(`/(?:user|profile|console)/(\d+)`)
var dataUserIDPattern = regexp.MustCompile(`data-user-id="(\d+)"`)

// SessionValidator decides whether a cookie set represents a live session by
// consulting an ordered list of evidence sources, strongest first. The first
// source that produces a definitive answer wins.
type SessionValidator struct {
	Surface     Surface
	Client      IdentityCaller
	Provider    *Provider
	AccountName string
	APIUser     string
	Logger      Logger
}

// Validate runs the evidence sources in order. It never returns an error:
// every outcome is a Verdict.
func (v *SessionValidator) Validate(ctx context.Context, cookies map[string]string) Verdict {
	if verdict, decided := v.checkFirewallOnly(cookies); decided {
		return verdict
	}

	sawUnauthorized := false
	if verdict, decided, unauthorized := v.checkIdentityEndpoint(ctx, cookies); decided {
		return verdict
	} else if unauthorized {
		sawUnauthorized = true
	}

	if verdict, decided := v.checkSurfaceIdentity(); decided {
		return verdict
	}
	if verdict, decided := v.checkLocalStorage(); decided {
		return verdict
	}
	if verdict, decided := v.checkHeuristics(cookies); decided {
		return verdict
	}

	reason := "no evidence of an authenticated session"
	if sawUnauthorized && v.onLoginPage() {
		reason = "session expired or invalid (login page with unauthorized identity response)"
	} else if sawUnauthorized {
		reason = "identity endpoint rejected the session as expired or invalid"
	}
	return Verdict{Valid: false, Reason: reason}
}

// checkFirewallOnly rejects cookie sets made up entirely of firewall cookies.
// This guard outranks the positive heuristics.
func (v *SessionValidator) checkFirewallOnly(cookies map[string]string) (Verdict, bool) {
	if len(cookies) == 0 {
		return Verdict{Valid: false, Reason: "no cookies acquired"}, true
	}
	for name := range cookies {
		if !isFirewallCookie(name) {
			return Verdict{}, false
		}
	}
	return Verdict{Valid: false, Reason: "firewall cookies only, no session cookie present"}, true
}

// checkIdentityEndpoint is source (a): the authoritative call. The third
// return value reports a definite 401/login-redirect so the final reason can
// name expiry.
func (v *SessionValidator) checkIdentityEndpoint(ctx context.Context, cookies map[string]string) (Verdict, bool, bool) {
	if v.Client == nil {
		return Verdict{}, false, false
	}

	outcome, err := v.Client.CallIdentity(ctx, v.Provider, cookies, v.APIUser)
	if err != nil {
		v.Logger.Log("validator: identity call failed: %v", err)
		return Verdict{}, false, false
	}

	switch {
	case outcome.StatusCode == 200 && strings.Contains(outcome.ContentType, "application/json"):
		var payload identityPayload
		if err := json.Unmarshal(outcome.Body, &payload); err != nil {
			v.Logger.Log("validator: identity body is not valid JSON: %v", err)
			return Verdict{}, false, false
		}
		if payload.Success && payload.Data.ID.String() != "" {
			v.Logger.Log("validator: identity endpoint confirmed user %s (%s)", payload.Data.ID, payload.Data.Username)
			return Verdict{Valid: true, UserID: payload.Data.ID.String(), Username: payload.Data.Username}, true, false
		}
		return Verdict{}, false, false

	case outcome.StatusCode == 401:
		v.Logger.Log("validator: identity endpoint returned 401")
		return Verdict{}, false, true

	case outcome.StatusCode >= 300 && outcome.StatusCode < 400 && strings.Contains(outcome.Location, "login"):
		v.Logger.Log("validator: identity endpoint redirected to login")
		return Verdict{}, false, true
	}

	return Verdict{}, false, false
}

// checkSurfaceIdentity is source (c): identity fragments in the current
// location or markup.
func (v *SessionValidator) checkSurfaceIdentity() (Verdict, bool) {
	if v.Surface == nil {
		return Verdict{}, false
	}

	if m := userIDPathPattern.FindStringSubmatch(v.Surface.URL()); m != nil {
		v.Logger.Log("validator: user id %s found in location", m[1])
		return Verdict{Valid: true, UserID: m[1], Username: v.AccountName}, true
	}

	content, err := v.Surface.Content()
	if err != nil {
		return Verdict{}, false
	}
	if m := dataUserIDPattern.FindStringSubmatch(content); m != nil {
		v.Logger.Log("validator: user id %s found in markup", m[1])
		return Verdict{Valid: true, UserID: m[1], Username: v.AccountName}, true
	}
	return Verdict{}, false
}

// checkLocalStorage is source (d): a structured identity blob in the
// page-scoped store.
func (v *SessionValidator) checkLocalStorage() (Verdict, bool) {
	if v.Surface == nil {
		return Verdict{}, false
	}

	raw, err := v.Surface.Evaluate(`(() => {
		try {
			const user = JSON.parse(localStorage.getItem('user') || 'null');
			if (user && user.id) return JSON.stringify({id: String(user.id), username: user.username || ''});
			return '';
		} catch (e) {
			return '';
		}
	})()`)
	if err != nil || raw == "" {
		return Verdict{}, false
	}

	var blob struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal([]byte(raw), &blob); err != nil || blob.ID == "" {
		return Verdict{}, false
	}

	username := blob.Username
	if username == "" {
		username = v.AccountName
	}
	v.Logger.Log("validator: identity blob in local storage (user %s)", blob.ID)
	return Verdict{Valid: true, UserID: blob.ID, Username: username}, true
}

// checkHeuristics is source (e): not on the login page plus either a
// recognized session cookie or a sufficiently rich cookie set.
func (v *SessionValidator) checkHeuristics(cookies map[string]string) (Verdict, bool) {
	if v.onLoginPage() {
		return Verdict{}, false
	}

	if name, ok := firstSessionCookie(cookies); ok {
		v.Logger.Log("validator: heuristic pass via %s cookie", name)
		return Verdict{Valid: true, Username: v.AccountName}, true
	}
	if len(cookies) > heuristicCookieThreshold {
		v.Logger.Log("validator: heuristic pass via cookie count (%d)", len(cookies))
		return Verdict{Valid: true, Username: v.AccountName}, true
	}
	return Verdict{}, false
}

func (v *SessionValidator) onLoginPage() bool {
	if v.Surface == nil {
		return false
	}
	return strings.Contains(v.Surface.URL(), "/login") || strings.Contains(strings.ToLower(v.Surface.Title()), "login")
}

func isFirewallCookie(name string) bool {
	for _, fw := range firewallCookieNames {
		if name == fw {
			return true
		}
	}
	return false
}

func firstSessionCookie(cookies map[string]string) (string, bool) {
	for _, name := range sessionCookieNames {
		if _, ok := cookies[name]; ok {
			return name, true
		}
	}
	return "", false
}

// Session is the validated, cacheable outcome of one flow.
type Session struct {
	Cookies   map[string]string `json:"cookies"`
	UserID    string            `json:"user_id"`
	Username  string            `json:"username"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// HasIdentity reports whether the session carries a confirmed user id.
func (s *Session) HasIdentity() bool {
	return s != nil && s.UserID != ""
}
