package main

import (
	"context"
	"strings"
	"testing"
)

func testValidator(surface Surface, client IdentityCaller) *SessionValidator {
	return &SessionValidator{
		Surface:     surface,
		Client:      client,
		Provider:    testProvider(),
		AccountName: "Account 1",
		APIUser:     "42",
		Logger:      noopLogger{},
	}
}

func TestValidatorAuthoritativeIdentityWins(t *testing.T) {
	// The surface sits on the login page, which heuristics would read as a
	// failure; the authoritative answer takes precedence.
	surface := &fakeSurface{url: "https://example.test/login", content: loginPage}
	client := &fakeProviderClient{
		identity: &IdentityOutcome{
			StatusCode:  200,
			ContentType: "application/json; charset=utf-8",
			Body:        []byte(`{"success":true,"data":{"id":"42","username":"bob"}}`),
		},
	}

	verdict := testValidator(surface, client).Validate(context.Background(), map[string]string{"session": "abc"})
	if !verdict.Valid {
		t.Fatalf("verdict invalid: %s", verdict.Reason)
	}
	if verdict.UserID != "42" || verdict.Username != "bob" {
		t.Errorf("identity = (%q, %q), want (42, bob)", verdict.UserID, verdict.Username)
	}
}

func TestValidatorNumericIdentityPayload(t *testing.T) {
	client := &fakeProviderClient{
		identity: &IdentityOutcome{
			StatusCode:  200,
			ContentType: "application/json",
			Body:        []byte(`{"success":true,"data":{"id":7,"username":"carol"}}`),
		},
	}

	verdict := testValidator(&fakeSurface{}, client).Validate(context.Background(), map[string]string{"session": "abc"})
	if !verdict.Valid || verdict.UserID != "7" {
		t.Errorf("verdict = %+v, want valid with user 7", verdict)
	}
}

func TestValidatorExpiredSessionReason(t *testing.T) {
	surface := &fakeSurface{url: "https://example.test/login", content: loginPage, title: "Login"}
	client := &fakeProviderClient{
		identity: &IdentityOutcome{StatusCode: 401, ContentType: "application/json"},
	}

	verdict := testValidator(surface, client).Validate(context.Background(), map[string]string{"session": "stale"})
	if verdict.Valid {
		t.Fatal("expected invalid verdict for 401 on the login page")
	}
	if !strings.Contains(verdict.Reason, "expired or invalid") {
		t.Errorf("reason = %q, want mention of expired or invalid", verdict.Reason)
	}
}

func TestValidatorFirewallCookiesOnly(t *testing.T) {
	// Not on the login page, cookie count above the heuristic threshold:
	// the firewall guard must still reject.
	surface := &fakeSurface{url: "https://example.test/console", content: "<html><body>x</body></html>"}

	cookies := map[string]string{
		"acw_tc":       "1",
		"cdn_sec_tc":   "2",
		"acw_sc__v2":   "3",
		"cf_clearance": "4",
		"__cf_bm":      "5",
	}
	verdict := testValidator(surface, nil).Validate(context.Background(), cookies)
	if verdict.Valid {
		t.Fatal("firewall-only cookie set judged valid")
	}
	if !strings.Contains(verdict.Reason, "firewall") {
		t.Errorf("reason = %q, want firewall mention", verdict.Reason)
	}
}

func TestValidatorRedirectToLoginContinues(t *testing.T) {
	surface := &fakeSurface{url: "https://example.test/console"}
	client := &fakeProviderClient{
		identity: &IdentityOutcome{StatusCode: 302, Location: "https://example.test/login?next=self"},
	}

	// The redirect disqualifies the authoritative source, but the session
	// cookie heuristic still applies off the login page.
	verdict := testValidator(surface, client).Validate(context.Background(), map[string]string{"session": "abc"})
	if !verdict.Valid {
		t.Errorf("verdict invalid: %s", verdict.Reason)
	}
}

func TestValidatorSurfaceIdentityFragments(t *testing.T) {
	tests := []struct {
		name    string
		surface *fakeSurface
		wantID  string
	}{
		{
			name:    "numeric id in path",
			surface: &fakeSurface{url: "https://example.test/console/1234"},
			wantID:  "1234",
		},
		{
			name:    "data attribute in markup",
			surface: &fakeSurface{url: "https://example.test/home", content: `<div data-user-id="567">hi</div>`},
			wantID:  "567",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := testValidator(tt.surface, nil).Validate(context.Background(), map[string]string{"other": "x"})
			if !verdict.Valid || verdict.UserID != tt.wantID {
				t.Errorf("verdict = %+v, want valid with user %s", verdict, tt.wantID)
			}
		})
	}
}

func TestValidatorLocalStorageBlob(t *testing.T) {
	surface := &fakeSurface{url: "https://example.test/home"}
	surface.evalFn = func(src string) (string, error) {
		if strings.Contains(src, "localStorage") {
			return `{"id":"88","username":"dave"}`, nil
		}
		return "", nil
	}

	verdict := testValidator(surface, nil).Validate(context.Background(), map[string]string{"other": "x"})
	if !verdict.Valid || verdict.UserID != "88" || verdict.Username != "dave" {
		t.Errorf("verdict = %+v, want valid with user 88/dave", verdict)
	}
}

func TestValidatorHeuristics(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		cookies map[string]string
		want    bool
	}{
		{
			name:    "session cookie off login page",
			url:     "https://example.test/console",
			cookies: map[string]string{"session": "abc"},
			want:    true,
		},
		{
			name:    "rich cookie set off login page",
			url:     "https://example.test/console",
			cookies: map[string]string{"a": "1", "b": "2", "c": "3", "session_hint": "4"},
			want:    true,
		},
		{
			name:    "session cookie but still on login page",
			url:     "https://example.test/login",
			cookies: map[string]string{"session": "abc"},
			want:    false,
		},
		{
			name:    "thin anonymous cookie set",
			url:     "https://example.test/console",
			cookies: map[string]string{"prefs": "dark"},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			surface := &fakeSurface{url: tt.url}
			verdict := testValidator(surface, nil).Validate(context.Background(), tt.cookies)
			if verdict.Valid != tt.want {
				t.Errorf("valid = %v, want %v (reason %q)", verdict.Valid, tt.want, verdict.Reason)
			}
			if !verdict.Valid && verdict.Reason == "" {
				t.Error("invalid verdict with empty reason")
			}
		})
	}
}

func TestValidatorEmptyCookieSet(t *testing.T) {
	verdict := testValidator(&fakeSurface{}, nil).Validate(context.Background(), nil)
	if verdict.Valid || verdict.Reason == "" {
		t.Errorf("verdict = %+v, want invalid with reason", verdict)
	}
}
