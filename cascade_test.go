package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	http "github.com/bogdanfinn/fhttp"
)

func testCascade(surface Surface, scraper, impersonator CookieFetcher) *CredentialCascade {
	// A tiny multiplier keeps the post-submit settle waits out of test time.
	policy := testPolicy()
	policy.Multiplier = 0.001
	return &CredentialCascade{
		Surface:      surface,
		Scraper:      scraper,
		Impersonator: impersonator,
		Policy:       policy,
		Provider:     testProvider(),
		Logger:       noopLogger{},
	}
}

func TestCascadeStopsAtThreshold(t *testing.T) {
	surface := &fakeSurface{
		cookies: []*http.Cookie{
			{Name: "session", Value: "abc"},
			{Name: "acw_tc", Value: "x"},
		},
	}
	scraper := &fakeFetcher{cookies: map[string]string{"extra": "1"}}
	impersonator := &fakeFetcher{cookies: map[string]string{"more": "2"}}

	cookies, err := testCascade(surface, scraper, impersonator).Acquire(context.Background(), AuthMethodConfig{
		Method:  MethodCookies,
		Cookies: map[string]string{"session": "abc"},
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(cookies) != 2 {
		t.Errorf("got %d cookies, want 2", len(cookies))
	}
	if scraper.calls != 0 {
		t.Errorf("scraper invoked %d times, want 0", scraper.calls)
	}
	if impersonator.calls != 0 {
		t.Errorf("impersonator invoked %d times, want 0", impersonator.calls)
	}
}

func TestCascadeEscalatesBelowThreshold(t *testing.T) {
	surface := &fakeSurface{
		cookies: []*http.Cookie{{Name: "session", Value: "abc"}},
	}
	scraper := &fakeFetcher{cookies: map[string]string{
		"acw_tc": "1", "cdn_sec_tc": "2", "a": "3", "b": "4", "c": "5",
	}}
	impersonator := &fakeFetcher{cookies: map[string]string{"more": "x"}}

	cookies, err := testCascade(surface, scraper, impersonator).Acquire(context.Background(), AuthMethodConfig{
		Method:  MethodCookies,
		Cookies: map[string]string{"session": "abc"},
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if scraper.calls != 1 {
		t.Errorf("scraper invoked %d times, want 1", scraper.calls)
	}
	if impersonator.calls != 0 {
		t.Errorf("impersonator invoked %d times after scraper satisfied threshold, want 0", impersonator.calls)
	}
	if len(cookies) != 6 {
		t.Errorf("got %d cookies, want 6", len(cookies))
	}
}

func TestCascadeThirdChannelWhenStillThin(t *testing.T) {
	surface := &fakeSurface{}
	scraper := &fakeFetcher{cookies: map[string]string{}}
	impersonator := &fakeFetcher{cookies: map[string]string{"cf_clearance": "z", "session": "q"}}

	cookies, err := testCascade(surface, scraper, impersonator).Acquire(context.Background(), AuthMethodConfig{
		Method:  MethodCookies,
		Cookies: map[string]string{"session": "q"},
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if scraper.calls != 1 || impersonator.calls != 1 {
		t.Errorf("channel calls = (%d, %d), want (1, 1)", scraper.calls, impersonator.calls)
	}
	if cookies["cf_clearance"] != "z" {
		t.Errorf("missing impersonator cookie in merge: %v", cookies)
	}
}

func TestCascadeMergeNeverOverwrites(t *testing.T) {
	surface := &fakeSurface{
		cookies: []*http.Cookie{{Name: "session", Value: "original"}},
	}
	scraper := &fakeFetcher{cookies: map[string]string{"session": "overwritten", "x": "1"}}

	cookies, err := testCascade(surface, scraper, nil).Acquire(context.Background(), AuthMethodConfig{
		Method:  MethodCookies,
		Cookies: map[string]string{"session": "original"},
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cookies["session"] != "original" {
		t.Errorf("session = %q, later channel overwrote an existing cookie", cookies["session"])
	}
	if cookies["x"] != "1" {
		t.Errorf("new cookie from later channel missing: %v", cookies)
	}
}

func TestCascadePasswordLoginCollectsCookies(t *testing.T) {
	surface := &fakeSurface{
		content: loginPage,
		cookies: []*http.Cookie{
			{Name: "session", Value: "fresh"},
			{Name: "acw_tc", Value: "fw"},
		},
	}

	cookies, err := testCascade(surface, nil, nil).Acquire(context.Background(), AuthMethodConfig{
		Method:   MethodPassword,
		Username: "user@example.test",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cookies["session"] != "fresh" {
		t.Errorf("session cookie missing after form login: %v", cookies)
	}
	if len(surface.navigations) == 0 || surface.navigations[0] != "https://example.test/login" {
		t.Errorf("expected navigation to the login URL, got %v", surface.navigations)
	}
}

func TestCascadeChannelErrorKeepsExistingCookies(t *testing.T) {
	surface := &fakeSurface{
		cookies: []*http.Cookie{{Name: "session", Value: "abc"}},
	}
	scraper := &fakeFetcher{err: context.DeadlineExceeded}

	cookies, err := testCascade(surface, scraper, nil).Acquire(context.Background(), AuthMethodConfig{
		Method:  MethodCookies,
		Cookies: map[string]string{"session": "abc"},
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if cookies["session"] != "abc" {
		t.Errorf("channel failure lost the surface cookies: %v", cookies)
	}
}

// oauthSurface is a fake surface whose script runtime answers the
// parameter-extraction script after the given number of empty results. Other
// scripts (form fill, consent click) report success.
func oauthSurface(paramFailures int) (*fakeSurface, *int) {
	paramCalls := new(int)
	s := &fakeSurface{
		cookies: []*http.Cookie{
			{Name: "session", Value: "oauth"},
			{Name: "acw_tc", Value: "fw"},
		},
	}
	s.evalFn = func(src string) (string, error) {
		if strings.Contains(src, "/api/oauth/state") {
			*paramCalls++
			if *paramCalls <= paramFailures {
				return "", nil
			}
			return `{"client_id":"cid-123","state":"st-456"}`, nil
		}
		return "", nil
	}
	return s, paramCalls
}

func githubMethod() AuthMethodConfig {
	return AuthMethodConfig{
		Method:   MethodOAuth,
		Username: "gh-user",
		Password: "gh-pass",
		OAuth:    builtinOAuthProviders["github"],
	}
}

func TestCascadeOAuthVisitsAuthorizeURL(t *testing.T) {
	surface, paramCalls := oauthSurface(0)
	scraper := &fakeFetcher{cookies: map[string]string{"acw_tc": "1"}}

	cookies, err := testCascade(surface, scraper, nil).Acquire(context.Background(), githubMethod())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if *paramCalls != 1 {
		t.Errorf("parameter script ran %d times, want 1", *paramCalls)
	}
	if scraper.calls != 0 {
		t.Errorf("scraper invoked %d times without retrieval exhaustion, want 0", scraper.calls)
	}
	if len(surface.navigations) < 2 || surface.navigations[0] != "https://example.test/login" {
		t.Fatalf("navigations = %v, want login page first", surface.navigations)
	}

	var authorize string
	for _, nav := range surface.navigations {
		if strings.HasPrefix(nav, "https://github.com/login/oauth/authorize?") {
			authorize = nav
		}
	}
	if authorize == "" {
		t.Fatalf("authorization URL never visited: %v", surface.navigations)
	}
	for _, want := range []string{"client_id=cid-123", "state=st-456", "response_type=code"} {
		if !strings.Contains(authorize, want) {
			t.Errorf("authorization URL %q missing %q", authorize, want)
		}
	}
	if cookies["session"] != "oauth" {
		t.Errorf("cookies after oauth flow = %v", cookies)
	}
}

func TestCascadeOAuthParamRecoverySequence(t *testing.T) {
	surface, paramCalls := oauthSurface(2)
	// A fixed location separates the soft reload from the login revisit in the
	// recorded navigations.
	surface.urlFn = func() string { return "https://example.test/login?loaded=1" }

	if _, err := testCascade(surface, nil, nil).Acquire(context.Background(), githubMethod()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if *paramCalls != 3 {
		t.Errorf("parameter script ran %d times, want 3", *paramCalls)
	}

	want := []string{
		"https://example.test/login",
		"https://example.test/login?loaded=1",
		"https://example.test/login",
	}
	if len(surface.navigations) < len(want)+1 {
		t.Fatalf("navigations = %v, want entry, reload, revisit, authorize", surface.navigations)
	}
	for i, target := range want {
		if surface.navigations[i] != target {
			t.Errorf("navigation %d = %q, want %q", i, surface.navigations[i], target)
		}
	}
	if last := surface.navigations[len(want)]; !strings.HasPrefix(last, "https://github.com/login/oauth/authorize?") {
		t.Errorf("navigation after recovery = %q, want authorization URL", last)
	}
}

func TestCascadeOAuthEnhancementThenSingleRetry(t *testing.T) {
	surface, paramCalls := oauthSurface(3)
	scraper := &fakeFetcher{cookies: map[string]string{"acw_sc__v2": "waf"}}

	if _, err := testCascade(surface, scraper, nil).Acquire(context.Background(), githubMethod()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if scraper.calls != 1 {
		t.Errorf("enhancement pass invoked the scraper %d times, want 1", scraper.calls)
	}
	if *paramCalls != 4 {
		t.Errorf("parameter script ran %d times, want 3 attempts plus 1 after enhancement", *paramCalls)
	}

	found := false
	for _, nav := range surface.navigations {
		if strings.Contains(nav, "client_id=cid-123") {
			found = true
		}
	}
	if !found {
		t.Errorf("post-enhancement parameters never reached a navigation: %v", surface.navigations)
	}
}

func TestCascadeOAuthFailsAfterEnhancementRetry(t *testing.T) {
	surface, paramCalls := oauthSurface(99)
	scraper := &fakeFetcher{cookies: map[string]string{"acw_tc": "1"}}

	_, err := testCascade(surface, scraper, nil).Acquire(context.Background(), githubMethod())
	if !errors.Is(err, ErrAcquisitionFailed) {
		t.Fatalf("err = %v, want acquisition failure", err)
	}
	if *paramCalls != 4 {
		t.Errorf("parameter script ran %d times, want exactly one retry after enhancement", *paramCalls)
	}
	if scraper.calls != 1 {
		t.Errorf("scraper invoked %d times, want 1", scraper.calls)
	}
}

func TestCascadePasswordLoginNamesMissingRuntime(t *testing.T) {
	surface := &fakeSurface{content: loginPage}
	surface.evalFn = func(src string) (string, error) {
		return "", errNoScriptRuntime
	}

	_, err := testCascade(surface, nil, nil).Acquire(context.Background(), AuthMethodConfig{
		Method:   MethodPassword,
		Username: "user@example.test",
		Password: "hunter2",
	})
	if !errors.Is(err, errNoScriptRuntime) {
		t.Fatalf("err = %v, want the missing-runtime sentinel", err)
	}
	if !strings.Contains(err.Error(), "script runtime") {
		t.Errorf("error %q does not name the missing runtime", err)
	}
}

func TestCascadeConfigurationErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name   string
		method AuthMethodConfig
	}{
		{"unsupported method", AuthMethodConfig{Method: "bogus"}},
		{"oauth without metadata", AuthMethodConfig{Method: MethodOAuth, Username: "u", Password: "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testCascade(&fakeSurface{}, nil, nil).Acquire(context.Background(), tt.method)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !IsFatalError(err) {
				t.Errorf("err = %v, not classified fatal", err)
			}
			if IsRetryableError(err) {
				t.Errorf("configuration error %v classified retryable", err)
			}
		})
	}
}

func TestMergeCookies(t *testing.T) {
	base := map[string]string{"a": "1"}
	merged := mergeCookies(base, map[string]string{"a": "2", "b": "3"})
	if merged["a"] != "1" || merged["b"] != "3" {
		t.Errorf("merge = %v", merged)
	}
	if base["b"] != "" && len(base) != 1 {
		t.Errorf("merge mutated its input: %v", base)
	}
}
