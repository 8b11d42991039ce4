package main

import (
	"context"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// fakeSurface is a scriptable Surface for tests. Hook fields override the
// default static behavior.
type fakeSurface struct {
	url     string
	title   string
	content string
	cookies []*http.Cookie

	contentFn func() (string, error)
	urlFn     func() string
	navFn     func(ctx context.Context, target string, wait WaitCondition, timeout time.Duration) error
	evalFn    func(src string) (string, error)

	navigations []string
	selectorErr error
}

func (f *fakeSurface) Navigate(ctx context.Context, target string, wait WaitCondition, timeout time.Duration) error {
	f.navigations = append(f.navigations, target)
	if f.navFn != nil {
		return f.navFn(ctx, target, wait, timeout)
	}
	f.url = target
	return nil
}

func (f *fakeSurface) Content() (string, error) {
	if f.contentFn != nil {
		return f.contentFn()
	}
	return f.content, nil
}

func (f *fakeSurface) URL() string {
	if f.urlFn != nil {
		return f.urlFn()
	}
	return f.url
}

func (f *fakeSurface) Title() string { return f.title }

func (f *fakeSurface) Cookies() ([]*http.Cookie, error) { return f.cookies, nil }

func (f *fakeSurface) AddCookies(cookies []*http.Cookie) error {
	f.cookies = append(f.cookies, cookies...)
	return nil
}

func (f *fakeSurface) Evaluate(src string) (string, error) {
	if f.evalFn != nil {
		return f.evalFn(src)
	}
	return "", nil
}

func (f *fakeSurface) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return f.selectorErr
}

// fakeFetcher is a canned CookieFetcher that counts invocations.
type fakeFetcher struct {
	cookies map[string]string
	err     error
	calls   int
}

func (f *fakeFetcher) FetchCookies(ctx context.Context, target string, proxy string) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cookies, nil
}

// fakeProviderClient is a canned ProviderClient.
type fakeProviderClient struct {
	fakeFetcher

	identity      *IdentityOutcome
	identityErr   error
	identityCalls int

	checkin      *IdentityOutcome
	checkinErr   error
	checkinCalls int
}

func (f *fakeProviderClient) CallIdentity(ctx context.Context, provider *Provider, cookies map[string]string, apiUser string) (*IdentityOutcome, error) {
	f.identityCalls++
	if f.identityErr != nil {
		return nil, f.identityErr
	}
	return f.identity, nil
}

func (f *fakeProviderClient) CheckIn(ctx context.Context, provider *Provider, cookies map[string]string, apiUser string) (*IdentityOutcome, error) {
	f.checkinCalls++
	if f.checkinErr != nil {
		return nil, f.checkinErr
	}
	return f.checkin, nil
}

// testPolicy is a near-instant backoff policy so tests never sleep long.
func testPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		Base:       time.Millisecond,
		Growth:     2.0,
		Cap:        10 * time.Millisecond,
		Multiplier: 1.0,
		Logger:     noopLogger{},
	}
}

// testProvider is a provider definition for offline tests.
func testProvider() *Provider {
	return &Provider{
		Name:        "TestRouter",
		BaseURL:     "https://example.test",
		LoginURL:    "https://example.test/login",
		CheckinURL:  "https://example.test/api/user/checkin",
		UserInfoURL: "https://example.test/api/user/self",
	}
}
