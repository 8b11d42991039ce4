package main

import (
	"context"
	"errors"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

// errNoScriptRuntime is returned from Evaluate by surfaces that cannot run
// page script at all. Callers with non-script fallbacks treat it like an empty
// result; callers that require scripting surface it as the failure reason.
var errNoScriptRuntime = errors.New("surface has no script runtime")

// WaitCondition selects how long Navigate blocks before returning.
type WaitCondition string

const (
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitNetworkIdle      WaitCondition = "networkidle"
)

// Surface is the controllable page/interaction collaborator the engine drives.
// Implementations render pages, hold a cookie store, and can run script in the
// page context. The engine owns exactly one Surface per account flow; nothing
// here is safe for sharing across flows.
type Surface interface {
	// Navigate loads url and blocks until the wait condition or timeout.
	Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error

	// Content returns the current page markup.
	Content() (string, error)

	// URL returns the current location.
	URL() string

	// Title returns the current document title.
	Title() string

	// Cookies returns the cookies visible to the current context.
	Cookies() ([]*http.Cookie, error)

	// AddCookies injects cookies into the context before navigation.
	AddCookies(cookies []*http.Cookie) error

	// Evaluate runs script in the page context and returns its string result.
	// An empty string with nil error means the expression produced nothing;
	// surfaces without a script runtime return errNoScriptRuntime.
	Evaluate(src string) (string, error)

	// WaitForSelector blocks until the selector matches or the timeout hits.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
}

// surfaceCookieMap flattens the surface cookie list into name→value form.
// Later duplicates do not overwrite earlier names; cookie names stay unique.
func surfaceCookieMap(s Surface) (map[string]string, error) {
	list, err := s.Cookies()
	if err != nil {
		return nil, err
	}
	cookies := make(map[string]string, len(list))
	for _, c := range list {
		if _, ok := cookies[c.Name]; !ok {
			cookies[c.Name] = c.Value
		}
	}
	return cookies, nil
}

// cookieListForDomain converts a cookie map into injectable cookies scoped to
// the given domain.
func cookieListForDomain(cookies map[string]string, domain string) []*http.Cookie {
	list := make([]*http.Cookie, 0, len(cookies))
	for name, value := range cookies {
		list = append(list, &http.Cookie{
			Name:   name,
			Value:  value,
			Domain: domain,
			Path:   "/",
		})
	}
	return list
}
