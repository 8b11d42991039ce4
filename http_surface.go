package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
)

// maxSurfaceRedirects bounds the manual redirect chase during Navigate.
const maxSurfaceRedirects = 5

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// httpSurface is the default interaction surface: the impersonating HTTP
// client dressed up as a page. It renders no script, so Evaluate reports the
// missing runtime and selector waits reduce to markup checks. Flows that need
// a real browser plug one in through the surface factory.
type httpSurface struct {
	client  tls_client.HttpClient
	profile *BrowserProfile
	current *url.URL
	content string
	logger  Logger
}

// newHTTPSurface builds a surface behind the optional proxy.
func newHTTPSurface(proxy string, logger Logger) (*httpSurface, error) {
	client, err := NewClient(nil, proxy)
	if err != nil {
		return nil, err
	}
	return &httpSurface{
		client:  client,
		profile: DefaultProfile,
		logger:  logger,
	}, nil
}

// Close releases the underlying client.
func (s *httpSurface) Close() {
	s.client.CloseIdleConnections()
}

// Navigate fetches the target, following redirects manually so every hop's
// cookies land in the jar. The wait condition is accepted for interface
// parity; an HTTP exchange has nothing further to wait on.
func (s *httpSurface) Navigate(ctx context.Context, target string, wait WaitCondition, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	current := target
	for hop := 0; hop <= maxSurfaceRedirects; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return err
		}
		req.Header = navigationHeaders(s.profile)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("navigate %s: %w", current, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		u, err := url.Parse(current)
		if err != nil {
			return err
		}
		s.current = u
		s.content = string(body)

		if resp.StatusCode < 300 || resp.StatusCode >= 400 {
			return nil
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return nil
		}
		current = resolveLocation(current, location)
	}
	return fmt.Errorf("navigate %s: redirect limit reached", target)
}

func (s *httpSurface) Content() (string, error) {
	return s.content, nil
}

func (s *httpSurface) URL() string {
	if s.current == nil {
		return ""
	}
	return s.current.String()
}

func (s *httpSurface) Title() string {
	if m := titlePattern.FindStringSubmatch(s.content); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func (s *httpSurface) Cookies() ([]*http.Cookie, error) {
	if s.current == nil {
		return nil, nil
	}
	return s.client.GetCookies(s.current), nil
}

// AddCookies places cookies into the jar under each cookie's own domain.
func (s *httpSurface) AddCookies(cookies []*http.Cookie) error {
	byDomain := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" && s.current != nil {
			domain = s.current.Hostname()
		}
		if domain == "" {
			return fmt.Errorf("cookie %s has no domain and the surface has no location", c.Name)
		}
		byDomain[domain] = append(byDomain[domain], c)
	}
	for domain, list := range byDomain {
		u, err := url.Parse("https://" + domain)
		if err != nil {
			return err
		}
		s.client.SetCookies(u, list)
	}
	return nil
}

// Evaluate has no script runtime to run in. Returning the sentinel instead of
// an empty success keeps form-fill callers from mistaking the silence for a
// submitted form; validators fall through to their non-script sources.
func (s *httpSurface) Evaluate(src string) (string, error) {
	return "", errNoScriptRuntime
}

// WaitForSelector degrades to a markup scan: the selector's attribute and
// class fragments are searched for in the current content.
func (s *httpSurface) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	for _, alt := range strings.Split(selector, ",") {
		if fragment := selectorFragment(strings.TrimSpace(alt)); fragment != "" && strings.Contains(s.content, fragment) {
			return nil
		}
	}
	return fmt.Errorf("selector %q not present in markup", selector)
}

// selectorFragment extracts the most recognizable literal from a simple CSS
// selector, e.g. `input[type="password"]` yields `type="password"`.
func selectorFragment(selector string) string {
	if open := strings.Index(selector, "["); open >= 0 {
		if end := strings.Index(selector[open:], "]"); end > 0 {
			return selector[open+1 : open+end]
		}
	}
	if idx := strings.IndexAny(selector, ".#"); idx >= 0 {
		return selector[idx+1:]
	}
	return selector
}
