package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"
)

// maxScrapeRedirects bounds the manual redirect chase; cookies are collected
// at every hop.
const maxScrapeRedirects = 5

// Scraper is the lightweight headless acquisition channel. It keeps its own
// cookie map per fetch, follows redirects manually so cookies set mid-chain
// are not lost, and is strictly best-effort.
type Scraper struct {
	UserAgent string
	Timeout   time.Duration
	Logger    Logger
}

// NewScraper returns a scraper presenting the default browser identity.
func NewScraper(logger Logger) *Scraper {
	return &Scraper{
		UserAgent: DefaultProfile.UserAgent,
		Timeout:   20 * time.Second,
		Logger:    logger,
	}
}

// FetchCookies fetches the target and returns every cookie set along the
// redirect chain.
func (s *Scraper) FetchCookies(ctx context.Context, target string, proxy string) (map[string]string, error) {
	client := &fasthttp.Client{
		Name:                     s.UserAgent,
		ReadTimeout:              s.Timeout,
		WriteTimeout:             s.Timeout,
		NoDefaultUserAgentHeader: true,
	}
	if proxy != "" {
		client.Dial = fasthttpproxy.FasthttpHTTPDialerTimeout(stripScheme(proxy), s.Timeout)
	}

	cookies := make(map[string]string)
	current := target

	for hop := 0; hop <= maxScrapeRedirects; hop++ {
		select {
		case <-ctx.Done():
			return cookies, ctx.Err()
		default:
		}

		location, status, err := s.fetchOnce(client, current, cookies)
		if err != nil {
			if len(cookies) > 0 {
				s.Logger.Log("scrape: fetch failed after %d cookies collected: %v", len(cookies), err)
				return cookies, nil
			}
			return nil, err
		}

		if status < 300 || status >= 400 || location == "" {
			return cookies, nil
		}
		current = resolveLocation(current, location)
	}

	s.Logger.Log("scrape: redirect limit reached at %s", current)
	return cookies, nil
}

// fetchOnce performs a single exchange, folding response cookies into the
// accumulated map (first value per name wins).
func (s *Scraper) fetchOnce(client *fasthttp.Client, target string, cookies map[string]string) (location string, status int, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("User-Agent", s.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	for name, value := range cookies {
		req.Header.SetCookie(name, value)
	}

	if err := client.DoTimeout(req, resp, s.Timeout); err != nil {
		return "", 0, fmt.Errorf("scrape fetch %s: %w", target, err)
	}

	resp.Header.VisitAllCookie(func(key, value []byte) {
		c := fasthttp.AcquireCookie()
		defer fasthttp.ReleaseCookie(c)
		if err := c.ParseBytes(value); err != nil {
			return
		}
		name := string(c.Key())
		if _, ok := cookies[name]; !ok {
			cookies[name] = string(c.Value())
		}
	})

	return string(resp.Header.Peek("Location")), resp.StatusCode(), nil
}

func stripScheme(proxy string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if strings.HasPrefix(proxy, prefix) {
			return strings.TrimPrefix(proxy, prefix)
		}
	}
	return proxy
}

// resolveLocation joins a possibly relative redirect target onto the current
// URL.
func resolveLocation(current, location string) string {
	base, err := url.Parse(current)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}
