package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Hyper-Solutions/hyper-sdk-go/v2"
	"github.com/Hyper-Solutions/hyper-sdk-go/v2/incapsula"
	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
)

// Impersonator is the last acquisition channel: a fingerprint-accurate HTTP
// client that presents a real browser's TLS ClientHello and header order. It
// also performs the authoritative identity and check-in calls for the
// validator and orchestrator.
type Impersonator struct {
	Profile     *BrowserProfile
	HyperAPIKey string
	Logger      Logger
}

// NewImpersonator builds the channel with the default browser profile.
func NewImpersonator(hyperAPIKey string, logger Logger) *Impersonator {
	return &Impersonator{
		Profile:     DefaultProfile,
		HyperAPIKey: hyperAPIKey,
		Logger:      logger,
	}
}

// FetchCookies loads the target through the impersonating client and returns
// the cookies the exchange minted. When the response is an interstitial
// sensor challenge and an API key is configured, it attempts one solve and
// refetches; without a key the challenge cookies collected so far are all it
// can offer.
func (im *Impersonator) FetchCookies(ctx context.Context, target string, proxy string) (map[string]string, error) {
	client, err := NewClient(nil, proxy)
	if err != nil {
		return nil, fmt.Errorf("impersonating client: %w", err)
	}
	defer client.CloseIdleConnections()

	body, err := im.fetchPage(ctx, client, target)
	if err != nil {
		return nil, err
	}

	if isSensorChallenge(body) && im.HyperAPIKey != "" {
		im.Logger.Log("impersonate: sensor challenge detected, attempting solve")
		if err := im.solveSensorChallenge(ctx, client, target, body); err != nil {
			im.Logger.Log("impersonate: sensor solve failed: %v", err)
		} else if _, err := im.fetchPage(ctx, client, target); err != nil {
			return nil, err
		}
	}

	return clientCookieMap(client, target), nil
}

// fetchPage performs one browser-shaped GET and returns the body.
func (im *Impersonator) fetchPage(ctx context.Context, client tls_client.HttpClient, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header = navigationHeaders(im.Profile)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("impersonate fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// navigationHeaders is the ordered header set Chrome sends for a top-level
// navigation.
func navigationHeaders(p *BrowserProfile) http.Header {
	return http.Header{
		"user-agent":                {p.UserAgent},
		"accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8"},
		"accept-language":           {"en-US,en;q=0.9"},
		"upgrade-insecure-requests": {"1"},
		"sec-fetch-dest":            {"document"},
		"sec-fetch-mode":            {"navigate"},
		"sec-fetch-site":            {"none"},
		"sec-fetch-user":            {"?1"},
		"sec-ch-ua":                 {p.SecChUa},
		"sec-ch-ua-mobile":          {p.Mobile},
		"sec-ch-ua-platform":        {p.Platform},
		http.HeaderOrderKey: {
			"user-agent",
			"accept",
			"accept-language",
			"upgrade-insecure-requests",
			"sec-fetch-dest",
			"sec-fetch-mode",
			"sec-fetch-site",
			"sec-fetch-user",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}
}

// apiHeaders is the ordered header set for same-origin JSON calls.
func (im *Impersonator) apiHeaders(origin, apiUser string) http.Header {
	h := http.Header{
		"user-agent":         {im.Profile.UserAgent},
		"accept":             {"application/json, text/plain, */*"},
		"accept-language":    {"en-US,en;q=0.9"},
		"referer":            {origin + "/"},
		"sec-fetch-dest":     {"empty"},
		"sec-fetch-mode":     {"cors"},
		"sec-fetch-site":     {"same-origin"},
		"sec-ch-ua":          {im.Profile.SecChUa},
		"sec-ch-ua-mobile":   {im.Profile.Mobile},
		"sec-ch-ua-platform": {im.Profile.Platform},
		http.HeaderOrderKey: {
			"user-agent",
			"accept",
			"accept-language",
			"referer",
			"new-api-user",
			"sec-fetch-dest",
			"sec-fetch-mode",
			"sec-fetch-site",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}
	if apiUser != "" {
		h.Set("new-api-user", apiUser)
	}
	return h
}

// CallIdentity performs the authoritative identity request with the candidate
// cookies attached and redirects not followed.
func (im *Impersonator) CallIdentity(ctx context.Context, provider *Provider, cookies map[string]string, apiUser string) (*IdentityOutcome, error) {
	return im.apiCall(ctx, http.MethodGet, provider.UserInfoURL, provider, cookies, apiUser)
}

// CheckIn posts the provider's check-in endpoint with the session attached.
func (im *Impersonator) CheckIn(ctx context.Context, provider *Provider, cookies map[string]string, apiUser string) (*IdentityOutcome, error) {
	return im.apiCall(ctx, http.MethodPost, provider.CheckinURL, provider, cookies, apiUser)
}

func (im *Impersonator) apiCall(ctx context.Context, method, target string, provider *Provider, cookies map[string]string, apiUser string) (*IdentityOutcome, error) {
	client, err := NewClient(nil, "")
	if err != nil {
		return nil, fmt.Errorf("impersonating client: %w", err)
	}
	defer client.CloseIdleConnections()

	base, err := url.Parse(provider.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("provider base url: %w", err)
	}
	client.SetCookies(base, cookieListForDomain(cookies, base.Hostname()))

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header = im.apiHeaders(provider.BaseURL, apiUser)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &IdentityOutcome{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Location:    resp.Header.Get("Location"),
		Body:        body,
	}, nil
}

// sensorTokenResponse is the body returned by the sensor submission endpoint.
type sensorTokenResponse struct {
	Token        string `json:"token"`
	RenewInSec   int    `json:"renewInSec"`
	CookieDomain string `json:"cookieDomain"`
}

// isSensorChallenge checks whether a body is the interstitial sensor page.
func isSensorChallenge(body string) bool {
	return strings.Contains(body, "Pardon Our Interruption")
}

// solveSensorChallenge runs the full sensor flow: parse the script path from
// the challenge page, fetch the script, generate the sensor payload through
// the solving API, submit it, and set the resulting cookie on the client jar.
func (im *Impersonator) solveSensorChallenge(ctx context.Context, client tls_client.HttpClient, pageURL, challengeBody string) error {
	session := hyper.NewSession(im.HyperAPIKey)

	sensorPath, scriptPath, err := incapsula.ParseDynamicReeseScript(strings.NewReader(challengeBody), pageURL)
	if err != nil {
		return err
	}

	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return err
	}
	baseURL := parsedURL.Scheme + "://" + parsedURL.Host
	scriptURL := baseURL + scriptPath
	sensorURL := baseURL + sensorPath

	scriptContent, err := im.fetchScript(ctx, client, scriptURL)
	if err != nil {
		return err
	}

	externalIP, err := im.externalIP(ctx, client)
	if err != nil {
		return err
	}

	sensor, err := session.GenerateReese84Sensor(ctx, &hyper.ReeseInput{
		UserAgent:      im.Profile.UserAgent,
		AcceptLanguage: "en-US,en;q=0.9",
		IP:             externalIP,
		ScriptUrl:      scriptURL,
		PageUrl:        pageURL,
		Script:         scriptContent,
	})
	if err != nil {
		return err
	}

	tokenResp, err := im.submitSensor(ctx, client, sensorURL, sensor)
	if err != nil {
		return err
	}

	cookieDomain := tokenResp.CookieDomain
	if cookieDomain == "" {
		cookieDomain = parsedURL.Host
	}

	cookieURL, _ := url.Parse(baseURL)
	client.SetCookies(cookieURL, []*http.Cookie{{
		Name:   "reese84",
		Value:  tokenResp.Token,
		Domain: cookieDomain,
		Path:   "/",
	}})
	return nil
}

// fetchScript fetches the sensor challenge script.
func (im *Impersonator) fetchScript(ctx context.Context, client tls_client.HttpClient, scriptURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scriptURL, nil)
	if err != nil {
		return "", err
	}

	req.Header = http.Header{
		"user-agent":         {im.Profile.UserAgent},
		"accept":             {"*/*"},
		"accept-language":    {"en-US,en;q=0.9"},
		"sec-fetch-dest":     {"script"},
		"sec-fetch-mode":     {"no-cors"},
		"sec-fetch-site":     {"same-origin"},
		"sec-ch-ua":          {im.Profile.SecChUa},
		"sec-ch-ua-mobile":   {im.Profile.Mobile},
		"sec-ch-ua-platform": {im.Profile.Platform},
		http.HeaderOrderKey: {
			"user-agent",
			"accept",
			"accept-language",
			"sec-fetch-dest",
			"sec-fetch-mode",
			"sec-fetch-site",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// submitSensor posts the sensor payload to the challenge endpoint.
func (im *Impersonator) submitSensor(ctx context.Context, client tls_client.HttpClient, submitURL, sensor string) (*sensorTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, strings.NewReader(sensor))
	if err != nil {
		return nil, err
	}

	req.Header = http.Header{
		"user-agent":         {im.Profile.UserAgent},
		"accept":             {"*/*"},
		"accept-language":    {"en-US,en;q=0.9"},
		"content-type":       {"text/plain;charset=UTF-8"},
		"origin":             {getOrigin(submitURL)},
		"sec-fetch-dest":     {"empty"},
		"sec-fetch-mode":     {"cors"},
		"sec-fetch-site":     {"same-origin"},
		"sec-ch-ua":          {im.Profile.SecChUa},
		"sec-ch-ua-mobile":   {im.Profile.Mobile},
		"sec-ch-ua-platform": {im.Profile.Platform},
		http.HeaderOrderKey: {
			"user-agent",
			"accept",
			"accept-language",
			"content-type",
			"origin",
			"sec-fetch-dest",
			"sec-fetch-mode",
			"sec-fetch-site",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var tokenResp sensorTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, err
	}
	return &tokenResp, nil
}

// externalIP fetches the egress address through the solving API so the sensor
// payload matches the proxy in use.
func (im *Impersonator) externalIP(ctx context.Context, client tls_client.HttpClient) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://ip.hypersolutions.co/ip", nil)
	if err != nil {
		return "", err
	}
	req.Header = http.Header{
		"x-api-key": {im.HyperAPIKey},
		"accept":    {"application/json"},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var ipResp struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &ipResp); err != nil {
		return "", err
	}
	return ipResp.IP, nil
}

// getOrigin extracts the origin (scheme + host) from a URL.
func getOrigin(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// clientCookieMap flattens the client jar's cookies for the target origin.
func clientCookieMap(client tls_client.HttpClient, target string) map[string]string {
	u, err := url.Parse(target)
	if err != nil {
		return nil
	}
	cookies := make(map[string]string)
	for _, c := range client.GetCookies(u) {
		if _, ok := cookies[c.Name]; !ok {
			cookies[c.Name] = c.Value
		}
	}
	return cookies
}
