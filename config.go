package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthMethod identifies one credential mechanism.
type AuthMethod string

const (
	MethodCookies  AuthMethod = "cookies"
	MethodPassword AuthMethod = "password"
	MethodOAuth    AuthMethod = "oauth"
)

// OAuthProviderMeta parameterizes the delegated-login flow for one identity
// provider. One struct instead of one authenticator type per provider.
type OAuthProviderMeta struct {
	Name              string `json:"name"`
	Host              string `json:"host"`
	AuthorizeEndpoint string `json:"authorize_endpoint"`
	Scope             string `json:"scope"`
	UserSelector      string `json:"user_selector"`
	PassSelector      string `json:"pass_selector"`
	SubmitSelector    string `json:"submit_selector"`
	ConsentSelector   string `json:"consent_selector"`
}

// authorizeURL builds the provider's authorization URL from the client id and
// anti-forgery state retrieved on the service side.
func (m *OAuthProviderMeta) authorizeURL(clientID, state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("state", state)
	if m.Scope != "" {
		q.Set("scope", m.Scope)
	}
	return m.AuthorizeEndpoint + "?" + q.Encode()
}

// AuthMethodConfig is one credential mechanism for one account. Immutable
// after load.
type AuthMethodConfig struct {
	Method   AuthMethod
	Cookies  map[string]string
	Username string
	Password string
	APIUser  string
	OAuth    *OAuthProviderMeta
}

// Account binds a label and provider name to the ordered list of credential
// mechanisms to try.
type Account struct {
	Name     string
	Provider string
	Methods  []AuthMethodConfig
}

// Provider holds the endpoints of one target service.
type Provider struct {
	Name        string `json:"name"`
	BaseURL     string `json:"base_url"`
	LoginURL    string `json:"login_url"`
	CheckinURL  string `json:"checkin_url"`
	UserInfoURL string `json:"user_info_url"`
}

// builtinOAuthProviders are the delegated-login providers the original flows
// support out of the box.
var builtinOAuthProviders = map[string]*OAuthProviderMeta{
	"github": {
		Name:              "github",
		Host:              "github.com",
		AuthorizeEndpoint: "https://github.com/login/oauth/authorize",
		Scope:             "user:email",
		UserSelector:      `input[name="login"]`,
		PassSelector:      `input[name="password"]`,
		SubmitSelector:    `input[type="submit"]`,
		ConsentSelector:   `button[name="authorize"]`,
	},
	"linux.do": {
		Name:              "linux.do",
		Host:              "linux.do",
		AuthorizeEndpoint: "https://connect.linux.do/oauth2/authorize",
		UserSelector:      `input[id="login-account-name"]`,
		PassSelector:      `input[id="login-account-password"]`,
		SubmitSelector:    `button[id="login-button"]`,
		ConsentSelector:   `a[href^="/oauth2/approve"]`,
	},
}

// defaultProviders returns the built-in target registry. PROVIDERS overrides
// or extends it.
func defaultProviders() map[string]*Provider {
	return map[string]*Provider{
		"anyrouter": {
			Name:        "AnyRouter",
			BaseURL:     "https://anyrouter.top",
			LoginURL:    "https://anyrouter.top/login",
			CheckinURL:  "https://anyrouter.top/api/user/checkin",
			UserInfoURL: "https://anyrouter.top/api/user/self",
		},
		"agentrouter": {
			Name:        "AgentRouter",
			BaseURL:     "https://agentrouter.org",
			LoginURL:    "https://agentrouter.org/login",
			CheckinURL:  "https://agentrouter.org/api/user/sign_in",
			UserInfoURL: "https://agentrouter.org/api/user/self",
		},
	}
}

// LoadProviders builds the provider registry from defaults plus the PROVIDERS
// env override.
func LoadProviders(logger Logger) map[string]*Provider {
	providers := defaultProviders()

	raw := os.Getenv("PROVIDERS")
	if raw == "" {
		return providers
	}

	var custom map[string]*Provider
	if err := json.Unmarshal([]byte(raw), &custom); err != nil {
		logger.Log("WARNING: failed to parse PROVIDERS: %v", err)
		return providers
	}
	for name, p := range custom {
		if p.Name == "" {
			p.Name = name
		}
		providers[name] = p
	}
	return providers
}

// flexString decodes a JSON field that providers serve inconsistently as
// either a string or a number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// rawAccount is the env-var JSON shape for one account entry.
type rawAccount struct {
	Name     string            `json:"name"`
	Provider string            `json:"provider"`
	Cookies  map[string]string `json:"cookies"`
	APIUser  flexString        `json:"api_user"`
	Email    *rawCredential    `json:"email"`
	GitHub   *rawCredential    `json:"github"`
	LinuxDo  *rawCredential    `json:"linux.do"`
}

type rawCredential struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r *rawAccount) toAccount(index int, defaultProvider string) Account {
	name := r.Name
	if name == "" {
		name = fmt.Sprintf("Account %d", index+1)
	}
	provider := r.Provider
	if provider == "" {
		provider = defaultProvider
	}
	if provider == "" {
		provider = "anyrouter"
	}

	acct := Account{Name: name, Provider: provider}

	if len(r.Cookies) > 0 {
		acct.Methods = append(acct.Methods, AuthMethodConfig{
			Method:  MethodCookies,
			Cookies: r.Cookies,
			APIUser: r.APIUser.String(),
		})
	}
	if r.Email != nil {
		username := r.Email.Username
		if username == "" {
			username = r.Email.Email
		}
		acct.Methods = append(acct.Methods, AuthMethodConfig{
			Method:   MethodPassword,
			Username: username,
			Password: r.Email.Password,
		})
	}
	if r.GitHub != nil {
		acct.Methods = append(acct.Methods, AuthMethodConfig{
			Method:   MethodOAuth,
			Username: r.GitHub.Username,
			Password: r.GitHub.Password,
			OAuth:    builtinOAuthProviders["github"],
		})
	}
	if r.LinuxDo != nil {
		acct.Methods = append(acct.Methods, AuthMethodConfig{
			Method:   MethodOAuth,
			Username: r.LinuxDo.Username,
			Password: r.LinuxDo.Password,
			OAuth:    builtinOAuthProviders["linux.do"],
		})
	}
	return acct
}

// LoadAccounts reads account definitions from the per-provider env lists plus
// the unified ACCOUNTS list. Returns nil when nothing is configured.
func LoadAccounts(logger Logger) []Account {
	var accounts []Account

	appendList := func(envVar, defaultProvider string) {
		raw := os.Getenv(envVar)
		if raw == "" {
			return
		}
		var entries []rawAccount
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			logger.Log("WARNING: failed to parse %s: %v", envVar, err)
			return
		}
		for _, entry := range entries {
			accounts = append(accounts, entry.toAccount(len(accounts), defaultProvider))
		}
	}

	appendList("ANYROUTER_ACCOUNTS", "anyrouter")
	appendList("AGENTROUTER_ACCOUNTS", "agentrouter")
	appendList("ACCOUNTS", "")

	return accounts
}

// ValidateAccount checks an account's method configs, returning one message
// per problem. An empty slice means the account is usable.
func ValidateAccount(acct Account) []string {
	var problems []string

	if strings.TrimSpace(acct.Name) == "" {
		problems = append(problems, "account name is empty")
	}
	if len(acct.Methods) == 0 {
		problems = append(problems, "no authentication method configured")
		return problems
	}

	for i, m := range acct.Methods {
		prefix := fmt.Sprintf("method %d (%s)", i+1, m.Method)
		switch m.Method {
		case MethodCookies:
			if len(m.Cookies) == 0 {
				problems = append(problems, prefix+": no cookies provided")
			} else if _, ok := m.Cookies["session"]; !ok {
				problems = append(problems, prefix+": missing session cookie")
			}
			if m.APIUser == "" {
				problems = append(problems, prefix+": missing api_user")
			}
		case MethodPassword:
			if m.Username == "" {
				problems = append(problems, prefix+": missing username")
			} else if !strings.Contains(m.Username, "@") {
				problems = append(problems, prefix+": username is not an email address")
			}
			if m.Password == "" {
				problems = append(problems, prefix+": missing password")
			}
		case MethodOAuth:
			if m.Username == "" || m.Password == "" {
				problems = append(problems, prefix+": missing username or password")
			}
			if m.OAuth == nil {
				problems = append(problems, prefix+": missing provider metadata")
			}
		default:
			problems = append(problems, prefix+": unknown method")
		}
	}
	return problems
}

// EngineConfig holds the environment-level knobs the engine consumes.
type EngineConfig struct {
	CacheDir          string
	CacheKey          string
	CacheTTL          time.Duration
	SkipChallengeWait bool
	StrictChallenge   bool
	WaitMultiplier    float64
	ProxyFile         string
	ProxyServer       string
	HyperAPIKey       string
}

// LoadEngineConfig reads the knobs from the environment, applying defaults.
func LoadEngineConfig() EngineConfig {
	cfg := EngineConfig{
		CacheDir:          envOr("SESSION_CACHE_DIR", ".cache/sessions"),
		CacheKey:          os.Getenv("SESSION_CACHE_KEY"),
		CacheTTL:          24 * time.Hour,
		SkipChallengeWait: envBool("SKIP_CHALLENGE_WAIT"),
		StrictChallenge:   envBool("STRICT_CHALLENGE_WAIT"),
		WaitMultiplier:    1.0,
		ProxyFile:         os.Getenv("PROXY_FILE"),
		ProxyServer:       os.Getenv("PROXY_SERVER"),
		HyperAPIKey:       os.Getenv("HYPER_API_KEY"),
	}

	if hours, err := strconv.Atoi(os.Getenv("SESSION_CACHE_TTL_HOURS")); err == nil && hours > 0 {
		cfg.CacheTTL = time.Duration(hours) * time.Hour
	}
	if mult, err := strconv.ParseFloat(os.Getenv("WAIT_TIME_MULTIPLIER"), 64); err == nil && mult > 0 {
		cfg.WaitMultiplier = mult
	}
	return cfg
}

// WaitMultiplierFor returns the wait-time multiplier for one auth method,
// honoring per-method override keys like PASSWORD_WAIT_TIME_MULTIPLIER.
func (c EngineConfig) WaitMultiplierFor(method AuthMethod) float64 {
	key := strings.ToUpper(strings.ReplaceAll(string(method), ".", "")) + "_WAIT_TIME_MULTIPLIER"
	if raw := os.Getenv(key); raw != "" {
		if mult, err := strconv.ParseFloat(raw, 64); err == nil && mult > 0 {
			return mult
		}
	}
	return c.WaitMultiplier
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	return strings.EqualFold(os.Getenv(key), "true")
}
