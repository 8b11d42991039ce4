package main

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAccountsFromProviderLists(t *testing.T) {
	t.Setenv("ANYROUTER_ACCOUNTS", `[
		{"name":"Main","cookies":{"session":"abc"},"api_user":12345},
		{"email":{"email":"a@b.test","password":"pw"}}
	]`)
	t.Setenv("AGENTROUTER_ACCOUNTS", `[
		{"name":"Agent","github":{"username":"gh-user","password":"gh-pass"}}
	]`)
	t.Setenv("ACCOUNTS", "")

	accounts := LoadAccounts(noopLogger{})
	if len(accounts) != 3 {
		t.Fatalf("got %d accounts, want 3", len(accounts))
	}

	if accounts[0].Name != "Main" || accounts[0].Provider != "anyrouter" {
		t.Errorf("first account = %s/%s", accounts[0].Provider, accounts[0].Name)
	}
	if m := accounts[0].Methods[0]; m.Method != MethodCookies || m.APIUser != "12345" {
		t.Errorf("first method = %+v", m)
	}

	if accounts[1].Name != "Account 2" {
		t.Errorf("unnamed account = %q, want generated label", accounts[1].Name)
	}
	if m := accounts[1].Methods[0]; m.Method != MethodPassword || m.Username != "a@b.test" {
		t.Errorf("password method = %+v", m)
	}

	if accounts[2].Provider != "agentrouter" {
		t.Errorf("third account provider = %q", accounts[2].Provider)
	}
	if m := accounts[2].Methods[0]; m.Method != MethodOAuth || m.OAuth == nil || m.OAuth.Name != "github" {
		t.Errorf("oauth method = %+v", m)
	}
}

func TestLoadAccountsBadJSON(t *testing.T) {
	t.Setenv("ANYROUTER_ACCOUNTS", "{not json")
	t.Setenv("AGENTROUTER_ACCOUNTS", "")
	t.Setenv("ACCOUNTS", "")

	if accounts := LoadAccounts(noopLogger{}); len(accounts) != 0 {
		t.Errorf("got %d accounts from malformed JSON, want 0", len(accounts))
	}
}

func TestValidateAccount(t *testing.T) {
	tests := []struct {
		name        string
		account     Account
		wantProblem string
	}{
		{
			name:        "no methods",
			account:     Account{Name: "A"},
			wantProblem: "no authentication method",
		},
		{
			name: "cookies without session",
			account: Account{Name: "A", Methods: []AuthMethodConfig{
				{Method: MethodCookies, Cookies: map[string]string{"acw_tc": "x"}, APIUser: "1"},
			}},
			wantProblem: "missing session cookie",
		},
		{
			name: "cookies without api user",
			account: Account{Name: "A", Methods: []AuthMethodConfig{
				{Method: MethodCookies, Cookies: map[string]string{"session": "x"}},
			}},
			wantProblem: "missing api_user",
		},
		{
			name: "password username not an email",
			account: Account{Name: "A", Methods: []AuthMethodConfig{
				{Method: MethodPassword, Username: "bob", Password: "pw"},
			}},
			wantProblem: "not an email",
		},
		{
			name: "oauth missing credentials",
			account: Account{Name: "A", Methods: []AuthMethodConfig{
				{Method: MethodOAuth, OAuth: builtinOAuthProviders["github"]},
			}},
			wantProblem: "missing username or password",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := ValidateAccount(tt.account)
			if len(problems) == 0 {
				t.Fatal("expected at least one problem")
			}
			found := false
			for _, p := range problems {
				if strings.Contains(p, tt.wantProblem) {
					found = true
				}
			}
			if !found {
				t.Errorf("problems %v, want one containing %q", problems, tt.wantProblem)
			}
		})
	}
}

func TestValidateAccountClean(t *testing.T) {
	acct := Account{Name: "A", Methods: []AuthMethodConfig{
		{Method: MethodCookies, Cookies: map[string]string{"session": "x"}, APIUser: "1"},
		{Method: MethodPassword, Username: "a@b.test", Password: "pw"},
		{Method: MethodOAuth, Username: "u", Password: "p", OAuth: builtinOAuthProviders["linux.do"]},
	}}
	if problems := ValidateAccount(acct); len(problems) != 0 {
		t.Errorf("problems = %v, want none", problems)
	}
}

func TestLoadProvidersOverride(t *testing.T) {
	t.Setenv("PROVIDERS", `{"custom":{"base_url":"https://c.test","login_url":"https://c.test/login"}}`)

	providers := LoadProviders(noopLogger{})
	if _, ok := providers["anyrouter"]; !ok {
		t.Error("built-in provider missing after override")
	}
	custom, ok := providers["custom"]
	if !ok {
		t.Fatal("custom provider missing")
	}
	if custom.Name != "custom" || custom.BaseURL != "https://c.test" {
		t.Errorf("custom provider = %+v", custom)
	}
}

func TestLoadEngineConfigDefaultsAndOverrides(t *testing.T) {
	t.Setenv("SESSION_CACHE_TTL_HOURS", "")
	t.Setenv("WAIT_TIME_MULTIPLIER", "")
	t.Setenv("SESSION_CACHE_DIR", "")
	cfg := LoadEngineConfig()
	if cfg.CacheTTL != 24*time.Hour {
		t.Errorf("default TTL = %v", cfg.CacheTTL)
	}
	if cfg.CacheDir != ".cache/sessions" {
		t.Errorf("default cache dir = %q", cfg.CacheDir)
	}

	t.Setenv("SESSION_CACHE_TTL_HOURS", "6")
	t.Setenv("WAIT_TIME_MULTIPLIER", "2.5")
	cfg = LoadEngineConfig()
	if cfg.CacheTTL != 6*time.Hour {
		t.Errorf("TTL = %v, want 6h", cfg.CacheTTL)
	}
	if cfg.WaitMultiplier != 2.5 {
		t.Errorf("multiplier = %v, want 2.5", cfg.WaitMultiplier)
	}
}

func TestWaitMultiplierPerMethodOverride(t *testing.T) {
	t.Setenv("WAIT_TIME_MULTIPLIER", "2.0")
	t.Setenv("PASSWORD_WAIT_TIME_MULTIPLIER", "5.0")
	cfg := LoadEngineConfig()

	if got := cfg.WaitMultiplierFor(MethodPassword); got != 5.0 {
		t.Errorf("password multiplier = %v, want 5.0", got)
	}
	if got := cfg.WaitMultiplierFor(MethodOAuth); got != 2.0 {
		t.Errorf("oauth multiplier = %v, want global 2.0", got)
	}
}
