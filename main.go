package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

// accountFlowTimeout bounds one account's full flow before the wait
// multiplier is applied.
const accountFlowTimeout = 10 * time.Minute

func main() {
	clearCache := flag.Bool("clear-cache", false, "remove every cached session and exit")
	cleanupCache := flag.Bool("cleanup-cache", false, "remove expired cached sessions and exit")
	reportFile := flag.String("report-file", "", "also write the run report to this file")
	flag.Parse()

	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	engineLogFile, flowLogFile, engineLog, flowLog := setupLogging()
	defer engineLogFile.Close()
	defer flowLogFile.Close()

	cfg := LoadEngineConfig()

	cache, err := NewSessionCache(cfg.CacheDir, cfg.CacheKey, flowLog)
	if err != nil {
		engineLog.Fatalf("Failed to initialize session cache: %v", err)
	}

	if *clearCache {
		cache.ClearAll()
		engineLog.Printf("Session cache cleared")
		return
	}
	if *cleanupCache {
		removed := cache.CleanupExpired()
		engineLog.Printf("Removed %d expired sessions", removed)
		return
	}

	accounts := LoadAccounts(flowLog)
	if len(accounts) == 0 {
		engineLog.Fatalf("No accounts configured (set ACCOUNTS, ANYROUTER_ACCOUNTS or AGENTROUTER_ACCOUNTS)")
	}

	var usable []Account
	for _, acct := range accounts {
		if problems := ValidateAccount(acct); len(problems) > 0 {
			for _, p := range problems {
				engineLog.Printf("WARNING: skipping account %q: %s", acct.Name, p)
			}
			continue
		}
		usable = append(usable, acct)
	}
	if len(usable) == 0 {
		engineLog.Fatalf("No usable accounts after validation")
	}

	proxies, err := NewProxyService(cfg)
	if err != nil {
		engineLog.Fatalf("Failed to initialize proxy service: %v", err)
	}
	if proxies.Count() > 0 {
		engineLog.Printf("Loaded %d proxies", proxies.Count())
	}

	orchestrator := &AuthenticationOrchestrator{
		Cache:     cache,
		Proxies:   proxies,
		Providers: LoadProviders(flowLog),
		Config:    cfg,
		NewSurface: func(ctx context.Context, proxy string) (Surface, func(), error) {
			surface, err := newHTTPSurface(proxy, flowLog)
			if err != nil {
				return nil, nil, err
			}
			return surface, surface.Close, nil
		},
		Scraper: NewScraper(flowLog),
		Client:  NewImpersonator(cfg.HyperAPIKey, flowLog),
		Logger:  flowLog,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineLog.Printf("Starting authentication for %d accounts", len(usable))

	var results []*AuthResult
	for _, acct := range usable {
		flowCtx, cancel := context.WithTimeout(ctx, scaledTimeout(accountFlowTimeout, cfg.WaitMultiplier))
		result := orchestrator.Authenticate(flowCtx, acct)
		cancel()
		results = append(results, result)

		engineLog.Printf("%s/%s: %s", result.Provider, result.AccountName, describeResult(result))

		if ctx.Err() != nil {
			engineLog.Printf("Interrupted, stopping after %d of %d accounts", len(results), len(usable))
			break
		}
	}

	store := NewBalanceStore(cfg.CacheDir, flowLog)
	report := BuildReport(results, store)
	if store.Flush() {
		engineLog.Printf("Balances changed since last run")
	}

	fmt.Print(report)
	if *reportFile != "" {
		if err := os.WriteFile(*reportFile, []byte(report), 0644); err != nil {
			engineLog.Printf("WARNING: failed to write report file: %v", err)
		}
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	if succeeded == 0 {
		engineLog.Printf("All accounts failed")
		os.Exit(1)
	}
	engineLog.Printf("Done: %d/%d accounts authenticated", succeeded, len(results))
}
