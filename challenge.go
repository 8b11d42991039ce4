package main

import (
	"context"
	"strings"
	"time"
)

// ChallengeState tracks the anti-bot interstitial state machine.
type ChallengeState int

const (
	ChallengeNone ChallengeState = iota
	ChallengeActive
	ChallengeResolved
	ChallengeTimedOut
)

func (s ChallengeState) String() string {
	switch s {
	case ChallengeNone:
		return "none"
	case ChallengeActive:
		return "active"
	case ChallengeResolved:
		return "resolved"
	case ChallengeTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// challengeContentMarkers is the fixed vocabulary of interstitial phrases
// looked for in page content.
var challengeContentMarkers = []string{
	"Just a moment",
	"Checking your browser",
	"Pardon Our Interruption",
	"Verifying you are human",
	"DDoS protection by",
	"cf-chl",
	"challenges.cloudflare.com",
}

// challengeTitleMarkers is the marker vocabulary for the document title.
var challengeTitleMarkers = []string{
	"Just a moment",
	"Attention Required",
	"Access denied",
}

// loginFormSignals indicate a rendered login form, which counts as having
// cleared the interstitial.
var loginFormSignals = []string{
	`type="password"`,
	`type='password'`,
	"login-form",
	"signin-form",
}

// hasChallengeMarkers reports whether content or title carry an interstitial
// phrase.
func hasChallengeMarkers(content, title string) bool {
	for _, m := range challengeContentMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	for _, m := range challengeTitleMarkers {
		if strings.Contains(title, m) {
			return true
		}
	}
	return false
}

func hasLoginFormSignal(content string) bool {
	for _, s := range loginFormSignals {
		if strings.Contains(content, s) {
			return true
		}
	}
	return false
}

// ChallengeWaiter detects anti-bot interstitials on a surface and waits them
// out, escalating through recovery strategies when a wait times out.
type ChallengeWaiter struct {
	Surface      Surface
	Policy       *BackoffPolicy
	EntryURL     string
	PollInterval time.Duration
	WaitCeiling  time.Duration
	MaxAttempts  int
	// Strict controls the exhaustion behavior. The interstitial vocabulary
	// is heuristic, so the default (lenient) treats an unresolved challenge
	// as resolved and lets validation make the final call; strict mode
	// reports TimedOut instead.
	Strict bool
	Logger Logger
}

// NewChallengeWaiter builds a waiter with the engine defaults: 2s polls,
// 20s per-attempt ceiling, 3 escalation attempts.
func NewChallengeWaiter(surface Surface, policy *BackoffPolicy, entryURL string, logger Logger) *ChallengeWaiter {
	return &ChallengeWaiter{
		Surface:      surface,
		Policy:       policy,
		EntryURL:     entryURL,
		PollInterval: 2 * time.Second,
		WaitCeiling:  20 * time.Second,
		MaxAttempts:  3,
		Logger:       logger,
	}
}

func (w *ChallengeWaiter) scaled(d time.Duration) time.Duration {
	if w.Policy != nil && w.Policy.Multiplier > 0 {
		return time.Duration(float64(d) * w.Policy.Multiplier)
	}
	return d
}

// Wait runs the state machine. It returns ChallengeNone when no markers are
// present, ChallengeResolved when the interstitial cleared (or on lenient
// exhaustion), and ChallengeTimedOut only in strict mode.
func (w *ChallengeWaiter) Wait(ctx context.Context) ChallengeState {
	content, err := w.Surface.Content()
	if err != nil {
		w.Logger.Log("challenge: could not read page content: %v", err)
		return ChallengeNone
	}
	if !hasChallengeMarkers(content, w.Surface.Title()) {
		return ChallengeNone
	}

	challengeURL := w.Surface.URL()
	w.Logger.Log("challenge: interstitial detected at %s", challengeURL)

	recoveries := []RecoveryStrategy{
		func(ctx context.Context) error {
			w.Logger.Log("challenge: soft refresh")
			return w.Surface.Navigate(ctx, w.Surface.URL(), WaitDOMContentLoaded, w.scaled(20*time.Second))
		},
		func(ctx context.Context) error {
			w.Logger.Log("challenge: hard re-entry to %s", w.EntryURL)
			return w.Surface.Navigate(ctx, w.EntryURL, WaitDOMContentLoaded, w.scaled(30*time.Second))
		},
	}

	state, ok := ExecuteBackoff(ctx, w.Policy, "challenge-wait", w.MaxAttempts, func(ctx context.Context) (ChallengeState, bool) {
		return w.pollOnce(ctx, challengeURL)
	}, recoveries)

	if ok {
		return state
	}

	if w.Strict {
		w.Logger.Log("challenge: unresolved after %d attempts, reporting timeout", w.MaxAttempts)
		return ChallengeTimedOut
	}
	w.Logger.Log("challenge: unresolved after %d attempts, continuing optimistically", w.MaxAttempts)
	return ChallengeResolved
}

// pollOnce waits up to the ceiling for the markers to clear. Resolution
// additionally requires that navigation left the challenge path or that a
// login form is visible; markers briefly absent mid-reload otherwise count
// as resolved too eagerly.
func (w *ChallengeWaiter) pollOnce(ctx context.Context, challengeURL string) (ChallengeState, bool) {
	deadline := time.Now().Add(w.scaled(w.WaitCeiling))

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ChallengeTimedOut, false
		case <-time.After(w.scaled(w.PollInterval)):
		}

		content, err := w.Surface.Content()
		if err != nil {
			continue
		}
		if hasChallengeMarkers(content, w.Surface.Title()) {
			continue
		}

		if w.Surface.URL() != challengeURL || hasLoginFormSignal(content) {
			w.Logger.Log("challenge: cleared (now at %s)", w.Surface.URL())
			return ChallengeResolved, true
		}
	}

	return ChallengeTimedOut, false
}
