package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// cacheEntry is the on-disk shape of one cached session. The sensitive
// payload (cookies and user id) lives inside the sealed envelope; the
// username stays in the clear for report rendering without a key.
type cacheEntry struct {
	AccountName   string    `json:"account_name"`
	Provider      string    `json:"provider"`
	EncryptedData string    `json:"encrypted_data"`
	Username      string    `json:"username"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// cachePayload is the sealed part of a cache entry.
type cachePayload struct {
	Cookies map[string]string `json:"cookies"`
	UserID  string            `json:"user_id"`
}

// SessionCache persists validated sessions, one file per account and
// provider. Expired or undecodable entries read as misses and are deleted on
// sight. The cache assumes a single process owns the directory; there is no
// file locking.
type SessionCache struct {
	Dir    string
	Cipher *payloadCipher
	Logger Logger
}

// NewSessionCache creates the cache directory if needed.
func NewSessionCache(dir, secret string, logger Logger) (*SessionCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	return &SessionCache{
		Dir:    dir,
		Cipher: newPayloadCipher(secret, logger),
		Logger: logger,
	}, nil
}

func (c *SessionCache) path(account, provider string) string {
	name := fmt.Sprintf("%s_%s.json", sanitizeFilename(provider), sanitizeFilename(account))
	return filepath.Join(c.Dir, name)
}

// Save writes the session with the given lifetime. It reports success; a
// failed save is logged but never interrupts the flow that produced the
// session.
func (c *SessionCache) Save(account, provider string, session *Session, ttl time.Duration) bool {
	payload, err := json.Marshal(cachePayload{Cookies: session.Cookies, UserID: session.UserID})
	if err != nil {
		c.Logger.Log("cache: marshal failed for %s/%s: %v", provider, account, err)
		return false
	}
	sealed, err := c.Cipher.Seal(payload)
	if err != nil {
		c.Logger.Log("cache: seal failed for %s/%s: %v", provider, account, err)
		return false
	}

	now := time.Now()
	entry := cacheEntry{
		AccountName:   account,
		Provider:      provider,
		EncryptedData: sealed,
		Username:      session.Username,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		c.Logger.Log("cache: marshal failed for %s/%s: %v", provider, account, err)
		return false
	}
	if err := os.WriteFile(c.path(account, provider), data, 0600); err != nil {
		c.Logger.Log("cache: write failed for %s/%s: %v", provider, account, err)
		return false
	}
	c.Logger.Log("cache: saved session for %s/%s (expires %s)", provider, account, entry.ExpiresAt.Format(time.RFC3339))
	return true
}

// Load returns the cached session or nil. Expired and corrupt entries are
// deleted before returning the miss.
func (c *SessionCache) Load(account, provider string) *Session {
	path := c.path(account, provider)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.Logger.Log("cache: read failed for %s/%s: %v", provider, account, err)
		}
		return nil
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.Logger.Log("cache: corrupt entry for %s/%s: %v", provider, account, err)
		c.remove(path)
		return nil
	}
	if time.Now().After(entry.ExpiresAt) {
		c.Logger.Log("cache: expired entry for %s/%s", provider, account)
		c.remove(path)
		return nil
	}

	plaintext, err := c.Cipher.Open(entry.EncryptedData)
	if err != nil {
		c.Logger.Log("cache: %v for %s/%s", err, provider, account)
		c.remove(path)
		return nil
	}
	var payload cachePayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		c.Logger.Log("cache: corrupt payload for %s/%s: %v", provider, account, err)
		c.remove(path)
		return nil
	}

	return &Session{
		Cookies:   payload.Cookies,
		UserID:    payload.UserID,
		Username:  entry.Username,
		CreatedAt: entry.CreatedAt,
		ExpiresAt: entry.ExpiresAt,
	}
}

// Delete removes one cached session if present.
func (c *SessionCache) Delete(account, provider string) {
	c.remove(c.path(account, provider))
}

// ClearAll removes every cached session.
func (c *SessionCache) ClearAll() {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		c.Logger.Log("cache: clear failed: %v", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			c.remove(filepath.Join(c.Dir, e.Name()))
		}
	}
}

// CleanupExpired removes entries whose lifetime has passed and returns how
// many were removed.
func (c *SessionCache) CleanupExpired() int {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		c.Logger.Log("cache: cleanup failed: %v", err)
		return 0
	}

	removed := 0
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(c.Dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			c.remove(path)
			removed++
			continue
		}
		if now.After(entry.ExpiresAt) {
			c.remove(path)
			removed++
		}
	}
	if removed > 0 {
		c.Logger.Log("cache: cleaned up %d expired entries", removed)
	}
	return removed
}

func (c *SessionCache) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.Logger.Log("cache: remove failed for %s: %v", path, err)
	}
}

// sanitizeFilename keeps cache filenames safe regardless of account labels.
func sanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
