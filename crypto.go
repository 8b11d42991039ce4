package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope tags. Tagged payloads decode by scheme; untagged payloads are
// legacy XOR entries and decode by trial.
const (
	envelopeV2      = "v2:"
	envelopeEncoded = "b64:"
)

// payloadCipher seals and opens the sensitive cache payload. The active
// scheme is ChaCha20-Poly1305 under a key derived from the configured cache
// key; without a key it degrades to a tagged reversible encoding.
type payloadCipher struct {
	key    []byte
	logger Logger
}

// newPayloadCipher derives the sealing key from the configured secret. An
// empty secret is allowed but leaves payloads merely encoded, which the
// cipher warns about once at construction.
func newPayloadCipher(secret string, logger Logger) *payloadCipher {
	c := &payloadCipher{logger: logger}
	if secret == "" {
		logger.Log("WARNING: %v, cached sessions are encoded but not encrypted", ErrEncryptionKeyMissing)
		return c
	}
	sum := sha256.Sum256([]byte(secret))
	c.key = sum[:]
	return c
}

// Seal encrypts plaintext into a tagged envelope string.
func (c *payloadCipher) Seal(plaintext []byte) (string, error) {
	if c.key == nil {
		return envelopeEncoded + base64.StdEncoding.EncodeToString(plaintext), nil
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return envelopeV2 + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes any envelope this engine has ever written: the current tagged
// scheme, the tagged unkeyed encoding, and untagged legacy XOR entries by
// trial. Failure means the entry is corrupt (or keyed differently) and the
// caller should treat it as a miss.
func (c *payloadCipher) Open(envelope string) ([]byte, error) {
	switch {
	case strings.HasPrefix(envelope, envelopeV2):
		return c.openV2(strings.TrimPrefix(envelope, envelopeV2))
	case strings.HasPrefix(envelope, envelopeEncoded):
		plaintext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopeEncoded))
		if err != nil {
			return nil, fmt.Errorf("%w: bad encoding", ErrCacheCorrupt)
		}
		return plaintext, nil
	default:
		return c.openLegacy(envelope)
	}
}

func (c *payloadCipher) openV2(encoded string) ([]byte, error) {
	if c.key == nil {
		return nil, fmt.Errorf("%w: encrypted entry but no key configured", ErrCacheCorrupt)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrCacheCorrupt)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("cipher init: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: truncated payload", ErrCacheCorrupt)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCacheCorrupt)
	}
	return plaintext, nil
}

// openLegacy attempts the pre-envelope scheme: base64 of the plaintext XORed
// with the raw key bytes. The result is accepted only when it looks like the
// JSON this cache stores, so garbage never round-trips silently.
func (c *payloadCipher) openLegacy(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: unrecognized envelope", ErrCacheCorrupt)
	}

	if c.key != nil {
		plaintext := xorBytes(raw, c.key)
		if looksLikeJSONObject(plaintext) {
			c.logger.Log("cache: decoded legacy entry, will re-seal on next save")
			return plaintext, nil
		}
	}

	// Unkeyed legacy entries were plain base64.
	if looksLikeJSONObject(raw) {
		c.logger.Log("cache: decoded legacy unkeyed entry, will re-seal on next save")
		return raw, nil
	}
	return nil, fmt.Errorf("%w: legacy trial failed", ErrCacheCorrupt)
}

func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}

func looksLikeJSONObject(data []byte) bool {
	if len(data) == 0 || !utf8.Valid(data) {
		return false
	}
	trimmed := strings.TrimSpace(string(data))
	return strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
}
