// Package token generates deterministic redaction placeholders and manages
// the TokenRecord lifecycle backing redact/detokenize.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultTTL is the lifetime a TokenRecord carries when none is configured.
const DefaultTTL = 24 * time.Hour

// Entry is one placeholder's mapping back to its original value, as stored
// inside a TokenRecord.
type Entry struct {
	Type      string    `json:"type"`
	Original  string    `json:"original"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is the full set of placeholder mappings created by a single redact
// call, keyed by the opaque handle returned to the caller.
type Record struct {
	Handle         string           `json:"handle"`
	ConversationID string           `json:"conversation_id"`
	Entries        map[string]Entry `json:"entries"`
	ExpiresAt      time.Time        `json:"expires_at"`
	LastExtendedAt time.Time        `json:"last_extended_at,omitzero"`
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Generator derives deterministic placeholders from a process-wide HMAC key.
type Generator struct {
	key []byte
}

// NewGenerator builds a Generator from the salt loaded at process start.
// An empty salt is a caller error (the caller must treat a missing SALT_ENV
// as a fatal startup condition before reaching here).
func NewGenerator(salt []byte) (*Generator, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("token: salt must not be empty")
	}
	return &Generator{key: salt}, nil
}

// Placeholder returns the deterministic `«token:TYPE:HASH4»` string for
// (conversationID, typ, original). Within one conversationID, the same
// (typ, original) pair always yields the same HASH4.
func (g *Generator) Placeholder(conversationID, typ, original string) string {
	hash4 := g.hash4(conversationID, typ, original)
	return fmt.Sprintf("«token:%s:%s»", typ, hash4)
}

func (g *Generator) hash4(conversationID, typ, original string) string {
	mac := hmac.New(sha256.New, g.key)
	mac.Write([]byte(conversationID))
	mac.Write([]byte{0})
	mac.Write([]byte(typ))
	mac.Write([]byte{0})
	mac.Write([]byte(original))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum[:4])
}

// NewHandle returns a fresh random 128-bit handle, base32-encoded.
func NewHandle() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: generating handle: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}
