package token

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	aesKeySize       = 32 // AES-256
	gcmNonceSize     = 12 // 96 bits
)

// RemoteConfig configures the encrypted Redis-backed token store.
type RemoteConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// EncryptionPassphrase is the environment-supplied secret the AES key is
	// derived from. PBKDF2Salt is a 16-byte salt fixed per deployment (not
	// secret, but must stay stable across process restarts so existing
	// ciphertexts remain decryptable).
	EncryptionPassphrase string
	PBKDF2Salt           []byte
}

// RemoteStore is a Store backed by a key-value service (Redis), with every
// record encrypted client-side via AES-256-GCM before being written. The KV
// service enforces TTL natively.
type RemoteStore struct {
	client    *redis.Client
	keyPrefix string
	aead      cipher.AEAD
}

// NewRemoteStore connects to Redis and derives the AES-256-GCM key once via
// PBKDF2-HMAC-SHA256 over the configured passphrase and salt.
func NewRemoteStore(cfg RemoteConfig) (*RemoteStore, error) {
	if len(cfg.PBKDF2Salt) != 16 {
		return nil, fmt.Errorf("token: PBKDF2 salt must be 16 bytes, got %d", len(cfg.PBKDF2Salt))
	}
	if cfg.EncryptionPassphrase == "" {
		return nil, fmt.Errorf("token: encryption passphrase must not be empty")
	}

	key := pbkdf2.Key([]byte(cfg.EncryptionPassphrase), cfg.PBKDF2Salt, pbkdf2Iterations, aesKeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token: building AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token: building AES-GCM: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("token: connecting to remote store: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "elida:token:"
	}

	slog.Info("encrypted remote token store initialized", "addr", cfg.Addr, "key_prefix", keyPrefix)

	return &RemoteStore{client: client, keyPrefix: keyPrefix, aead: aead}, nil
}

func (s *RemoteStore) key(handle string) string {
	return s.keyPrefix + handle
}

// Put serializes rec to JSON, encrypts it with a fresh random nonce, and
// stores nonce||ciphertext||tag with TTL set from rec.ExpiresAt.
func (s *RemoteStore) Put(ctx context.Context, rec Record) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("token: marshaling record: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("token: generating nonce: %w", err)
	}

	sealed := s.aead.Seal(nil, nonce, plain, nil)
	blob := append(nonce, sealed...)

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, s.key(rec.Handle), blob, ttl).Err(); err != nil {
		return fmt.Errorf("token: writing record: %w", err)
	}
	return nil
}

// Get fetches and decrypts a record. GCM tag failure is treated as a hard
// error: it indicates tampering or a key mismatch, never a benign miss.
func (s *RemoteStore) Get(ctx context.Context, handle string) (Record, bool, error) {
	blob, err := s.client.Get(ctx, s.key(handle)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("token: reading record: %w", err)
	}

	if len(blob) < gcmNonceSize {
		return Record{}, false, fmt.Errorf("token: stored record too short to contain a nonce")
	}
	nonce, ciphertext := blob[:gcmNonceSize], blob[gcmNonceSize:]

	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Record{}, false, fmt.Errorf("token: decrypting record (possible tampering): %w", err)
	}

	var rec Record
	if err := json.Unmarshal(plain, &rec); err != nil {
		return Record{}, false, fmt.Errorf("token: unmarshaling record: %w", err)
	}
	return rec, true, nil
}

// ExtendTTL re-reads, re-encrypts with a fresh nonce, and rewrites the record
// with an extended TTL; Redis' key expiry is reset as a side effect of Put.
func (s *RemoteStore) ExtendTTL(ctx context.Context, handle string, ttl time.Duration) error {
	rec, ok, err := s.Get(ctx, handle)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("token: handle %q not found", handle)
	}
	now := time.Now()
	rec.ExpiresAt = now.Add(ttl)
	rec.LastExtendedAt = now
	return s.Put(ctx, rec)
}

func (s *RemoteStore) Close() error {
	return s.client.Close()
}
