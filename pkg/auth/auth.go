package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// APIKeyHeader is accepted as an alternative to "Authorization: Bearer".
const APIKeyHeader = "X-API-Key"

// KeyChecker validates operator API keys against either a plain key or a
// bcrypt hash of it. With neither configured every request is allowed.
type KeyChecker struct {
	plain []byte
	hash  []byte
}

// NewKeyChecker builds a checker. hash takes precedence over plain.
func NewKeyChecker(plain, hash string) (*KeyChecker, error) {
	kc := &KeyChecker{}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("invalid bcrypt hash: %w", err)
		}
		kc.hash = []byte(hash)
		return kc, nil
	}
	if plain != "" {
		kc.plain = []byte(plain)
	}
	return kc, nil
}

// Enabled reports whether a key is required.
func (kc *KeyChecker) Enabled() bool {
	return kc != nil && (len(kc.hash) > 0 || len(kc.plain) > 0)
}

// Validate checks key.
func (kc *KeyChecker) Validate(key string) error {
	if !kc.Enabled() {
		return nil
	}
	if key == "" {
		return ErrMissingKey
	}
	if len(kc.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(kc.hash, []byte(key)); err != nil {
			return ErrInvalidKey
		}
		return nil
	}
	if subtle.ConstantTimeCompare(kc.plain, []byte(key)) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// Middleware rejects requests without a valid key with 401.
func (kc *KeyChecker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := kc.Validate(KeyFromRequest(r)); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="fishtest"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyFromRequest extracts the key from the Authorization or X-API-Key header.
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get(APIKeyHeader)
}

// GenerateAPIKey returns a random key and its bcrypt hash, ready to be put
// into the coordinator config.
func GenerateAPIKey() (key, hash string, err error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key = base64.RawURLEncoding.EncodeToString(keyBytes)

	h, err := HashKey(key)
	if err != nil {
		return "", "", err
	}
	return key, h, nil
}

// HashKey hashes an existing key with bcrypt.
func HashKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(h), nil
}
