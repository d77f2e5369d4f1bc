package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ncecere/open_model_server/internal/config"
	"github.com/ncecere/open_model_server/internal/requestctx"
)

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
)

const hashedPrefix = "argon2id$"

type entry struct {
	id         string
	permission requestctx.Permission
	plain      string
	hash       string
}

// KeyRing resolves presented keys to a permission tier. Configured keys may
// be plaintext or argon2id hashes produced by HashKey.
type KeyRing struct {
	disabled bool
	entries  []entry
}

// NewKeyRing builds a key ring from the auth section.
func NewKeyRing(cfg config.AuthConfig) *KeyRing {
	ring := &KeyRing{disabled: cfg.Disabled}
	// Admin keys are checked first so a key listed in both tiers resolves to admin.
	for _, key := range cfg.AdminKeys {
		ring.add(key, requestctx.PermissionAdmin)
	}
	for _, key := range cfg.APIKeys {
		ring.add(key, requestctx.PermissionAPI)
	}
	return ring
}

func (r *KeyRing) add(configured string, perm requestctx.Permission) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return
	}
	e := entry{id: fingerprint(configured), permission: perm}
	if strings.HasPrefix(configured, hashedPrefix) {
		e.hash = configured
	} else {
		e.plain = configured
	}
	r.entries = append(r.entries, e)
}

// Disabled reports whether authentication is bypassed.
func (r *KeyRing) Disabled() bool {
	return r == nil || r.disabled
}

// Authenticate returns the caller context for a presented key.
func (r *KeyRing) Authenticate(presented string) (*requestctx.Context, error) {
	if r.Disabled() {
		return &requestctx.Context{KeyID: "anonymous", Permission: requestctx.PermissionAdmin}, nil
	}
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, ErrMissingKey
	}
	for _, e := range r.entries {
		if e.matches(presented) {
			return &requestctx.Context{KeyID: e.id, Permission: e.permission}, nil
		}
	}
	return nil, ErrInvalidKey
}

func (e entry) matches(presented string) bool {
	if e.hash != "" {
		ok, err := VerifyKey(presented, e.hash)
		return err == nil && ok
	}
	return subtle.ConstantTimeCompare([]byte(e.plain), []byte(presented)) == 1
}

// fingerprint derives a short non-secret id from the configured value.
func fingerprint(configured string) string {
	sum := sha256.Sum256([]byte(configured))
	return hex.EncodeToString(sum[:8])
}

// ExtractKey returns the key carried by an Authorization bearer value or,
// failing that, the first non-empty fallback header value.
func ExtractKey(authorization string, fallbacks ...string) string {
	authorization = strings.TrimSpace(authorization)
	if len(authorization) > 7 && strings.EqualFold(authorization[:7], "bearer ") {
		if token := strings.TrimSpace(authorization[7:]); token != "" {
			return token
		}
	}
	for _, value := range fallbacks {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
