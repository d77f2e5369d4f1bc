package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 2
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashKey returns an encoded argon2id hash suitable for auth.api_keys or
// auth.admin_keys, so plaintext keys never have to live in config.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("key required")
	}

	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(key), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	return fmt.Sprintf("%sv=19$m=%d,t=%d,p=%d$%s$%s", hashedPrefix, argonMemory, argonTime, argonThreads, b64Salt, b64Hash), nil
}

// VerifyKey compares a presented key against an encoded hash.
func VerifyKey(key string, encoded string) (bool, error) {
	if key == "" || encoded == "" {
		return false, errors.New("key and hash required")
	}

	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != strings.TrimSuffix(hashedPrefix, "$") {
		return false, errors.New("invalid hash format")
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("parse params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	calculated := argon2.IDKey([]byte(key), salt, iterations, memory, threads, uint32(len(expected)))
	return bytes.Equal(calculated, expected), nil
}
