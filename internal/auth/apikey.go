package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	apiKeyPrefixLength = 10
	apiKeySecretLength = 48
	apiKeyPrefix       = "sk-"
	alphabet           = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GeneratedKey is a fresh key plus the hash to put in config.
type GeneratedKey struct {
	Prefix string
	Token  string
	Hash   string
}

// GenerateAPIKey returns the random prefix, secret, and encoded token for a new API key.
func GenerateAPIKey() (string, string, string, error) {
	prefix, err := randomString(apiKeyPrefixLength)
	if err != nil {
		return "", "", "", err
	}
	secret, err := randomString(apiKeySecretLength)
	if err != nil {
		return "", "", "", err
	}
	token := fmt.Sprintf("%s%s.%s", apiKeyPrefix, prefix, secret)
	return prefix, secret, token, nil
}

// NewKey generates a key and its argon2id hash.
func NewKey() (GeneratedKey, error) {
	prefix, _, token, err := GenerateAPIKey()
	if err != nil {
		return GeneratedKey{}, err
	}
	hash, err := HashKey(token)
	if err != nil {
		return GeneratedKey{}, err
	}
	return GeneratedKey{Prefix: prefix, Token: token, Hash: hash}, nil
}

func randomString(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
