package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "modeld:idem:"

// Entry is a cached response.
type Entry struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// IdempotencyCache replays non-streaming responses for repeated
// Idempotency-Key headers. Keys are scoped per caller and route so two
// clients cannot read each other's responses.
type IdempotencyCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewIdempotencyCache(client redis.UniversalClient, ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyCache{client: client, ttl: ttl}
}

// Key derives the storage key for a caller, route and client-supplied key.
func Key(scope, route, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(scope + "\x00" + route + "\x00" + idempotencyKey))
	return hex.EncodeToString(sum[:])
}

func (c *IdempotencyCache) Get(ctx context.Context, key string) (Entry, bool) {
	if c == nil || c.client == nil || key == "" {
		return Entry{}, false
	}
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

// Set stores a successful response. Empty keys and bodies are ignored.
func (c *IdempotencyCache) Set(ctx context.Context, key string, entry Entry) error {
	if c == nil || c.client == nil || key == "" || len(entry.Body) == 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
