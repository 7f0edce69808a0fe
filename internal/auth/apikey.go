// Package auth resolves tenant API keys and enforces per-tenant ingest rate
// limits. Keys are stored hashed in Postgres; resolved tenants are cached in
// Redis for a short TTL.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sitepulse/sitepulse/internal/model"
)

var ErrInvalidKey = errors.New("invalid API key")

const keyCacheTTL = 5 * time.Minute

type Validator struct {
	db    *pgxpool.Pool
	redis *redis.Client
	limit int
}

func NewValidator(db *pgxpool.Pool, rdb *redis.Client, requestsPerSecond int) *Validator {
	return &Validator{
		db:    db,
		redis: rdb,
		limit: requestsPerSecond,
	}
}

// ValidateAPIKey resolves an API key to its tenant, checking the Redis cache
// before hashing and hitting Postgres.
func (v *Validator) ValidateAPIKey(ctx context.Context, apiKey string) (model.Tenant, error) {
	if len(apiKey) < 12 {
		return model.Tenant{}, ErrInvalidKey
	}

	cacheKey := "apikey:" + apiKey[:12]
	if tenantID, err := v.redis.Get(ctx, cacheKey).Result(); err == nil {
		return model.Tenant{ID: tenantID, APIKey: apiKey}, nil
	}

	hash := sha256.Sum256([]byte(apiKey))
	keyHash := hex.EncodeToString(hash[:])

	var tenantID string
	err := v.db.QueryRow(ctx, `
		SELECT tenant_id::text FROM api_keys
		WHERE key_hash = $1 AND is_active = true
		AND (expires_at IS NULL OR expires_at > NOW())
	`, keyHash).Scan(&tenantID)
	if err != nil {
		return model.Tenant{}, ErrInvalidKey
	}

	v.redis.Set(ctx, cacheKey, tenantID, keyCacheTTL)

	return model.Tenant{ID: tenantID, APIKey: apiKey}, nil
}

// Allow applies a per-tenant requests-per-second limit via a Redis counter.
// Redis failures fail open.
func (v *Validator) Allow(ctx context.Context, tenantID string) bool {
	key := "ratelimit:" + tenantID

	count, err := v.redis.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		v.redis.Expire(ctx, key, time.Second)
	}
	return count <= int64(v.limit)
}
