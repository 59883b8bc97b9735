package refreshtokens

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

const redisKeyPrefix = "refresh:"

type redisRecord struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RedisRepository keeps one key per user; SET replaces the previous token
// atomically and the key TTL mirrors the token expiry.
type RedisRepository struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisRepository(client redis.UniversalClient) *RedisRepository {
	return &RedisRepository{client: client, now: time.Now}
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

func (r *RedisRepository) Upsert(ctx context.Context, token *models.RefreshToken) error {
	ttl := token.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		// already expired: nothing valid to store, but the old token must go
		return r.DeleteByUser(ctx, token.UserID)
	}

	data, err := json.Marshal(redisRecord{
		ID:        token.ID,
		Token:     token.Token,
		CreatedAt: token.CreatedAt,
		ExpiresAt: token.ExpiresAt,
	})
	if err != nil {
		return oops.Code("REFRESH_TOKEN_UPSERT_FAILED").With("user_id", token.UserID).Wrap(err)
	}

	if err := r.client.Set(ctx, redisKey(token.UserID), data, ttl).Err(); err != nil {
		return oops.Code("REFRESH_TOKEN_UPSERT_FAILED").With("user_id", token.UserID).Wrap(err)
	}
	return nil
}

func (r *RedisRepository) FindByUser(ctx context.Context, userID string) (*models.RefreshToken, error) {
	data, err := r.client.Get(ctx, redisKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, oops.Code("REFRESH_TOKEN_NOT_FOUND").With("user_id", userID).Wrap(common.ErrorNotFound)
		}
		return nil, oops.Code("REFRESH_TOKEN_GET_FAILED").With("user_id", userID).Wrap(err)
	}

	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, oops.Code("REFRESH_TOKEN_DECODE_FAILED").With("user_id", userID).Wrap(err)
	}

	return &models.RefreshToken{
		ID:        rec.ID,
		UserID:    userID,
		Token:     rec.Token,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (r *RedisRepository) DeleteByUser(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, redisKey(userID)).Err(); err != nil {
		return oops.Code("REFRESH_TOKEN_DELETE_FAILED").With("user_id", userID).Wrap(err)
	}
	return nil
}

var _ Repository = (*RedisRepository)(nil)
