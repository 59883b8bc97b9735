package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/oklog/ulid/v2"
)

// refreshTokenBytes is the entropy of a refresh token before hex encoding.
const refreshTokenBytes = 32

// RefreshTokenStore issues, rotates, validates and revokes the single refresh
// token each user may hold. Operations take the DBTX to run on so that they
// can join the caller's transaction.
type RefreshTokenStore struct {
	repomanager repomanager.RepositoryManager
	ttl         time.Duration
	now         func() time.Time
}

func NewRefreshTokenStore(m repomanager.RepositoryManager, ttl time.Duration) *RefreshTokenStore {
	return &RefreshTokenStore{repomanager: m, ttl: ttl, now: time.Now}
}

// Issue creates a new token for userID without persisting it.
func (s *RefreshTokenStore) Issue(userID string) (*models.RefreshToken, error) {
	value, err := common.MakeRandHexString(refreshTokenBytes)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &models.RefreshToken{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Token:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}, nil
}

// Rotate issues a new token and makes it the user's only valid one.
func (s *RefreshTokenStore) Rotate(ctx context.Context, db dbx.DBTX, userID string) (*models.RefreshToken, error) {
	token, err := s.Issue(userID)
	if err != nil {
		return nil, err
	}
	if err := s.repomanager.RefreshTokens(db).Upsert(ctx, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Validate reports whether presented is the user's current, unexpired token.
// Store failures are returned as errors rather than as false.
func (s *RefreshTokenStore) Validate(ctx context.Context, db dbx.DBTX, userID, presented string) (bool, error) {
	if userID == "" || presented == "" {
		return false, nil
	}

	current, err := s.repomanager.RefreshTokens(db).FindByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return false, nil
		}
		return false, err
	}

	if subtle.ConstantTimeCompare([]byte(current.Token), []byte(presented)) != 1 {
		return false, nil
	}
	if current.Expired(s.now()) {
		return false, nil
	}
	return true, nil
}

// Revoke deletes the user's token; revoking twice is not an error.
func (s *RefreshTokenStore) Revoke(ctx context.Context, db dbx.DBTX, userID string) error {
	return s.repomanager.RefreshTokens(db).DeleteByUser(ctx, userID)
}
