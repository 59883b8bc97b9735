// Package refreshtokens persists the single current refresh token of each user.
package refreshtokens

import (
	"context"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Repository stores at most one refresh token per user.
type Repository interface {
	// Upsert inserts the token or atomically replaces the user's current one.
	Upsert(ctx context.Context, token *models.RefreshToken) error

	// FindByUser returns the user's current token or common.ErrorNotFound.
	FindByUser(ctx context.Context, userID string) (*models.RefreshToken, error)

	// DeleteByUser removes the user's token. Deleting a missing token is not an error.
	DeleteByUser(ctx context.Context, userID string) error
}
