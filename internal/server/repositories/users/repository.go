// Package users declares the credential store contract used by the session
// core and implements it over PostgreSQL.
package users

import (
	"context"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Repository is the narrow persistence interface over user records. It holds
// no business rules. Username and email lookups are case-insensitive; a
// missing user yields common.ErrorNotFound.
type Repository interface {
	// Create inserts the user and its role memberships. A duplicate username
	// or email yields common.ErrorConflict.
	Create(ctx context.Context, user *models.User) error

	GetByID(ctx context.Context, id string) (*models.User, error)

	// GetByIDForUpdate reads the user and locks its row until the surrounding
	// transaction ends, serializing read-modify-write of the failure counter.
	GetByIDForUpdate(ctx context.Context, id string) (*models.User, error)

	GetByUserName(ctx context.Context, userName string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// Update persists every mutable column of the user (not its roles).
	Update(ctx context.Context, user *models.User) error

	AddRole(ctx context.Context, userID string, role string) error

	// EnsureRoles creates the named roles if they do not exist yet.
	EnsureRoles(ctx context.Context, roles ...string) error
}
