package refreshtokens

import (
	"context"
	"database/sql"
	"errors"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/samber/oops"
)

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Upsert relies on the unique user_id constraint so that concurrent rotations
// for the same user leave exactly one row behind.
func (r *PostgresRepository) Upsert(ctx context.Context, token *models.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, token, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET id = EXCLUDED.id, token = EXCLUDED.token,
		    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`
	_, err := r.db.ExecContext(ctx, query, token.ID, token.UserID, token.Token, token.CreatedAt, token.ExpiresAt)
	if err != nil {
		return oops.Code("REFRESH_TOKEN_UPSERT_FAILED").With("user_id", token.UserID).Wrap(err)
	}
	return nil
}

func (r *PostgresRepository) FindByUser(ctx context.Context, userID string) (*models.RefreshToken, error) {
	query := `
		SELECT id, user_id, token, created_at, expires_at
		FROM refresh_tokens
		WHERE user_id = $1
	`
	t := &models.RefreshToken{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&t.ID, &t.UserID, &t.Token, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, oops.Code("REFRESH_TOKEN_NOT_FOUND").With("user_id", userID).Wrap(common.ErrorNotFound)
		}
		return nil, oops.Code("REFRESH_TOKEN_GET_FAILED").With("user_id", userID).Wrap(err)
	}
	return t, nil
}

func (r *PostgresRepository) DeleteByUser(ctx context.Context, userID string) error {
	query := `
		DELETE FROM refresh_tokens
		WHERE user_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return oops.Code("REFRESH_TOKEN_DELETE_FAILED").With("user_id", userID).Wrap(err)
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
