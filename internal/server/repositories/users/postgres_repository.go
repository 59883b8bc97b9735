package users

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

const selectUser = `
		SELECT id, username, email, first_name, last_name, password_hash,
		       email_confirmed, access_failed_count, lockout_end, created_at
		FROM users
	`

// PostgresRepository implements Repository over dbx.DBTX
// (satisfied by *sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Normalize lowercases and trims a username or email.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) error {
	user.UserName = Normalize(user.UserName)
	user.Email = Normalize(user.Email)

	query := `
		INSERT INTO users (id, username, email, first_name, last_name, password_hash,
		                   email_confirmed, access_failed_count, lockout_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.UserName, user.Email, user.FirstName, user.LastName, user.PasswordHash,
		user.EmailConfirmed, user.AccessFailedCount, user.LockoutEnd,
	).Scan(&user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("USER_CONFLICT").With("email", user.Email).Wrap(common.ErrorConflict)
		}
		return oops.Code("USER_CREATE_FAILED").With("email", user.Email).Wrap(err)
	}

	for _, role := range user.Roles {
		if err := r.AddRole(ctx, user.ID, role); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, "id", selectUser+`WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.User, error) {
	return r.getOne(ctx, "id", selectUser+`WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) GetByUserName(ctx context.Context, userName string) (*models.User, error) {
	return r.getOne(ctx, "username", selectUser+`WHERE username = $1`, Normalize(userName))
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, "email", selectUser+`WHERE email = $1`, Normalize(email))
}

func (r *PostgresRepository) Update(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET username = $2, email = $3, first_name = $4, last_name = $5, password_hash = $6,
		    email_confirmed = $7, access_failed_count = $8, lockout_end = $9
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		user.ID, Normalize(user.UserName), Normalize(user.Email), user.FirstName, user.LastName, user.PasswordHash,
		user.EmailConfirmed, user.AccessFailedCount, user.LockoutEnd,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return oops.Code("USER_CONFLICT").With("id", user.ID).Wrap(common.ErrorConflict)
		}
		return oops.Code("USER_UPDATE_FAILED").With("id", user.ID).Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return oops.Code("USER_UPDATE_FAILED").With("id", user.ID).Wrap(err)
	}
	if n == 0 {
		return oops.Code("USER_NOT_FOUND").With("id", user.ID).Wrap(common.ErrorNotFound)
	}
	return nil
}

func (r *PostgresRepository) AddRole(ctx context.Context, userID string, role string) error {
	query := `
		INSERT INTO user_roles (user_id, role)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, userID, role); err != nil {
		return oops.Code("USER_ROLE_ADD_FAILED").With("id", userID).With("role", role).Wrap(err)
	}
	return nil
}

func (r *PostgresRepository) EnsureRoles(ctx context.Context, roles ...string) error {
	query := `
		INSERT INTO roles (name)
		VALUES ($1)
		ON CONFLICT DO NOTHING
	`
	for _, role := range roles {
		if _, err := r.db.ExecContext(ctx, query, role); err != nil {
			return oops.Code("ROLE_SEED_FAILED").With("role", role).Wrap(err)
		}
	}
	return nil
}

func (r *PostgresRepository) getOne(ctx context.Context, key, query string, arg string) (*models.User, error) {
	user := &models.User{}
	var lockoutEnd sql.NullTime

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.UserName, &user.Email, &user.FirstName, &user.LastName, &user.PasswordHash,
		&user.EmailConfirmed, &user.AccessFailedCount, &lockoutEnd, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidText(err) {
			return nil, oops.Code("USER_NOT_FOUND").With(key, arg).Wrap(common.ErrorNotFound)
		}
		return nil, oops.Code("USER_GET_FAILED").With(key, arg).Wrap(err)
	}
	if lockoutEnd.Valid {
		t := lockoutEnd.Time
		user.LockoutEnd = &t
	}

	roles, err := r.roles(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	user.Roles = roles
	return user, nil
}

func (r *PostgresRepository) roles(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT role
		FROM user_roles
		WHERE user_id = $1
		ORDER BY role
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, oops.Code("USER_ROLES_FAILED").With("id", userID).Wrap(err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, oops.Code("USER_ROLES_FAILED").With("id", userID).Wrap(err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("USER_ROLES_FAILED").With("id", userID).Wrap(err)
	}
	return roles, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// isInvalidText reports a value the column type cannot parse, such as a
// malformed uuid. No row can match it.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.InvalidTextRepresentation
}

var _ Repository = (*PostgresRepository)(nil)
