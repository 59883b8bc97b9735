package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/mailer"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/users"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/google/uuid"
)

// ErrMailNotSent is returned when an account mail could not be delivered.
var ErrMailNotSent = errors.New("failed to send email, please contact admin")

type RegisterInput struct {
	FirstName string
	LastName  string
	Email     string
	Password  string
}

func (r RegisterInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FirstName, validation.Required, validation.Length(3, 15)),
		validation.Field(&r.LastName, validation.Required, validation.Length(3, 15)),
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(6, 15)),
	)
}

type ResetPasswordInput struct {
	Email       string
	Token       string
	NewPassword string
}

func (r ResetPasswordInput) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.NewPassword, validation.Required, validation.Length(6, 15)),
	)
}

// AdminInput describes the bootstrap administrator.
type AdminInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// AccountService implements the account lifecycle around the session core:
// registration, email confirmation, password reset, administrative locks and
// seeding.
type AccountService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hasher      *auth.BcryptHasher
	lockout     *auth.LockoutPolicy
	actions     *auth.ActionTokens
	sender      mailer.Sender
	cfg         *config.Config
	logger      logging.Logger
	now         func() time.Time
}

func NewAccountService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, sender mailer.Sender, logger logging.Logger) *AccountService {
	return &AccountService{
		db:          db,
		repomanager: m,
		hasher:      auth.NewBcryptHasher(cfg.BcryptCost),
		lockout:     auth.NewLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutDuration, cfg.ExemptPrincipals),
		actions:     auth.NewActionTokens([]byte(cfg.SecretKey), cfg.Issuer, cfg.ActionTokenValidityDuration),
		sender:      sender,
		cfg:         cfg,
		logger:      logger.With("module", "account"),
		now:         time.Now,
	}
}

// Register creates an unconfirmed Customer whose username is its email and
// mails a confirmation link.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrorValidation, err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, s.internal(ctx, "password hashing failed", err)
	}

	email := users.Normalize(in.Email)
	user := &models.User{
		ID:           uuid.NewString(),
		UserName:     email,
		Email:        email,
		FirstName:    strings.ToLower(in.FirstName),
		LastName:     strings.ToLower(in.LastName),
		PasswordHash: hash,
		Roles:        []string{common.RoleCustomer},
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repomanager.Users(tx).Create(ctx, user)
	})
	if err != nil {
		if errors.Is(err, common.ErrorConflict) {
			return nil, fmt.Errorf("%w: an existing account is using %s, please try with another email address", common.ErrorConflict, email)
		}
		return nil, s.internal(ctx, "user creation failed", err)
	}
	s.logger.Info(ctx, "user registered", "user_id", user.ID)

	if err := s.sendConfirmation(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ConfirmEmail marks the user's email as confirmed. The token is bound to the
// unconfirmed state and cannot be replayed.
func (s *AccountService) ConfirmEmail(ctx context.Context, email, token string) error {
	u, err := s.unconfirmedUser(ctx, email)
	if err != nil {
		return err
	}

	if err := s.actions.Verify(token, auth.PurposeConfirmEmail, u.ID, confirmState(u)); err != nil {
		return fmt.Errorf("%w: invalid token, please try again", common.ErrorValidation)
	}

	u.EmailConfirmed = true
	if err := s.repomanager.Users(s.db).Update(ctx, u); err != nil {
		return s.internal(ctx, "email confirmation failed", err, "user_id", u.ID)
	}
	s.logger.Info(ctx, "email confirmed", "user_id", u.ID)
	return nil
}

func (s *AccountService) ResendConfirmation(ctx context.Context, email string) error {
	u, err := s.unconfirmedUser(ctx, email)
	if err != nil {
		return err
	}
	return s.sendConfirmation(ctx, u)
}

// ForgotUsernameOrPassword mails the username and a password reset link to a
// confirmed account.
func (s *AccountService) ForgotUsernameOrPassword(ctx context.Context, email string) error {
	u, err := s.confirmedUser(ctx, email)
	if err != nil {
		return err
	}

	token, err := s.actions.Issue(auth.PurposeResetPassword, u.ID, u.PasswordHash)
	if err != nil {
		return s.internal(ctx, "reset token issue failed", err, "user_id", u.ID)
	}

	link := s.link(s.cfg.ResetPasswordPath, token, u.Email)
	body := fmt.Sprintf(
		"<p>Hello: %s %s</p><p>Username: %s.</p><p>In order to reset your password, please click on the following link.</p>"+
			"<p><a href=\"%s\">Click here</a></p><p>Thank you,</p><br>%s",
		html.EscapeString(u.FirstName), html.EscapeString(u.LastName), html.EscapeString(u.UserName),
		html.EscapeString(link), html.EscapeString(s.cfg.ApplicationName),
	)
	return s.send(ctx, u, "Forgot username or password", body)
}

// ResetPassword sets a new password. Changing the hash invalidates the reset
// token, clears lockout state and ends the current session.
func (s *AccountService) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorValidation, err)
	}

	u, err := s.confirmedUser(ctx, in.Email)
	if err != nil {
		return err
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return s.internal(ctx, "password hashing failed", err)
	}

	var invalid bool
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		locked, err := repo.GetByIDForUpdate(ctx, u.ID)
		if err != nil {
			return err
		}
		if err := s.actions.Verify(in.Token, auth.PurposeResetPassword, locked.ID, locked.PasswordHash); err != nil {
			invalid = true
			return nil
		}

		locked.PasswordHash = hash
		locked.AccessFailedCount, locked.LockoutEnd = s.lockout.OnSuccessfulAttempt()
		if err := repo.Update(ctx, locked); err != nil {
			return err
		}
		return s.repomanager.RefreshTokens(tx).DeleteByUser(ctx, locked.ID)
	})
	if err != nil {
		return s.internal(ctx, "password reset failed", err, "user_id", u.ID)
	}
	if invalid {
		return fmt.Errorf("%w: invalid token, please try again", common.ErrorValidation)
	}
	s.logger.Info(ctx, "password reset", "user_id", u.ID)
	return nil
}

// LockMember locks a non-admin account for the lockout duration.
func (s *AccountService) LockMember(ctx context.Context, userID string) error {
	return s.updateMember(ctx, userID, func(u *models.User) {
		end := s.now().Add(s.lockout.Duration)
		u.LockoutEnd = &end
	})
}

// UnlockMember clears the failure counter and any lockout of a non-admin
// account.
func (s *AccountService) UnlockMember(ctx context.Context, userID string) error {
	return s.updateMember(ctx, userID, func(u *models.User) {
		u.AccessFailedCount, u.LockoutEnd = s.lockout.OnSuccessfulAttempt()
	})
}

// ConfirmMember marks the email of a non-admin account as confirmed.
func (s *AccountService) ConfirmMember(ctx context.Context, userID string) error {
	return s.updateMember(ctx, userID, func(u *models.User) {
		u.EmailConfirmed = true
	})
}

// UnconfirmMember clears the email confirmation of a non-admin account, so
// its next login is rejected until the address is confirmed again.
func (s *AccountService) UnconfirmMember(ctx context.Context, userID string) error {
	return s.updateMember(ctx, userID, func(u *models.User) {
		u.EmailConfirmed = false
	})
}

// EnsureRoles seeds Admin and Customer, plus Manager when enabled.
func (s *AccountService) EnsureRoles(ctx context.Context) error {
	roles := []string{common.RoleAdmin, common.RoleCustomer}
	if s.cfg.EnableManagerRole {
		roles = append(roles, common.RoleManager)
	}
	if err := s.repomanager.Users(s.db).EnsureRoles(ctx, roles...); err != nil {
		return s.internal(ctx, "role seeding failed", err)
	}
	return nil
}

// SeedAdmin creates a confirmed administrator unless one with the same email
// exists. It reports whether an account was created.
func (s *AccountService) SeedAdmin(ctx context.Context, in AdminInput) (bool, error) {
	if err := validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, is.Email),
		validation.Field(&in.Password, validation.Required, validation.Length(6, 0)),
	); err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrorValidation, err)
	}

	if err := s.EnsureRoles(ctx); err != nil {
		return false, err
	}

	email := users.Normalize(in.Email)
	_, err := s.repomanager.Users(s.db).GetByEmail(ctx, email)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return false, s.internal(ctx, "admin lookup failed", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return false, s.internal(ctx, "password hashing failed", err)
	}

	admin := &models.User{
		ID:             uuid.NewString(),
		UserName:       email,
		Email:          email,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		PasswordHash:   hash,
		EmailConfirmed: true,
		Roles:          []string{common.RoleAdmin},
	}
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.repomanager.Users(tx).Create(ctx, admin)
	})
	if err != nil {
		return false, s.internal(ctx, "admin creation failed", err)
	}
	s.logger.Info(ctx, "admin seeded", "user_id", admin.ID)
	return true, nil
}

// updateMember applies mutate to a member inside a row-locked transaction.
// Ids that are not uuids and administrator accounts are refused.
func (s *AccountService) updateMember(ctx context.Context, userID string, mutate func(*models.User)) error {
	if _, err := uuid.Parse(userID); err != nil {
		return fmt.Errorf("%w: user", common.ErrorNotFound)
	}

	var denied error
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		u, err := repo.GetByIDForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if u.HasRole(common.RoleAdmin) {
			denied = fmt.Errorf("%w: administrator accounts cannot be changed", common.ErrorForbidden)
			return nil
		}
		mutate(u)
		return repo.Update(ctx, u)
	})
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("%w: user", common.ErrorNotFound)
		}
		return s.internal(ctx, "member update failed", err, "user_id", userID)
	}
	if denied != nil {
		return denied
	}
	s.logger.Info(ctx, "member updated", "user_id", userID)
	return nil
}

func (s *AccountService) registeredUser(ctx context.Context, email string) (*models.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: invalid email", common.ErrorValidation)
	}
	u, err := s.repomanager.Users(s.db).GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, fmt.Errorf("%w: this email address has not been registered yet", common.ErrorUnauthorized)
		}
		return nil, s.internal(ctx, "user lookup failed", err)
	}
	return u, nil
}

func (s *AccountService) unconfirmedUser(ctx context.Context, email string) (*models.User, error) {
	u, err := s.registeredUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if u.EmailConfirmed {
		return nil, fmt.Errorf("%w: your email address was confirmed before, please login to your account", common.ErrorValidation)
	}
	return u, nil
}

func (s *AccountService) confirmedUser(ctx context.Context, email string) (*models.User, error) {
	u, err := s.registeredUser(ctx, email)
	if err != nil {
		return nil, err
	}
	if !u.EmailConfirmed {
		return nil, fmt.Errorf("%w: please confirm your email address first", common.ErrorValidation)
	}
	return u, nil
}

func (s *AccountService) sendConfirmation(ctx context.Context, u *models.User) error {
	token, err := s.actions.Issue(auth.PurposeConfirmEmail, u.ID, confirmState(u))
	if err != nil {
		return s.internal(ctx, "confirmation token issue failed", err, "user_id", u.ID)
	}

	link := s.link(s.cfg.ConfirmEmailPath, token, u.Email)
	body := fmt.Sprintf(
		"<p>Hello, %s %s</p><p>Please confirm your email address by clicking on the following link.</p>"+
			"<p><a href=\"%s\">Click here</a></p><p>Thank you,</p><br>%s",
		html.EscapeString(u.FirstName), html.EscapeString(u.LastName),
		html.EscapeString(link), html.EscapeString(s.cfg.ApplicationName),
	)
	return s.send(ctx, u, "Confirm your email", body)
}

func (s *AccountService) send(ctx context.Context, u *models.User, subject, body string) error {
	err := s.sender.Send(ctx, mailer.Message{To: u.Email, Subject: subject, HTMLBody: body})
	if err != nil {
		s.logger.Error(ctx, "mail delivery failed", "user_id", u.ID, "subject", subject, "error", err)
		return ErrMailNotSent
	}
	return nil
}

func (s *AccountService) link(path, token, email string) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("email", email)
	return strings.TrimRight(s.cfg.ClientURL, "/") + "/" + strings.TrimLeft(path, "/") + "?" + q.Encode()
}

func (s *AccountService) internal(ctx context.Context, msg string, err error, args ...any) error {
	s.logger.Error(ctx, msg, append(args, "error", err)...)
	return common.ErrorInternal
}

// confirmState changes once the email is confirmed or replaced.
func confirmState(u *models.User) string {
	return u.Email + "|" + strconv.FormatBool(u.EmailConfirmed)
}
