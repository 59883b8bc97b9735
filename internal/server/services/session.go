package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/users"
)

// Session is the result of a successful login or refresh. RefreshToken is
// nil when the refresh token was left untouched.
type Session struct {
	UserID               string
	FirstName            string
	LastName             string
	AccessToken          string
	AccessTokenExpiresAt time.Time
	RefreshToken         *models.RefreshToken
}

// SessionService runs the login state machine, refresh rotation and the
// authorization gate. Expected failures are returned as *Rejection, store
// failures as common.ErrorInternal.
type SessionService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hasher      *auth.BcryptHasher
	lockout     *auth.LockoutPolicy
	tokens      *auth.TokenIssuer
	refresh     *RefreshTokenStore
	metrics     *metrics.Metrics
	logger      logging.Logger
	now         func() time.Time
}

func NewSessionService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, mt *metrics.Metrics, logger logging.Logger) *SessionService {
	return &SessionService{
		db:          db,
		repomanager: m,
		hasher:      auth.NewBcryptHasher(cfg.BcryptCost),
		lockout:     auth.NewLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutDuration, cfg.ExemptPrincipals),
		tokens:      auth.NewTokenIssuer([]byte(cfg.SecretKey), cfg.Issuer, cfg.AccessTokenValidityDuration),
		refresh:     NewRefreshTokenStore(m, cfg.RefreshTokenValidityDuration),
		metrics:     mt,
		logger:      logger.With("module", "session"),
		now:         time.Now,
	}
}

// Tokens exposes the access token issuer.
func (s *SessionService) Tokens() *auth.TokenIssuer {
	return s.tokens
}

// SubjectOf identifies the caller of a refresh from its access token, which
// may already be expired but must carry a valid signature.
func (s *SessionService) SubjectOf(token string) (string, error) {
	sub, err := s.tokens.SubjectOf(token)
	if err != nil {
		return "", reject(ReasonInvalidOrExpiredToken)
	}
	return sub, nil
}

// Login authenticates identifier (username, then email) with password.
// The lockout check precedes password verification and never touches the
// failure counter; a wrong password increments it and may lock the account.
func (s *SessionService) Login(ctx context.Context, identifier, password string) (*Session, error) {
	user, err := s.lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.hasher.VerifyDummy(password)
			s.loginOutcome(ctx, metrics.OutcomeUserNotFound, "")
			return nil, reject(ReasonUserNotFound)
		}
		s.metrics.LoginAttempt(metrics.OutcomeError)
		return nil, s.internal(ctx, "user lookup failed", err)
	}

	var (
		session   *Session
		outcome   *Rejection
		triggered bool
	)
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)

		u, err := repo.GetByIDForUpdate(ctx, user.ID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				outcome = reject(ReasonUserNotFound)
				return nil
			}
			return err
		}

		now := s.now()
		if s.lockout.IsLockedOut(u.LockoutEnd, now) {
			outcome = &Rejection{Reason: ReasonAccountLocked, LockoutEnd: u.LockoutEnd}
			return nil
		}

		ok, err := s.hasher.Verify(password, u.PasswordHash)
		if err != nil {
			return err
		}
		if !ok {
			outcome, triggered, err = s.recordFailure(ctx, repo, u, now)
			return err
		}

		if !u.EmailConfirmed {
			outcome = reject(ReasonEmailUnconfirmed)
			return nil
		}

		u.AccessFailedCount, u.LockoutEnd = s.lockout.OnSuccessfulAttempt()
		if err := repo.Update(ctx, u); err != nil {
			return err
		}

		session, err = s.startSession(ctx, tx, u, true)
		return err
	})
	if err != nil {
		s.metrics.LoginAttempt(metrics.OutcomeError)
		return nil, s.internal(ctx, "login failed", err, "user_id", user.ID)
	}

	if outcome != nil {
		if triggered {
			s.metrics.LockoutTriggered()
			s.logger.Warn(ctx, "lockout triggered", "user_id", user.ID, "lockout_end", outcome.LockoutEnd.UTC())
		}
		s.loginOutcome(ctx, string(outcome.Reason), user.ID)
		return nil, outcome
	}

	s.tokenRotated(ctx, user.ID)
	s.loginOutcome(ctx, metrics.OutcomeSuccess, user.ID)
	return session, nil
}

// Refresh exchanges the user's current refresh token for a new session.
// Every validation failure yields the same InvalidOrExpiredToken rejection.
func (s *SessionService) Refresh(ctx context.Context, userID, presented string) (*Session, error) {
	if userID == "" || presented == "" {
		return nil, s.refreshRejected(ctx, userID, reject(ReasonInvalidOrExpiredToken))
	}

	var (
		session *Session
		outcome *Rejection
	)
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		u, err := s.repomanager.Users(tx).GetByIDForUpdate(ctx, userID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				outcome = reject(ReasonInvalidOrExpiredToken)
				return nil
			}
			return err
		}

		valid, err := s.refresh.Validate(ctx, tx, userID, presented)
		if err != nil {
			return err
		}
		if !valid {
			outcome = reject(ReasonInvalidOrExpiredToken)
			return nil
		}

		if s.lockout.IsLockedOut(u.LockoutEnd, s.now()) {
			outcome = &Rejection{Reason: ReasonAccountLocked, LockoutEnd: u.LockoutEnd}
			return nil
		}

		session, err = s.startSession(ctx, tx, u, true)
		return err
	})
	if err != nil {
		return nil, s.internal(ctx, "refresh failed", err, "user_id", userID)
	}
	if outcome != nil {
		return nil, s.refreshRejected(ctx, userID, outcome)
	}

	s.tokenRotated(ctx, userID)
	return session, nil
}

// RefreshPage re-issues an access token for a signed-in user after
// re-checking lockout. The refresh token is not rotated.
func (s *SessionService) RefreshPage(ctx context.Context, userID string) (*Session, error) {
	u, err := s.guardedUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	session, err := s.startSession(ctx, s.db, u, false)
	if err != nil {
		return nil, s.internal(ctx, "access token issue failed", err, "user_id", userID)
	}
	return session, nil
}

// LockoutGuard re-reads the user and rejects it when it no longer exists or
// is locked out.
func (s *SessionService) LockoutGuard(ctx context.Context, userID string) error {
	_, err := s.guardedUser(ctx, userID)
	return err
}

// Logout revokes the user's refresh token. Access tokens already issued stay
// valid until they expire.
func (s *SessionService) Logout(ctx context.Context, userID string) error {
	if userID == "" {
		return reject(ReasonInvalidOrExpiredToken)
	}
	if err := s.refresh.Revoke(ctx, s.db, userID); err != nil {
		return s.internal(ctx, "logout failed", err, "user_id", userID)
	}
	s.logger.Info(ctx, "logout", "user_id", userID)
	return nil
}

// Authorize verifies an access token and requires at least one of roles.
// An empty roles list admits any authenticated caller. A bad token yields a
// *Rejection, a missing role common.ErrorForbidden.
func (s *SessionService) Authorize(ctx context.Context, token string, roles ...string) (*auth.Claims, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		s.metrics.Authorization("unauthenticated")
		return nil, reject(ReasonInvalidOrExpiredToken)
	}
	if !claims.HasAnyRole(roles...) {
		s.metrics.Authorization("forbidden")
		s.logger.Info(ctx, "authorization denied", "user_id", claims.UserID(), "required", roles)
		return nil, common.ErrorForbidden
	}
	s.metrics.Authorization("allowed")
	return claims, nil
}

func (s *SessionService) lookup(ctx context.Context, identifier string) (*models.User, error) {
	repo := s.repomanager.Users(s.db)
	u, err := repo.GetByUserName(ctx, identifier)
	if err == nil || !errors.Is(err, common.ErrorNotFound) {
		return u, err
	}
	return repo.GetByEmail(ctx, identifier)
}

func (s *SessionService) recordFailure(ctx context.Context, repo users.Repository, u *models.User, now time.Time) (*Rejection, bool, error) {
	if s.lockout.IsExempt(u.UserName) || s.lockout.IsExempt(u.Email) {
		return reject(ReasonInvalidCredentials), false, nil
	}

	count, end := s.lockout.OnFailedAttempt(u.AccessFailedCount, now)
	u.AccessFailedCount = count
	if end != nil {
		u.LockoutEnd = end
	}
	if err := repo.Update(ctx, u); err != nil {
		return nil, false, err
	}

	if end != nil {
		return &Rejection{Reason: ReasonAccountLocked, LockoutEnd: end}, true, nil
	}
	return reject(ReasonInvalidCredentials), false, nil
}

func (s *SessionService) guardedUser(ctx context.Context, userID string) (*models.User, error) {
	if userID == "" {
		return nil, reject(ReasonInvalidOrExpiredToken)
	}
	u, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, reject(ReasonInvalidOrExpiredToken)
		}
		return nil, s.internal(ctx, "user lookup failed", err, "user_id", userID)
	}
	if s.lockout.IsLockedOut(u.LockoutEnd, s.now()) {
		return nil, &Rejection{Reason: ReasonAccountLocked, LockoutEnd: u.LockoutEnd}
	}
	return u, nil
}

func (s *SessionService) startSession(ctx context.Context, db dbx.DBTX, u *models.User, rotate bool) (*Session, error) {
	access, expiresAt, err := s.tokens.Issue(u)
	if err != nil {
		return nil, err
	}

	session := &Session{
		UserID:               u.ID,
		FirstName:            u.FirstName,
		LastName:             u.LastName,
		AccessToken:          access,
		AccessTokenExpiresAt: expiresAt,
	}
	if rotate {
		session.RefreshToken, err = s.refresh.Rotate(ctx, db, u.ID)
		if err != nil {
			return nil, err
		}
	}
	return session, nil
}

func (s *SessionService) loginOutcome(ctx context.Context, outcome, userID string) {
	s.metrics.LoginAttempt(outcome)
	s.logger.Info(ctx, "login attempt", "outcome", outcome, "user_id", userID)
}

func (s *SessionService) tokenRotated(ctx context.Context, userID string) {
	s.metrics.TokenRotated()
	s.logger.Info(ctx, "refresh token rotated", "user_id", userID)
}

func (s *SessionService) refreshRejected(ctx context.Context, userID string, r *Rejection) *Rejection {
	s.metrics.RefreshRejected()
	s.logger.Info(ctx, "refresh rejected", "reason", r.Reason, "user_id", userID)
	return r
}

func (s *SessionService) internal(ctx context.Context, msg string, err error, args ...any) error {
	s.logger.Error(ctx, msg, append(args, "error", err)...)
	return common.ErrorInternal
}
