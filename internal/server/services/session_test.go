package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireRejection(t *testing.T, err error, reason RejectionReason) *Rejection {
	t.Helper()
	var r *Rejection
	require.ErrorAs(t, err, &r)
	assert.Equal(t, reason, r.Reason)
	assert.ErrorIs(t, err, common.ErrorUnauthorized)
	return r
}

func TestLogin_Success(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "alice@example.com", "secret1", true, common.RoleCustomer, common.RoleManager)
	expectCommit(f.mock)

	s, err := f.sessions.Login(context.Background(), "ALICE@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "first", s.FirstName)
	require.NotNil(t, s.RefreshToken)
	assert.Len(t, s.RefreshToken.Token, 64)
	assert.Equal(t, f.clock.Add(f.cfg.RefreshTokenValidityDuration), s.RefreshToken.ExpiresAt)
	assert.Equal(t, s.RefreshToken.Token, f.rm.r.current("u1").Token)

	claims, err := f.sessions.Tokens().Verify(s.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.ElementsMatch(t, []string{common.RoleCustomer, common.RoleManager}, claims.Roles)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLogin_UnknownUserMatchesWrongPasswordMessage(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "alice@example.com", "secret1", true)
	expectCommit(f.mock)

	_, errUnknown := f.sessions.Login(context.Background(), "nobody@example.com", "secret1")
	requireRejection(t, errUnknown, ReasonUserNotFound)

	_, errWrong := f.sessions.Login(context.Background(), "alice@example.com", "bad")
	requireRejection(t, errWrong, ReasonInvalidCredentials)

	assert.Equal(t, "Invalid username or password", errUnknown.Error())
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLogin_LockoutAfterThreeFailures(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "bob@example.com", "secret1", true)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		expectCommit(f.mock)
		_, err := f.sessions.Login(ctx, "bob@example.com", "wrong")
		requireRejection(t, err, ReasonInvalidCredentials)
		assert.Equal(t, i, f.rm.u.get("u1").AccessFailedCount)
		assert.Nil(t, f.rm.u.get("u1").LockoutEnd)
	}

	expectCommit(f.mock)
	_, err := f.sessions.Login(ctx, "bob@example.com", "wrong")
	r := requireRejection(t, err, ReasonAccountLocked)
	require.NotNil(t, r.LockoutEnd)
	assert.Equal(t, f.clock.Add(24*time.Hour), *r.LockoutEnd)
	assert.Contains(t, err.Error(), "Sun, 02 Mar 2025 10:00:00 GMT")

	stored := f.rm.u.get("u1")
	assert.Equal(t, 3, stored.AccessFailedCount)
	require.NotNil(t, stored.LockoutEnd)

	// the correct password is refused while locked and leaves the counter alone
	f.advance(time.Hour)
	expectCommit(f.mock)
	_, err = f.sessions.Login(ctx, "bob@example.com", "secret1")
	requireRejection(t, err, ReasonAccountLocked)
	assert.Equal(t, 3, f.rm.u.get("u1").AccessFailedCount)
	assert.Nil(t, f.rm.r.current("u1"))

	// once the lockout elapses a successful login resets the counters
	f.advance(24 * time.Hour)
	expectCommit(f.mock)
	_, err = f.sessions.Login(ctx, "bob@example.com", "secret1")
	require.NoError(t, err)
	stored = f.rm.u.get("u1")
	assert.Zero(t, stored.AccessFailedCount)
	assert.Nil(t, stored.LockoutEnd)

	assert.NoError(t, testutil.GatherAndCompare(f.registry, strings.NewReader(`
# HELP auth_lockouts_total Total number of accounts locked after repeated failures
# TYPE auth_lockouts_total counter
auth_lockouts_total 1
`), "auth_lockouts_total"))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLogin_SuccessResetIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "bob@example.com", "secret1", true)
	ctx := context.Background()

	for range 2 {
		expectCommit(f.mock)
		_, err := f.sessions.Login(ctx, "bob@example.com", "secret1")
		require.NoError(t, err)
		u := f.rm.u.get("u1")
		assert.Zero(t, u.AccessFailedCount)
		assert.Nil(t, u.LockoutEnd)
	}
}

func TestLogin_EmailUnconfirmed(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "carol@example.com", "secret1", false)
	expectCommit(f.mock)

	_, err := f.sessions.Login(context.Background(), "carol@example.com", "secret1")
	requireRejection(t, err, ReasonEmailUnconfirmed)
	assert.Equal(t, "Please confirm your email.", err.Error())
	assert.Zero(t, f.rm.u.get("u1").AccessFailedCount)
	assert.Nil(t, f.rm.r.current("u1"))
}

func TestLogin_ExemptPrincipalNeverCounts(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "ops@example.com", "secret1", true)

	for range 5 {
		expectCommit(f.mock)
		_, err := f.sessions.Login(context.Background(), "ops@example.com", "wrong")
		requireRejection(t, err, ReasonInvalidCredentials)
	}
	u := f.rm.u.get("u1")
	assert.Zero(t, u.AccessFailedCount)
	assert.Nil(t, u.LockoutEnd)
}

func TestLogin_ConcurrentFailuresAreSerialized(t *testing.T) {
	const attempts = 8

	f := newFixture(t)
	f.sessions.lockout = auth.NewLockoutPolicy(attempts+1, time.Hour, nil)
	f.rm.u.lockRows = true
	f.mock.MatchExpectationsInOrder(false)
	for range attempts {
		expectCommit(f.mock)
	}
	f.addUser(t, "u1", "eve@example.com", "secret1", true)

	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sessions.Login(context.Background(), "eve@example.com", "wrong")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		requireRejection(t, err, ReasonInvalidCredentials)
	}
	u := f.rm.u.get("u1")
	assert.Equal(t, attempts, u.AccessFailedCount)
	assert.Nil(t, u.LockoutEnd)
	assert.Equal(t, attempts, f.rm.u.updates)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLogin_PersistFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "dave@example.com", "secret1", true)
	f.rm.u.updateErr = errors.New("db down")
	expectRollback(f.mock)

	_, err := f.sessions.Login(context.Background(), "dave@example.com", "wrong")
	assert.ErrorIs(t, err, common.ErrorInternal)
	var r *Rejection
	assert.False(t, errors.As(err, &r))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLogin_LookupFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.rm.u.getErr = errors.New("db down")

	_, err := f.sessions.Login(context.Background(), "x@example.com", "pw")
	assert.ErrorIs(t, err, common.ErrorInternal)
}

func TestLogin_RefreshStoreFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "erin@example.com", "secret1", true)
	f.rm.r.err = errors.New("redis down")
	expectRollback(f.mock)

	_, err := f.sessions.Login(context.Background(), "erin@example.com", "secret1")
	assert.ErrorIs(t, err, common.ErrorInternal)
}

func TestLogin_SequentialLoginsSupersedeRefreshToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "frank@example.com", "secret1", true)
	ctx := context.Background()

	expectCommit(f.mock)
	first, err := f.sessions.Login(ctx, "frank@example.com", "secret1")
	require.NoError(t, err)
	expectCommit(f.mock)
	second, err := f.sessions.Login(ctx, "frank@example.com", "secret1")
	require.NoError(t, err)

	assert.NotEqual(t, first.RefreshToken.Token, second.RefreshToken.Token)

	expectCommit(f.mock)
	_, err = f.sessions.Refresh(ctx, "u1", first.RefreshToken.Token)
	requireRejection(t, err, ReasonInvalidOrExpiredToken)
}

func TestRefresh_RotatesToken(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "gina@example.com", "secret1", true)
	ctx := context.Background()

	expectCommit(f.mock)
	login, err := f.sessions.Login(ctx, "gina@example.com", "secret1")
	require.NoError(t, err)

	expectCommit(f.mock)
	refreshed, err := f.sessions.Refresh(ctx, "u1", login.RefreshToken.Token)
	require.NoError(t, err)
	assert.NotEqual(t, login.RefreshToken.Token, refreshed.RefreshToken.Token)
	assert.NotEmpty(t, refreshed.AccessToken)

	// the superseded token no longer works
	expectCommit(f.mock)
	_, err = f.sessions.Refresh(ctx, "u1", login.RefreshToken.Token)
	requireRejection(t, err, ReasonInvalidOrExpiredToken)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefresh_Rejections(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "hank@example.com", "secret1", true)
	ctx := context.Background()

	expectCommit(f.mock)
	login, err := f.sessions.Login(ctx, "hank@example.com", "secret1")
	require.NoError(t, err)
	token := login.RefreshToken.Token

	_, err = f.sessions.Refresh(ctx, "", token)
	requireRejection(t, err, ReasonInvalidOrExpiredToken)
	_, err = f.sessions.Refresh(ctx, "u1", "")
	requireRejection(t, err, ReasonInvalidOrExpiredToken)

	expectCommit(f.mock)
	_, err = f.sessions.Refresh(ctx, "unknown", token)
	requireRejection(t, err, ReasonInvalidOrExpiredToken)

	expectCommit(f.mock)
	_, err = f.sessions.Refresh(ctx, "u1", token+"x")
	requireRejection(t, err, ReasonInvalidOrExpiredToken)

	// expiry is inclusive: now == expires_at is already expired
	f.advance(f.cfg.RefreshTokenValidityDuration)
	expectCommit(f.mock)
	_, err = f.sessions.Refresh(ctx, "u1", token)
	requireRejection(t, err, ReasonInvalidOrExpiredToken)

	assert.Equal(t, "Invalid or expired token, please try to login", err.Error())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefresh_LockedAccount(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "ivy@example.com", "secret1", true)
	ctx := context.Background()

	expectCommit(f.mock)
	login, err := f.sessions.Login(ctx, "ivy@example.com", "secret1")
	require.NoError(t, err)

	u := f.rm.u.get("u1")
	end := f.clock.Add(time.Hour)
	u.LockoutEnd = &end
	f.rm.u.put(u)

	expectCommit(f.mock)
	_, err = f.sessions.Refresh(ctx, "u1", login.RefreshToken.Token)
	requireRejection(t, err, ReasonAccountLocked)
}

func TestRefresh_StoreFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "jay@example.com", "secret1", true)
	f.rm.r.err = errors.New("redis down")
	expectRollback(f.mock)

	_, err := f.sessions.Refresh(context.Background(), "u1", "tok")
	assert.ErrorIs(t, err, common.ErrorInternal)
}

func TestRefreshPage_And_LockoutGuard(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "kim@example.com", "secret1", true)
	ctx := context.Background()

	s, err := f.sessions.RefreshPage(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, s.AccessToken)
	assert.Nil(t, s.RefreshToken)
	assert.Nil(t, f.rm.r.current("u1"))

	require.NoError(t, f.sessions.LockoutGuard(ctx, "u1"))

	u := f.rm.u.get("u1")
	end := f.clock.Add(time.Minute)
	u.LockoutEnd = &end
	f.rm.u.put(u)

	requireRejection(t, f.sessions.LockoutGuard(ctx, "u1"), ReasonAccountLocked)
	_, err = f.sessions.RefreshPage(ctx, "u1")
	requireRejection(t, err, ReasonAccountLocked)

	requireRejection(t, f.sessions.LockoutGuard(ctx, "missing"), ReasonInvalidOrExpiredToken)

	f.rm.u.getErr = errors.New("db down")
	assert.ErrorIs(t, f.sessions.LockoutGuard(ctx, "u1"), common.ErrorInternal)
}

func TestLogout_RevokesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "u1", "lee@example.com", "secret1", true)
	ctx := context.Background()

	expectCommit(f.mock)
	login, err := f.sessions.Login(ctx, "lee@example.com", "secret1")
	require.NoError(t, err)

	require.NoError(t, f.sessions.Logout(ctx, "u1"))
	require.NoError(t, f.sessions.Logout(ctx, "u1"))
	assert.Nil(t, f.rm.r.current("u1"))

	expectCommit(f.mock)
	_, err = f.sessions.Refresh(ctx, "u1", login.RefreshToken.Token)
	requireRejection(t, err, ReasonInvalidOrExpiredToken)

	requireRejection(t, f.sessions.Logout(ctx, ""), ReasonInvalidOrExpiredToken)

	f.rm.r.err = errors.New("redis down")
	assert.ErrorIs(t, f.sessions.Logout(ctx, "u1"), common.ErrorInternal)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "u1", "max@example.com", "secret1", true, common.RoleCustomer)
	ctx := context.Background()

	token, _, err := f.sessions.Tokens().Issue(u)
	require.NoError(t, err)

	claims, err := f.sessions.Authorize(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())

	_, err = f.sessions.Authorize(ctx, token, common.RoleAdmin, common.RoleCustomer)
	require.NoError(t, err)

	_, err = f.sessions.Authorize(ctx, token, common.RoleAdmin)
	assert.ErrorIs(t, err, common.ErrorForbidden)

	_, err = f.sessions.Authorize(ctx, "garbage")
	requireRejection(t, err, ReasonInvalidOrExpiredToken)

	expiredCfg := testConfig()
	expiredCfg.AccessTokenValidityDuration = -time.Minute
	expired := NewSessionService(f.db, f.rm, expiredCfg, metrics.New(prometheus.NewRegistry()), logging.NewNop())
	expiredToken, _, err := expired.Tokens().Issue(u)
	require.NoError(t, err)

	_, err = f.sessions.Authorize(ctx, expiredToken)
	requireRejection(t, err, ReasonInvalidOrExpiredToken)
}

func TestSubjectOf(t *testing.T) {
	f := newFixture(t)
	u := f.addUser(t, "u1", "ned@example.com", "secret1", true)

	expiredCfg := testConfig()
	expiredCfg.AccessTokenValidityDuration = -time.Minute
	expired := NewSessionService(f.db, f.rm, expiredCfg, metrics.New(prometheus.NewRegistry()), logging.NewNop())
	token, _, err := expired.Tokens().Issue(u)
	require.NoError(t, err)

	sub, err := f.sessions.SubjectOf(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", sub)

	_, err = f.sessions.SubjectOf("garbage")
	requireRejection(t, err, ReasonInvalidOrExpiredToken)
}
