package services

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/config"
	"github.com/dmitrijs2005/gophauth/internal/server/mailer"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	refreshtokensrepo "github.com/dmitrijs2005/gophauth/internal/server/repositories/refreshtokens"
	usersrepo "github.com/dmitrijs2005/gophauth/internal/server/repositories/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// --- in-memory repositories ---

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	if u.LockoutEnd != nil {
		end := *u.LockoutEnd
		c.LockoutEnd = &end
	}
	return &c
}

type memUsers struct {
	mu   sync.Mutex
	byID map[string]*models.User

	getErr    error
	updateErr error
	createErr error
	updates   int

	// lockRows makes GetByIDForUpdate hold the row until the next Update of
	// the same user, the way FOR UPDATE holds it until commit.
	lockRows bool
	rowLocks map[string]chan struct{}
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]*models.User{}}
}

func (m *memUsers) put(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[u.ID] = cloneUser(u)
}

func (m *memUsers) get(id string) *models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		return cloneUser(u)
	}
	return nil
}

func (m *memUsers) find(match func(*models.User) bool) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, u := range m.byID {
		if match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (m *memUsers) Create(ctx context.Context, u *models.User) error {
	if m.createErr != nil {
		return m.createErr
	}
	u.UserName = usersrepo.Normalize(u.UserName)
	u.Email = usersrepo.Normalize(u.Email)
	if _, err := m.find(func(x *models.User) bool { return x.UserName == u.UserName || x.Email == u.Email }); err == nil {
		return common.ErrorConflict
	}
	u.CreatedAt = time.Now()
	m.put(u)
	return nil
}

func (m *memUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	return m.find(func(u *models.User) bool { return u.ID == id })
}

func (m *memUsers) rowLock(id string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rowLocks == nil {
		m.rowLocks = map[string]chan struct{}{}
	}
	l, ok := m.rowLocks[id]
	if !ok {
		l = make(chan struct{}, 1)
		m.rowLocks[id] = l
	}
	return l
}

func (m *memUsers) GetByIDForUpdate(ctx context.Context, id string) (*models.User, error) {
	if !m.lockRows {
		return m.GetByID(ctx, id)
	}
	l := m.rowLock(id)
	l <- struct{}{}
	u, err := m.GetByID(ctx, id)
	if err != nil {
		<-l
	}
	return u, err
}

func (m *memUsers) GetByUserName(ctx context.Context, name string) (*models.User, error) {
	name = usersrepo.Normalize(name)
	return m.find(func(u *models.User) bool { return u.UserName == name })
}

func (m *memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = usersrepo.Normalize(email)
	return m.find(func(u *models.User) bool { return u.Email == email })
}

func (m *memUsers) Update(ctx context.Context, u *models.User) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	if m.get(u.ID) == nil {
		return common.ErrorNotFound
	}
	m.mu.Lock()
	m.updates++
	m.mu.Unlock()
	m.put(u)
	if m.lockRows {
		select {
		case <-m.rowLock(u.ID):
		default:
		}
	}
	return nil
}

func (m *memUsers) AddRole(ctx context.Context, userID, role string) error {
	u := m.get(userID)
	if u == nil {
		return common.ErrorNotFound
	}
	if !u.HasRole(role) {
		u.Roles = append(u.Roles, role)
	}
	m.put(u)
	return nil
}

func (m *memUsers) EnsureRoles(ctx context.Context, roles ...string) error {
	return nil
}

type memRefresh struct {
	mu     sync.Mutex
	byUser map[string]*models.RefreshToken

	err error
}

func newMemRefresh() *memRefresh {
	return &memRefresh{byUser: map[string]*models.RefreshToken{}}
}

func (m *memRefresh) Upsert(ctx context.Context, t *models.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	c := *t
	m.byUser[t.UserID] = &c
	return nil
}

func (m *memRefresh) FindByUser(ctx context.Context, userID string) (*models.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.byUser[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *t
	return &c, nil
}

func (m *memRefresh) DeleteByUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.byUser, userID)
	return nil
}

func (m *memRefresh) current(userID string) *models.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUser[userID]
}

type fakeRepoManager struct {
	u *memUsers
	r *memRefresh
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{u: newMemUsers(), r: newMemRefresh()}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error           { return nil }
func (m *fakeRepoManager) Users(db dbx.DBTX) usersrepo.Repository                 { return m.u }
func (m *fakeRepoManager) RefreshTokens(db dbx.DBTX) refreshtokensrepo.Repository { return m.r }

// --- mail ---

type recordingSender struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (s *recordingSender) Send(ctx context.Context, msg mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) last() mailer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

// --- wiring ---

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.SecretKey = "test-secret"
	cfg.Issuer = "gophauth-test"
	cfg.ExemptPrincipals = []string{"ops@example.com"}
	return cfg
}

// newTxDB returns a sqlmock database used only for transaction boundaries;
// the in-memory repositories ignore the handle they are bound to.
func newTxDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func expectCommit(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectCommit()
}

func expectRollback(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectRollback()
}

type fixture struct {
	db       *sql.DB
	mock     sqlmock.Sqlmock
	rm       *fakeRepoManager
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	sender   *recordingSender
	cfg      *config.Config
	sessions *SessionService
	accounts *AccountService
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, mock := newTxDB(t)
	reg := prometheus.NewRegistry()
	f := &fixture{
		db:       db,
		mock:     mock,
		rm:       newFakeRepoManager(),
		metrics:  metrics.New(reg),
		registry: reg,
		sender:   &recordingSender{},
		cfg:      testConfig(),
		clock:    time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	f.sessions = NewSessionService(db, f.rm, f.cfg, f.metrics, logging.NewNop())
	f.accounts = NewAccountService(db, f.rm, f.cfg, f.sender, logging.NewNop())
	f.sessions.now = func() time.Time { return f.clock }
	f.sessions.refresh.now = func() time.Time { return f.clock }
	f.accounts.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

// addUser stores a user with a real bcrypt hash of password.
func (f *fixture) addUser(t *testing.T, id, email, password string, confirmed bool, roles ...string) *models.User {
	t.Helper()
	hash, err := f.sessions.hasher.Hash(password)
	require.NoError(t, err)
	if len(roles) == 0 {
		roles = []string{common.RoleCustomer}
	}
	u := &models.User{
		ID:             id,
		UserName:       email,
		Email:          email,
		FirstName:      "first",
		LastName:       "last",
		PasswordHash:   hash,
		EmailConfirmed: confirmed,
		Roles:          roles,
	}
	f.rm.u.put(u)
	return u
}
