// Package httpapi serves the account API over HTTP with fiber.
package httpapi

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// Sessions is the session core as seen by the HTTP layer.
type Sessions interface {
	Login(ctx context.Context, identifier, password string) (*services.Session, error)
	Refresh(ctx context.Context, userID, presented string) (*services.Session, error)
	RefreshPage(ctx context.Context, userID string) (*services.Session, error)
	Logout(ctx context.Context, userID string) error
	Authorize(ctx context.Context, token string, roles ...string) (*auth.Claims, error)
	SubjectOf(token string) (string, error)
}

// Accounts is the account lifecycle as seen by the HTTP layer.
type Accounts interface {
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	ConfirmEmail(ctx context.Context, email, token string) error
	ResendConfirmation(ctx context.Context, email string) error
	ForgotUsernameOrPassword(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, in services.ResetPasswordInput) error
	LockMember(ctx context.Context, userID string) error
	UnlockMember(ctx context.Context, userID string) error
	ConfirmMember(ctx context.Context, userID string) error
	UnconfirmMember(ctx context.Context, userID string) error
}

type Server struct {
	app        *fiber.App
	address    string
	cookieName string
	sessions   Sessions
	accounts   Accounts
	logger     logging.Logger
}

// NewServer builds the fiber app and registers all routes. Metrics are
// served from gatherer at /metrics.
func NewServer(address, cookieName string, l logging.Logger, sessions Sessions, accounts Accounts, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		address:    address,
		cookieName: cookieName,
		sessions:   sessions,
		accounts:   accounts,
		logger:     l.With("module", "http_server"),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	account := s.app.Group("/api/account")
	account.Post("/login", s.login)
	account.Post("/refresh-token", s.refreshToken)
	account.Get("/refresh-page", s.requireAuth(), s.refreshPage)
	account.Post("/logout", s.requireAuth(), s.logout)
	account.Post("/register", s.register)
	account.Put("/confirm-email", s.confirmEmail)
	account.Post("/resend-email-confirmation-link/:email", s.resendConfirmation)
	account.Post("/forgot-username-or-password/:email", s.forgotUsernameOrPassword)
	account.Put("/reset-password", s.resetPassword)

	admin := s.app.Group("/api/admin", s.requireAuth(common.RoleAdmin))
	admin.Put("/lock-member/:id", s.lockMember)
	admin.Put("/unlock-member/:id", s.unlockMember)
	admin.Put("/confirm-email/:id", s.confirmMember)
	admin.Put("/unconfirm-email/:id", s.unconfirmMember)

	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			s.logger.Error(ctx, "HTTP shutdown failed", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)
	return s.app.Listen(s.address)
}

type errorResponse struct {
	Message string `json:"message"`
}

// errorHandler maps service errors to status codes. Internal details never
// reach the client.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "internal error"

	var fe *fiber.Error
	var rejection *services.Rejection
	switch {
	case errors.As(err, &fe):
		status, message = fe.Code, fe.Message
	case errors.As(err, &rejection):
		status, message = fiber.StatusUnauthorized, rejection.Error()
	case errors.Is(err, common.ErrorUnauthorized):
		status, message = fiber.StatusUnauthorized, err.Error()
	case errors.Is(err, common.ErrorForbidden):
		status, message = fiber.StatusForbidden, err.Error()
	case errors.Is(err, common.ErrorNotFound):
		status, message = fiber.StatusNotFound, "not found"
	case errors.Is(err, common.ErrorConflict),
		errors.Is(err, common.ErrorValidation),
		errors.Is(err, services.ErrMailNotSent):
		status, message = fiber.StatusBadRequest, err.Error()
	default:
		s.logger.Error(c.UserContext(), "request failed", "path", c.Path(), "error", err)
	}

	return c.Status(status).JSON(errorResponse{Message: message})
}
