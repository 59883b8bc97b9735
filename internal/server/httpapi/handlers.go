package httpapi

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/services"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gofiber/fiber/v2"
)

type loginRequest struct {
	UserName string `json:"userName"`
	Password string `json:"password"`
}

func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserName, validation.Required),
		validation.Field(&r.Password, validation.Required),
	)
}

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

type confirmEmailRequest struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

func (r confirmEmailRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.Email, validation.Required),
	)
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	Email       string `json:"email"`
	NewPassword string `json:"newPassword"`
}

type userResponse struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	JWT       string `json:"jwt"`
}

type messageResponse struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

// bind decodes the JSON body and validates it.
func bind(c *fiber.Ctx, v validation.Validatable) error {
	if err := c.BodyParser(v); err != nil {
		return fmt.Errorf("%w: malformed request body", common.ErrorValidation)
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrorValidation, err)
	}
	return nil
}

func (s *Server) login(c *fiber.Ctx) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	session, err := s.sessions.Login(c.UserContext(), req.UserName, req.Password)
	if err != nil {
		return err
	}
	return s.sendSession(c, session)
}

// refreshToken identifies the caller by its (possibly expired) bearer token
// and rotates the refresh token presented in the cookie.
func (s *Server) refreshToken(c *fiber.Ctx) error {
	userID, err := s.sessions.SubjectOf(bearerToken(c))
	if err != nil {
		return err
	}

	session, err := s.sessions.Refresh(c.UserContext(), userID, c.Cookies(s.cookieName))
	if err != nil {
		return err
	}
	return s.sendSession(c, session)
}

func (s *Server) refreshPage(c *fiber.Ctx) error {
	session, err := s.sessions.RefreshPage(c.UserContext(), claimsOf(c).UserID())
	if err != nil {
		return err
	}
	return s.sendSession(c, session)
}

func (s *Server) logout(c *fiber.Ctx) error {
	if err := s.sessions.Logout(c.UserContext(), claimsOf(c).UserID()); err != nil {
		return err
	}
	s.setRefreshCookie(c, "", time.Unix(0, 0))
	return c.JSON(messageResponse{Title: "Logged out", Message: "You have been logged out"})
}

func (s *Server) register(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: malformed request body", common.ErrorValidation)
	}

	_, err := s.accounts.Register(c.UserContext(), services.RegisterInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Password:  req.Password,
	})
	if err != nil {
		return err
	}
	return c.JSON(messageResponse{
		Title:   "Account Created",
		Message: "Your account has been created, please confirm your email address",
	})
}

func (s *Server) confirmEmail(c *fiber.Ctx) error {
	var req confirmEmailRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.accounts.ConfirmEmail(c.UserContext(), req.Email, req.Token); err != nil {
		return err
	}
	return c.JSON(messageResponse{Title: "Email confirmed", Message: "Your email address is confirmed. You can login now"})
}

func (s *Server) resendConfirmation(c *fiber.Ctx) error {
	if err := s.accounts.ResendConfirmation(c.UserContext(), c.Params("email")); err != nil {
		return err
	}
	return c.JSON(messageResponse{Title: "Confirmation link sent", Message: "Please confirm your email address"})
}

func (s *Server) forgotUsernameOrPassword(c *fiber.Ctx) error {
	if err := s.accounts.ForgotUsernameOrPassword(c.UserContext(), c.Params("email")); err != nil {
		return err
	}
	return c.JSON(messageResponse{Title: "Forgot username or password email sent", Message: "Please check your email"})
}

func (s *Server) resetPassword(c *fiber.Ctx) error {
	var req resetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: malformed request body", common.ErrorValidation)
	}
	err := s.accounts.ResetPassword(c.UserContext(), services.ResetPasswordInput{
		Email:       req.Email,
		Token:       req.Token,
		NewPassword: req.NewPassword,
	})
	if err != nil {
		return err
	}
	return c.JSON(messageResponse{Title: "Password reset success", Message: "Your password has been reset"})
}

func (s *Server) lockMember(c *fiber.Ctx) error {
	if err := s.accounts.LockMember(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) unlockMember(c *fiber.Ctx) error {
	if err := s.accounts.UnlockMember(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) confirmMember(c *fiber.Ctx) error {
	if err := s.accounts.ConfirmMember(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) unconfirmMember(c *fiber.Ctx) error {
	if err := s.accounts.UnconfirmMember(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) sendSession(c *fiber.Ctx, session *services.Session) error {
	if session.RefreshToken != nil {
		s.setRefreshCookie(c, session.RefreshToken.Token, session.RefreshToken.ExpiresAt)
	}
	return c.JSON(userResponse{
		FirstName: session.FirstName,
		LastName:  session.LastName,
		JWT:       session.AccessToken,
	})
}

func (s *Server) setRefreshCookie(c *fiber.Ctx, value string, expires time.Time) {
	c.Cookie(&fiber.Cookie{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HTTPOnly: true,
		Secure:   true,
		SameSite: fiber.CookieSameSiteNoneMode,
	})
}

