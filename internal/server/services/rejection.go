package services

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
)

type RejectionReason string

const (
	ReasonAccountLocked         RejectionReason = "account_locked"
	ReasonEmailUnconfirmed      RejectionReason = "email_unconfirmed"
	ReasonInvalidCredentials    RejectionReason = "invalid_credentials"
	ReasonUserNotFound          RejectionReason = "user_not_found"
	ReasonInvalidOrExpiredToken RejectionReason = "invalid_or_expired_token"
)

// lockoutTimeLayout renders the lockout end the way browsers print UTC dates.
const lockoutTimeLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// Rejection is an expected authentication outcome, not a fault. It matches
// common.ErrorUnauthorized under errors.Is.
type Rejection struct {
	Reason     RejectionReason
	LockoutEnd *time.Time
}

func reject(reason RejectionReason) *Rejection {
	return &Rejection{Reason: reason}
}

// Error returns the message shown to the caller. Unknown users and wrong
// passwords are indistinguishable.
func (r *Rejection) Error() string {
	switch r.Reason {
	case ReasonAccountLocked:
		if r.LockoutEnd == nil {
			return "Your account has been locked"
		}
		return fmt.Sprintf("Your account has been locked. You should wait until %s (UTC time) to be able to login",
			r.LockoutEnd.UTC().Format(lockoutTimeLayout))
	case ReasonEmailUnconfirmed:
		return "Please confirm your email."
	case ReasonInvalidOrExpiredToken:
		return "Invalid or expired token, please try to login"
	default:
		return "Invalid username or password"
	}
}

func (r *Rejection) Is(target error) bool {
	return target == common.ErrorUnauthorized
}
