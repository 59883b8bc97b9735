package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Action token purposes.
const (
	PurposeConfirmEmail  = "confirm_email"
	PurposeResetPassword = "reset_password"
)

type actionClaims struct {
	jwt.RegisteredClaims
	Purpose     string `json:"purpose"`
	Fingerprint string `json:"fp"`
}

// ActionTokens issues signed, expiring tokens that act on one user for one
// purpose. Each token embeds a fingerprint of the user state it was issued
// against; once that state changes the token stops verifying, which makes it
// single-use. The signing key is derived from the access token secret so the
// two token kinds are never interchangeable.
type ActionTokens struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewActionTokens(secret []byte, issuer string, ttl time.Duration) *ActionTokens {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte("action-tokens"))
	return &ActionTokens{key: m.Sum(nil), issuer: issuer, ttl: ttl, now: time.Now}
}

func (a *ActionTokens) Issue(purpose, userID, state string) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, actionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			Audience:  jwt.ClaimStrings{purpose},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Purpose:     purpose,
		Fingerprint: a.fingerprint(purpose, userID, state),
	})
	return token.SignedString(a.key)
}

// Verify succeeds only for an unexpired token of the given purpose, issued
// for userID while the user was in state.
func (a *ActionTokens) Verify(tokenString, purpose, userID, state string) error {
	claims := &actionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(purpose),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return common.ErrTokenExpired
		}
		return common.ErrInvalidToken
	}
	if claims.Purpose != purpose || claims.Subject != userID {
		return common.ErrInvalidToken
	}
	want := a.fingerprint(purpose, userID, state)
	if !hmac.Equal([]byte(claims.Fingerprint), []byte(want)) {
		return common.ErrInvalidToken
	}
	return nil
}

func (a *ActionTokens) fingerprint(purpose, userID, state string) string {
	m := hmac.New(sha256.New, a.key)
	m.Write([]byte(purpose))
	m.Write([]byte{0})
	m.Write([]byte(userID))
	m.Write([]byte{0})
	m.Write([]byte(state))
	return hex.EncodeToString(m.Sum(nil)[:16])
}
