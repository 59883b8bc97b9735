package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/flagx"
)

var allowedFlags = []string{"-a", "-g", "-d", "-s", "-i", "-t", "-r", "-b", "-redis", "-k", "-l", "-x", "-m", "-smtp"}

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags:
//
//	-a string      HTTP bind address (e.g., ":8080")
//	-g string      gRPC bind address (e.g., ":50051")
//	-d string      PostgreSQL DSN
//	-s string      JWT HMAC secret key
//	-i string      access token issuer
//	-t int         access token validity, minutes
//	-r int         refresh token validity, minutes
//	-b string      refresh token backend (postgres|redis)
//	-redis string  Redis address
//	-k int         bcrypt cost
//	-l int         lockout threshold
//	-x string      comma-separated exempt principals
//	-m bool        enable the Manager role
//	-smtp string   SMTP host
//
// os.Args is first filtered with flagx.FilterArgs so flags owned by other
// components (for example -c) do not collide.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], allowedFlags)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run the HTTP API")
	fs.StringVar(&config.EndpointAddrGRPC, "g", config.EndpointAddrGRPC, "address and port to run the gRPC server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.Issuer, "i", config.Issuer, "access token issuer")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	refreshTokenValidityDuration := fs.Int("r", int(config.RefreshTokenValidityDuration.Minutes()), "refresh_token_validity_duration (in minutes)")

	fs.StringVar(&config.RefreshTokenBackend, "b", config.RefreshTokenBackend, "refresh token backend (postgres|redis)")
	fs.StringVar(&config.RedisAddr, "redis", config.RedisAddr, "redis address")
	fs.IntVar(&config.BcryptCost, "k", config.BcryptCost, "bcrypt cost")
	fs.IntVar(&config.LockoutThreshold, "l", config.LockoutThreshold, "failed attempts before lockout")
	exempt := fs.String("x", strings.Join(config.ExemptPrincipals, ","), "comma-separated principals exempt from lockout counting")
	fs.BoolVar(&config.EnableManagerRole, "m", config.EnableManagerRole, "enable the Manager role")
	fs.StringVar(&config.SMTPHost, "smtp", config.SMTPHost, "SMTP host")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	config.RefreshTokenValidityDuration = time.Duration(*refreshTokenValidityDuration) * time.Minute
	config.ExemptPrincipals = splitList(*exempt)
}
