package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/gophauth/internal/flagx"
	"github.com/dmitrijs2005/gophauth/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration so they can be written as "30m" or as integer nanoseconds.
// Fields left out of the file keep their current (default) values.
type JsonConfig struct {
	HTTPAddr                     string         `json:"http_addr"`
	EndpointAddrGRPC             string         `json:"endpoint_addr_grpc"`
	DatabaseDSN                  string         `json:"database_dsn"`
	SecretKey                    string         `json:"secret_key"`
	Issuer                       string         `json:"issuer"`
	AccessTokenValidityDuration  timex.Duration `json:"access_token_validity_duration"`
	RefreshTokenValidityDuration timex.Duration `json:"refresh_token_validity_duration"`
	RefreshTokenBackend          string         `json:"refresh_token_backend"`
	RedisAddr                    string         `json:"redis_addr"`
	RefreshCookieName            string         `json:"refresh_cookie_name"`
	ClientURL                    string         `json:"client_url"`
	ConfirmEmailPath             string         `json:"confirm_email_path"`
	ResetPasswordPath            string         `json:"reset_password_path"`
	ApplicationName              string         `json:"application_name"`
	BcryptCost                   int            `json:"bcrypt_cost"`
	LockoutThreshold             int            `json:"lockout_threshold"`
	LockoutDuration              timex.Duration `json:"lockout_duration"`
	ExemptPrincipals             []string       `json:"exempt_principals"`
	ActionTokenValidityDuration  timex.Duration `json:"action_token_validity_duration"`
	SMTPHost                     string         `json:"smtp_host"`
	SMTPPort                     int            `json:"smtp_port"`
	SMTPUser                     string         `json:"smtp_user"`
	SMTPPassword                 string         `json:"smtp_password"`
	EmailFrom                    string         `json:"email_from"`
	EnableManagerRole            *bool          `json:"enable_manager_role"`
	BootstrapAdminEmail          string         `json:"bootstrap_admin_email"`
}

// parseJson loads the file named by -c / -config (if any) and overlays every
// field it sets onto config. Unreadable files or invalid JSON panic, since the
// process cannot start with a half-applied configuration.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.applyTo(config)
}

func (c *JsonConfig) applyTo(config *Config) {
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.Issuer, c.Issuer)
	setString(&config.RefreshTokenBackend, c.RefreshTokenBackend)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RefreshCookieName, c.RefreshCookieName)
	setString(&config.ClientURL, c.ClientURL)
	setString(&config.ConfirmEmailPath, c.ConfirmEmailPath)
	setString(&config.ResetPasswordPath, c.ResetPasswordPath)
	setString(&config.ApplicationName, c.ApplicationName)
	setString(&config.SMTPHost, c.SMTPHost)
	setString(&config.SMTPUser, c.SMTPUser)
	setString(&config.SMTPPassword, c.SMTPPassword)
	setString(&config.EmailFrom, c.EmailFrom)
	setString(&config.BootstrapAdminEmail, c.BootstrapAdminEmail)

	if c.AccessTokenValidityDuration.Duration != 0 {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.RefreshTokenValidityDuration.Duration != 0 {
		config.RefreshTokenValidityDuration = c.RefreshTokenValidityDuration.Duration
	}
	if c.LockoutDuration.Duration != 0 {
		config.LockoutDuration = c.LockoutDuration.Duration
	}
	if c.ActionTokenValidityDuration.Duration != 0 {
		config.ActionTokenValidityDuration = c.ActionTokenValidityDuration.Duration
	}
	if c.BcryptCost != 0 {
		config.BcryptCost = c.BcryptCost
	}
	if c.LockoutThreshold != 0 {
		config.LockoutThreshold = c.LockoutThreshold
	}
	if c.SMTPPort != 0 {
		config.SMTPPort = c.SMTPPort
	}
	if c.ExemptPrincipals != nil {
		config.ExemptPrincipals = c.ExemptPrincipals
	}
	if c.EnableManagerRole != nil {
		config.EnableManagerRole = *c.EnableManagerRole
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
