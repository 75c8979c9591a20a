package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/viper"

	"github.com/ehr/compliance/internal/platform/hipaa"
	"github.com/ehr/compliance/internal/platform/security"
	"github.com/ehr/compliance/internal/platform/session"
)

// Auth modes.
const (
	AuthModeDevelopment = "development"
	AuthModeHS256       = "hs256"
	AuthModeJWKS        = "jwks"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`

	AuditLevel              string        `mapstructure:"AUDIT_LEVEL"`
	AuditEndpoint           string        `mapstructure:"AUDIT_ENDPOINT"`
	AuditEndpointSecret     string        `mapstructure:"AUDIT_ENDPOINT_SECRET"`
	AuditAutomaticReporting bool          `mapstructure:"AUDIT_AUTOMATIC_REPORTING"`
	AuditRetentionDays      int           `mapstructure:"AUDIT_RETENTION_DAYS"`
	AuditRemoteTimeout      time.Duration `mapstructure:"AUDIT_REMOTE_TIMEOUT"`

	SessionMaxDuration       time.Duration `mapstructure:"SESSION_MAX_DURATION"`
	SessionIdleTimeout       time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	SessionMaxConcurrent     int           `mapstructure:"SESSION_MAX_CONCURRENT"`
	SessionSecureTransport   bool          `mapstructure:"SESSION_SECURE_TRANSPORT"`
	SessionTokenLength       int           `mapstructure:"SESSION_TOKEN_LENGTH"`
	SessionRenewBeforeExpiry time.Duration `mapstructure:"SESSION_RENEW_BEFORE_EXPIRY"`
	SessionCleanupInterval   time.Duration `mapstructure:"SESSION_CLEANUP_INTERVAL"`

	MaskChar            string        `mapstructure:"MASK_CHAR"`
	HIPAAEncryptionKey  string        `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	KeyRotationInterval time.Duration `mapstructure:"KEY_ROTATION_INTERVAL"`
	MFAIssuer           string        `mapstructure:"MFA_ISSUER"`
	RBACPolicyFile      string        `mapstructure:"RBAC_POLICY_FILE"`

	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
}

// keys lists every setting so Unmarshal sees environment-only values.
var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"AUDIT_LEVEL", "AUDIT_ENDPOINT", "AUDIT_ENDPOINT_SECRET", "AUDIT_AUTOMATIC_REPORTING",
	"AUDIT_RETENTION_DAYS", "AUDIT_REMOTE_TIMEOUT",
	"SESSION_MAX_DURATION", "SESSION_IDLE_TIMEOUT", "SESSION_MAX_CONCURRENT",
	"SESSION_SECURE_TRANSPORT", "SESSION_TOKEN_LENGTH", "SESSION_RENEW_BEFORE_EXPIRY",
	"SESSION_CLEANUP_INTERVAL",
	"MASK_CHAR", "HIPAA_ENCRYPTION_KEY", "KEY_ROTATION_INTERVAL", "MFA_ISSUER", "RBAC_POLICY_FILE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ORIGINS",
}

// Load reads .env (when present) and the environment over the defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	sess := session.DefaultConfig()
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUDIT_LEVEL", string(hipaa.AuditStandard))
	v.SetDefault("AUDIT_AUTOMATIC_REPORTING", true)
	v.SetDefault("AUDIT_RETENTION_DAYS", 0)
	v.SetDefault("AUDIT_REMOTE_TIMEOUT", 5*time.Second)
	v.SetDefault("SESSION_MAX_DURATION", sess.MaxDuration)
	v.SetDefault("SESSION_IDLE_TIMEOUT", sess.IdleTimeout)
	v.SetDefault("SESSION_MAX_CONCURRENT", sess.MaxConcurrent)
	v.SetDefault("SESSION_SECURE_TRANSPORT", sess.SecureTransport)
	v.SetDefault("SESSION_TOKEN_LENGTH", sess.TokenLength)
	v.SetDefault("SESSION_RENEW_BEFORE_EXPIRY", sess.RenewBeforeExpiry)
	v.SetDefault("SESSION_CLEANUP_INTERVAL", sess.CleanupInterval)
	v.SetDefault("MASK_CHAR", "*")
	v.SetDefault("KEY_ROTATION_INTERVAL", 90*24*time.Hour)
	v.SetDefault("MFA_ISSUER", "EHR Compliance")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns how bearer tokens are verified:
//   - AUTH_JWKS_URL set      → "jwks" (RS256 from the identity provider)
//   - AUTH_SIGNING_KEY set   → "hs256"
//   - otherwise              → "development" (no auth, all requests get admin)
func (c *Config) ResolvedAuthMode() string {
	switch {
	case c.AuthJWKSURL != "":
		return AuthModeJWKS
	case c.AuthSigningKey != "":
		return AuthModeHS256
	default:
		return AuthModeDevelopment
	}
}

// Validate checks that the configuration is safe to run. Production needs
// real token verification and a 32-byte HIPAA_ENCRYPTION_KEY.
func (c *Config) Validate() error {
	if _, err := hipaa.ParseAuditLevel(c.AuditLevel); err != nil {
		return fmt.Errorf("AUDIT_LEVEL: %w", err)
	}
	if utf8.RuneCountInString(c.MaskChar) != 1 {
		return fmt.Errorf("MASK_CHAR must be exactly one character, got %q", c.MaskChar)
	}

	durations := map[string]time.Duration{
		"AUDIT_REMOTE_TIMEOUT":        c.AuditRemoteTimeout,
		"SESSION_MAX_DURATION":        c.SessionMaxDuration,
		"SESSION_IDLE_TIMEOUT":        c.SessionIdleTimeout,
		"SESSION_RENEW_BEFORE_EXPIRY": c.SessionRenewBeforeExpiry,
		"SESSION_CLEANUP_INTERVAL":    c.SessionCleanupInterval,
		"KEY_ROTATION_INTERVAL":       c.KeyRotationInterval,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	if c.SessionMaxConcurrent < 0 || c.AuditRetentionDays < 0 {
		return fmt.Errorf("SESSION_MAX_CONCURRENT and AUDIT_RETENTION_DAYS must not be negative")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	// Issuer and JWKS only make sense together.
	if (c.AuthJWKSURL == "") != (c.AuthIssuer == "") {
		return fmt.Errorf("AUTH_ISSUER and AUTH_JWKS_URL must be set together")
	}
	if c.IsProduction() && c.ResolvedAuthMode() == AuthModeDevelopment {
		return fmt.Errorf(
			"refusing to start in production without authentication: " +
				"set AUTH_JWKS_URL and AUTH_ISSUER, or AUTH_SIGNING_KEY")
	}

	// HIPAA encryption key validation
	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	return nil
}

// SecurityConfig maps the settings onto the security manager's config.
func (c *Config) SecurityConfig() security.Config {
	cfg := security.DefaultConfig()
	cfg.Session = session.Config{
		MaxDuration:       c.SessionMaxDuration,
		IdleTimeout:       c.SessionIdleTimeout,
		MaxConcurrent:     c.SessionMaxConcurrent,
		SecureTransport:   c.SessionSecureTransport,
		TokenLength:       c.SessionTokenLength,
		RenewBeforeExpiry: c.SessionRenewBeforeExpiry,
		CleanupInterval:   c.SessionCleanupInterval,
		GracePeriod:       session.DefaultConfig().GracePeriod,
	}
	cfg.Audit = hipaa.AuditLoggerConfig{
		Level:              hipaa.AuditLevel(c.AuditLevel),
		RetentionDays:      c.AuditRetentionDays,
		AutomaticReporting: c.AuditAutomaticReporting,
	}
	cfg.AuditEndpoint = c.AuditEndpoint
	cfg.AuditEndpointSecret = c.AuditEndpointSecret
	cfg.AuditRemoteTimeout = c.AuditRemoteTimeout
	cfg.MaskChar = c.MaskChar
	cfg.EncryptionKey = c.HIPAAEncryptionKey
	cfg.KeyRotationInterval = c.KeyRotationInterval
	if c.MFAIssuer != "" {
		cfg.MFAIssuer = c.MFAIssuer
	}
	return cfg
}
