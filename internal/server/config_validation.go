// config_validation.go - Startup validation of the decoded configuration.
//
// Fails fast with every problem listed at once rather than surfacing
// misconfiguration as runtime errors.
package server

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ConfigValidationError represents a configuration validation error.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// ConfigValidator collects configuration errors.
type ConfigValidator struct {
	errors []ConfigValidationError
}

// NewConfigValidator creates a new configuration validator.
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		errors: make([]ConfigValidationError, 0),
	}
}

// AddError adds a validation error.
func (v *ConfigValidator) AddError(field, message string) {
	v.errors = append(v.errors, ConfigValidationError{
		Field:   field,
		Message: message,
	})
}

// HasErrors returns true if there are validation errors.
func (v *ConfigValidator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *ConfigValidator) Errors() []ConfigValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *ConfigValidator) ErrorString() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n", len(v.errors)))
	for i, err := range v.errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidateRequired records an error when value is empty.
func (v *ConfigValidator) ValidateRequired(key, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(key, "required environment variable not set")
	}
}

// ValidateURL validates that a value is an absolute URL with one of the
// given schemes (http and https when none are given).
func (v *ConfigValidator) ValidateURL(key, value string, schemes ...string) {
	if value == "" {
		return
	}
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}

	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(key, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return
		}
	}
	v.AddError(key, fmt.Sprintf("URL must use one of: %s", strings.Join(schemes, ", ")))
}

// ValidatePort validates a ":port" or "host:port" listen address.
func (v *ConfigValidator) ValidatePort(key, value string) {
	if value == "" {
		return
	}

	portStr := value
	if i := strings.LastIndex(value, ":"); i >= 0 {
		portStr = value[i+1:]
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(key, "port must be a number")
		return
	}

	if port < 1 || port > 65535 {
		v.AddError(key, "port must be between 1 and 65535")
	}
}

// ValidateMinLength validates minimum string length.
func (v *ConfigValidator) ValidateMinLength(key, value string, minLen int) {
	if value == "" {
		return
	}

	if len(value) < minLen {
		v.AddError(key, fmt.Sprintf("must be at least %d characters long (got %d)", minLen, len(value)))
	}
}

// ValidateEnum validates that a value is one of allowed options.
func (v *ConfigValidator) ValidateEnum(key, value string, allowed []string) {
	if value == "" {
		return
	}

	for _, opt := range allowed {
		if value == opt {
			return
		}
	}

	v.AddError(key, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidatePositive validates that n is greater than zero.
func (v *ConfigValidator) ValidatePositive(key string, n int64) {
	if n <= 0 {
		v.AddError(key, "must be a positive integer")
	}
}

// ValidateEmailAddress validates basic email format.
func (v *ConfigValidator) ValidateEmailAddress(key, value string) {
	if value == "" {
		return
	}

	if !strings.Contains(value, "@") || !strings.Contains(value, ".") {
		v.AddError(key, "must be a valid email address")
	}
}

// Validate checks every setting and returns all problems at once.
func (c Config) Validate() error {
	v := NewConfigValidator()

	v.ValidateRequired("DATABASE_URL", c.DatabaseURL)
	if c.DatabaseURL != "" &&
		!strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		v.AddError("DATABASE_URL", "must be a valid PostgreSQL connection string")
	}

	v.ValidateRequired("SHOP_JWT_SECRET", c.JWTSecret)
	v.ValidateMinLength("SHOP_JWT_SECRET", c.JWTSecret, 32)
	if c.JWTTTL <= 0 {
		v.AddError("SHOP_JWT_TTL", "must be a positive duration")
	}

	v.ValidatePort("SHOP_ADDR", c.Addr)
	v.ValidateURL("SHOP_PUBLIC_BASE_URL", c.PublicBaseURL)
	for _, o := range c.AllowedOrigins() {
		v.ValidateURL("SHOP_CORS_ORIGINS", o)
	}
	v.ValidateURL("REDIS_URL", c.RedisURL, "redis", "rediss")

	v.ValidateEnum("SHOP_LOG_FORMAT", c.LogFormat, []string{"json", "text"})
	v.ValidateEnum("SHOP_LOG_LEVEL", c.LogLevel, []string{"trace", "debug", "info", "warn", "error"})
	v.ValidateEnum("SHOP_ENV", c.Env, []string{"development", "production", "staging", "test"})

	if c.AdminEmail != "" || c.AdminPassword != "" {
		v.ValidateEmailAddress("SHOP_ADMIN_EMAIL", c.AdminEmail)
		v.ValidateRequired("SHOP_ADMIN_PASSWORD", c.AdminPassword)
		if msg := passwordProblem(c.AdminPassword); c.AdminPassword != "" && msg != "" {
			v.AddError("SHOP_ADMIN_PASSWORD", msg)
		}
	}

	if c.S3Endpoint != "" {
		if strings.Contains(c.S3Endpoint, "://") {
			v.ValidateURL("SHOP_S3_ENDPOINT", c.S3Endpoint)
		}
		v.ValidateRequired("SHOP_S3_ACCESS_KEY", c.S3AccessKey)
		v.ValidateRequired("SHOP_S3_SECRET_KEY", c.S3SecretKey)
		v.ValidateRequired("SHOP_BUCKET", c.Bucket)
	}
	v.ValidatePositive("SHOP_MAX_IMAGE_BYTES", c.MaxImageBytes)

	if c.Production() {
		v.ValidateRequired("STRIPE_SECRET_KEY", c.StripeSecretKey)
		v.ValidateRequired("SHOP_S3_ENDPOINT", c.S3Endpoint)
		if !c.CookieSecure {
			v.AddError("SHOP_COOKIE_SECURE", "must be true in production")
		}
	}
	if c.StripeSecretKey != "" && !strings.HasPrefix(c.StripeSecretKey, "sk_") && !strings.HasPrefix(c.StripeSecretKey, "rk_") {
		v.AddError("STRIPE_SECRET_KEY", "must be a Stripe secret or restricted key")
	}
	if len(c.Currency) != 3 {
		v.AddError("SHOP_CURRENCY", "must be a three-letter ISO currency code")
	}

	if c.TaxRate < 0 || c.TaxRate >= 1 {
		v.AddError("SHOP_TAX_RATE", "must be between 0 and 1")
	}
	if c.FreeShippingCents < 0 || c.ShippingCents < 0 {
		v.AddError("SHOP_SHIPPING_CENTS", "shipping amounts must not be negative")
	}
	if c.LowStockThreshold < 0 {
		v.AddError("SHOP_LOW_STOCK_THRESHOLD", "must not be negative")
	}

	if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
		v.AddError("SHOP_MAINTENANCE_SCHEDULE", fmt.Sprintf("invalid cron spec: %v", err))
	}
	if c.OrderExpiry <= 0 {
		v.AddError("SHOP_ORDER_EXPIRY", "must be a positive duration")
	}

	if c.RateLimit <= 0 || c.AuthRateLimit <= 0 {
		v.AddError("SHOP_RATE_LIMIT", "rate limits must be positive")
	}

	if c.EmailEnabled {
		v.ValidateRequired("SHOP_SMTP_HOST", c.SMTPHost)
		v.ValidateEmailAddress("SHOP_SMTP_FROM", c.EmailConfig().FromEmail)
	}
	if c.SMTPPort != "" {
		if n, err := strconv.Atoi(c.SMTPPort); err != nil || n <= 0 {
			v.AddError("SHOP_SMTP_PORT", "must be a positive integer")
		}
	}

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}

// WarnOnOptionalMissingConfig logs warnings for optional but recommended config.
func (c Config) WarnOnOptionalMissingConfig(log zerolog.Logger) {
	warnings := make([]string, 0)

	if c.StripeSecretKey == "" {
		warnings = append(warnings, "STRIPE_SECRET_KEY not set - using in-memory payment gateway")
	} else if c.StripeWebhookSecret == "" {
		warnings = append(warnings, "STRIPE_WEBHOOK_SECRET not set - payment webhooks rejected")
	}

	if !c.StorageConfigured() {
		warnings = append(warnings, "SHOP_S3_ENDPOINT not set - product image upload disabled")
	}

	if c.RedisURL == "" {
		warnings = append(warnings, "REDIS_URL not set - realtime events stay on this instance")
	}

	if !c.EmailEnabled {
		warnings = append(warnings, "SHOP_EMAIL_ENABLED not set to 'true' - order emails disabled")
	}

	if c.LogFormat == "" && !c.Production() {
		warnings = append(warnings, "SHOP_LOG_FORMAT not set - using console format (consider 'json' for production)")
	}

	if len(warnings) > 0 {
		log.Warn().Int("count", len(warnings)).Strs("warnings", warnings).Msg("configuration warnings")
	}
}
