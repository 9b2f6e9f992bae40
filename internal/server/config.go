package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the complete runtime configuration of the backend. Values come
// from the environment, optionally seeded from a .env file.
type Config struct {
	Addr          string `env:"SHOP_ADDR,default=:8080"`
	Env           string `env:"SHOP_ENV,default=development"`
	Version       string `env:"SHOP_VERSION,default=dev"`
	Commit        string `env:"SHOP_COMMIT,default=unknown"`
	LogLevel      string `env:"SHOP_LOG_LEVEL,default=info"`
	LogFormat     string `env:"SHOP_LOG_FORMAT"`
	PublicBaseURL string `env:"SHOP_PUBLIC_BASE_URL"`
	CORSOrigins   string `env:"SHOP_CORS_ORIGINS"`
	TrustProxy    bool   `env:"SHOP_TRUST_PROXY,default=false"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int    `env:"SHOP_DB_MAX_CONNS,default=10"`
	RedisURL    string `env:"REDIS_URL"`

	JWTSecret    string        `env:"SHOP_JWT_SECRET"`
	JWTTTL       time.Duration `env:"SHOP_JWT_TTL,default=720h"`
	CookieName   string        `env:"SHOP_COOKIE_NAME,default=jwt"`
	CookieSecure bool          `env:"SHOP_COOKIE_SECURE,default=false"`

	AdminEmail    string `env:"SHOP_ADMIN_EMAIL"`
	AdminPassword string `env:"SHOP_ADMIN_PASSWORD"`
	AdminName     string `env:"SHOP_ADMIN_NAME,default=Admin"`

	S3Endpoint    string `env:"SHOP_S3_ENDPOINT"`
	S3AccessKey   string `env:"SHOP_S3_ACCESS_KEY"`
	S3SecretKey   string `env:"SHOP_S3_SECRET_KEY"`
	Bucket        string `env:"SHOP_BUCKET,default=shop-images"`
	MaxImageBytes int64  `env:"SHOP_MAX_IMAGE_BYTES,default=5242880"`
	CreateBucket  bool   `env:"SHOP_CREATE_BUCKET,default=true"`

	StripeSecretKey      string        `env:"STRIPE_SECRET_KEY"`
	StripePublishableKey string        `env:"STRIPE_PUBLISHABLE_KEY"`
	StripeWebhookSecret  string        `env:"STRIPE_WEBHOOK_SECRET"`
	Currency             string        `env:"SHOP_CURRENCY,default=usd"`
	BreakerFailures      int           `env:"SHOP_PAYMENT_BREAKER_FAILURES,default=5"`
	BreakerCooldown      time.Duration `env:"SHOP_PAYMENT_BREAKER_COOLDOWN,default=30s"`

	TaxRate           float64 `env:"SHOP_TAX_RATE,default=0.15"`
	FreeShippingCents int64   `env:"SHOP_FREE_SHIPPING_CENTS,default=10000"`
	ShippingCents     int64   `env:"SHOP_SHIPPING_CENTS,default=1000"`
	LowStockThreshold int     `env:"SHOP_LOW_STOCK_THRESHOLD,default=5"`

	MaintenanceSchedule   string        `env:"SHOP_MAINTENANCE_SCHEDULE,default=@every 1h"`
	OrderExpiry           time.Duration `env:"SHOP_ORDER_EXPIRY,default=24h"`
	NotificationRetention time.Duration `env:"SHOP_NOTIFICATION_RETENTION,default=720h"`

	RateLimit     float64 `env:"SHOP_RATE_LIMIT,default=20"`
	RateBurst     int     `env:"SHOP_RATE_BURST,default=40"`
	AuthRateLimit float64 `env:"SHOP_AUTH_RATE_LIMIT,default=0.2"`
	AuthRateBurst int     `env:"SHOP_AUTH_RATE_BURST,default=5"`

	EmailEnabled bool   `env:"SHOP_EMAIL_ENABLED,default=false"`
	SMTPHost     string `env:"SHOP_SMTP_HOST"`
	SMTPPort     string `env:"SHOP_SMTP_PORT,default=587"`
	SMTPUser     string `env:"SHOP_SMTP_USER"`
	SMTPPassword string `env:"SHOP_SMTP_PASSWORD"`
	SMTPFrom     string `env:"SHOP_SMTP_FROM"`
}

// LoadConfig reads the given .env files (missing files are ignored) and then
// decodes the environment into a Config. Variables already present in the
// environment win over the files.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// AllowedOrigins splits SHOP_CORS_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Production reports whether SHOP_ENV is "production".
func (c Config) Production() bool { return c.Env == "production" }

// StorageConfigured reports whether object storage credentials were given.
func (c Config) StorageConfigured() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// StorageConfig returns the object storage settings.
func (c Config) StorageConfig() StorageConfig {
	return StorageConfig{
		Endpoint:     c.S3Endpoint,
		AccessKey:    c.S3AccessKey,
		SecretKey:    c.S3SecretKey,
		Bucket:       c.Bucket,
		CreateBucket: c.CreateBucket,
	}
}

func (c Config) pricing() PricingConfig {
	return PricingConfig{
		TaxRate:           c.TaxRate,
		FreeShippingCents: c.FreeShippingCents,
		ShippingCents:     c.ShippingCents,
	}
}

func (c Config) authConfig() AuthConfig {
	return AuthConfig{
		Secret:     []byte(c.JWTSecret),
		TTL:        c.JWTTTL,
		CookieName: c.CookieName,
		Secure:     c.CookieSecure,
	}
}

// EmailConfig returns the SMTP settings.
func (c Config) EmailConfig() EmailConfig {
	from := c.SMTPFrom
	if from == "" {
		from = c.SMTPUser
	}
	return EmailConfig{
		SMTPHost:     c.SMTPHost,
		SMTPPort:     c.SMTPPort,
		SMTPUser:     c.SMTPUser,
		SMTPPassword: c.SMTPPassword,
		FromEmail:    from,
		Enabled:      c.EmailEnabled,
	}
}
