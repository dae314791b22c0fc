package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/pharmacy-api/internal/domain/order"
	"github.com/xenking/pharmacy-api/internal/domain/recovery"
	"github.com/xenking/pharmacy-api/internal/notify"
)

const defaultAddr = "0.0.0.0:8080"

// Config is the API server configuration, loaded from PHARMACY_* environment
// variables, flags and YAML files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (PHARMACY_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for admin API key hashing" flag:"api-key-pepper"`
	Checkout     CheckoutConfig
	Reset        ResetConfig
	Security     SecurityConfig
	Mail         MailConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// CheckoutConfig holds checkout charges in whole currency units.
type CheckoutConfig struct {
	DeliveryCharge   int64 `default:"40" usage:"Flat delivery charge" flag:"delivery-charge"`
	FreeDeliveryOver int64 `default:"0" usage:"Subtotal at which delivery is free, 0 disables" flag:"free-delivery-over"`
}

// ResetConfig controls password reset tokens.
type ResetConfig struct {
	TTL               time.Duration `default:"1h" usage:"Reset token lifetime" flag:"reset-ttl"`
	MinPasswordLength int           `default:"6" usage:"Minimum new password length" flag:"min-password-length"`
	URL               string        `default:"http://localhost:3000/reset-password" usage:"Reset page that receives ?token=" flag:"reset-url"`
	SweepInterval     time.Duration `default:"15m" usage:"Interval for clearing expired tokens, 0 disables" flag:"reset-sweep-interval"`
}

// SecurityConfig controls password hashing.
type SecurityConfig struct {
	BcryptCost int `default:"10" usage:"bcrypt cost for password hashes" flag:"bcrypt-cost"`
}

// MailConfig configures outbound email. An empty SMTPHost logs messages
// instead of sending them.
type MailConfig struct {
	From         string        `default:"no-reply@pharmacy.local" usage:"Sender address"`
	SMTPHost     string        `usage:"SMTP relay host" flag:"smtp-host"`
	SMTPPort     int           `default:"587" usage:"SMTP relay port" flag:"smtp-port"`
	SMTPUser     string        `usage:"SMTP username" flag:"smtp-user"`
	SMTPPassword string        `usage:"SMTP password" flag:"smtp-password"`
	Workers      int           `default:"2" usage:"Mail worker count" flag:"mail-workers"`
	QueueSize    int           `default:"256" usage:"Mail queue capacity" flag:"mail-queue-size"`
	SendTimeout  time.Duration `default:"10s" usage:"Per-message send timeout" flag:"mail-send-timeout"`
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64 `default:"5" usage:"Sustained requests per second per client" flag:"rate-limit-rps"`
	Burst int     `default:"20" usage:"Burst size per client" flag:"rate-limit-burst"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

var configFiles = []string{"config.yaml", "/etc/pharmacy/config.yaml"}

// LoadConfig loads configuration from the environment, command-line flags
// and config files.
func LoadConfig() (*Config, error) {
	return loadConfig(nil, configFiles)
}

// loadConfig parses args instead of os.Args when args is non-nil.
func loadConfig(args, files []string) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PHARMACY",
		Args:      args,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps the DATABASE_URL and PORT variables set by
// hosting platforms onto the PHARMACY_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set PHARMACY_DATABASE_URL or DATABASE_URL")
	case c.APIKeyPepper == "":
		return errors.New("API key pepper is required: set PHARMACY_API_KEY_PEPPER")
	case c.Checkout.DeliveryCharge < 0 || c.Checkout.FreeDeliveryOver < 0:
		return errors.New("checkout charges must not be negative")
	case c.Reset.TTL <= 0:
		return errors.New("reset token TTL must be positive")
	case c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0:
		return errors.New("rate limit RPS and burst must be positive")
	}
	return nil
}

// Pricing returns the order pricing settings.
func (c *Config) Pricing() order.Pricing {
	return order.Pricing{
		DeliveryCharge:   decimal.NewFromInt(c.Checkout.DeliveryCharge),
		FreeDeliveryOver: decimal.NewFromInt(c.Checkout.FreeDeliveryOver),
	}
}

// Recovery returns the reset token policy.
func (c *Config) Recovery() recovery.Config {
	return recovery.Config{
		TTL:               c.Reset.TTL,
		MinPasswordLength: c.Reset.MinPasswordLength,
		ResetURL:          c.Reset.URL,
		BcryptCost:        c.Security.BcryptCost,
	}
}

// Mailer returns an SMTP mailer, or a log-only mailer when no relay is set.
func (c *Config) Mailer() notify.Mailer {
	if c.Mail.SMTPHost == "" {
		return notify.LogMailer{}
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     c.Mail.SMTPHost,
		Port:     c.Mail.SMTPPort,
		User:     c.Mail.SMTPUser,
		Password: c.Mail.SMTPPassword,
		From:     c.Mail.From,
	})
}

// Dispatcher returns the mail queue sizing.
func (c *Config) Dispatcher() notify.DispatcherConfig {
	return notify.DispatcherConfig{
		Workers:     c.Mail.Workers,
		QueueSize:   c.Mail.QueueSize,
		SendTimeout: c.Mail.SendTimeout,
	}
}

// MailBacklogLimit is the queue depth at which the mail liveness check fails,
// nine tenths of the queue capacity.
func (c *Config) MailBacklogLimit() int {
	size := c.Dispatcher().QueueSize
	if size <= 0 {
		size = notify.DefaultQueueSize
	}
	return max(size*9/10, 1)
}
