package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/warpstation/internal/pkg/env"
)

// Config is built once at startup and handed to the constructors that need it.
type Config struct {
	App      App
	Database Database
	Cache    Cache
	RunPod   RunPod
	Warp     Warp
	Janitor  Janitor
	Stripe   Stripe
	Clerk    Clerk
	Mail     Mail
	Admin    Admin
}

type App struct {
	Host      string `validate:"required"`
	Port      string `validate:"required,numeric"`
	PublicURL string `validate:"omitempty,url"`
	BasePath  string
}

type Database struct {
	User     string `validate:"required"`
	Password string
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Name     string `validate:"required"`
}

type Cache struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required,min=1,max=65535"`
	Password string
	DB       int `validate:"min=0,max=15"`
}

// RunPod configures the serverless job API and the legacy pod REST API.
type RunPod struct {
	APIKey        string        `validate:"required"`
	EndpointID    string        `validate:"required"`
	BaseURL       string        `validate:"required,url"`
	RestBaseURL   string        `validate:"required,url"`
	Timeout       time.Duration `validate:"min=1s,max=5m"`
	RequestsPerS  float64       `validate:"gt=0"`
	Burst         int           `validate:"min=1"`
	PreferredGPUs []string
	WebhookSecret string
}

// Warp holds engine-level policy.
type Warp struct {
	RequirePositiveBalance bool
}

// Janitor holds sweep cadence and cancellation thresholds.
type Janitor struct {
	Enabled             bool
	Interval            time.Duration `validate:"min=1s"`
	StuckThreshold      time.Duration `validate:"min=1s"`
	InactivityThreshold time.Duration `validate:"min=1s"`
	LockTTL             time.Duration `validate:"min=1s"`
}

type Stripe struct {
	WebhookSecret    string
	SignatureMaxAge  time.Duration `validate:"min=1s"`
	PriceSeconds     map[string]int64
	DefaultCreditSec int64 `validate:"min=0"`
}

type Clerk struct {
	WebhookSecret         string
	JWTPublicKeyPEM       string
	InitialBalanceSeconds int64 `validate:"min=0"`
}

type Mail struct {
	Host       string
	Port       string
	Username   string
	Password   string
	Sender     string
	AlertEmail string `validate:"omitempty,email"`
}

type Admin struct {
	Username string `validate:"required"`
	Password string `validate:"required,min=8"`
}

// Load reads the configuration from the loaded .env map and the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		App: App{
			Host:      env.GetEnv("APP_HOST", "localhost"),
			Port:      env.GetEnv("APP_PORT", "4000"),
			PublicURL: strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/"),
			BasePath:  env.GetEnv("APP_BASE_PATH", "./"),
		},
		Database: LoadDatabase(),
		Cache: Cache{
			Host:     env.GetEnv("CACHE_HOST", "localhost"),
			Password: env.GetEnv("CACHE_PASSWORD", ""),
		},
		RunPod: RunPod{
			APIKey:        strings.TrimSpace(env.GetEnv("RUNPOD_API_KEY", "")),
			EndpointID:    strings.TrimSpace(env.GetEnv("RUNPOD_ENDPOINT_ID", "")),
			BaseURL:       strings.TrimRight(env.GetEnv("RUNPOD_BASE_URL", "https://api.runpod.ai/v2"), "/"),
			RestBaseURL:   strings.TrimRight(env.GetEnv("RUNPOD_REST_BASE_URL", "https://rest.runpod.io/v1"), "/"),
			PreferredGPUs: splitList(env.GetEnv("RUNPOD_PREFERRED_GPUS", "")),
			WebhookSecret: strings.TrimSpace(env.GetEnv("RUNPOD_WEBHOOK_SECRET", "")),
		},
		Warp: Warp{
			RequirePositiveBalance: env.GetEnv("WARP_REQUIRE_POSITIVE_BALANCE", "true") == "true",
		},
		Janitor: Janitor{
			Enabled: env.GetEnv("JANITOR_ENABLED", "true") == "true",
		},
		Stripe: Stripe{
			WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Clerk: Clerk{
			WebhookSecret:   strings.TrimSpace(env.GetEnv("CLERK_WEBHOOK_SECRET", "")),
			JWTPublicKeyPEM: strings.ReplaceAll(env.GetEnv("CLERK_JWT_KEY", ""), `\n`, "\n"),
		},
		Mail: Mail{
			Host:       env.GetEnv("SMTP_HOST", ""),
			Port:       env.GetEnv("SMTP_PORT", "587"),
			Username:   env.GetEnv("SMTP_USERNAME", ""),
			Password:   env.GetEnv("SMTP_PASSWORD", ""),
			Sender:     env.GetEnv("SMTP_SENDER", ""),
			AlertEmail: env.GetEnv("ALERT_EMAIL", ""),
		},
		Admin: Admin{
			Username: env.GetEnv("ADMIN_USERNAME", "admin"),
			Password: env.GetEnv("ADMIN_PASSWORD", ""),
		},
	}

	var err error
	if cfg.Cache.Port, err = intEnv("CACHE_PORT", 6379); err != nil {
		return nil, err
	}
	if cfg.Cache.DB, err = intEnv("CACHE_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RunPod.Timeout, err = durationEnv("RUNPOD_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RunPod.RequestsPerS, err = floatEnv("RUNPOD_REQUESTS_PER_SECOND", 5); err != nil {
		return nil, err
	}
	if cfg.RunPod.Burst, err = intEnv("RUNPOD_BURST", 10); err != nil {
		return nil, err
	}
	if cfg.Janitor.Interval, err = durationEnv("JANITOR_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Janitor.StuckThreshold, err = durationEnv("JANITOR_STUCK_THRESHOLD", 20*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Janitor.InactivityThreshold, err = durationEnv("JANITOR_INACTIVITY_THRESHOLD", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Janitor.LockTTL, err = durationEnv("JANITOR_LOCK_TTL", 4*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Stripe.SignatureMaxAge, err = durationEnv("STRIPE_SIGNATURE_MAX_AGE", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Stripe.DefaultCreditSec, err = int64Env("STRIPE_DEFAULT_CREDIT_SECONDS", 0); err != nil {
		return nil, err
	}
	if cfg.Stripe.PriceSeconds, err = ParsePriceSeconds(env.GetEnv("STRIPE_PRICE_SECONDS", "")); err != nil {
		return nil, err
	}
	if cfg.Clerk.InitialBalanceSeconds, err = int64Env("CLERK_INITIAL_BALANCE_SECONDS", 0); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatabase reads only the database section. The migrator uses it so it
// can run without the service secrets.
func LoadDatabase() Database {
	return Database{
		User:     env.GetEnv("DB_USER", "warpstation"),
		Password: env.GetEnv("DB_PASSWORD", ""),
		Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:     env.GetEnv("DB_PORT", "3306"),
		Name:     env.GetEnv("DB_NAME", "warpstation"),
	}
}

// Validate checks struct constraints on every section.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Janitor.InactivityThreshold > c.Janitor.StuckThreshold*3 {
		return fmt.Errorf("invalid configuration: JANITOR_INACTIVITY_THRESHOLD (%s) is unreasonably large", c.Janitor.InactivityThreshold)
	}
	return nil
}

// ParsePriceSeconds parses "price_a:3600,price_b:36000" into a lookup table.
func ParsePriceSeconds(raw string) (map[string]int64, error) {
	out := make(map[string]int64)
	for _, item := range splitList(raw) {
		price, secs, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid STRIPE_PRICE_SECONDS entry %q", item)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(secs), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid seconds for price %q", price)
		}
		out[strings.TrimSpace(price)] = n
	}
	return out, nil
}

// DSN builds the MySQL data source name for gorm.
func (d Database) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC&clientFoundRows=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// MigrateURL builds the golang-migrate database URL.
func (d Database) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func int64Env(key string, def int64) (int64, error) {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func floatEnv(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(env.GetEnv(key, ""))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
