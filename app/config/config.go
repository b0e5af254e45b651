package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"example/mixreport-api/app/models"

	"github.com/go-playground/validator/v10"
	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env      string
	HTTPAddr string `validate:"required"`
	Logs     LogConfig
	DB       PostgresConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Poll     PollConfig
	Upload   UploadConfig
	Abuse    AbuseConfig
	Stripe   StripeConfig
	Auth     AuthConfig
	Quota    models.Policies
}

type LogConfig struct {
	Style string `validate:"omitempty,oneof=json console"`
	Level string
}

type PostgresConfig struct {
	Username string
	Password string
	URL      string
	Port     string
	Database string
	SSLMode  string
}

// DSN returns the lib/pq connection string, or "" when no host is configured.
func (p PostgresConfig) DSN() string {
	if p.URL == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   p.URL + ":" + p.Port,
		Path:   "/" + p.Database,
	}
	if p.SSLMode != "" {
		u.RawQuery = "sslmode=" + p.SSLMode
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"gte=0"`
}

type EngineConfig struct {
	Mode          string        `validate:"oneof=http queue"`
	BaseURL       string        `validate:"required_if=Mode http"`
	APIKey        string
	Timeout       time.Duration `validate:"gt=0"`
	QueueURL      string        `validate:"required_if=Mode queue"`
	UploadsBucket string        `validate:"required_if=Mode queue"`
}

type PollConfig struct {
	Interval            time.Duration `validate:"gt=0"`
	MaxAttempts         int           `validate:"gt=0"`
	MaxTransportFailure int           `validate:"gte=0"`
}

// UploadConfig bounds request bodies. Files above CompressAbove are
// transcoded before they are sent to the engine.
// UploadConfig separates what the API accepts from what the engine takes:
// files between CompressAbove and MaxBytes are accepted and transcoded
// before submission.
type UploadConfig struct {
	MaxBytes      int64 `validate:"gt=0"`
	CompressAbove int64 `validate:"gt=0"`
	FFmpegPath    string
	TargetBitrate string
}

type AbuseConfig struct {
	ReputationURL     string
	ReputationKey     string
	CacheTTL          time.Duration
	RequestsPerMinute int `validate:"gte=0"`
	Burst             int `validate:"gte=0"`
	TrustedProxies    []string
	FingerprintSalt   string
}

type StripeConfig struct {
	SecretKey         string
	WebhookSecret     string
	PriceIDProMonthly string
	PriceIDStudio     string
	PriceIDAddonPack  string
	AddonUnitsPerPack int `validate:"gte=0"`
	FrontendURL       string
}

type AuthConfig struct {
	Issuer   string
	Audience string
	// JWKSURL overrides the issuer's well-known key set.
	JWKSURL string
	// Disabled skips token verification; only honored for local and test.
	Disabled bool
}

// LoadConfig reads the environment. Missing values fall back to defaults that
// are safe for local development.
func LoadConfig() (*Config, error) {
	var errs []string
	geti := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	getd := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	getBytes := func(key, def string) int64 {
		v, err := strconv.ParseInt(getEnv(key, def), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
		return v
	}

	cfg := &Config{
		Env:      getEnv("ENV", "local"),
		HTTPAddr: getEnv("HTTP_ADDR", "0.0.0.0:8080"),
		Logs: LogConfig{
			Style: os.Getenv("LOG_STYLE"),
			Level: os.Getenv("LOG_LEVEL"),
		},
		DB: PostgresConfig{
			Username: os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PWD"),
			URL:      os.Getenv("POSTGRES_URL"),
			Port:     getEnv("POSTGRES_PORT", "5432"),
			Database: getEnv("POSTGRES_DB", "postgres"),
			SSLMode:  os.Getenv("POSTGRES_SSLMODE"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       geti("REDIS_DB", 0),
		},
		Engine: EngineConfig{
			Mode:          getEnv("ENGINE_MODE", "http"),
			BaseURL:       getEnv("ENGINE_BASE_URL", "http://localhost:9000"),
			APIKey:        os.Getenv("ENGINE_API_KEY"),
			Timeout:       getd("ENGINE_TIMEOUT", 30*time.Second),
			QueueURL:      os.Getenv("QUEUE_URL"),
			UploadsBucket: os.Getenv("UPLOADS_BUCKET"),
		},
		Poll: PollConfig{
			Interval:            getd("POLL_INTERVAL", 3*time.Second),
			MaxAttempts:         geti("POLL_MAX_ATTEMPTS", 100),
			MaxTransportFailure: geti("POLL_MAX_TRANSPORT_FAILURES", 3),
		},
		Upload: UploadConfig{
			MaxBytes:      getBytes("UPLOAD_MAX_BYTES", "209715200"),
			CompressAbove: getBytes("COMPRESS_ABOVE_BYTES", "52428800"),
			FFmpegPath:    getEnv("FFMPEG_PATH", "ffmpeg"),
			TargetBitrate: getEnv("COMPRESS_BITRATE", "192k"),
		},
		Abuse: AbuseConfig{
			ReputationURL:     os.Getenv("IP_REPUTATION_URL"),
			ReputationKey:     os.Getenv("IP_REPUTATION_KEY"),
			CacheTTL:          getd("IP_REPUTATION_CACHE_TTL", 6*time.Hour),
			RequestsPerMinute: geti("ANON_REQUESTS_PER_MINUTE", 30),
			Burst:             geti("ANON_REQUEST_BURST", 10),
			TrustedProxies:    splitList(os.Getenv("TRUSTED_PROXY_CIDRS")),
			FingerprintSalt:   os.Getenv("FINGERPRINT_SALT"),
		},
		Stripe: StripeConfig{
			SecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
			PriceIDProMonthly: os.Getenv("STRIPE_PRICE_PRO_MONTHLY"),
			PriceIDStudio:     os.Getenv("STRIPE_PRICE_STUDIO_MONTHLY"),
			PriceIDAddonPack:  os.Getenv("STRIPE_PRICE_ADDON_PACK"),
			AddonUnitsPerPack: geti("STRIPE_ADDON_UNITS", 10),
			FrontendURL:       os.Getenv("FRONTEND_URL"),
		},
		Auth: AuthConfig{
			Issuer:   os.Getenv("AUTH0_ISSUER"),
			Audience: os.Getenv("AUTH0_AUDIENCE"),
			JWKSURL:  os.Getenv("AUTH0_JWKS_URL"),
			Disabled: strings.EqualFold(os.Getenv("AUTH_DISABLED"), "true"),
		},
		Quota: models.DefaultPolicies(),
	}

	if path := os.Getenv("QUOTA_POLICY_FILE"); path != "" {
		policies, err := LoadPolicyFile(path, cfg.Quota)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			cfg.Quota = policies
		}
	}
	cfg.Quota.Anonymous.LifetimeCap = geti("ANON_DEVICE_CAP", cfg.Quota.Anonymous.LifetimeCap)
	cfg.Quota.Free.LifetimeCap = geti("FREE_LIFETIME_CAP", cfg.Quota.Free.LifetimeCap)
	cfg.Quota.Pro.CycleCap = geti("PRO_CYCLE_CAP", cfg.Quota.Pro.CycleCap)
	cfg.Quota.Studio.CycleCap = geti("STUDIO_CYCLE_CAP", cfg.Quota.Studio.CycleCap)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct tags and the quota policies.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Upload.MaxBytes < c.Upload.CompressAbove {
		return fmt.Errorf("config: UPLOAD_MAX_BYTES %d is below COMPRESS_ABOVE_BYTES %d", c.Upload.MaxBytes, c.Upload.CompressAbove)
	}
	if c.Auth.Disabled && c.Env != "local" && c.Env != "test" {
		return fmt.Errorf("config: AUTH_DISABLED is not allowed when ENV is %q", c.Env)
	}
	for name, p := range map[string]models.QuotaPolicy{
		"anonymous": c.Quota.Anonymous,
		"free":      c.Quota.Free,
		"pro":       c.Quota.Pro,
		"studio":    c.Quota.Studio,
	} {
		if p.Cycled() && p.CycleCap < models.Unlimited {
			return fmt.Errorf("config: %s cycle cap %d is invalid", name, p.CycleCap)
		}
		if !p.Cycled() && p.LifetimeCap < models.Unlimited {
			return fmt.Errorf("config: %s lifetime cap %d is invalid", name, p.LifetimeCap)
		}
		if p.CycleLength.Months < 0 || p.CycleLength.Days < 0 {
			return fmt.Errorf("config: %s cycle length must not be negative", name)
		}
	}
	return nil
}

// LoadPolicyFile overlays the tiers present in a YAML file onto base.
func LoadPolicyFile(path string, base models.Policies) (models.Policies, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("QUOTA_POLICY_FILE: %w", err)
	}
	var overlay map[string]models.QuotaPolicy
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return base, fmt.Errorf("QUOTA_POLICY_FILE: %w", err)
	}
	for tier, p := range overlay {
		switch tier {
		case "anonymous":
			base.Anonymous = p
		case string(models.PlanFree):
			base.Free = p
		case string(models.PlanPro):
			base.Pro = p
		case string(models.PlanStudio):
			base.Studio = p
		default:
			return base, fmt.Errorf("QUOTA_POLICY_FILE: unknown tier %q", tier)
		}
	}
	return base, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %v", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %v", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
