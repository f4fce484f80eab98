package utils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

type Config struct {
	ServerPort string
	Auth       AuthConfig
	Postgres   PostgresConfig
	Mongo      MongoConfig
	Redis      RedisConfig
	Storage    StorageConfig
	Logging    LoggingConfig
	LLM        LLMConfig
	Quota      QuotaConfig
	Paystack   PaystackConfig
}

// AuthConfig holds the Supabase JWT settings. An empty secret disables token checks.
type AuthConfig struct {
	JWTSecret string
	Audience  string
}

type PostgresConfig struct {
	DSN               string
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	ConnectTimeout    time.Duration
}

type MongoConfig struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// StorageConfig selects a backend per concern.
type StorageConfig struct {
	Conversations string
	Usage         string
	Profiles      string
}

type LoggingConfig struct {
	Level        string
	Encoding     string
	Development  bool
	EnableCaller bool
	ServiceName  string
}

// LLMConfig describes the OpenAI-compatible completion and speech endpoints.
type LLMConfig struct {
	BaseURL       string
	APIKey        string
	Model         string
	Temperature   float64
	MaxTokens     int
	TTSModel      string
	TTSFormat     string
	Timeout       time.Duration
	RatePerMinute int
	Burst         int
}

type QuotaConfig struct {
	FreeDailyLimit int
	Location       *time.Location
	HistoryLimit   int
}

type PaystackConfig struct {
	BaseURL   string
	SecretKey string
}

// Enabled reports whether payment confirmation can be served.
func (p PaystackConfig) Enabled() bool {
	return strings.TrimSpace(p.SecretKey) != ""
}

func LoadConfig() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadToolConfig reads the same environment for ops scripts, which need storage settings
// but no provider credentials.
func LoadToolConfig() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateStorage(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfig() (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	pgPort, _ := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	maxConns := parseInt32(envOrDefault("POSTGRES_MAX_CONNS", "8"), 8)
	minConns := parseInt32(envOrDefault("POSTGRES_MIN_CONNS", "1"), 1)

	location, err := time.LoadLocation(envOrDefault("QUOTA_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTA_TIMEZONE: %w", err)
	}

	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_KEY"))
	}

	cfg := &Config{
		ServerPort: envOrDefault("PORT", "8080"),
		Auth: AuthConfig{
			JWTSecret: strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET")),
			Audience:  envOrDefault("SUPABASE_JWT_AUDIENCE", "authenticated"),
		},
		Postgres: PostgresConfig{
			DSN:               os.Getenv("POSTGRES_DSN"),
			Host:              envOrDefault("POSTGRES_HOST", "localhost"),
			Port:              pgPort,
			User:              envOrDefault("POSTGRES_USER", "postgres"),
			Password:          envOrDefault("POSTGRES_PASSWORD", "postgres"),
			Database:          envOrDefault("POSTGRES_DB", "aidanna"),
			MaxConns:          maxConns,
			MinConns:          minConns,
			MaxConnLifetime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_LIFETIME", "1h"), time.Hour),
			MaxConnIdleTime:   parseDuration(envOrDefault("POSTGRES_MAX_CONN_IDLE", "30m"), 30*time.Minute),
			HealthCheckPeriod: parseDuration(envOrDefault("POSTGRES_HEALTH_CHECK_PERIOD", "1m"), time.Minute),
			ConnectTimeout:    parseDuration(envOrDefault("POSTGRES_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Mongo: MongoConfig{
			URI:            envOrDefault("MONGO_URI", "mongodb://localhost:27017"),
			Database:       envOrDefault("MONGO_DATABASE", "aidanna"),
			ConnectTimeout: parseDuration(envOrDefault("MONGO_CONNECT_TIMEOUT", "5s"), 5*time.Second),
		},
		Redis: RedisConfig{
			Addr:        envOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          parseInt(envOrDefault("REDIS_DB", "0"), 0),
			DialTimeout: parseDuration(envOrDefault("REDIS_DIAL_TIMEOUT", "2s"), 2*time.Second),
		},
		Storage: StorageConfig{
			Conversations: strings.ToLower(envOrDefault("CONVERSATION_STORE", DriverPostgres)),
			Usage:         strings.ToLower(envOrDefault("USAGE_STORE", DriverPostgres)),
			Profiles:      strings.ToLower(envOrDefault("PROFILE_STORE", DriverPostgres)),
		},
		Logging: LoggingConfig{
			Level:        strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			Encoding:     strings.ToLower(envOrDefault("LOG_ENCODING", "console")),
			Development:  parseBool(envOrDefault("LOG_DEVELOPMENT", "false"), false),
			EnableCaller: parseBool(envOrDefault("LOG_CALLER", "false"), false),
			ServiceName:  envOrDefault("SERVICE_NAME", "aidanna-server"),
		},
		LLM: LLMConfig{
			BaseURL:       strings.TrimRight(envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
			APIKey:        apiKey,
			Model:         envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
			Temperature:   parseFloat(envOrDefault("OPENAI_TEMPERATURE", "0.8"), 0.8),
			MaxTokens:     parseInt(envOrDefault("OPENAI_MAX_TOKENS", "1000"), 1000),
			TTSModel:      envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
			TTSFormat:     envOrDefault("OPENAI_TTS_FORMAT", "mp3"),
			Timeout:       parseDuration(envOrDefault("UPSTREAM_TIMEOUT", "60s"), 60*time.Second),
			RatePerMinute: parseInt(envOrDefault("LLM_RATE_PER_MINUTE", "600"), 600),
			Burst:         parseInt(envOrDefault("LLM_BURST", "20"), 20),
		},
		Quota: QuotaConfig{
			FreeDailyLimit: parseInt(envOrDefault("FREE_DAILY_LIMIT", "10"), 10),
			Location:       location,
			HistoryLimit:   parseInt(envOrDefault("HISTORY_LIMIT", "20"), 20),
		},
		Paystack: PaystackConfig{
			BaseURL:   strings.TrimRight(envOrDefault("PAYSTACK_BASE_URL", "https://api.paystack.co"), "/"),
			SecretKey: strings.TrimSpace(os.Getenv("PAYSTACK_SECRET_KEY")),
		},
	}

	return cfg, nil
}

func loadEnvFiles() error {
	if err := godotenv.Load(); err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			// a missing .env is fine; variables may come from the environment
			return nil
		}
		return err
	}
	return nil
}

func (c *Config) validate() error {
	missing := make([]string, 0, 2)
	if c.LLM.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if c.Quota.FreeDailyLimit <= 0 {
		return fmt.Errorf("FREE_DAILY_LIMIT must be positive")
	}

	return nil
}

func (c *Config) validateStorage() error {
	checks := []struct {
		key     string
		value   string
		allowed []string
	}{
		{"CONVERSATION_STORE", c.Storage.Conversations, []string{DriverPostgres, DriverMongo, DriverMemory}},
		{"USAGE_STORE", c.Storage.Usage, []string{DriverPostgres, DriverRedis, DriverMemory}},
		{"PROFILE_STORE", c.Storage.Profiles, []string{DriverPostgres, DriverMemory}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("invalid %s %q (expected one of %s)", check.key, check.value, strings.Join(check.allowed, ", "))
		}
	}
	return nil
}

// UsesDriver reports whether any storage concern is backed by driver.
func (s StorageConfig) UsesDriver(driver string) bool {
	return s.Conversations == driver || s.Usage == driver || s.Profiles == driver
}

func (c PostgresConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

func contains(values []string, candidate string) bool {
	for _, v := range values {
		if v == candidate {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(value string, fallback int) int {
	i, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return i
}

func parseInt32(value string, fallback int32) int32 {
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return int32(i)
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return v
}
