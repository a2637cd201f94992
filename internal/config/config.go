package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/drivecreds/internal/broker"
)

const (
	DefaultScopes = "https://www.googleapis.com/auth/drive https://www.googleapis.com/auth/documents"
)

type Config struct {
	Port     string
	Env      string
	LogLevel string

	StoreAdapter string
	StateAdapter string
	TokenFile    string
	SQLiteFile   string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MigrationsDir    string
	// Redis connection settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Google OAuth client
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	GoogleAuthURL      string
	GoogleTokenURL     string
	GoogleRevokeURL    string
	GoogleScopes       []string
	// Service account, from a key file, inline JSON, or an email + key pair
	ServiceAccountFile    string
	ServiceAccountJSON    string
	ServiceAccountEmail   string
	ServiceAccountKey     string
	ServiceAccountSubject string

	APIKeyHashes       []string
	RateLimitPerMinute int
	AllowedOrigins     []string

	TokenEndpointTimeout time.Duration
	TokenSafetyMargin    time.Duration
	StateTTL             time.Duration
	CallbackPath         string
	CallbackSuccessURL   string
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getInt(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

// getList splits on commas and whitespace.
func getList(key, def string) []string {
	return strings.FieldsFunc(getenv(key, def), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}
	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// New reads the environment, after loading a .env file when one exists.
func New() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Port:     getenv("PORT", "8080"),
		Env:      strings.ToLower(getenv("APP_ENV", "development")),
		LogLevel: strings.ToLower(getenv("LOG_LEVEL", "info")),

		StoreAdapter: strings.ToLower(getenv("STORE_ADAPTER", "file")),
		StateAdapter: strings.ToLower(getenv("STATE_ADAPTER", "memory")),
		TokenFile:    getenv("TOKEN_FILE", "./data/google_tokens.json"),
		SQLiteFile:   getenv("SQLITE_FILE", "./data/drivecreds.db"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getenv("POSTGRES_PORT", "5432"),
		PostgresUser:     getenv("POSTGRES_USER", "drivecreds"),
		PostgresPassword: getenv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getenv("POSTGRES_DB", "drivecreds"),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),
		MigrationsDir:    getenv("MIGRATIONS_DIR", "./migrations"),

		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisPrefix:   getenv("REDIS_PREFIX", "drivecreds:"),

		GoogleClientID:     getenv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getenv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getenv("GOOGLE_REDIRECT_URI", "http://localhost:8080/callback"),
		GoogleAuthURL:      getenv("GOOGLE_AUTH_URL", broker.GoogleAuthURL),
		GoogleTokenURL:     getenv("GOOGLE_TOKEN_URL", broker.GoogleTokenURL),
		GoogleRevokeURL:    getenv("GOOGLE_REVOKE_URL", broker.GoogleRevokeURL),
		GoogleScopes:       getList("GOOGLE_SCOPES", DefaultScopes),

		ServiceAccountFile:    getenv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
		ServiceAccountJSON:    getenv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		ServiceAccountEmail:   getenv("GOOGLE_SERVICE_ACCOUNT_EMAIL", ""),
		ServiceAccountKey:     getenv("GOOGLE_PRIVATE_KEY", ""),
		ServiceAccountSubject: getenv("GOOGLE_SERVICE_ACCOUNT_SUBJECT", ""),

		APIKeyHashes:       getList("API_KEY_HASHES", ""),
		AllowedOrigins:     getList("ALLOWED_ORIGINS", ""),
		CallbackPath:       getenv("CALLBACK_PATH", "/callback"),
		CallbackSuccessURL: getenv("CALLBACK_SUCCESS_URL", ""),
	}

	var err error
	if c.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	if c.TokenEndpointTimeout, err = getDuration("TOKEN_ENDPOINT_TIMEOUT", broker.DefaultTimeout); err != nil {
		return nil, err
	}
	if c.TokenSafetyMargin, err = getDuration("TOKEN_SAFETY_MARGIN", broker.DefaultSafetyMargin); err != nil {
		return nil, err
	}
	if c.StateTTL, err = getDuration("STATE_TTL", broker.DefaultStateTTL); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}

	switch c.StoreAdapter {
	case "memory", "redis":
	case "file":
		if c.TokenFile == "" {
			return errors.New("TOKEN_FILE must be set when STORE_ADAPTER=file")
		}
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when STORE_ADAPTER=sqlite")
		}
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	default:
		return fmt.Errorf("unsupported STORE_ADAPTER: %s (supported: memory, file, sqlite, postgres, redis)", c.StoreAdapter)
	}
	switch c.StateAdapter {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported STATE_ADAPTER: %s (supported: memory, redis)", c.StateAdapter)
	}

	if c.StateTTL <= 0 || c.StateTTL > broker.DefaultStateTTL {
		return fmt.Errorf("STATE_TTL must be between 0 and %s", broker.DefaultStateTTL)
	}
	if c.TokenEndpointTimeout <= 0 {
		return errors.New("TOKEN_ENDPOINT_TIMEOUT must be positive")
	}
	if c.TokenSafetyMargin < 0 {
		return errors.New("TOKEN_SAFETY_MARGIN must not be negative")
	}
	if len(c.GoogleScopes) == 0 {
		return errors.New("GOOGLE_SCOPES must not be empty")
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		return fmt.Errorf("CALLBACK_PATH must start with '/': %s", c.CallbackPath)
	}

	if c.IsProduction() {
		if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
			return errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set in production")
		}
		if len(c.APIKeyHashes) == 0 {
			return errors.New("API_KEY_HASHES must be set in production")
		}
		if c.StoreAdapter == "memory" {
			return errors.New("STORE_ADAPTER=memory is not allowed in production")
		}
	}
	return nil
}

// Secrets serves the broker's client credentials and service-account key
// from the configuration.
type Secrets struct {
	cfg *Config
}

var _ broker.SecretStore = (*Secrets)(nil)

func (c *Config) Secrets() *Secrets { return &Secrets{cfg: c} }

func (s *Secrets) ClientCredentials(context.Context) (broker.ClientCredentials, error) {
	if s.cfg.GoogleClientID == "" {
		return broker.ClientCredentials{}, fmt.Errorf("%w: GOOGLE_CLIENT_ID is not set", broker.ErrNotConfigured)
	}
	return broker.ClientCredentials{
		ClientID:     s.cfg.GoogleClientID,
		ClientSecret: s.cfg.GoogleClientSecret,
		RedirectURI:  s.cfg.GoogleRedirectURI,
	}, nil
}

// ServiceAccount resolves the key file first, then inline JSON, then the
// email + private key pair. It returns nil, nil when none is set.
func (s *Secrets) ServiceAccount(context.Context) (*broker.ServiceAccountCredential, error) {
	c := s.cfg
	var (
		cred *broker.ServiceAccountCredential
		err  error
	)
	switch {
	case c.ServiceAccountFile != "":
		data, rerr := os.ReadFile(c.ServiceAccountFile)
		if rerr != nil {
			return nil, fmt.Errorf("read GOOGLE_SERVICE_ACCOUNT_FILE: %w", rerr)
		}
		cred, err = broker.LoadServiceAccountJSON(data)
	case c.ServiceAccountJSON != "":
		cred, err = broker.LoadServiceAccountJSON([]byte(c.ServiceAccountJSON))
	case c.ServiceAccountEmail != "" && c.ServiceAccountKey != "":
		cred = &broker.ServiceAccountCredential{
			ClientEmail:   c.ServiceAccountEmail,
			PrivateKeyPEM: c.ServiceAccountKey,
		}
	case c.ServiceAccountEmail != "" || c.ServiceAccountKey != "":
		return nil, errors.New("GOOGLE_SERVICE_ACCOUNT_EMAIL and GOOGLE_PRIVATE_KEY must be set together")
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.ServiceAccountSubject != "" {
		cred.Subject = c.ServiceAccountSubject
	}
	return cred, nil
}
