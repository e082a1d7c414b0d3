package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Store   StoreConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	LiveKit LiveKitConfig
	Calls   CallsConfig
	Billing BillingConfig
	Notify  NotifyConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// StoreConfig selects where call records, wallets and rates live.
type StoreConfig struct {
	// Driver accepts: postgres, memory
	Driver  string
	Migrate bool
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	MaxConns int
}

type RedisConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type LiveKitConfig struct {
	APIKey    string
	APISecret string
	WSURL     string
	TokenTTL  time.Duration
}

type CallsConfig struct {
	PendingTimeout   time.Duration
	QueuedTimeout    time.Duration
	MaxDuration      time.Duration
	WatchdogSchedule string
}

type BillingConfig struct {
	Currency               string
	DefaultRateMinor       int64
	ConsultantSharePercent int
	MinBalanceMinutes      int
}

type NotifyConfig struct {
	Buffer int
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Store.Driver = strings.TrimSpace(os.Getenv("STORE_DRIVER"))
	{
		b, err := optBool("DB_MIGRATE", true)
		parseErrs = appendErr(parseErrs, err)
		c.Store.Migrate = b
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optInt("DB_PORT", 5432)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	{
		n, err := optInt("DB_MAX_CONNS", 10)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.MaxConns = n
	}

	{
		b, err := optBool("REDIS_ENABLED", true)
		parseErrs = appendErr(parseErrs, err)
		c.Redis.Enabled = b
	}
	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optInt("REDIS_PORT", 6379)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL, parseErrs = appendDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = appendDuration(parseErrs, "JWT_REFRESH_TTL")

	c.LiveKit.APIKey = strings.TrimSpace(os.Getenv("LIVEKIT_API_KEY"))
	c.LiveKit.APISecret = os.Getenv("LIVEKIT_API_SECRET")
	c.LiveKit.WSURL = strings.TrimSpace(os.Getenv("LIVEKIT_WS_URL"))
	c.LiveKit.TokenTTL, parseErrs = appendDuration(parseErrs, "LIVEKIT_TOKEN_TTL")

	c.Calls.PendingTimeout, parseErrs = appendDuration(parseErrs, "CALL_PENDING_TIMEOUT")
	c.Calls.QueuedTimeout, parseErrs = appendDuration(parseErrs, "CALL_QUEUED_TIMEOUT")
	c.Calls.MaxDuration, parseErrs = appendDuration(parseErrs, "CALL_MAX_DURATION")
	c.Calls.WatchdogSchedule = strings.TrimSpace(os.Getenv("WATCHDOG_SCHEDULE"))

	c.Billing.Currency = strings.ToUpper(strings.TrimSpace(os.Getenv("BILLING_CURRENCY")))
	{
		n, err := optInt("BILLING_DEFAULT_RATE_MINOR", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Billing.DefaultRateMinor = int64(n)
	}
	{
		n, err := optInt("BILLING_CONSULTANT_SHARE_PERCENT", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Billing.ConsultantSharePercent = n
	}
	{
		n, err := optInt("BILLING_MIN_BALANCE_MINUTES", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Billing.MinBalanceMinutes = n
	}
	{
		n, err := optInt("NOTIFY_BUFFER", 0)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Notify.Buffer = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration and fills in defaults, so it needs a pointer.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverPostgres
	}
	switch c.Store.Driver {
	case DriverPostgres:
		errs = append(errs, c.validateDB()...)
	case DriverMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of postgres, memory, got %q", c.Store.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when REDIS_ENABLED"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.validateLiveKit()...)
	errs = append(errs, c.validateCalls()...)
	errs = append(errs, c.validateBilling()...)

	if c.Notify.Buffer <= 0 {
		c.Notify.Buffer = 16
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.MaxConns == 0 {
		c.DB.MaxConns = 10
	} else if c.DB.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be >= 1, got %d", c.DB.MaxConns))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c *Config) validateLiveKit() []error {
	var errs []error
	if c.IsProduction() {
		if c.LiveKit.APIKey == "" {
			errs = append(errs, errors.New("LIVEKIT_API_KEY is required in production"))
		}
		if c.LiveKit.APISecret == "" {
			errs = append(errs, errors.New("LIVEKIT_API_SECRET is required in production"))
		}
		if c.LiveKit.WSURL == "" {
			errs = append(errs, errors.New("LIVEKIT_WS_URL is required in production"))
		}
	} else {
		// Matches `livekit-server --dev`.
		if c.LiveKit.APIKey == "" {
			c.LiveKit.APIKey = "devkey"
		}
		if c.LiveKit.APISecret == "" {
			c.LiveKit.APISecret = "secret"
		}
		if c.LiveKit.WSURL == "" {
			c.LiveKit.WSURL = "ws://localhost:7880"
		}
	}
	if c.LiveKit.TokenTTL <= 0 {
		c.LiveKit.TokenTTL = 2 * time.Hour
	}
	return errs
}

func (c *Config) validateCalls() []error {
	var errs []error
	if c.Calls.PendingTimeout <= 0 {
		c.Calls.PendingTimeout = 2 * time.Minute
	}
	if c.Calls.QueuedTimeout <= 0 {
		c.Calls.QueuedTimeout = 30 * time.Minute
	}
	if c.Calls.MaxDuration <= 0 {
		c.Calls.MaxDuration = 4 * time.Hour
	}
	if c.Calls.WatchdogSchedule == "" {
		c.Calls.WatchdogSchedule = "@every 30s"
	}
	if c.Calls.QueuedTimeout < c.Calls.PendingTimeout {
		errs = append(errs, errors.New("CALL_QUEUED_TIMEOUT must not be shorter than CALL_PENDING_TIMEOUT"))
	}
	return errs
}

func (c *Config) validateBilling() []error {
	var errs []error
	if c.Billing.Currency == "" {
		c.Billing.Currency = "INR"
	}
	if len(c.Billing.Currency) != 3 {
		errs = append(errs, fmt.Errorf("BILLING_CURRENCY must be an ISO 4217 code, got %q", c.Billing.Currency))
	}
	if c.Billing.DefaultRateMinor < 0 {
		errs = append(errs, fmt.Errorf("BILLING_DEFAULT_RATE_MINOR must not be negative, got %d", c.Billing.DefaultRateMinor))
	} else if c.Billing.DefaultRateMinor == 0 {
		c.Billing.DefaultRateMinor = 5000
	}
	if c.Billing.ConsultantSharePercent == 0 {
		c.Billing.ConsultantSharePercent = 100
	}
	if c.Billing.ConsultantSharePercent < 0 || c.Billing.ConsultantSharePercent > 100 {
		errs = append(errs, fmt.Errorf("BILLING_CONSULTANT_SHARE_PERCENT must be within 0..100, got %d", c.Billing.ConsultantSharePercent))
	}
	if c.Billing.MinBalanceMinutes <= 0 {
		c.Billing.MinBalanceMinutes = 5
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

// optDuration returns 0 for an unset key; Validate supplies the default.
func optDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendDuration(errs []error, key string) (time.Duration, []error) {
	d, err := optDuration(key)
	return d, appendErr(errs, err)
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func appendErr(errs []error, err error) []error {
	if err != nil {
		errs = append(errs, err)
	}
	return errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
