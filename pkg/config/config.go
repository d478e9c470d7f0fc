package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Local        LocalStoreConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	Sync         SyncConfig
	Maintenance  MaintenanceConfig
	FeatureFlags FeatureFlagsConfig
}

// Load reads the configuration for server processes, which require the remote
// database settings.
func Load() (*Config, error) {
	return load(true)
}

// LoadClient reads the configuration for the on-device client. The remote
// database section is optional because the client normally reaches the
// account store over HTTP.
func LoadClient() (*Config, error) {
	return load(false)
}

func load(requireRemoteDB bool) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if requireRemoteDB || cfg.DB.configured() {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
		if err := cfg.DB.validateDriver(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Local.validateDriver(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env           string `envconfig:"HABISTAT_APP_ENV" required:"true"`
	Port          string `envconfig:"HABISTAT_APP_PORT" default:"8080"`
	LogLevel      string `envconfig:"HABISTAT_LOG_LEVEL" default:"info"`
	LogFormat     string `envconfig:"HABISTAT_LOG_FORMAT" default:"json"`
	LogWarnStack  bool   `envconfig:"HABISTAT_LOG_WARN_STACK" default:"false"`
	LogFile       string `envconfig:"HABISTAT_LOG_FILE"`
	LogMaxSizeMB  int    `envconfig:"HABISTAT_LOG_MAX_SIZE_MB" default:"20"`
	LogMaxBackups int    `envconfig:"HABISTAT_LOG_MAX_BACKUPS" default:"3"`
	LogMaxAgeDays int    `envconfig:"HABISTAT_LOG_MAX_AGE_DAYS" default:"14"`
	// CORSOrigins overrides the API's allowed origins; empty keeps the desktop defaults.
	CORSOrigins []string `envconfig:"HABISTAT_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// DBConfig describes the remote (server-side) relational store.
type DBConfig struct {
	DSN    string `envconfig:"HABISTAT_DB_DSN"`
	Driver string `envconfig:"HABISTAT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"HABISTAT_DB_HOST"`
	LegacyPort     int    `envconfig:"HABISTAT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"HABISTAT_DB_USER"`
	LegacyPassword string `envconfig:"HABISTAT_DB_PASSWORD"`
	LegacyName     string `envconfig:"HABISTAT_DB_NAME"`
	LegacySSLMode  string `envconfig:"HABISTAT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"HABISTAT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"HABISTAT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"HABISTAT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"HABISTAT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// LocalStoreConfig describes the on-device store used by the sync client.
type LocalStoreConfig struct {
	Driver string `envconfig:"HABISTAT_LOCAL_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"HABISTAT_LOCAL_DSN" default:"habistat.db"`
}

// DBConfig converts the local store settings into a connection config. SQLite
// allows a single writer, so the pool is pinned to one connection.
func (l LocalStoreConfig) DBConfig() DBConfig {
	cfg := DBConfig{DSN: l.DSN, Driver: l.Driver}
	if strings.EqualFold(l.Driver, DriverSQLite) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	}
	return cfg
}

type RedisConfig struct {
	URL          string        `envconfig:"HABISTAT_REDIS_URL"`
	Address      string        `envconfig:"HABISTAT_REDIS_ADDR"`
	Password     string        `envconfig:"HABISTAT_REDIS_PASSWORD"`
	DB           int           `envconfig:"HABISTAT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"HABISTAT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"HABISTAT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"HABISTAT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"HABISTAT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"HABISTAT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"HABISTAT_JWT_SECRET"`
	Issuer            string `envconfig:"HABISTAT_JWT_ISSUER" default:"habistat"`
	ExpirationMinutes int    `envconfig:"HABISTAT_JWT_EXPIRATION_MINUTES" default:"60"`
}

// Expiration returns the access token lifetime.
func (j JWTConfig) Expiration() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return 0
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

// RateLimitConfig throttles the sync endpoints per authenticated user and per client IP.
type RateLimitConfig struct {
	Window    time.Duration `envconfig:"HABISTAT_RATE_LIMIT_WINDOW" default:"1m"`
	UserLimit int           `envconfig:"HABISTAT_RATE_LIMIT_USER_LIMIT" default:"600"`
	IPLimit   int           `envconfig:"HABISTAT_RATE_LIMIT_IP_LIMIT" default:"1200"`
}

type SyncConfig struct {
	RemoteURL      string        `envconfig:"HABISTAT_SYNC_REMOTE_URL"`
	Token          string        `envconfig:"HABISTAT_SYNC_TOKEN"`
	Interval       time.Duration `envconfig:"HABISTAT_SYNC_INTERVAL" default:"5m"`
	MaxAttempts    int           `envconfig:"HABISTAT_SYNC_MAX_ATTEMPTS" default:"5"`
	BaseBackoff    time.Duration `envconfig:"HABISTAT_SYNC_BASE_BACKOFF" default:"500ms"`
	MaxBackoff     time.Duration `envconfig:"HABISTAT_SYNC_MAX_BACKOFF" default:"10s"`
	PageSize       int           `envconfig:"HABISTAT_SYNC_PAGE_SIZE" default:"500"`
	RequestTimeout time.Duration `envconfig:"HABISTAT_SYNC_REQUEST_TIMEOUT" default:"30s"`
}

type MaintenanceConfig struct {
	DedupeInterval     time.Duration `envconfig:"HABISTAT_DEDUPE_INTERVAL" default:"6h"`
	PurgeInterval      time.Duration `envconfig:"HABISTAT_TOMBSTONE_PURGE_INTERVAL" default:"24h"`
	TombstoneRetention time.Duration `envconfig:"HABISTAT_TOMBSTONE_RETENTION" default:"720h"`
	LockTTL            time.Duration `envconfig:"HABISTAT_MAINTENANCE_LOCK_TTL" default:"1h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"HABISTAT_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) configured() bool {
	return db.DSN != "" || db.LegacyHost != ""
}

func (db *DBConfig) validateDriver() error {
	return checkDriver(EnvDBDriver, db.Driver)
}

func (l LocalStoreConfig) validateDriver() error {
	return checkDriver(EnvLocalDriver, l.Driver)
}

func checkDriver(env, driver string) error {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres, DriverSQLite:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", env, DriverPostgres, DriverSQLite, driver)
	}
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" || strings.EqualFold(db.Driver, DriverSQLite) {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
