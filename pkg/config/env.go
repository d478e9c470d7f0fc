package config

// EnvPrefix is empty because every field carries its fully qualified variable name.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	EnvAppEnv      = "HABISTAT_APP_ENV"
	EnvPort        = "HABISTAT_APP_PORT"
	EnvDBDSN       = "HABISTAT_DB_DSN"
	EnvDBDriver    = "HABISTAT_DB_DRIVER"
	EnvDBHost      = "HABISTAT_DB_HOST"
	EnvDBUser      = "HABISTAT_DB_USER"
	EnvDBName      = "HABISTAT_DB_NAME"
	EnvLocalDriver = "HABISTAT_LOCAL_DRIVER"
	EnvLocalDSN    = "HABISTAT_LOCAL_DSN"
	EnvRedisURL    = "HABISTAT_REDIS_URL"
	EnvJWTSecret   = "HABISTAT_JWT_SECRET"
	EnvSyncURL     = "HABISTAT_SYNC_REMOTE_URL"
	EnvSyncToken   = "HABISTAT_SYNC_TOKEN"
	EnvDedupeEvery = "HABISTAT_DEDUPE_INTERVAL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
