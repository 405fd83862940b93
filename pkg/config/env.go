package config

const EnvPrefix = "CHATRELAY"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	defaultSQLiteDSN = "file:chatrelay.db?_busy_timeout=5000"
)

const (
	EnvAppEnv    = "CHATRELAY_APP_ENV"
	EnvPort      = "CHATRELAY_APP_PORT"
	EnvLogLevel  = "CHATRELAY_LOG_LEVEL"
	EnvLogFormat = "CHATRELAY_LOG_FORMAT"

	EnvDBDSN    = "CHATRELAY_DB_DSN"
	EnvDBDriver = "CHATRELAY_DB_DRIVER"
	EnvDBHost   = "CHATRELAY_DB_HOST"
	EnvDBUser   = "CHATRELAY_DB_USER"
	EnvDBName   = "CHATRELAY_DB_NAME"

	EnvRedisURL = "CHATRELAY_REDIS_URL"

	EnvInboxMaxAttempts       = "CHATRELAY_INBOX_MAX_ATTEMPTS"
	EnvOutboxMaxAttempts      = "CHATRELAY_OUTBOX_MAX_ATTEMPTS"
	EnvInboxRetryBaseDelay    = "CHATRELAY_INBOX_RETRY_BASE_DELAY"
	EnvInboxRetryMaxDelay     = "CHATRELAY_INBOX_RETRY_MAX_DELAY"
	EnvOutboxRetryBaseDelay   = "CHATRELAY_OUTBOX_RETRY_BASE_DELAY"
	EnvOutboxRetryMaxDelay    = "CHATRELAY_OUTBOX_RETRY_MAX_DELAY"
	EnvSweepProcessingTimeout = "CHATRELAY_SWEEP_PROCESSING_TIMEOUT"
	EnvBatchingWindow         = "CHATRELAY_BATCHING_WINDOW"
	EnvChatBotToken           = "CHATRELAY_CHAT_BOT_TOKEN"
)

// legacyDBEnvVars lists the discrete connection settings that must all be
// present when no DSN is supplied.
var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
