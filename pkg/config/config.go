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
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Inbox        InboxConfig
	Outbox       OutboxConfig
	Sweep        SweepConfig
	Batching     BatchingConfig
	Chat         ChatConfig
	Metrics      MetricsConfig
	Intake       IntakeConfig
	Admin        AdminConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case DBDriverPostgres, DBDriverSQLite:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvDBDriver, DBDriverPostgres, DBDriverSQLite, c.DB.Driver)
	}
	if c.Inbox.MaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", EnvInboxMaxAttempts)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", EnvOutboxMaxAttempts)
	}
	if c.Inbox.RetryBaseDelay <= 0 || c.Inbox.RetryMaxDelay < c.Inbox.RetryBaseDelay {
		return fmt.Errorf("%s must be positive and not above %s", EnvInboxRetryBaseDelay, EnvInboxRetryMaxDelay)
	}
	if c.Outbox.RetryBaseDelay <= 0 || c.Outbox.RetryMaxDelay < c.Outbox.RetryBaseDelay {
		return fmt.Errorf("%s must be positive and not above %s", EnvOutboxRetryBaseDelay, EnvOutboxRetryMaxDelay)
	}
	if c.Sweep.ProcessingTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvSweepProcessingTimeout)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"CHATRELAY_APP_ENV" required:"true"`
	Port         string `envconfig:"CHATRELAY_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"CHATRELAY_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"CHATRELAY_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"CHATRELAY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CHATRELAY_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CHATRELAY_DB_DSN"`
	Driver string `envconfig:"CHATRELAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CHATRELAY_DB_HOST"`
	LegacyPort     int    `envconfig:"CHATRELAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CHATRELAY_DB_USER"`
	LegacyPassword string `envconfig:"CHATRELAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"CHATRELAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"CHATRELAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CHATRELAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CHATRELAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CHATRELAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CHATRELAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

func (db DBConfig) IsSQLite() bool {
	return db.Driver == DBDriverSQLite
}

// RedisConfig is only required by processes that take the sweep lock.
type RedisConfig struct {
	URL          string        `envconfig:"CHATRELAY_REDIS_URL"`
	Address      string        `envconfig:"CHATRELAY_REDIS_ADDR"`
	Password     string        `envconfig:"CHATRELAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"CHATRELAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CHATRELAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CHATRELAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CHATRELAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CHATRELAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CHATRELAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"CHATRELAY_AUTO_MIGRATE" default:"false"`
}

type InboxConfig struct {
	BatchSize      int           `envconfig:"CHATRELAY_INBOX_BATCH_SIZE" default:"25"`
	PollIntervalMS int           `envconfig:"CHATRELAY_INBOX_POLL_MS" default:"1000"`
	MaxAttempts    int           `envconfig:"CHATRELAY_INBOX_MAX_ATTEMPTS" default:"5"`
	HandlerTimeout time.Duration `envconfig:"CHATRELAY_INBOX_HANDLER_TIMEOUT" default:"30s"`
	RetryBaseDelay time.Duration `envconfig:"CHATRELAY_INBOX_RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay  time.Duration `envconfig:"CHATRELAY_INBOX_RETRY_MAX_DELAY" default:"5m"`
}

type OutboxConfig struct {
	BatchSize       int           `envconfig:"CHATRELAY_OUTBOX_BATCH_SIZE" default:"50"`
	PollIntervalMS  int           `envconfig:"CHATRELAY_OUTBOX_POLL_MS" default:"500"`
	MaxAttempts     int           `envconfig:"CHATRELAY_OUTBOX_MAX_ATTEMPTS" default:"10"`
	DispatchTimeout time.Duration `envconfig:"CHATRELAY_OUTBOX_DISPATCH_TIMEOUT" default:"15s"`
	// RetryMaxDelay also caps a Retry-After the platform asks for.
	RetryBaseDelay time.Duration `envconfig:"CHATRELAY_OUTBOX_RETRY_BASE_DELAY" default:"2s"`
	RetryMaxDelay  time.Duration `envconfig:"CHATRELAY_OUTBOX_RETRY_MAX_DELAY" default:"5m"`
}

type SweepConfig struct {
	Interval          time.Duration `envconfig:"CHATRELAY_SWEEP_INTERVAL" default:"1m"`
	ProcessingTimeout time.Duration `envconfig:"CHATRELAY_SWEEP_PROCESSING_TIMEOUT" default:"5m"`
	LockTTL           time.Duration `envconfig:"CHATRELAY_SWEEP_LOCK_TTL" default:"2m"`
	// Retention is how long done and sent records are kept. Zero disables
	// the purge job.
	Retention time.Duration `envconfig:"CHATRELAY_SWEEP_RETENTION" default:"720h"`
}

type BatchingConfig struct {
	Window time.Duration `envconfig:"CHATRELAY_BATCHING_WINDOW" default:"3s"`
}

type ChatConfig struct {
	BaseURL  string        `envconfig:"CHATRELAY_CHAT_BASE_URL" default:"https://slack.com/api"`
	BotToken string        `envconfig:"CHATRELAY_CHAT_BOT_TOKEN"`
	Timeout  time.Duration `envconfig:"CHATRELAY_CHAT_TIMEOUT" default:"10s"`
}

// IntakeConfig throttles the public intake endpoints per client IP. A zero
// limit disables throttling; it is also skipped when Redis is not configured.
type IntakeConfig struct {
	RateLimit    int           `envconfig:"CHATRELAY_INTAKE_RATE_LIMIT" default:"600"`
	RateWindow   time.Duration `envconfig:"CHATRELAY_INTAKE_RATE_WINDOW" default:"1m"`
	MaxBodyBytes int64         `envconfig:"CHATRELAY_INTAKE_MAX_BODY_BYTES" default:"1048576"`
}

// AdminConfig guards the operator endpoints. They are not mounted when Token
// is empty.
type AdminConfig struct {
	Token string `envconfig:"CHATRELAY_ADMIN_TOKEN"`
}

func (a AdminConfig) Enabled() bool {
	return strings.TrimSpace(a.Token) != ""
}

type MetricsConfig struct {
	Addr string `envconfig:"CHATRELAY_METRICS_ADDR" default:":9090"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		db.DSN = defaultSQLiteDSN
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
