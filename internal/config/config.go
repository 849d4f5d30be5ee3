package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const defaultPath = "config.yaml"

type Config struct {
	App         App         `yaml:"app"`
	HTTP        HTTP        `yaml:"http"`
	Log         Log         `yaml:"log"`
	Postgres    Postgres    `yaml:"postgres"`
	Graph       Graph       `yaml:"graph"`
	Redis       Redis       `yaml:"redis"`
	Kafka       Kafka       `yaml:"kafka"`
	Webhook     Webhook     `yaml:"webhook"`
	Token       Token       `yaml:"token"`
	Idempotency Idempotency `yaml:"idempotency"`
	Retry       Retry       `yaml:"retry"`
	Entitlement Entitlement `yaml:"entitlement"`
	Processor   Processor   `yaml:"processor"`
	Reconcile   Reconcile   `yaml:"reconcile"`
	DeadLetter  DeadLetter  `yaml:"dead_letter"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"entitlements"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port         string        `yaml:"port" env:"HTTP_PORT" env-default:"8080"`
	MetricsPort  string        `yaml:"metrics_port" env:"METRICS_PORT" env-default:"9091"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" env:"HTTP_MAX_BODY_BYTES" env-default:"1048576"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"30s"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Postgres struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"entitlements"`
	Migrate  bool   `yaml:"migrate" env:"POSTGRES_MIGRATE" env-default:"true"`
}

// Graph points the relationship store at its own database. Empty means the
// main Postgres database.
type Graph struct {
	URL     string        `yaml:"url" env:"GRAPH_DATABASE_URL"`
	Timeout time.Duration `yaml:"timeout" env:"GRAPH_TIMEOUT" env-default:"5s"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	Timeout  time.Duration `yaml:"timeout" env:"REDIS_TIMEOUT" env-default:"3s"`
}

type Kafka struct {
	Enabled            bool     `yaml:"enabled" env:"KAFKA_ENABLED" env-default:"false"`
	Brokers            []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic              string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"commerce-events"`
	NotificationsTopic string   `yaml:"notifications_topic" env:"KAFKA_NOTIFICATIONS_TOPIC" env-default:"entitlement-notifications"`
	GroupID            string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"entitlements-processor"`
	StartOffset        string   `yaml:"start_offset" env:"KAFKA_START_OFFSET" env-default:"earliest"`
}

type Webhook struct {
	Secret string `yaml:"secret" env:"WEBHOOK_SECRET"`
}

type Token struct {
	KeyID          string        `yaml:"key_id" env:"TOKEN_KEY_ID" env-default:"entitlements-1"`
	PrivateKeyPath string        `yaml:"private_key_path" env:"TOKEN_PRIVATE_KEY_PATH"`
	PublicKeyPath  string        `yaml:"public_key_path" env:"TOKEN_PUBLIC_KEY_PATH"`
	Issuer         string        `yaml:"issuer" env:"TOKEN_ISSUER" env-default:"entitlements"`
	Lifetime       time.Duration `yaml:"lifetime" env:"TOKEN_LIFETIME" env-default:"15m"`
}

type Idempotency struct {
	Backend string        `yaml:"backend" env:"IDEMPOTENCY_BACKEND" env-default:"redis"`
	TTL     time.Duration `yaml:"ttl" env:"IDEMPOTENCY_TTL" env-default:"24h"`
}

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"3"`
	BaseDelay   time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY" env-default:"500ms"`
	MaxDelay    time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"30s"`
}

type Entitlement struct {
	Lifetime time.Duration `yaml:"lifetime" env:"ENTITLEMENT_LIFETIME" env-default:"2160h"`
}

type Processor struct {
	Workers     int           `yaml:"workers" env:"PROCESSOR_WORKERS" env-default:"8"`
	QueueSize   int           `yaml:"queue_size" env:"PROCESSOR_QUEUE_SIZE" env-default:"1024"`
	Queue       string        `yaml:"queue" env:"PROCESSOR_QUEUE" env-default:"inline"`
	CallTimeout time.Duration `yaml:"call_timeout" env:"PROCESSOR_CALL_TIMEOUT" env-default:"5s"`
}

type Reconcile struct {
	Interval  time.Duration `yaml:"interval" env:"RECONCILE_INTERVAL" env-default:"5m"`
	BatchSize int           `yaml:"batch_size" env:"RECONCILE_BATCH_SIZE" env-default:"500"`
}

type DeadLetter struct {
	Retention     time.Duration `yaml:"retention" env:"DEAD_LETTER_RETENTION" env-default:"720h"`
	PurgeInterval time.Duration `yaml:"purge_interval" env:"DEAD_LETTER_PURGE_INTERVAL" env-default:"1h"`
}

// New reads config.yaml when present and lets the environment override it.
func New() (*Config, error) {
	return Load(defaultPath)
}

func Load(path string) (*Config, error) {
	cfg := &Config{}

	if _, statErr := os.Stat(path); statErr == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Webhook.Secret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.Entitlement.Lifetime <= 0 || c.Token.Lifetime <= 0 {
		errs = append(errs, errors.New("ENTITLEMENT_LIFETIME and TOKEN_LIFETIME must be positive"))
	}
	if c.Processor.Workers < 1 || c.Processor.QueueSize < 1 {
		errs = append(errs, errors.New("PROCESSOR_WORKERS and PROCESSOR_QUEUE_SIZE must be positive"))
	}
	switch c.Idempotency.Backend {
	case "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q", c.Idempotency.Backend))
	}
	switch c.Processor.Queue {
	case "inline":
	case "kafka":
		if !c.Kafka.Enabled {
			errs = append(errs, errors.New("PROCESSOR_QUEUE=kafka needs KAFKA_ENABLED=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PROCESSOR_QUEUE %q", c.Processor.Queue))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// PostgresDSN returns DATABASE_URL or a URL built from the discrete settings.
func (c *Config) PostgresDSN() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, c.Postgres.Port),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// GraphDSN falls back to the main database.
func (c *Config) GraphDSN() string {
	if c.Graph.URL != "" {
		return c.Graph.URL
	}
	return c.PostgresDSN()
}
