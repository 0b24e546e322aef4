// Package config loads and validates sitewatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. SITEWATCH_POSTGRES_HOST.
const EnvPrefix = "SITEWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Postgres     PostgresConfig     `mapstructure:"postgres"`
	S3           S3Config           `mapstructure:"s3"`
	Storage      StorageConfig      `mapstructure:"storage"`
	GCS          GCSConfig          `mapstructure:"gcs"`
	Server       ServerConfig       `mapstructure:"server"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Runner       RunnerConfig       `mapstructure:"runner"`
	Events       EventsConfig       `mapstructure:"events"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// PostgresConfig points at the resource registry.
type PostgresConfig struct {
	DSN            string `mapstructure:"dsn"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port" validate:"min=1,max=65535"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	SSLMode        string `mapstructure:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns       int32  `mapstructure:"max_conns" validate:"min=1"`
	ResourcesTable string `mapstructure:"resources_table" validate:"required"`
	EventsTable    string `mapstructure:"events_table" validate:"required"`
}

// S3Config configures the S3-compatible object store.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// StorageConfig selects the blob store backend.
type StorageConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=s3 gcs local memory"`
	BaseDir  string `mapstructure:"base_dir"`
}

// GCSConfig configures Google Cloud Storage.
type GCSConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// ServerConfig governs the scheduler, worker pool and capture deadlines.
type ServerConfig struct {
	WorkerPoolSize int    `mapstructure:"worker_pool_size" validate:"min=1"`
	QueueDepth     int    `mapstructure:"queue_depth" validate:"min=1"`
	ReloadSeconds  int    `mapstructure:"reload_seconds" validate:"min=1"`
	FetchTimeoutS  int    `mapstructure:"fetch_timeout_s" validate:"min=1"`
	RenderTimeoutS int    `mapstructure:"render_timeout_s" validate:"min=1"`
	SettleDelayS   int    `mapstructure:"settle_delay_s" validate:"min=0"`
	MetricsPort    int    `mapstructure:"metrics_port" validate:"min=0,max=65535"`
	UserAgent      string `mapstructure:"user_agent" validate:"required"`
}

// HeadlessConfig configures the screenshot browser.
type HeadlessConfig struct {
	// Enabled false swaps in a renderer that always fails, so zone resources
	// record capture errors instead of launching Chrome.
	Enabled        bool    `mapstructure:"enabled"`
	MaxParallel    int     `mapstructure:"max_parallel" validate:"min=1"`
	DomainQPS      float64 `mapstructure:"domain_qps" validate:"min=0"`
	ViewportWidth  int64   `mapstructure:"viewport_width" validate:"min=1"`
	ViewportHeight int64   `mapstructure:"viewport_height" validate:"min=1"`
	MaxHeight      int64   `mapstructure:"max_height" validate:"min=1"`
	NoSandbox      bool    `mapstructure:"no_sandbox"`
	ExecPath       string  `mapstructure:"exec_path"`
}

// RunnerConfig controls diff semantics.
type RunnerConfig struct {
	SnapshotRef string `mapstructure:"snapshot_ref" validate:"oneof=current previous"`
	Language    string `mapstructure:"language" validate:"oneof=russian english multi none"`
}

// EventsConfig controls event persistence and fan-out.
type EventsConfig struct {
	InsertAttempts   int    `mapstructure:"insert_attempts" validate:"min=1"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms" validate:"min=0"`
	PubSubProjectID  string `mapstructure:"pubsub_project_id"`
	PubSubTopic      string `mapstructure:"pubsub_topic"`
}

// LoggingConfig toggles zap development features and the file sink.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"min=0"`
}

// NotificationConfig is carried for the notification service and unused by
// the engine.
type NotificationConfig struct {
	EmailFrom     string `mapstructure:"email_from"`
	EmailToken    string `mapstructure:"email_token"`
	TelegramToken string `mapstructure:"telegram_token"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "sitewatch")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.resources_table", "resources")
	v.SetDefault("postgres.events_table", "monitoring_events")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.use_ssl", false)
	v.SetDefault("storage.provider", "s3")
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("gcs.project_id", "")
	v.SetDefault("server.worker_pool_size", 16)
	v.SetDefault("server.queue_depth", 64)
	v.SetDefault("server.reload_seconds", 30)
	v.SetDefault("server.fetch_timeout_s", 30)
	v.SetDefault("server.render_timeout_s", 60)
	v.SetDefault("server.settle_delay_s", 5)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.user_agent", "sitewatch/1.0")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.max_parallel", 4)
	v.SetDefault("headless.domain_qps", 1.0)
	v.SetDefault("headless.viewport_width", 1920)
	v.SetDefault("headless.viewport_height", 1080)
	v.SetDefault("headless.max_height", 16384)
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("runner.snapshot_ref", "current")
	v.SetDefault("runner.language", "russian")
	v.SetDefault("events.insert_attempts", 3)
	v.SetDefault("events.backoff_initial_ms", 200)
	v.SetDefault("events.pubsub_project_id", "")
	v.SetDefault("events.pubsub_topic", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("notification.email_from", "")
	v.SetDefault("notification.email_token", "")
	v.SetDefault("notification.telegram_token", "")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	vd := validator.New(validator.WithRequiredStructEnabled())
	vd.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return vd
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var errs validator.ValidationErrors
		if !errors.As(err, &errs) {
			return fmt.Errorf("validate config: %w", err)
		}
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			_, field, _ := strings.Cut(e.Namespace(), ".")
			msg := fmt.Sprintf("%s failed rule %q", field, e.Tag())
			if e.Param() != "" {
				msg += fmt.Sprintf(" (%s)", e.Param())
			}
			msgs = append(msgs, msg)
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "") {
		return fmt.Errorf("postgres.host and postgres.database are required when postgres.dsn is empty")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		return fmt.Errorf("s3.access_key and s3.secret_key must be set together")
	}
	if c.Storage.Provider == "local" && c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir must be set for the local provider")
	}
	if c.Storage.Provider == "gcs" && c.GCS.ProjectID == "" {
		return fmt.Errorf("gcs.project_id must be set for the gcs provider")
	}
	if c.Events.PubSubTopic != "" && c.Events.PubSubProjectID == "" {
		return fmt.Errorf("events.pubsub_project_id must be set when events.pubsub_topic is set")
	}
	return nil
}

// PostgresDSN returns the explicit DSN or one assembled from the parts.
func (c Config) PostgresDSN() string {
	if c.Postgres.DSN != "" {
		return c.Postgres.DSN
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.Database,
		RawQuery: url.Values{"sslmode": {c.Postgres.SSLMode}}.Encode(),
	}
	if c.Postgres.User != "" {
		if c.Postgres.Password != "" {
			u.User = url.UserPassword(c.Postgres.User, c.Postgres.Password)
		} else {
			u.User = url.User(c.Postgres.User)
		}
	}
	return u.String()
}

// FetchTimeout is the HTML fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Server.FetchTimeoutS) * time.Second
}

// RenderTimeout is the screenshot deadline, settle delay included.
func (c Config) RenderTimeout() time.Duration {
	return time.Duration(c.Server.RenderTimeoutS) * time.Second
}

// SettleDelay is the pause between navigation and capture.
func (c Config) SettleDelay() time.Duration {
	return time.Duration(c.Server.SettleDelayS) * time.Second
}

// RunTimeout bounds a whole check.
func (c Config) RunTimeout() time.Duration {
	return c.FetchTimeout() + c.RenderTimeout()
}

// ReloadPeriod is the registry refresh interval.
func (c Config) ReloadPeriod() time.Duration {
	return time.Duration(c.Server.ReloadSeconds) * time.Second
}

// EventBackoff is the initial delay between event insert attempts.
func (c Config) EventBackoff() time.Duration {
	return time.Duration(c.Events.BackoffInitialMs) * time.Millisecond
}
