package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"content-pipeline/internal/models"
)

// Config holds all runtime configuration. It is built once per process and
// passed explicitly to every component.
type Config struct {
	Env      string
	HolderID string
	DryRun   bool

	LogLevel  string
	LogFormat string

	Database  DatabaseConfig
	Locks     LockConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Dispatch  DispatchConfig
	Watchdog  WatchdogConfig
	Verify    VerifyConfig
	Platform  PlatformConfig
	Artifacts ArtifactConfig
	Notify    NotifyConfig
	Metrics   MetricsConfig
	HTTPPort  string

	Jobs map[models.JobKind]JobKindConfig
}

// DatabaseConfig selects the queue/heartbeat store.
type DatabaseConfig struct {
	Driver string // sqlite | postgres
	DSN    string
}

// LockConfig selects the lease backend and acquisition policy.
type LockConfig struct {
	Backend        string // sql | redis
	TTL            time.Duration
	AcquireRetries int
	AcquireWait    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// QueueConfig parameterizes retries and the stuck-job scan.
type QueueConfig struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	JitterFraction float64
	StuckGrace     time.Duration
}

// DispatchConfig drives replenishment, pacing and the post budget.
type DispatchConfig struct {
	ReplenishThreshold int
	DelayMin           time.Duration
	DelayMax           time.Duration
	RateCapacity       int
	RateRefillPerSec   float64
	ScanLimit          int
}

// WatchdogConfig drives the watchdog cadence and escalation.
type WatchdogConfig struct {
	Cadence          time.Duration
	FailureThreshold int
	Timezone         string
	HistoryLimit     int
}

type VerifyConfig struct {
	Tolerance int
}

// PlatformConfig points at the external HTTP collaborators.
type PlatformConfig struct {
	Name        string
	PlannerURL  string
	RendererURL string
	PosterURL   string
	Token       string
	Timeout     time.Duration
}

// ArtifactConfig selects where rendered payloads live.
type ArtifactConfig struct {
	Backend     string // local | s3 | none
	Dir         string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	MinWidth    int
	MinHeight   int
}

type NotifyConfig struct {
	WebhookURL  string
	NATSURL     string
	NATSSubject string
}

type MetricsConfig struct {
	Addr           string
	PushgatewayURL string
}

// JobKindConfig describes when a job kind is expected to run.
type JobKindConfig struct {
	Enabled   bool
	Interval  time.Duration
	Schedule  string
	Tolerance time.Duration
	Blackout  []string
}

// Load reads the optional config file at path, a local .env file, and
// PIPELINE_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pipeline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper materializes a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Env:       v.GetString("env"),
		HolderID:  v.GetString("holder_id"),
		DryRun:    v.GetBool("dry_run"),
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		HTTPPort:  v.GetString("http_port"),
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Locks: LockConfig{
			Backend:        v.GetString("locks.backend"),
			TTL:            v.GetDuration("locks.ttl"),
			AcquireRetries: v.GetInt("locks.acquire_retries"),
			AcquireWait:    v.GetDuration("locks.acquire_wait"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Queue: QueueConfig{
			MaxAttempts:    v.GetInt("queue.max_attempts"),
			BackoffBase:    v.GetDuration("queue.backoff_base"),
			BackoffMax:     v.GetDuration("queue.backoff_max"),
			JitterFraction: v.GetFloat64("queue.jitter_fraction"),
			StuckGrace:     v.GetDuration("queue.stuck_grace"),
		},
		Dispatch: DispatchConfig{
			ReplenishThreshold: v.GetInt("dispatch.replenish_threshold"),
			DelayMin:           v.GetDuration("dispatch.delay_min"),
			DelayMax:           v.GetDuration("dispatch.delay_max"),
			RateCapacity:       v.GetInt("dispatch.rate_capacity"),
			RateRefillPerSec:   v.GetFloat64("dispatch.rate_refill_per_sec"),
			ScanLimit:          v.GetInt("dispatch.scan_limit"),
		},
		Watchdog: WatchdogConfig{
			Cadence:          v.GetDuration("watchdog.cadence"),
			FailureThreshold: v.GetInt("watchdog.failure_threshold"),
			Timezone:         v.GetString("watchdog.timezone"),
			HistoryLimit:     v.GetInt("watchdog.history_limit"),
		},
		Verify: VerifyConfig{
			Tolerance: v.GetInt("verify.tolerance"),
		},
		Platform: PlatformConfig{
			Name:        v.GetString("platform.name"),
			PlannerURL:  v.GetString("platform.planner_url"),
			RendererURL: v.GetString("platform.renderer_url"),
			PosterURL:   v.GetString("platform.poster_url"),
			Token:       v.GetString("platform.token"),
			Timeout:     v.GetDuration("platform.timeout"),
		},
		Artifacts: ArtifactConfig{
			Backend:     v.GetString("artifacts.backend"),
			Dir:         v.GetString("artifacts.dir"),
			S3Bucket:    v.GetString("artifacts.s3_bucket"),
			S3Region:    v.GetString("artifacts.s3_region"),
			S3Endpoint:  v.GetString("artifacts.s3_endpoint"),
			S3PathStyle: v.GetBool("artifacts.s3_path_style"),
			MinWidth:    v.GetInt("artifacts.min_width"),
			MinHeight:   v.GetInt("artifacts.min_height"),
		},
		Notify: NotifyConfig{
			WebhookURL:  v.GetString("notify.webhook_url"),
			NATSURL:     v.GetString("notify.nats_url"),
			NATSSubject: v.GetString("notify.nats_subject"),
		},
		Metrics: MetricsConfig{
			Addr:           v.GetString("metrics.addr"),
			PushgatewayURL: v.GetString("metrics.pushgateway_url"),
		},
		Jobs: make(map[models.JobKind]JobKindConfig, len(models.AllKinds)),
	}

	if cfg.HolderID == "" {
		cfg.HolderID = defaultHolderID()
	}

	for _, kind := range models.AllKinds {
		prefix := "jobs." + string(kind) + "."
		cfg.Jobs[kind] = JobKindConfig{
			Enabled:   v.GetBool(prefix + "enabled"),
			Interval:  v.GetDuration(prefix + "interval"),
			Schedule:  v.GetString(prefix + "schedule"),
			Tolerance: v.GetDuration(prefix + "tolerance"),
			Blackout:  v.GetStringSlice(prefix + "blackout"),
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c Config) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBase <= 0 {
		return errors.New("queue.backoff_base must be positive")
	}
	if c.Queue.JitterFraction < 0 || c.Queue.JitterFraction > 1 {
		return fmt.Errorf("queue.jitter_fraction must be within [0,1], got %v", c.Queue.JitterFraction)
	}
	if c.Locks.TTL <= 0 {
		return errors.New("locks.ttl must be positive")
	}
	if c.Dispatch.DelayMax < c.Dispatch.DelayMin {
		return errors.New("dispatch.delay_max must be >= dispatch.delay_min")
	}
	if c.Verify.Tolerance < 0 {
		return errors.New("verify.tolerance must be >= 0")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Locks.Backend {
	case "sql", "redis":
	default:
		return fmt.Errorf("unsupported locks.backend %q", c.Locks.Backend)
	}
	for kind, jc := range c.Jobs {
		if jc.Enabled && jc.Interval <= 0 && jc.Schedule == "" {
			return fmt.Errorf("jobs.%s needs an interval or a schedule", kind)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("dry_run", false)
	v.SetDefault("http_port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "pipeline.db")

	v.SetDefault("locks.backend", "sql")
	v.SetDefault("locks.ttl", 30*time.Second)
	v.SetDefault("locks.acquire_retries", 10)
	v.SetDefault("locks.acquire_wait", 250*time.Millisecond)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", time.Minute)
	v.SetDefault("queue.backoff_max", 6*time.Hour)
	v.SetDefault("queue.jitter_fraction", 0.25)
	v.SetDefault("queue.stuck_grace", 30*time.Minute)

	v.SetDefault("dispatch.replenish_threshold", 10)
	v.SetDefault("dispatch.delay_min", 0)
	v.SetDefault("dispatch.delay_max", 0)
	v.SetDefault("dispatch.rate_capacity", 0)
	v.SetDefault("dispatch.rate_refill_per_sec", 0)
	v.SetDefault("dispatch.scan_limit", 20)

	v.SetDefault("watchdog.cadence", 5*time.Minute)
	v.SetDefault("watchdog.failure_threshold", 3)
	v.SetDefault("watchdog.timezone", "UTC")
	v.SetDefault("watchdog.history_limit", 200)

	v.SetDefault("verify.tolerance", 1)

	v.SetDefault("platform.name", "default")
	v.SetDefault("platform.timeout", 30*time.Second)

	v.SetDefault("artifacts.backend", "none")
	v.SetDefault("artifacts.dir", "./artifacts")
	v.SetDefault("artifacts.s3_region", "us-east-1")

	v.SetDefault("notify.nats_subject", "pipeline.alerts")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("jobs.replenish.enabled", true)
	v.SetDefault("jobs.replenish.interval", time.Hour)
	v.SetDefault("jobs.replenish.tolerance", 15*time.Minute)
	v.SetDefault("jobs.dispatch.enabled", true)
	v.SetDefault("jobs.dispatch.interval", 30*time.Minute)
	v.SetDefault("jobs.dispatch.tolerance", 10*time.Minute)
	v.SetDefault("jobs.verify.enabled", true)
	v.SetDefault("jobs.verify.interval", 24*time.Hour)
	v.SetDefault("jobs.verify.tolerance", time.Hour)
}

func defaultHolderID() string {
	if v := os.Getenv("HOSTNAME"); v != "" {
		return fmt.Sprintf("%s-%d", v, os.Getpid())
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return fmt.Sprintf("pipeline-%d", os.Getpid())
}
