package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// FISHTEST_SCHEDULER_LEASE_TIMEOUT=10m.
const EnvPrefix = "FISHTEST"

// CoordinatorConfig configures cmd/coordinator.
type CoordinatorConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres, memory
	DSN  string `mapstructure:"dsn"`
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	LeaseTimeout     time.Duration `mapstructure:"lease_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	GamesPerSlot     int           `mapstructure:"games_per_slot"`
	MaxTaskGames     int           `mapstructure:"max_task_games"`
	WorkerStaleAfter time.Duration `mapstructure:"worker_stale_after"`
	WorkerForget     time.Duration `mapstructure:"worker_forget_after"`
	NoWorkRetry      time.Duration `mapstructure:"no_work_retry"`
}

type CleanupConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	Retention      time.Duration `mapstructure:"retention"`
	VacuumInterval time.Duration `mapstructure:"vacuum_interval"`
}

type AuthConfig struct {
	APIKey     string `mapstructure:"api_key"`
	APIKeyHash string `mapstructure:"api_key_hash"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	Environment string  `mapstructure:"environment"`
}

// TLSConfig holds certificate paths. On the coordinator CAFile enables
// client certificate checks; on workers it verifies the coordinator.
type TLSConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CertFile          string `mapstructure:"cert_file"`
	KeyFile           string `mapstructure:"key_file"`
	CAFile            string `mapstructure:"ca_file"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
	Dir    string `mapstructure:"dir"`    // empty logs to stdout only
}

// WorkerConfig configures cmd/worker.
type WorkerConfig struct {
	CoordinatorURL string        `mapstructure:"coordinator_url"`
	APIKey         string        `mapstructure:"api_key"`
	Name           string        `mapstructure:"name"`
	Concurrency    int           `mapstructure:"concurrency"` // 0 uses every core
	RunnerPath     string        `mapstructure:"runner_path"`
	EnginePath     string        `mapstructure:"engine_path"`
	WorkDir        string        `mapstructure:"work_dir"`
	BaseNPS        float64       `mapstructure:"base_nps"`
	BenchTasks     bool          `mapstructure:"bench_tasks"` // bench both engines before every task
	PollMin        time.Duration `mapstructure:"poll_min"`
	PollMax        time.Duration `mapstructure:"poll_max"`
	UpdateRetries  int           `mapstructure:"update_retries"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TLS            TLSConfig     `mapstructure:"tls"`
	Log            LogConfig     `mapstructure:"log"`
}

func setCoordinatorDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "coordinator.db")
	v.SetDefault("database.dsn", "")

	v.SetDefault("scheduler.lease_timeout", 15*time.Minute)
	v.SetDefault("scheduler.sweep_interval", 30*time.Second)
	v.SetDefault("scheduler.games_per_slot", 50)
	v.SetDefault("scheduler.max_task_games", 1000)
	v.SetDefault("scheduler.worker_stale_after", 30*time.Minute)
	v.SetDefault("scheduler.worker_forget_after", 24*time.Hour)
	v.SetDefault("scheduler.no_work_retry", 30*time.Second)

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.retention", 30*24*time.Hour)
	v.SetDefault("cleanup.vacuum_interval", 24*time.Hour)

	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.api_key_hash", "")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "production")

	setTLSDefaults(v)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "")
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("coordinator_url", "http://localhost:8080")
	v.SetDefault("api_key", "")
	v.SetDefault("name", "")
	v.SetDefault("concurrency", 0)
	v.SetDefault("runner_path", "cutechess-cli")
	v.SetDefault("engine_path", "stockfish")
	v.SetDefault("work_dir", "./work")
	v.SetDefault("base_nps", 0.0)
	v.SetDefault("bench_tasks", true)
	v.SetDefault("poll_min", 5*time.Second)
	v.SetDefault("poll_max", 5*time.Minute)
	v.SetDefault("update_retries", 5)
	v.SetDefault("request_timeout", 30*time.Second)
	setTLSDefaults(v)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "")
}

func setTLSDefaults(v *viper.Viper) {
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.require_client_cert", false)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

// bindEnvs registers every known key so AutomaticEnv also applies to
// Unmarshal, which only sees keys viper already knows about.
func bindEnvs(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}
}

// LoadCoordinator reads the coordinator config from path (optional), the
// environment and defaults, in that order of precedence after env.
func LoadCoordinator(path string) (*CoordinatorConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	setCoordinatorDefaults(v)
	bindEnvs(v)

	var cfg CoordinatorConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorker reads the worker config.
func LoadWorker(path string) (*WorkerConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	setWorkerDefaults(v)
	bindEnvs(v)

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *CoordinatorConfig) Validate() error {
	var errs []error
	if c.Scheduler.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.lease_timeout must be positive"))
	}
	if c.Scheduler.SweepInterval <= 0 {
		errs = append(errs, errors.New("scheduler.sweep_interval must be positive"))
	}
	if c.Scheduler.GamesPerSlot < 1 {
		errs = append(errs, errors.New("scheduler.games_per_slot must be at least 1"))
	}
	if c.Scheduler.MaxTaskGames < 2 {
		errs = append(errs, errors.New("scheduler.max_task_games must be at least 2"))
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls needs cert_file and key_file"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit needs positive rps and burst"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c *WorkerConfig) Validate() error {
	var errs []error
	if c.CoordinatorURL == "" {
		errs = append(errs, errors.New("coordinator_url is required"))
	}
	if c.Concurrency < 0 {
		errs = append(errs, errors.New("concurrency must not be negative"))
	}
	if c.PollMin <= 0 || c.PollMax < c.PollMin {
		errs = append(errs, errors.New("poll_min must be positive and not above poll_max"))
	}
	if c.UpdateRetries < 1 {
		errs = append(errs, errors.New("update_retries must be at least 1"))
	}
	return errors.Join(errs...)
}

// JSONLogs reports whether the log format is json.
func (l LogConfig) JSONLogs() bool {
	return l.Format == "json"
}
