// Package config loads and validates the broker's YAML configuration,
// grounded on the teacher's cmd/judge-service/config.go: one struct per
// concern, defaults applied after unmarshal, hard failures only for
// settings with no sane default (spec.md §6 "Configuration keys the
// core reads").
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"tango/internal/common/logger"
)

// ServerConfig holds façade HTTP settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// ImageConfig is the per-image pool target and keep-alive policy from
// spec.md §4.B/§9(b).
type ImageConfig struct {
	Name      string `yaml:"name"`
	PoolSize  int    `yaml:"poolSize"`
	HardCap   int    `yaml:"hardCap"`
	KeepAlive *bool  `yaml:"keepAlive"`
}

// KeepAliveDefault returns the per-image keep-alive policy, defaulting
// to true per spec.md §9(b)'s decision.
func (i ImageConfig) KeepAliveDefault() bool {
	if i.KeepAlive == nil {
		return true
	}
	return *i.KeepAlive
}

// PoolConfig holds the Preallocator's global and per-image settings.
type PoolConfig struct {
	Images        []ImageConfig `yaml:"images"`
	CreateRetries int           `yaml:"createRetries"`
}

// QueueConfig holds Job Queue settings.
type QueueConfig struct {
	DeadRingCapacity        int  `yaml:"deadRingCapacity"`
	DedupeIncludesRequester bool `yaml:"dedupeIncludesRequester"`
}

// WorkerConfig holds Worker state-machine settings.
type WorkerConfig struct {
	ReadyTimeout     time.Duration `yaml:"readyTimeout"`
	ReadyRetryBudget int           `yaml:"readyRetryBudget"`
	CopyOutTimeout   time.Duration `yaml:"copyOutTimeout"`
}

// ManagerConfig holds Job Manager settings.
type ManagerConfig struct {
	TickPeriod           time.Duration `yaml:"tickPeriod"`
	WorkerDeathRetryMax  int           `yaml:"workerDeathRetryMax"`
}

// JobConfig holds façade-enforced job submission ceilings.
type JobConfig struct {
	RuntimeLimitCeiling time.Duration `yaml:"runtimeLimitCeiling"`
	MaxOutputFileSize   int64         `yaml:"maxOutputFileSize"`
}

// AuthConfig holds the façade's opaque-key admission list.
type AuthConfig struct {
	Keys []string `yaml:"keys"`
}

// NotifyConfig holds async callback dispatch settings. Callbacks are
// fire-and-forget per spec.md §9 ("asynchronous, at-most-once; failures
// logged only, no retry queue") — Workers bounds the fan-out, there is
// no backoff/retry knob by design.
type NotifyConfig struct {
	Workers       int           `yaml:"workers"`
	Timeout       time.Duration `yaml:"timeout"`
	SignCallbacks bool          `yaml:"signCallbacks"`
	SigningKey    string        `yaml:"signingKey"`
}

// RedisConfig holds the dedupe cache's backing Redis settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MySQLConfig holds the trace log's backing MySQL settings.
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// MinIOConfig holds the object store's backing MinIO settings.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
	Bucket    string `yaml:"bucket"`
}

// DriverConfig selects and parameterizes the VMMS driver (§9 Design
// Notes "Dynamic driver selection").
type DriverConfig struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// AppConfig is the broker's top-level configuration.
type AppConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Logger  logger.Config `yaml:"logger"`
	Driver  DriverConfig  `yaml:"driver"`
	Pool    PoolConfig    `yaml:"pool"`
	Queue   QueueConfig   `yaml:"queue"`
	Worker  WorkerConfig  `yaml:"worker"`
	Manager ManagerConfig `yaml:"manager"`
	Job     JobConfig     `yaml:"job"`
	Auth    AuthConfig    `yaml:"auth"`
	Notify  NotifyConfig  `yaml:"notify"`
	Redis   RedisConfig   `yaml:"redis"`
	MySQL   MySQLConfig   `yaml:"mysql"`
	MinIO   MinIOConfig   `yaml:"minio"`
}

const (
	defaultHTTPAddr     = "0.0.0.0:8080"
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

// Load reads and validates the YAML configuration at path, applying the
// same "unmarshal then backfill defaults" sequence as the teacher's
// loadAppConfig.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.Driver.Name == "" {
		return nil, fmt.Errorf("driver.name is required")
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Pool.CreateRetries <= 0 {
		cfg.Pool.CreateRetries = 5
	}
	if cfg.Queue.DeadRingCapacity <= 0 {
		cfg.Queue.DeadRingCapacity = 1000
	}
	if cfg.Worker.ReadyTimeout <= 0 {
		cfg.Worker.ReadyTimeout = 30 * time.Second
	}
	if cfg.Worker.ReadyRetryBudget <= 0 {
		cfg.Worker.ReadyRetryBudget = 5
	}
	if cfg.Worker.CopyOutTimeout <= 0 {
		cfg.Worker.CopyOutTimeout = 30 * time.Second
	}
	if cfg.Manager.TickPeriod <= 0 {
		cfg.Manager.TickPeriod = 2 * time.Second
	}
	if cfg.Manager.WorkerDeathRetryMax <= 0 {
		cfg.Manager.WorkerDeathRetryMax = 5
	}
	if cfg.Job.RuntimeLimitCeiling <= 0 {
		cfg.Job.RuntimeLimitCeiling = 10 * time.Minute
	}
	if cfg.Job.MaxOutputFileSize <= 0 {
		cfg.Job.MaxOutputFileSize = 4 << 20
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 4
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = 5 * time.Second
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 5 * time.Minute
	}
	if cfg.MySQL.MaxOpenConns <= 0 {
		cfg.MySQL.MaxOpenConns = 10
	}
}
