package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the popwatch service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Influx    InfluxConfig    `yaml:"influx"`
	Detection DetectionConfig `yaml:"detection"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Notify    NotifyConfig    `yaml:"notify"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// InfluxConfig configures access to the latency metrics backend.
type InfluxConfig struct {
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	Org             string        `yaml:"org"`
	Bucket          string        `yaml:"bucket"`
	Measurement     string        `yaml:"measurement"`
	Field           string        `yaml:"field"`
	ListTimeout     time.Duration `yaml:"listTimeout"`
	SampleTimeout   time.Duration `yaml:"sampleTimeout"`
	SnapshotTimeout time.Duration `yaml:"snapshotTimeout"`
	HealthTimeout   time.Duration `yaml:"healthTimeout"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay   time.Duration `yaml:"retryMaxDelay"`
}

// DetectionConfig controls the anomaly detection engine.
type DetectionConfig struct {
	Interval             time.Duration `yaml:"interval"`
	RecentWindow         time.Duration `yaml:"recentWindow"`
	BaselineOffset       time.Duration `yaml:"baselineOffset"`
	RegressionThreshold  float64       `yaml:"regressionThreshold"`
	ResolutionThreshold  float64       `yaml:"resolutionThreshold"`
	ResolutionPercentMax float64       `yaml:"resolutionPercentMax"`
	MinSampleSize        int           `yaml:"minSampleSize"`
}

// BreakerConfig holds circuit-breaker defaults for protected operations.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	MonitoringPeriod time.Duration `yaml:"monitoringPeriod"`
}

// AlertsConfig configures the Redis-backed alert store.
type AlertsConfig struct {
	Addr        string        `yaml:"addr"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"keyPrefix"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// FanoutConfig controls live subscriber bookkeeping and streaming.
type FanoutConfig struct {
	IdleWindow       time.Duration `yaml:"idleWindow"`
	EvictInterval    time.Duration `yaml:"evictInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	SnapshotWindow   time.Duration `yaml:"snapshotWindow"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
}

// NotifyConfig configures best-effort outbound webhooks.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheConfig controls Redis-backed caching of backend lookups.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addr          string        `yaml:"addr"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	MaxRetries    int           `yaml:"maxRetries"`
	ActivePopsTTL time.Duration `yaml:"activePopsTTL"`
	SnapshotTTL   time.Duration `yaml:"snapshotTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("POPWATCH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Influx: InfluxConfig{
			URL:             "http://localhost:8086",
			Org:             "akamai",
			Bucket:          "edgeworker-metrics",
			Measurement:     "cold_start_metrics",
			Field:           "cold_start_time_ms",
			ListTimeout:     10 * time.Second,
			SampleTimeout:   15 * time.Second,
			SnapshotTimeout: 10 * time.Second,
			HealthTimeout:   5 * time.Second,
			MaxRetries:      2,
			RetryBaseDelay:  500 * time.Millisecond,
			RetryMaxDelay:   5 * time.Second,
		},
		Detection: DetectionConfig{
			Interval:             30 * time.Second,
			RecentWindow:         15 * time.Minute,
			BaselineOffset:       24 * time.Hour,
			RegressionThreshold:  2.5,
			ResolutionThreshold:  1.5,
			ResolutionPercentMax: 10,
			MinSampleSize:        10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			MonitoringPeriod: time.Minute,
		},
		Alerts: AlertsConfig{
			Addr:        "localhost:6379",
			KeyPrefix:   "popwatch:alerts",
			DialTimeout: 2 * time.Second,
		},
		Fanout: FanoutConfig{
			IdleWindow:       5 * time.Minute,
			EvictInterval:    time.Minute,
			SnapshotInterval: 10 * time.Second,
			SnapshotWindow:   5 * time.Minute,
			WriteTimeout:     10 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:       false,
			DialTimeout:   2 * time.Second,
			ReadTimeout:   500 * time.Millisecond,
			WriteTimeout:  500 * time.Millisecond,
			MaxRetries:    2,
			ActivePopsTTL: time.Minute,
			SnapshotTTL:   10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POPWATCH_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("POPWATCH_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.Influx.URL = v
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.Influx.Token = v
	}
	if v := os.Getenv("INFLUXDB_ORG"); v != "" {
		cfg.Influx.Org = v
	}
	if v := os.Getenv("INFLUXDB_BUCKET"); v != "" {
		cfg.Influx.Bucket = v
	}
	if v := os.Getenv("POPWATCH_DETECTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Detection.Interval = d
		}
	}
	if v := os.Getenv("POPWATCH_REGRESSION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.RegressionThreshold = f
		}
	}
	if v := os.Getenv("POPWATCH_RESOLUTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detection.ResolutionThreshold = f
		}
	}
	if v := os.Getenv("POPWATCH_MIN_SAMPLE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detection.MinSampleSize = n
		}
	}
	if v := os.Getenv("POPWATCH_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("POPWATCH_BREAKER_RESET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.ResetTimeout = d
		}
	}
	if v := os.Getenv("POPWATCH_REDIS_ADDR"); v != "" {
		cfg.Alerts.Addr = v
		if cfg.Cache.Addr == "" {
			cfg.Cache.Addr = v
		}
	}
	if v := os.Getenv("POPWATCH_REDIS_PASSWORD"); v != "" {
		cfg.Alerts.Password = v
		if cfg.Cache.Password == "" {
			cfg.Cache.Password = v
		}
	}
	if v := os.Getenv("POPWATCH_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("POPWATCH_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("POPWATCH_IDLE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fanout.IdleWindow = d
		}
	}
	if v := os.Getenv("POPWATCH_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("POPWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("POPWATCH_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
