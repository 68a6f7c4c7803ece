// Package config loads steward's configuration: defaults, then an optional
// YAML file named by STEWARD_CONFIG, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/archive"
	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/orchestrator"
	"github.com/Mindburn-Labs/steward/pkg/supervisor"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Item store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreFile     = "file"
	StoreMemory   = "memory"
)

// Dedup backends. "sql" shares the item store's database.
const (
	DedupSQL    = "sql"
	DedupRedis  = "redis"
	DedupMemory = "memory"
)

// Config holds server configuration.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DataDir     string `yaml:"data_dir"`
	ItemStore   string `yaml:"item_store"`
	DatabaseURL string `yaml:"database_url"`

	Dedup         string `yaml:"dedup"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	RulesPath   string        `yaml:"rules"`
	WatchRules  bool          `yaml:"watch_rules"`
	TriageEvery time.Duration `yaml:"triage_interval"`

	JWTSecret    string  `yaml:"jwt_secret"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	Audit        AuditConfig         `yaml:"audit"`
	Archive      archive.Config      `yaml:"archive"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Supervisor   supervisor.Config   `yaml:"supervisor"`
	Adapters     []AdapterConfig     `yaml:"adapters"`
}

// AuditConfig places the audit log and bounds its local retention.
type AuditConfig struct {
	Dir       string        `yaml:"dir"`
	Retention time.Duration `yaml:"retention"`
}

// AdapterConfig declares one drop-directory perception adapter.
type AdapterConfig struct {
	Name   string        `yaml:"name"`
	Dir    string        `yaml:"dir"`
	Rescan time.Duration `yaml:"rescan"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Port:         "8080",
		LogLevel:     "INFO",
		LogFormat:    "json",
		DataDir:      "data",
		ItemStore:    StoreSQLite,
		Dedup:        DedupSQL,
		RulesPath:    "rules.yaml",
		TriageEvery:  time.Second,
		RateLimitRPS: 10,
		RateBurst:    20,
		Audit:        AuditConfig{Retention: 90 * 24 * time.Hour},
		Orchestrator: orchestrator.DefaultConfig(),
		Supervisor:   supervisor.DefaultConfig(),
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := os.Getenv("STEWARD_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("STEWARD_DATA_DIR", &c.DataDir)
	str("STEWARD_STORE", &c.ItemStore)
	str("DATABASE_URL", &c.DatabaseURL)
	str("STEWARD_DEDUP", &c.Dedup)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("STEWARD_RULES", &c.RulesPath)
	str("STEWARD_JWT_SECRET", &c.JWTSecret)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	str("STEWARD_AUDIT_DIR", &c.Audit.Dir)

	if v := os.Getenv("ARCHIVE_TYPE"); v != "" {
		c.Archive.Type = archive.Type(v)
	}
	str("ARCHIVE_DIR", &c.Archive.Dir)
	str("ARCHIVE_S3_BUCKET", &c.Archive.S3Bucket)
	str("ARCHIVE_S3_REGION", &c.Archive.S3Region)
	str("ARCHIVE_S3_ENDPOINT", &c.Archive.S3Endpoint)
	str("ARCHIVE_S3_PREFIX", &c.Archive.S3Prefix)
	str("ARCHIVE_GCS_BUCKET", &c.Archive.GCSBucket)
	str("ARCHIVE_GCS_PREFIX", &c.Archive.GCSPrefix)

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: REDIS_DB: %w", ErrInvalid, err)
		}
		c.RedisDB = n
	}
	if v := os.Getenv("STEWARD_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: STEWARD_WORKERS: %w", ErrInvalid, err)
		}
		c.Orchestrator.Workers = n
	}
	if v := os.Getenv("STEWARD_BACKOFF_SECONDS"); v != "" {
		secs, err := parseInts(v)
		if err != nil {
			return fmt.Errorf("%w: STEWARD_BACKOFF_SECONDS: %w", ErrInvalid, err)
		}
		c.Orchestrator.Retry.BackoffSeconds = secs
	}
	if v := os.Getenv("STEWARD_WATCH_RULES"); v != "" {
		c.WatchRules = v == "true" || v == "1"
	}
	return nil
}

func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// fillPaths derives locations under DataDir that were left unset.
func (c *Config) fillPaths() {
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.DataDir, "audit")
	}
	if (c.Archive.Type == "" || c.Archive.Type == archive.TypeFS) && c.Archive.Dir == "" {
		c.Archive.Dir = filepath.Join(c.DataDir, "archive")
	}
	if c.ItemStore == StoreSQLite && c.DatabaseURL != "" {
		c.ItemStore = StorePostgres
	}
}

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "steward.db")
}

// ItemsDir is the root of the file item store.
func (c *Config) ItemsDir() string {
	return filepath.Join(c.DataDir, "items")
}

// Validate fails fast on settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	switch c.ItemStore {
	case StoreSQLite, StoreFile, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres item store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown item store %q", c.ItemStore))
	}
	switch c.Dedup {
	case DedupMemory:
	case DedupSQL:
		if c.ItemStore == StoreFile || c.ItemStore == StoreMemory {
			errs = append(errs, fmt.Errorf("sql dedup needs a sql item store, have %q", c.ItemStore))
		}
	case DedupRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for redis dedup"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dedup backend %q", c.Dedup))
	}
	if c.RulesPath == "" {
		errs = append(errs, errors.New("rules path is required"))
	}
	if c.Audit.Retention < audit.MinRetention {
		errs = append(errs, fmt.Errorf("audit retention %s is below the %s minimum", c.Audit.Retention, audit.MinRetention))
	}
	if c.Orchestrator.Workers < 0 {
		errs = append(errs, errors.New("orchestrator workers must not be negative"))
	}
	for _, s := range c.Orchestrator.Retry.BackoffSeconds {
		if s < 0 {
			errs = append(errs, errors.New("backoff seconds must not be negative"))
			break
		}
	}
	if c.RateLimitRPS <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	names := make(map[string]bool)
	for i, a := range c.Adapters {
		if a.Name == "" || a.Dir == "" {
			errs = append(errs, fmt.Errorf("adapter %d needs a name and a dir", i))
			continue
		}
		if names[a.Name] {
			errs = append(errs, fmt.Errorf("adapter %q declared twice", a.Name))
		}
		names[a.Name] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
