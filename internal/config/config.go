// Package config loads engine configuration with the precedence required by
// the deployment model: CLI flags override environment variables, which
// override the optional YAML config file, which overrides built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the root engine configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Inference    InferenceConfig    `mapstructure:"inference"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Session      SessionConfig      `mapstructure:"session"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Personality  PersonalityConfig  `mapstructure:"personality"`
}

// InferenceConfig configures the model backend client.
type InferenceConfig struct {
	Host              string        `mapstructure:"host"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	ModelsFile        string        `mapstructure:"models_file"`
	StrictStartup     bool          `mapstructure:"strict_startup"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
	MaxStringLen int    `mapstructure:"max_string_len"`
}

// StorageConfig configures on-disk state. All paths derive from DataDir
// unless set explicitly.
type StorageConfig struct {
	DataDir         string `mapstructure:"data_dir"`
	PersonaFile     string `mapstructure:"persona_file"`
	MemoryDir       string `mapstructure:"memory_dir"`
	ConversationDir string `mapstructure:"conversation_dir"`
	WorkspaceDir    string `mapstructure:"workspace_dir"`
	DatabasePath    string `mapstructure:"database_path"`
	RetainRecords   int    `mapstructure:"retain_records"`
}

// OrchestratorConfig bounds workflow execution.
type OrchestratorConfig struct {
	MaxWorkers      int           `mapstructure:"max_workers"`
	WorkflowTimeout time.Duration `mapstructure:"workflow_timeout"`
}

// SessionConfig configures conversation memory.
type SessionConfig struct {
	Window    int    `mapstructure:"window"`
	RedisAddr string `mapstructure:"redis_addr"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// PersonalityConfig carries the externally resolved personality prompt
// prefix. The engine treats it as opaque text.
type PersonalityConfig struct {
	Prefix string `mapstructure:"prefix"`
	Style  string `mapstructure:"style"`
}

// RegisterFlags defines the CLI flags recognised by the engine on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config file")
	fs.String("http-host", "", "HTTP listen host")
	fs.Int("http-port", 0, "HTTP listen port")
	fs.String("inference-host", "", "inference backend base URL")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("data-dir", "", "data directory for persisted state")
	fs.Int("workers", 0, "maximum concurrent inference workers")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("inference.host", "http://localhost:11434")
	v.SetDefault("inference.connect_timeout", 5*time.Second)
	v.SetDefault("inference.request_timeout", 120*time.Second)
	v.SetDefault("inference.requests_per_second", 0.0)
	v.SetDefault("inference.strict_startup", false)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.max_string_len", 16*1024)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.retain_records", 10000)
	v.SetDefault("orchestrator.max_workers", 4)
	v.SetDefault("orchestrator.workflow_timeout", 600*time.Second)
	v.SetDefault("session.window", 20)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "dirigent")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

func bindEnv(v *viper.Viper) {
	// Recognised environment variables. Bound individually so the names
	// stay stable regardless of key layout.
	_ = v.BindEnv("inference.host", "INFERENCE_HOST")
	_ = v.BindEnv("http.host", "HTTP_HOST")
	_ = v.BindEnv("http.port", "HTTP_PORT")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("session.redis_addr", "SESSION_REDIS_ADDR")
	_ = v.BindEnv("storage.data_dir", "DATA_DIR")
	_ = v.BindEnv("tracing.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	if fs == nil {
		return
	}
	bindings := map[string]string{
		"http.host":                "http-host",
		"http.port":                "http-port",
		"inference.host":           "inference-host",
		"log_level":                "log-level",
		"storage.data_dir":         "data-dir",
		"orchestrator.max_workers": "workers",
	}
	for key, name := range bindings {
		if f := fs.Lookup(name); f != nil && f.Changed {
			_ = v.BindPFlag(key, f)
		}
	}
}

// Load builds the configuration. path may be empty, in which case
// config/dirigent.yaml is read when present and silently skipped otherwise.
// An explicitly given path must exist.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = filepath.Join("config", "dirigent.yaml")
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	bindEnv(v)
	bindFlags(v, fs)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills storage paths that default relative to the data dir.
func (c *Config) applyDerived() {
	if c.Storage.PersonaFile == "" {
		c.Storage.PersonaFile = filepath.Join(c.Storage.DataDir, "personas.yaml")
	}
	if c.Storage.MemoryDir == "" {
		c.Storage.MemoryDir = filepath.Join(c.Storage.DataDir, "memory")
	}
	if c.Storage.ConversationDir == "" {
		c.Storage.ConversationDir = filepath.Join(c.Storage.DataDir, "conversations")
	}
	if c.Storage.WorkspaceDir == "" {
		c.Storage.WorkspaceDir = filepath.Join(c.Storage.DataDir, "workspace")
	}
	if c.Inference.ModelsFile == "" {
		c.Inference.ModelsFile = filepath.Join("config", "models.yaml")
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port %d", c.HTTP.Port)
	}
	if !strings.HasPrefix(c.Inference.Host, "http://") && !strings.HasPrefix(c.Inference.Host, "https://") {
		return fmt.Errorf("inference.host must be an http(s) URL, got %q", c.Inference.Host)
	}
	if c.Orchestrator.MaxWorkers < 1 {
		return fmt.Errorf("orchestrator.max_workers must be >= 1, got %d", c.Orchestrator.MaxWorkers)
	}
	if c.Orchestrator.WorkflowTimeout <= 0 {
		return fmt.Errorf("orchestrator.workflow_timeout must be positive")
	}
	if c.Session.Window < 1 {
		return fmt.Errorf("session.window must be >= 1, got %d", c.Session.Window)
	}
	if c.Storage.RetainRecords < 1 {
		return fmt.Errorf("storage.retain_records must be >= 1, got %d", c.Storage.RetainRecords)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
