package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. STRATUM_ENGINE_MAX_PARALLELISM
// for engine.max_parallelism.
const EnvPrefix = "STRATUM"

// Settings is the engine configuration.
type Settings struct {
	Server  ServerSettings  `mapstructure:"server"`
	Engine  EngineSettings  `mapstructure:"engine"`
	Logging LoggingSettings `mapstructure:"logging"`
	Audit   AuditSettings   `mapstructure:"audit"`
}

// ServerSettings controls the HTTP adapter.
type ServerSettings struct {
	Addr              string `mapstructure:"addr"`
	ReadTimeoutMs     int    `mapstructure:"read_timeout_ms"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown_timeout_ms"`
	// MaxBodyBytes limits request bodies (spec documents, step reports).
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
	// SpecsDir, when set, is watched for spec documents to register.
	SpecsDir string `mapstructure:"specs_dir"`
}

// EngineSettings controls run execution.
type EngineSettings struct {
	// DefaultStepCost is the estimate of a step whose function has no budget hint.
	DefaultStepCost float64 `mapstructure:"default_step_cost"`
	DefaultStepMs   int64   `mapstructure:"default_step_ms"`
	// MaxCost and MaxMs cap runs of flows that declare no budget. Zero is uncapped.
	MaxCost float64 `mapstructure:"max_cost"`
	MaxMs   int64   `mapstructure:"max_ms"`
	// Checkpoint is the fraction of the cap at which the checkpoint event fires.
	Checkpoint     float64 `mapstructure:"checkpoint"`
	MaxParallelism int     `mapstructure:"max_parallelism"`
	// Provider retry, separate from contract retries.
	ProviderAttempts     int `mapstructure:"provider_attempts"`
	ProviderBackoffMs    int `mapstructure:"provider_backoff_ms"`
	ProviderMaxBackoffMs int `mapstructure:"provider_max_backoff_ms"`
}

// LoggingSettings controls the process logger.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuditSettings selects the audit backend.
type AuditSettings struct {
	// Backend is "memory" or "postgres".
	Backend      string          `mapstructure:"backend"`
	DatabaseURL  string          `mapstructure:"database_url"`
	MaxOpenConns int             `mapstructure:"max_open_conns"`
	Archive      ArchiveSettings `mapstructure:"archive"`
}

// ArchiveSettings configures archival of finished run traces to S3-compatible
// object storage.
type ArchiveSettings struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// DefaultSettings returns Settings with sensible default values.
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Addr:              "127.0.0.1:8080",
			ReadTimeoutMs:     10000,
			ShutdownTimeoutMs: 5000,
			MaxBodyBytes:      1 << 20, // 1 MiB
		},
		Engine: EngineSettings{
			DefaultStepCost:      0,
			DefaultStepMs:        0,
			MaxCost:              0, // Uncapped unless the flow declares a budget
			MaxMs:                0,
			Checkpoint:           0.8,
			MaxParallelism:       4,
			ProviderAttempts:     3,
			ProviderBackoffMs:    100,
			ProviderMaxBackoffMs: 2000,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditSettings{
			Backend:      "memory",
			MaxOpenConns: 10,
			Archive: ArchiveSettings{
				Prefix: "runs",
			},
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := DefaultSettings()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout_ms", d.Server.ReadTimeoutMs)
	v.SetDefault("server.shutdown_timeout_ms", d.Server.ShutdownTimeoutMs)
	v.SetDefault("server.max_body_bytes", d.Server.MaxBodyBytes)
	v.SetDefault("server.specs_dir", d.Server.SpecsDir)

	v.SetDefault("engine.default_step_cost", d.Engine.DefaultStepCost)
	v.SetDefault("engine.default_step_ms", d.Engine.DefaultStepMs)
	v.SetDefault("engine.max_cost", d.Engine.MaxCost)
	v.SetDefault("engine.max_ms", d.Engine.MaxMs)
	v.SetDefault("engine.checkpoint", d.Engine.Checkpoint)
	v.SetDefault("engine.max_parallelism", d.Engine.MaxParallelism)
	v.SetDefault("engine.provider_attempts", d.Engine.ProviderAttempts)
	v.SetDefault("engine.provider_backoff_ms", d.Engine.ProviderBackoffMs)
	v.SetDefault("engine.provider_max_backoff_ms", d.Engine.ProviderMaxBackoffMs)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("audit.backend", d.Audit.Backend)
	v.SetDefault("audit.database_url", d.Audit.DatabaseURL)
	v.SetDefault("audit.max_open_conns", d.Audit.MaxOpenConns)
	v.SetDefault("audit.archive.enabled", d.Audit.Archive.Enabled)
	v.SetDefault("audit.archive.endpoint", d.Audit.Archive.Endpoint)
	v.SetDefault("audit.archive.access_key", d.Audit.Archive.AccessKey)
	v.SetDefault("audit.archive.secret_key", d.Audit.Archive.SecretKey)
	v.SetDefault("audit.archive.bucket", d.Audit.Archive.Bucket)
	v.SetDefault("audit.archive.use_ssl", d.Audit.Archive.UseSSL)
	v.SetDefault("audit.archive.prefix", d.Audit.Archive.Prefix)
}

// NewViper returns a viper instance with defaults and environment overrides
// registered. cfgFile, when non-empty, is read and must exist.
func NewViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings %s: %w", cfgFile, err)
		}
		return v, nil
	}

	v.SetConfigName("stratum")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/stratum")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading settings: %w", err)
		}
	}
	return v, nil
}

// LoadSettings reads v into Settings and validates them.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	if errs := s.Validate(); len(errs) > 0 {
		return nil, SettingsErrors(errs)
	}
	return &s, nil
}

// ReadTimeout returns the read timeout as a time.Duration.
func (s *ServerSettings) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the shutdown timeout as a time.Duration.
func (s *ServerSettings) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

// SettingsError represents a single settings validation failure.
type SettingsError struct {
	Field   string
	Value   any
	Message string
}

func (e SettingsError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// SettingsErrors is a collection of settings validation errors.
type SettingsErrors []SettingsError

func (e SettingsErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d settings errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted logging levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted logging formats.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// ValidAuditBackends returns the accepted audit backends.
func ValidAuditBackends() []string {
	return []string{"memory", "postgres"}
}

// Validate checks the Settings and returns every problem found.
func (s *Settings) Validate() []SettingsError {
	var errs []SettingsError
	add := func(field string, value any, msg string) {
		errs = append(errs, SettingsError{Field: field, Value: value, Message: msg})
	}

	if s.Server.Addr == "" {
		add("server.addr", s.Server.Addr, "must not be empty")
	}
	if s.Server.MaxBodyBytes <= 0 {
		add("server.max_body_bytes", s.Server.MaxBodyBytes, "must be positive")
	}

	e := s.Engine
	if e.DefaultStepCost < 0 {
		add("engine.default_step_cost", e.DefaultStepCost, "must not be negative")
	}
	if e.DefaultStepMs < 0 {
		add("engine.default_step_ms", e.DefaultStepMs, "must not be negative")
	}
	if e.MaxCost < 0 {
		add("engine.max_cost", e.MaxCost, "must not be negative")
	}
	if e.MaxMs < 0 {
		add("engine.max_ms", e.MaxMs, "must not be negative")
	}
	if e.Checkpoint <= 0 || e.Checkpoint > 1 {
		add("engine.checkpoint", e.Checkpoint, "must be within (0, 1]")
	}
	if e.MaxParallelism < 1 {
		add("engine.max_parallelism", e.MaxParallelism, "must be at least 1")
	}
	if e.ProviderAttempts < 1 || e.ProviderAttempts > 10 {
		add("engine.provider_attempts", e.ProviderAttempts, "must be between 1 and 10")
	}
	if e.ProviderBackoffMs < 0 || e.ProviderMaxBackoffMs < e.ProviderBackoffMs {
		add("engine.provider_backoff_ms", e.ProviderBackoffMs, "must be >= 0 and <= provider_max_backoff_ms")
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(s.Logging.Level)) {
		add("logging.level", s.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), s.Logging.Format) {
		add("logging.format", s.Logging.Format, "must be one of "+strings.Join(ValidLogFormats(), ", "))
	}

	a := s.Audit
	if !slices.Contains(ValidAuditBackends(), a.Backend) {
		add("audit.backend", a.Backend, "must be one of "+strings.Join(ValidAuditBackends(), ", "))
	}
	if a.Backend == "postgres" && a.DatabaseURL == "" {
		add("audit.database_url", a.DatabaseURL, "is required for the postgres backend")
	}
	if a.Archive.Enabled {
		if a.Archive.Endpoint == "" {
			add("audit.archive.endpoint", a.Archive.Endpoint, "is required when archiving is enabled")
		}
		if a.Archive.Bucket == "" {
			add("audit.archive.bucket", a.Archive.Bucket, "is required when archiving is enabled")
		}
	}
	return errs
}
