package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full zbxbridge configuration, loaded once at start.
type Config struct {
	Prefix       string        `mapstructure:"prefix" yaml:"prefix"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Limit        int           `mapstructure:"limit" yaml:"limit"`
	Send         bool          `mapstructure:"send" yaml:"send"`
	CatchUp      bool          `mapstructure:"catch_up" yaml:"catch_up"`
	QueryTimeout time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	SourceName   string        `mapstructure:"source_name" yaml:"source_name"`

	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Sink          SinkConfig          `mapstructure:"sink" yaml:"sink"`
	Streams       StreamsConfig       `mapstructure:"streams" yaml:"streams"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint" yaml:"checkpoint"`
	AdaptiveLimit AdaptiveLimitConfig `mapstructure:"adaptive_limit" yaml:"adaptive_limit"`
	SelfMetrics   SelfMetricsConfig   `mapstructure:"self_metrics" yaml:"self_metrics"`
	Status        StatusConfig        `mapstructure:"status" yaml:"status"`
	Log           LogConfig           `mapstructure:"log" yaml:"log"`
}

type DatabaseConfig struct {
	Driver   string            `mapstructure:"driver" yaml:"driver"`
	Host     string            `mapstructure:"host" yaml:"host"`
	Port     int               `mapstructure:"port" yaml:"port"`
	Name     string            `mapstructure:"name" yaml:"name"`
	User     string            `mapstructure:"user" yaml:"user"`
	Password string            `mapstructure:"password" yaml:"password"`
	Params   map[string]string `mapstructure:"params" yaml:"params,omitempty"`
}

type SinkConfig struct {
	Protocol   string            `mapstructure:"protocol" yaml:"protocol"`
	Host       string            `mapstructure:"host" yaml:"host"`
	Port       int               `mapstructure:"port" yaml:"port"`
	BatchSize  int               `mapstructure:"batch_size" yaml:"batch_size"`
	FlushEvery time.Duration     `mapstructure:"flush_every" yaml:"flush_every"`
	Timeout    time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Tags       map[string]string `mapstructure:"tags" yaml:"tags,omitempty"`
}

// Address returns host:port of the proxy.
func (s SinkConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StreamConfig struct {
	Table      string `mapstructure:"table" yaml:"table"`
	Checkpoint string `mapstructure:"checkpoint" yaml:"checkpoint"`
}

type StreamsConfig struct {
	Float   StreamConfig `mapstructure:"float" yaml:"float"`
	Integer StreamConfig `mapstructure:"integer" yaml:"integer"`
}

type CheckpointConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	BadgerDir string `mapstructure:"badger_dir" yaml:"badger_dir"`
}

type AdaptiveLimitConfig struct {
	Enabled   bool `mapstructure:"enabled" yaml:"enabled"`
	Increment int  `mapstructure:"increment" yaml:"increment"`
	Max       int  `mapstructure:"max" yaml:"max"`
}

type SelfMetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Runtime bool `mapstructure:"runtime" yaml:"runtime"`
}

type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var (
	prefixPattern = regexp.MustCompile(`^[A-Za-z0-9._-]*$`)
	tablePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Load reads the configuration from path (or the default search locations
// when path is empty), applies ZBXBRIDGE_* environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zbxbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/zbxbridge/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("prefix", DefaultPrefix)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("limit", DefaultLimit)
	v.SetDefault("send", false)
	v.SetDefault("catch_up", false)
	v.SetDefault("query_timeout", time.Duration(0))
	v.SetDefault("source_name", "")

	v.SetDefault("database.driver", DefaultDriver)
	v.SetDefault("database.host", DefaultDBHost)
	v.SetDefault("database.port", 0)
	v.SetDefault("database.name", DefaultDBName)
	v.SetDefault("database.user", DefaultDBUser)
	v.SetDefault("database.password", "")

	v.SetDefault("sink.protocol", DefaultSinkProtocol)
	v.SetDefault("sink.host", DefaultSinkHost)
	v.SetDefault("sink.port", DefaultSinkPort)
	v.SetDefault("sink.batch_size", DefaultSinkBatchSize)
	v.SetDefault("sink.flush_every", DefaultSinkFlushEvery)
	v.SetDefault("sink.timeout", DefaultSinkTimeout)

	v.SetDefault("streams.float.table", DefaultFloatTable)
	v.SetDefault("streams.float.checkpoint", DefaultFloatCheckpoint)
	v.SetDefault("streams.integer.table", DefaultIntegerTable)
	v.SetDefault("streams.integer.checkpoint", DefaultIntegerCheckpoint)

	v.SetDefault("checkpoint.backend", DefaultCheckpointBackend)
	v.SetDefault("checkpoint.badger_dir", DefaultBadgerDir)

	v.SetDefault("adaptive_limit.enabled", false)
	v.SetDefault("adaptive_limit.increment", DefaultLimitIncrement)
	v.SetDefault("adaptive_limit.max", DefaultLimitMax)

	v.SetDefault("self_metrics.enabled", false)
	v.SetDefault("self_metrics.runtime", false)

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.addr", DefaultStatusAddr)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 {
		if c.Database.Driver == DriverPostgres {
			c.Database.Port = DefaultPGPort
		} else {
			c.Database.Port = DefaultMySQLPort
		}
	}
	if c.SourceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.SourceName = host
		} else {
			c.SourceName = "zbxbridge"
		}
	}
}

// Validate checks the configuration for values the poll loop cannot run with.
func (c *Config) Validate() error {
	if !prefixPattern.MatchString(c.Prefix) {
		return fmt.Errorf("prefix %q may only contain letters, digits, '.', '_' and '-'", c.Prefix)
	}
	if c.Prefix != "" && (strings.HasPrefix(c.Prefix, ".") || strings.Contains(c.Prefix, "..") || !strings.HasSuffix(c.Prefix, ".")) {
		return fmt.Errorf("prefix %q must end with a single '.' and may not start with one or contain '..'", c.Prefix)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", c.Limit)
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query_timeout cannot be negative")
	}

	switch c.Database.Driver {
	case DriverMySQL, DriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverMySQL, DriverPostgres, c.Database.Driver)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}

	switch c.Sink.Protocol {
	case ProtocolTCP, ProtocolHTTP:
	default:
		return fmt.Errorf("sink.protocol must be %q or %q, got %q", ProtocolTCP, ProtocolHTTP, c.Sink.Protocol)
	}
	if c.Sink.Port <= 0 || c.Sink.Port > 65535 {
		return fmt.Errorf("sink.port out of range: %d", c.Sink.Port)
	}
	if c.Sink.BatchSize <= 0 {
		return fmt.Errorf("sink.batch_size must be positive")
	}
	if c.Sink.FlushEvery <= 0 {
		return fmt.Errorf("sink.flush_every must be positive")
	}

	for name, s := range map[string]StreamConfig{"float": c.Streams.Float, "integer": c.Streams.Integer} {
		if !tablePattern.MatchString(s.Table) {
			return fmt.Errorf("streams.%s.table %q is not a valid table name", name, s.Table)
		}
		if s.Checkpoint == "" {
			return fmt.Errorf("streams.%s.checkpoint is required", name)
		}
	}
	if filepath.Clean(c.Streams.Float.Checkpoint) == filepath.Clean(c.Streams.Integer.Checkpoint) {
		return fmt.Errorf("streams.float.checkpoint and streams.integer.checkpoint must differ (both %q)", c.Streams.Float.Checkpoint)
	}

	switch c.Checkpoint.Backend {
	case BackendFile, BackendMemory:
	case BackendBadger:
		if c.Checkpoint.BadgerDir == "" {
			return fmt.Errorf("checkpoint.badger_dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("checkpoint.backend must be %q, %q or %q, got %q", BackendFile, BackendBadger, BackendMemory, c.Checkpoint.Backend)
	}

	if c.AdaptiveLimit.Enabled {
		if c.AdaptiveLimit.Increment <= 0 {
			return fmt.Errorf("adaptive_limit.increment must be positive")
		}
		if c.AdaptiveLimit.Max < c.Limit {
			return fmt.Errorf("adaptive_limit.max (%d) is below limit (%d)", c.AdaptiveLimit.Max, c.Limit)
		}
	}

	if c.Status.Enabled && c.Status.Addr == "" {
		return fmt.Errorf("status.addr is required when the status server is enabled")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Dump renders the effective configuration as YAML with the database
// password redacted.
func Dump(c *Config) ([]byte, error) {
	redacted := *c
	if redacted.Database.Password != "" {
		redacted.Database.Password = "******"
	}
	return yaml.Marshal(&redacted)
}
