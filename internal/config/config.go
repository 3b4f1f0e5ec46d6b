// ABOUTME: Configuration loading and parsing for botwatch agents
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, BOTWATCH_* overrides and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Transport kinds accepted in transport.kind.
const (
	TransportMatrix   = "matrix"
	TransportKafka    = "kafka"
	TransportLoopback = "loopback"
)

// Defaults applied before the file is decoded.
const (
	DefaultPort           = 8448
	DefaultQueryTimeout   = 2 * time.Second
	DefaultJoinAttempts   = 5
	DefaultJoinBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultTelemetryRate  = 5.0
	DefaultTelemetryBurst = 10
	DefaultQueueSize      = 256
)

// Config represents the complete botwatch agent configuration
type Config struct {
	Identity     IdentityConfig     `yaml:"identity" toml:"identity"`
	Transport    TransportConfig    `yaml:"transport" toml:"transport"`
	Rooms        RoomsConfig        `yaml:"rooms" toml:"rooms"`
	Coordination CoordinationConfig `yaml:"coordination" toml:"coordination"`
	Session      SessionConfig      `yaml:"session" toml:"session"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" toml:"telemetry"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// IdentityConfig holds the login used to reach the messaging service
type IdentityConfig struct {
	Server   string `yaml:"server" toml:"server"`
	Port     int    `yaml:"port" toml:"port"`
	LoginID  string `yaml:"login_id" toml:"login_id"`
	Password string `yaml:"password" toml:"password"`
}

// TransportConfig selects and tunes the channel transport
type TransportConfig struct {
	Kind string `yaml:"kind" toml:"kind"`

	// Kafka only
	Brokers []string `yaml:"brokers" toml:"brokers"`

	// Matrix only
	RecoveryKey string `yaml:"recovery_key" toml:"recovery_key"` // enables E2EE when set
	DataDir     string `yaml:"data_dir" toml:"data_dir"`         // crypto store location
}

// RoomsConfig names the two rooms and their shared secrets
type RoomsConfig struct {
	Coordination RoomEntry `yaml:"coordination" toml:"coordination"`
	DataShare    RoomEntry `yaml:"datashare" toml:"datashare"`
}

// RoomEntry is one room as written in the config file
type RoomEntry struct {
	Name   string `yaml:"name" toml:"name"`
	Secret string `yaml:"secret" toml:"secret"`
}

// CoordinationConfig holds track coordination timing
type CoordinationConfig struct {
	QueryTimeout      time.Duration `yaml:"-" toml:"-"`
	TimeoutJitter     time.Duration `yaml:"-" toml:"-"`
	YieldOnContention bool          `yaml:"yield_on_contention" toml:"yield_on_contention"`

	// Raw string values for unmarshaling
	QueryTimeoutRaw  string `yaml:"query_timeout" toml:"query_timeout"`
	TimeoutJitterRaw string `yaml:"timeout_jitter" toml:"timeout_jitter"`
}

// SessionConfig holds the room join retry policy
type SessionConfig struct {
	JoinAttempts int           `yaml:"join_attempts" toml:"join_attempts"`
	JoinBackoff  time.Duration `yaml:"-" toml:"-"`
	MaxBackoff   time.Duration `yaml:"-" toml:"-"`

	JoinBackoffRaw string `yaml:"join_backoff" toml:"join_backoff"`
	MaxBackoffRaw  string `yaml:"max_backoff" toml:"max_backoff"`
}

// TelemetryConfig holds data-share publishing settings
type TelemetryConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int     `yaml:"burst" toml:"burst"`
	QueueSize     int     `yaml:"queue_size" toml:"queue_size"`
	Markdown      bool    `yaml:"markdown" toml:"markdown"`
}

// DatabaseConfig holds the registry database location. Empty keeps the
// monitored set in memory only.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// envOverrides are read from BOTWATCH_* variables after the file is decoded.
// Empty or zero values leave the file value alone.
type envOverrides struct {
	Server       string `envconfig:"SERVER"`
	Port         int    `envconfig:"PORT"`
	LoginID      string `envconfig:"LOGIN_ID"`
	Password     string `envconfig:"PASSWORD"`
	Transport    string `envconfig:"TRANSPORT"`
	DatabasePath string `envconfig:"DATABASE_PATH"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
}

// Default returns a Config with every default filled in.
func Default() *Config {
	return &Config{
		Identity:  IdentityConfig{Port: DefaultPort},
		Transport: TransportConfig{Kind: TransportMatrix},
		Rooms: RoomsConfig{
			Coordination: RoomEntry{Name: "coordination"},
			DataShare:    RoomEntry{Name: "datashare"},
		},
		Coordination: CoordinationConfig{QueryTimeout: DefaultQueryTimeout},
		Session: SessionConfig{
			JoinAttempts: DefaultJoinAttempts,
			JoinBackoff:  DefaultJoinBackoff,
			MaxBackoff:   DefaultMaxBackoff,
		},
		Telemetry: TelemetryConfig{
			RatePerSecond: DefaultTelemetryRate,
			Burst:         DefaultTelemetryBurst,
			QueueSize:     DefaultQueueSize,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvOverrides(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process("botwatch", &env); err != nil {
		return err
	}

	if env.Server != "" {
		cfg.Identity.Server = env.Server
	}
	if env.Port != 0 {
		cfg.Identity.Port = env.Port
	}
	if env.LoginID != "" {
		cfg.Identity.LoginID = env.LoginID
	}
	if env.Password != "" {
		cfg.Identity.Password = env.Password
	}
	if env.Transport != "" {
		cfg.Transport.Kind = env.Transport
	}
	if env.DatabasePath != "" {
		cfg.Database.Path = env.DatabasePath
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportMatrix, TransportLoopback:
	case TransportKafka:
		if len(c.Transport.Brokers) == 0 {
			return fmt.Errorf("transport.brokers is required for the kafka transport")
		}
	default:
		return fmt.Errorf("transport.kind %q is not one of matrix, kafka, loopback", c.Transport.Kind)
	}

	if c.Transport.Kind != TransportLoopback && c.Identity.Server == "" {
		return fmt.Errorf("identity.server is required")
	}
	if c.Transport.Kind == TransportMatrix {
		if c.Identity.Port <= 0 || c.Identity.Port > 65535 {
			return fmt.Errorf("identity.port %d is out of range", c.Identity.Port)
		}
		if _, err := url.Parse(c.Identity.HomeserverURL()); err != nil {
			return fmt.Errorf("identity.server does not form a valid URL: %w", err)
		}
		if c.Identity.Password == "" {
			return fmt.Errorf("identity.password is required")
		}
	}
	if c.Identity.LoginID == "" {
		return fmt.Errorf("identity.login_id is required")
	}

	if c.Rooms.Coordination.Name == "" {
		return fmt.Errorf("rooms.coordination.name is required")
	}
	if c.Rooms.DataShare.Name == "" {
		return fmt.Errorf("rooms.datashare.name is required")
	}
	if c.Rooms.Coordination.Name == c.Rooms.DataShare.Name {
		return fmt.Errorf("rooms.coordination and rooms.datashare must be different rooms")
	}

	if c.Coordination.QueryTimeout <= 0 {
		return fmt.Errorf("coordination.query_timeout must be positive")
	}
	if c.Coordination.TimeoutJitter < 0 {
		return fmt.Errorf("coordination.timeout_jitter must not be negative")
	}
	if c.Session.JoinAttempts < 1 {
		return fmt.Errorf("session.join_attempts must be at least 1")
	}
	if c.Telemetry.RatePerSecond <= 0 {
		return fmt.Errorf("telemetry.rate_per_second must be positive")
	}
	if c.Telemetry.Burst < 1 {
		return fmt.Errorf("telemetry.burst must be at least 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"coordination.query_timeout", cfg.Coordination.QueryTimeoutRaw, &cfg.Coordination.QueryTimeout},
		{"coordination.timeout_jitter", cfg.Coordination.TimeoutJitterRaw, &cfg.Coordination.TimeoutJitter},
		{"session.join_backoff", cfg.Session.JoinBackoffRaw, &cfg.Session.JoinBackoff},
		{"session.max_backoff", cfg.Session.MaxBackoffRaw, &cfg.Session.MaxBackoff},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// AgentIdentity is the login an agent presents for one session. It is a value:
// reconfiguration replaces it wholesale.
type AgentIdentity struct {
	Server   string
	Port     int
	LoginID  string
	Password string
}

// AgentIdentity returns the identity described by the config.
func (c *Config) AgentIdentity() AgentIdentity {
	return AgentIdentity{
		Server:   c.Identity.Server,
		Port:     c.Identity.Port,
		LoginID:  c.Identity.LoginID,
		Password: c.Identity.Password,
	}
}

// HomeserverURL returns the https base URL of the identity's server.
func (i IdentityConfig) HomeserverURL() string {
	return AgentIdentity{Server: i.Server, Port: i.Port}.HomeserverURL()
}

// HomeserverURL returns the https base URL of the identity's server.
func (a AgentIdentity) HomeserverURL() string {
	host := a.Server
	if a.Port != 0 {
		host = host + ":" + strconv.Itoa(a.Port)
	}
	return (&url.URL{Scheme: "https", Host: host}).String()
}

// Localpart returns the login without a leading @ and without the server part.
// Example: @agent1:example.org -> agent1
func (a AgentIdentity) Localpart() string {
	s := strings.TrimPrefix(a.LoginID, "@")
	if i := strings.IndexAny(s, ":@"); i >= 0 {
		s = s[:i]
	}
	return s
}

// String renders the identity without its password.
func (a AgentIdentity) String() string {
	return fmt.Sprintf("%s via %s:%d", a.LoginID, a.Server, a.Port)
}

// RoomConfig addresses one room and carries its shared secret.
type RoomConfig struct {
	Address string
	Secret  string
}

// RoomSet is the pair of rooms a session joins.
type RoomSet struct {
	Coordination RoomConfig
	DataShare    RoomConfig
}

// RoomSet derives the room addresses for the configured transport.
// Matrix rooms are aliases on the identity's server; Kafka and loopback use the bare name.
func (c *Config) RoomSet() RoomSet {
	addr := func(name string) string {
		if c.Transport.Kind == TransportMatrix {
			return "#" + name + ":" + c.Identity.Server
		}
		return name
	}
	return RoomSet{
		Coordination: RoomConfig{Address: addr(c.Rooms.Coordination.Name), Secret: c.Rooms.Coordination.Secret},
		DataShare:    RoomConfig{Address: addr(c.Rooms.DataShare.Name), Secret: c.Rooms.DataShare.Secret},
	}
}
