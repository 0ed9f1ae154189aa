package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"github.com/srcds-exporter/srcds-exporter/internal/circuit"
	s3store "github.com/srcds-exporter/srcds-exporter/internal/storage/s3"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "SRCDS_EXPORTER_"

// Server modes.
const (
	ModeAuto   = "auto"
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Transports for reading console output.
const (
	TransportRCON = "rcon"
	TransportDump = "dump"
	TransportS3   = "s3"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Server     ServerConfig     `yaml:"server"`
	Target     TargetConfig     `yaml:"target"`
	Cache      CacheConfig      `yaml:"cache"`
	Network    NetworkConfig    `yaml:"network"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig represents the HTTP listener settings
type ServerConfig struct {
	Address         string        `yaml:"address"`
	Port            int           `yaml:"port"`
	Mode            string        `yaml:"mode"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TargetConfig represents the game server scraped in single-server mode
type TargetConfig struct {
	Address   string         `yaml:"address"`
	Port      int            `yaml:"port"`
	Password  string         `yaml:"password"`
	Transport string         `yaml:"transport"`
	Dump      DumpConfig     `yaml:"dump"`
	S3        s3store.Config `yaml:"s3"`
}

// DumpConfig represents the dump directory transport
type DumpConfig struct {
	Directory string `yaml:"directory"`
}

// CacheConfig represents scrape cache settings
type CacheConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	FailureTTL     time.Duration `yaml:"failure_ttl"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	MaxWait        time.Duration `yaml:"max_wait"`
	FailurePolicy  string        `yaml:"failure_policy"`
	MaxTargets     int           `yaml:"max_targets"`
}

// NetworkConfig represents network configuration
type NetworkConfig struct {
	Timeouts       TimeoutConfig  `yaml:"timeouts"`
	Retry          RetryConfig    `yaml:"retry"`
	CircuitBreaker circuit.Config `yaml:"circuit_breaker"`
	CircuitEnabled bool           `yaml:"circuit_breaker_enabled"`
}

// TimeoutConfig represents RCON timeout settings
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Command time.Duration `yaml:"command"`
}

// RetryConfig represents RCON reconnect settings
type RetryConfig struct {
	ReconnectAttempts int `yaml:"reconnect_attempts"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig represents the exporter's self metrics
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Path         string            `yaml:"path"`
	Namespace    string            `yaml:"namespace"`
	GoCollector  bool              `yaml:"go_collector"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthConfig represents target health thresholds
type HealthConfig struct {
	ErrorThreshold       int `yaml:"error_threshold"`
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Server: ServerConfig{
			Address:         "127.0.0.1",
			Port:            9591,
			Mode:            ModeAuto,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Target: TargetConfig{
			Address:   "localhost",
			Port:      27015,
			Transport: TransportRCON,
			S3:        *s3store.NewDefaultConfig(),
		},
		Cache: CacheConfig{
			TTL:            5 * time.Second,
			FailureTTL:     5 * time.Second,
			RefreshTimeout: 8 * time.Second,
			MaxWait:        10 * time.Second,
			FailurePolicy:  "stale",
			MaxTargets:     64,
		},
		Network: NetworkConfig{
			Timeouts: TimeoutConfig{
				Connect: 1 * time.Second,
				Command: 2 * time.Second,
			},
			Retry: RetryConfig{
				ReconnectAttempts: 2,
			},
			CircuitBreaker: circuit.DefaultConfig(),
			CircuitEnabled: true,
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:      true,
				Path:         "/exporter/metrics",
				Namespace:    "srcds_exporter",
				GoCollector:  true,
				CustomLabels: map[string]string{},
			},
			Health: HealthConfig{
				ErrorThreshold:       1,
				UnavailableThreshold: 3,
			},
			Logging: LoggingConfig{
				Level:  "INFO",
				Format: "json",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from SRCDS_EXPORTER_* environment
// variables. Every malformed value is reported.
func (c *Configuration) LoadFromEnv() error {
	var errs error

	str := func(name string, dst *string) {
		if val, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = val
		}
	}
	num := func(name string, dst *int) {
		val, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
	dur := func(name string, dst *time.Duration) {
		val, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			return
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
	flag := func(name string, dst *bool) {
		val, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			return
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}

	// Server settings
	str("ADDRESS", &c.Server.Address)
	num("PORT", &c.Server.Port)
	str("MODE", &c.Server.Mode)

	// Target settings
	str("SERVER_ADDRESS", &c.Target.Address)
	num("SERVER_PORT", &c.Target.Port)
	str("PASSWORD", &c.Target.Password)
	str("TRANSPORT", &c.Target.Transport)
	str("DUMP_DIR", &c.Target.Dump.Directory)
	str("S3_BUCKET", &c.Target.S3.Bucket)
	str("S3_PREFIX", &c.Target.S3.Prefix)
	str("S3_REGION", &c.Target.S3.Region)
	str("S3_ENDPOINT", &c.Target.S3.Endpoint)
	flag("S3_FORCE_PATH_STYLE", &c.Target.S3.ForcePathStyle)

	// Cache settings
	dur("CACHE_TTL", &c.Cache.TTL)
	dur("FAILURE_TTL", &c.Cache.FailureTTL)
	dur("REFRESH_TIMEOUT", &c.Cache.RefreshTimeout)
	dur("MAX_WAIT", &c.Cache.MaxWait)
	str("FAILURE_POLICY", &c.Cache.FailurePolicy)
	num("MAX_TARGETS", &c.Cache.MaxTargets)

	// Network settings
	dur("CONNECT_TIMEOUT", &c.Network.Timeouts.Connect)
	dur("COMMAND_TIMEOUT", &c.Network.Timeouts.Command)
	num("RECONNECT_ATTEMPTS", &c.Network.Retry.ReconnectAttempts)
	flag("CIRCUIT_BREAKER", &c.Network.CircuitEnabled)

	// Monitoring settings
	str("LOG_LEVEL", &c.Monitoring.Logging.Level)
	str("LOG_FORMAT", &c.Monitoring.Logging.Format)
	flag("SELF_METRICS", &c.Monitoring.Metrics.Enabled)

	return errs
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// EffectiveMode resolves ModeAuto. File based transports and a configured
// password select single-server mode; otherwise targets come from the
// scrape request.
func (c *Configuration) EffectiveMode() string {
	mode := strings.ToLower(c.Server.Mode)
	if mode != ModeAuto && mode != "" {
		return mode
	}
	if c.Target.Transport != TransportRCON || c.Target.Password != "" {
		return ModeSingle
	}
	return ModeMulti
}

// ListenAddress returns host:port of the HTTP listener.
func (c *Configuration) ListenAddress() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// TargetAddress returns host:port of the single-server target.
func (c *Configuration) TargetAddress() string {
	return net.JoinHostPort(c.Target.Address, strconv.Itoa(c.Target.Port))
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	switch strings.ToLower(c.Server.Mode) {
	case ModeAuto, ModeSingle, ModeMulti, "":
	default:
		return fmt.Errorf("invalid mode: %s (must be one of: auto, single, multi)", c.Server.Mode)
	}

	switch c.Target.Transport {
	case TransportRCON:
	case TransportDump:
		if c.Target.Dump.Directory == "" {
			return fmt.Errorf("dump transport requires target.dump.directory")
		}
	case TransportS3:
		if c.Target.S3.Bucket == "" {
			return fmt.Errorf("s3 transport requires target.s3.bucket")
		}
	default:
		return fmt.Errorf("invalid transport: %s (must be one of: rcon, dump, s3)", c.Target.Transport)
	}

	switch c.EffectiveMode() {
	case ModeSingle:
		if c.Target.Transport == TransportRCON {
			if c.Target.Password == "" {
				return fmt.Errorf("password is required in single-server mode")
			}
			if c.Target.Address == "" {
				return fmt.Errorf("server_address is required in single-server mode")
			}
			if c.Target.Port <= 0 || c.Target.Port > 65535 {
				return fmt.Errorf("invalid server_port: %d", c.Target.Port)
			}
		}
	case ModeMulti:
		if c.Target.Transport != TransportRCON {
			return fmt.Errorf("multi-target mode requires the rcon transport")
		}
		if c.Cache.MaxTargets <= 0 {
			return fmt.Errorf("max_targets must be greater than 0")
		}
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache ttl must be greater than 0")
	}
	if c.Cache.FailureTTL < 0 {
		return fmt.Errorf("cache failure_ttl cannot be negative")
	}
	if c.Cache.RefreshTimeout <= 0 {
		return fmt.Errorf("refresh_timeout must be greater than 0")
	}
	if c.Cache.MaxWait <= 0 {
		return fmt.Errorf("max_wait must be greater than 0")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Cache.MaxWait {
		return fmt.Errorf("write_timeout (%s) must exceed max_wait (%s)", c.Server.WriteTimeout, c.Cache.MaxWait)
	}
	switch c.Cache.FailurePolicy {
	case "stale", "error":
	default:
		return fmt.Errorf("invalid failure_policy: %s (must be one of: stale, error)", c.Cache.FailurePolicy)
	}

	if c.Network.Retry.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts cannot be negative")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Monitoring.Logging.Level) == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Monitoring.Logging.Level, strings.Join(validLogLevels, ", "))
	}

	return nil
}
