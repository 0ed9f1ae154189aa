package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Test Constants
const (
	TestDebugLevel = "DEBUG"
	TestPassword   = "hunter2"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Server.Address != "127.0.0.1" {
		t.Errorf("Expected Address to be 127.0.0.1, got %s", cfg.Server.Address)
	}
	if cfg.Server.Port != 9591 {
		t.Errorf("Expected Port to be 9591, got %d", cfg.Server.Port)
	}
	if cfg.Target.Address != "localhost" || cfg.Target.Port != 27015 {
		t.Errorf("Expected target localhost:27015, got %s", cfg.TargetAddress())
	}
	if cfg.Target.Transport != TransportRCON {
		t.Errorf("Expected transport rcon, got %s", cfg.Target.Transport)
	}

	if cfg.Cache.TTL != 5*time.Second {
		t.Errorf("Expected Cache TTL to be 5s, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.RefreshTimeout != 8*time.Second {
		t.Errorf("Expected RefreshTimeout to be 8s, got %v", cfg.Cache.RefreshTimeout)
	}
	if cfg.Cache.FailurePolicy != "stale" {
		t.Errorf("Expected FailurePolicy to be stale, got %s", cfg.Cache.FailurePolicy)
	}

	if cfg.Network.Timeouts.Connect != time.Second || cfg.Network.Timeouts.Command != 2*time.Second {
		t.Errorf("Expected 1s/2s rcon timeouts, got %v/%v", cfg.Network.Timeouts.Connect, cfg.Network.Timeouts.Command)
	}
	if cfg.Network.Retry.ReconnectAttempts != 2 {
		t.Errorf("Expected 2 reconnect attempts, got %d", cfg.Network.Retry.ReconnectAttempts)
	}
	if !cfg.Network.CircuitEnabled {
		t.Error("Expected circuit breaker to be enabled by default")
	}

	// Without a password the defaults run in multi-target mode
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
	if cfg.EffectiveMode() != ModeMulti {
		t.Errorf("Expected multi mode without password, got %s", cfg.EffectiveMode())
	}
}

func TestEffectiveMode(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		password  string
		transport string
		want      string
	}{
		{"auto without password", ModeAuto, "", TransportRCON, ModeMulti},
		{"auto with password", ModeAuto, TestPassword, TransportRCON, ModeSingle},
		{"auto with dump", ModeAuto, "", TransportDump, ModeSingle},
		{"explicit multi", ModeMulti, TestPassword, TransportRCON, ModeMulti},
		{"explicit single uppercase", "SINGLE", TestPassword, TransportRCON, ModeSingle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			cfg.Server.Mode = tt.mode
			cfg.Target.Password = tt.password
			cfg.Target.Transport = tt.transport
			if got := cfg.EffectiveMode(); got != tt.want {
				t.Errorf("EffectiveMode() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: func() *Configuration {
				return NewDefault()
			},
			wantErr: false,
		},
		{
			name: "valid single server",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Target.Password = TestPassword
				return cfg
			},
			wantErr: false,
		},
		{
			name: "invalid port",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Server.Port = 70000
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid port",
		},
		{
			name: "invalid mode",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Server.Mode = "cluster"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid mode",
		},
		{
			name: "single server without password",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Server.Mode = ModeSingle
				return cfg
			},
			wantErr: true,
			errMsg:  "password is required",
		},
		{
			name: "multi target with dump transport",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Server.Mode = ModeMulti
				cfg.Target.Transport = TransportDump
				cfg.Target.Dump.Directory = "/tmp"
				return cfg
			},
			wantErr: true,
			errMsg:  "requires the rcon transport",
		},
		{
			name: "dump without directory",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Target.Transport = TransportDump
				return cfg
			},
			wantErr: true,
			errMsg:  "target.dump.directory",
		},
		{
			name: "s3 without bucket",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Target.Transport = TransportS3
				return cfg
			},
			wantErr: true,
			errMsg:  "target.s3.bucket",
		},
		{
			name: "unknown transport",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Target.Transport = "telnet"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid transport",
		},
		{
			name: "zero ttl",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.TTL = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "cache ttl must be greater than 0",
		},
		{
			name: "write timeout shorter than max wait",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Server.WriteTimeout = 5 * time.Second
				return cfg
			},
			wantErr: true,
			errMsg:  "must exceed max_wait",
		},
		{
			name: "invalid failure policy",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Cache.FailurePolicy = "ignore"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid failure_policy",
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Monitoring.Logging.Level = "INVALID"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name: "lowercase log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Monitoring.Logging.Level = "debug"
				return cfg
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %v, want error containing %v", err, tt.errMsg)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  address: 0.0.0.0
  port: 9592
target:
  address: 10.0.0.5
  port: 27016
  password: hunter2
  transport: rcon
cache:
  ttl: 15s
  failure_policy: error
network:
  circuit_breaker:
    failure_threshold: 7
monitoring:
  logging:
    level: DEBUG
`

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.ListenAddress() != "0.0.0.0:9592" {
		t.Errorf("Expected listen address 0.0.0.0:9592, got %s", cfg.ListenAddress())
	}
	if cfg.TargetAddress() != "10.0.0.5:27016" {
		t.Errorf("Expected target 10.0.0.5:27016, got %s", cfg.TargetAddress())
	}
	if cfg.Cache.TTL != 15*time.Second {
		t.Errorf("Expected TTL 15s, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.MaxWait != 10*time.Second {
		t.Errorf("Expected MaxWait default to survive, got %v", cfg.Cache.MaxWait)
	}
	if cfg.Cache.FailurePolicy != "error" {
		t.Errorf("Expected FailurePolicy error, got %s", cfg.Cache.FailurePolicy)
	}
	if cfg.Network.CircuitBreaker.FailureThreshold != 7 {
		t.Errorf("Expected FailureThreshold 7, got %d", cfg.Network.CircuitBreaker.FailureThreshold)
	}
	if cfg.Monitoring.Logging.Level != TestDebugLevel {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Monitoring.Logging.Level)
	}
	if cfg.EffectiveMode() != ModeSingle {
		t.Errorf("Expected single mode, got %s", cfg.EffectiveMode())
	}
}

func TestLoadFromFileUnknownField(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte("cache:\n  tll: 5s\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := NewDefault().LoadFromFile(configFile); err == nil {
		t.Error("Expected error for misspelled field")
	}
}

func TestLoadFromFileNonExistent(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("Expected error when loading non-existent config file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	testEnvVars := map[string]string{
		"SRCDS_EXPORTER_ADDRESS":         "0.0.0.0",
		"SRCDS_EXPORTER_PORT":            "9600",
		"SRCDS_EXPORTER_PASSWORD":        TestPassword,
		"SRCDS_EXPORTER_SERVER_ADDRESS":  "game.example.com",
		"SRCDS_EXPORTER_SERVER_PORT":     "27020",
		"SRCDS_EXPORTER_CACHE_TTL":       "30s",
		"SRCDS_EXPORTER_FAILURE_POLICY":  "error",
		"SRCDS_EXPORTER_LOG_LEVEL":       "ERROR",
		"SRCDS_EXPORTER_CIRCUIT_BREAKER": "false",
	}
	for key, value := range testEnvVars {
		t.Setenv(key, value)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.ListenAddress() != "0.0.0.0:9600" {
		t.Errorf("Expected listen address 0.0.0.0:9600, got %s", cfg.ListenAddress())
	}
	if cfg.Target.Password != TestPassword {
		t.Errorf("Expected password from env, got %q", cfg.Target.Password)
	}
	if cfg.TargetAddress() != "game.example.com:27020" {
		t.Errorf("Expected target game.example.com:27020, got %s", cfg.TargetAddress())
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Expected TTL 30s, got %v", cfg.Cache.TTL)
	}
	if cfg.Cache.FailurePolicy != "error" {
		t.Errorf("Expected FailurePolicy error, got %s", cfg.Cache.FailurePolicy)
	}
	if cfg.Monitoring.Logging.Level != "ERROR" {
		t.Errorf("Expected LogLevel ERROR, got %s", cfg.Monitoring.Logging.Level)
	}
	if cfg.Network.CircuitEnabled {
		t.Error("Expected circuit breaker disabled")
	}
}

func TestLoadFromEnvInvalidValues(t *testing.T) {
	t.Setenv("SRCDS_EXPORTER_PORT", "ninety")
	t.Setenv("SRCDS_EXPORTER_CACHE_TTL", "soon")

	cfg := NewDefault()
	err := cfg.LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error for invalid values")
	}
	if !strings.Contains(err.Error(), "SRCDS_EXPORTER_PORT") || !strings.Contains(err.Error(), "SRCDS_EXPORTER_CACHE_TTL") {
		t.Errorf("Expected both variables reported, got %v", err)
	}
	if cfg.Server.Port != 9591 {
		t.Errorf("Expected port to keep its default, got %d", cfg.Server.Port)
	}
}

func TestSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Target.Password = TestPassword
	cfg.Cache.TTL = 12 * time.Second

	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	info, err := os.Stat(configFile)
	if err != nil {
		t.Fatalf("Config file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected file mode 0600, got %v", info.Mode().Perm())
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Target.Password != TestPassword {
		t.Errorf("Expected password to round-trip, got %q", loaded.Target.Password)
	}
	if loaded.Cache.TTL != 12*time.Second {
		t.Errorf("Expected TTL to round-trip, got %v", loaded.Cache.TTL)
	}
}
