package s3

import (
	"time"
)

// Config represents the settings of the S3 dump reader
type Config struct {
	Bucket string `yaml:"bucket"`
	// Prefix is the key prefix holding status.txt and stats.txt of one server.
	Prefix string `yaml:"prefix"`

	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`

	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxObjectSize caps how many bytes are read from one object.
	MaxObjectSize int64 `yaml:"max_object_size"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Region:         "us-east-1",
		MaxRetries:     3,
		RequestTimeout: 5 * time.Second,
		MaxObjectSize:  1 << 20,
	}
}
