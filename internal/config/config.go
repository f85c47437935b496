// Package config loads and validates the session configuration: connection
// parameters, operation mode, local store root and caching policy.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/brandon/mailmirror/internal/policy"
)

// Config holds the full configuration for one mailbox session.
type Config struct {
	// IMAP connection parameters.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	// Secret may be empty, in which case the credential store is consulted
	// with the username@host key.
	Secret string `mapstructure:"secret"`
	TLS    bool   `mapstructure:"tls"`

	// Mode is the operation mode name; see policy.Parse.
	Mode string `mapstructure:"mode"`

	// Root is the local store root directory.
	Root string `mapstructure:"root"`

	// CacheAttachments controls whether attachment bytes are persisted.
	CacheAttachments bool `mapstructure:"cache_attachments"`

	// SearchIndex enables the SQLite full-text side-car index.
	SearchIndex bool `mapstructure:"search_index"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from the given file (optional) merged with
// MAILMIRROR_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 993)
	v.SetDefault("tls", true)
	v.SetDefault("mode", policy.Accelerated.String())
	v.SetDefault("root", "./mailmirror-cache")
	v.SetDefault("cache_attachments", true)
	v.SetDefault("search_index", true)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("MAILMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("mailmirror")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/mailmirror")
		if err := v.ReadInConfig(); err != nil {
			// A config file is optional when the environment carries
			// the connection parameters.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// OperationMode parses the configured mode string.
func (c *Config) OperationMode() (policy.Mode, error) {
	return policy.Parse(c.Mode)
}

// Addr returns the host:port dial address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionKey identifies one logical mailbox session. Repeated opens for the
// same key reuse one live store instance.
func (c *Config) SessionKey() string {
	return fmt.Sprintf("%s@%s:%d|%s", c.Username, c.Host, c.Port, c.Root)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	mode, err := c.OperationMode()
	if err != nil {
		return err
	}

	if c.Root == "" {
		return fmt.Errorf("root is required")
	}

	// Offline sessions never dial, so connection parameters are optional.
	if mode == policy.Offline {
		return nil
	}

	if c.Host == "" {
		return fmt.Errorf("host is required in mode %s", mode)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is required in mode %s", mode)
	}

	return nil
}
