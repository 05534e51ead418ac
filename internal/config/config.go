package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mail sink
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	SMTP      SMTPConfig      `koanf:"smtp"`
	HTTP      HTTPConfig      `koanf:"http"`
	Responder ResponderConfig `koanf:"responder"`
	TLS       TLSConfig       `koanf:"tls"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds listener and account configuration
type ServerConfig struct {
	Listen    string `koanf:"listen"`     // Bind address for all listeners
	SMTPPort  int    `koanf:"smtp_port"`  // Plaintext/STARTTLS SMTP
	SMTPSPort int    `koanf:"smtps_port"` // Implicit-TLS SMTP (requires tls)
	IMAPPort  int    `koanf:"imap_port"`  // IMAP
	HTTPPort  int    `koanf:"http_port"`  // Inspection UI and metrics
	User      string `koanf:"user"`       // Primary account name
	Password  string `koanf:"password"`   // Shared secret, plain or argon2id encoded
	MultiUser bool   `koanf:"multi_user"` // Route per recipient instead of one account
}

// SMTPConfig holds delivery behavior configuration
type SMTPConfig struct {
	FlaggedSeen     bool  `koanf:"flagged_seen"`      // Mark arriving mail \Seen
	EnsureMessageID bool  `koanf:"ensure_message_id"` // Add Message-Id when absent
	AuthRequired    bool  `koanf:"auth_required"`     // Reject unauthenticated envelopes
	MaxMessageSize  int64 `koanf:"max_message_size"`  // DATA size cap in bytes
}

// HTTPConfig holds web frontend configuration
type HTTPConfig struct {
	Enabled bool `koanf:"enabled"` // Serve the inspection UI
}

// ResponderConfig holds auto-responder configuration
type ResponderConfig struct {
	Policy string `koanf:"policy"` // Built-in name or executable path, empty disables
}

// TLSConfig holds certificate configuration
type TLSConfig struct {
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:    "127.0.0.1",
			SMTPPort:  4025,
			SMTPSPort: 4465,
			IMAPPort:  4143,
			HTTPPort:  4080,
			User:      "test@example.org",
			Password:  "",
			MultiUser: false,
		},
		SMTP: SMTPConfig{
			FlaggedSeen:     false,
			EnsureMessageID: true,
			AuthRequired:    true,
			MaxMessageSize:  32 * 1024 * 1024,
		},
		HTTP: HTTPConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // Return defaults if no config file
	}

	// Load YAML config file
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Unmarshal into config struct
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.User == "" {
		return fmt.Errorf("server.user is required")
	}
	if !strings.Contains(c.Server.User, "@") {
		return fmt.Errorf("server.user must be a mail address (got: %s)", c.Server.User)
	}
	if c.Server.Password == "" {
		return fmt.Errorf("server.password is required")
	}

	if err := c.validatePorts(); err != nil {
		return err
	}

	if c.SMTP.MaxMessageSize < 1024 {
		return fmt.Errorf("smtp.max_message_size must be at least 1024 bytes (got: %d)", c.SMTP.MaxMessageSize)
	}

	// TLS validation
	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		return fmt.Errorf("tls.key_file is required when tls.cert_file is set")
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		return fmt.Errorf("tls.cert_file is required when tls.key_file is set")
	}
	if c.TLS.CertFile != "" {
		if err := validateFileReadable(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file: %w", err)
		}
	}
	if c.TLS.KeyFile != "" {
		if err := validateFileReadable(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file: %w", err)
		}
	}

	// Logging validation
	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

// TLSEnabled reports whether a certificate pair is configured. The
// implicit-TLS SMTP listener is only started when this is true.
func (c *Config) TLSEnabled() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}

// validatePorts ensures all port configurations are valid
func (c *Config) validatePorts() error {
	ports := map[string]int{
		"server.smtp_port": c.Server.SMTPPort,
		"server.imap_port": c.Server.IMAPPort,
		"server.http_port": c.Server.HTTPPort,
	}
	// Zero disables the optional implicit-TLS listener.
	if c.Server.SMTPSPort != 0 {
		ports["server.smtps_port"] = c.Server.SMTPSPort
	}

	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535 (got: %d)", name, port)
		}
	}

	// Check for port conflicts
	usedPorts := make(map[int]string)
	for name, port := range ports {
		if existing, ok := usedPorts[port]; ok {
			return fmt.Errorf("port conflict: %s and %s both use port %d", name, existing, port)
		}
		usedPorts[port] = name
	}

	return nil
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("must be an absolute path (got: %s)", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}
