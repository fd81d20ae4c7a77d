package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches any path starting with the prefix.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

const (
	DefaultHost                    = "0.0.0.0"
	DefaultPort                    = 8020
	DefaultMaxConcurrentStreams    = 100
	DefaultGracefulShutdownTimeout = "30s"
	DefaultDialTimeout             = "10s"
	DefaultUserAgent               = "http2-client/0.1"
	DefaultMetricsAddress          = "127.0.0.1:9102"
)

// Config is the top-level configuration structure for the agent transport.
type Config struct {
	Server   *ServerConfig   `json:"server,omitempty" toml:"server,omitempty"`
	Outbound *OutboundConfig `json:"outbound,omitempty" toml:"outbound,omitempty"`
	Profile  *ProfileConfig  `json:"profile,omitempty" toml:"profile,omitempty"`
	Logging  *LoggingConfig  `json:"logging,omitempty" toml:"logging,omitempty"`
	Metrics  *MetricsConfig  `json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// ServerConfig holds the inbound transport settings.
type ServerConfig struct {
	Host                    *string `json:"host,omitempty" toml:"host,omitempty"`
	Port                    *int    `json:"port,omitempty" toml:"port,omitempty"`
	CertFile                *string `json:"cert_file,omitempty" toml:"cert_file,omitempty"`
	KeyFile                 *string `json:"key_file,omitempty" toml:"key_file,omitempty"`
	MaxMessageSize          *string `json:"max_message_size,omitempty" toml:"max_message_size,omitempty"` // e.g., "4MiB"
	MaxConcurrentStreams    *uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
}

// OutboundConfig holds the client side settings used for outbound delivery.
type OutboundConfig struct {
	// ResponseTimeout bounds the wait for a response. Unset means no timeout.
	ResponseTimeout    *string `json:"response_timeout,omitempty" toml:"response_timeout,omitempty"`
	DialTimeout        *string `json:"dial_timeout,omitempty" toml:"dial_timeout,omitempty"`
	InsecureSkipVerify *bool   `json:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify,omitempty"`
	UserAgent          *string `json:"user_agent,omitempty" toml:"user_agent,omitempty"`
}

// ProfileConfig carries the agent profile settings consulted by the DIDComm layer.
type ProfileConfig struct {
	Label                  string `json:"label,omitempty" toml:"label,omitempty"`
	EmitNewDIDCommMIMEType *bool  `json:"emit_new_didcomm_mime_type,omitempty" toml:"emit_new_didcomm_mime_type,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty"`
	// MaxSizeMB and MaxBackups apply to file targets only.
	MaxSizeMB  int `json:"max_size_mb,omitempty" toml:"max_size_mb,omitempty"`
	MaxBackups int `json:"max_backups,omitempty" toml:"max_backups,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target     string `json:"target,omitempty" toml:"target,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" toml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" toml:"max_backups,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Address string `json:"address,omitempty" toml:"address,omitempty"`
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration file at path.
// The format is chosen by extension; files without a known extension are tried as
// TOML first, then JSON.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	cfg, err := ParseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes data in the given format ("toml", "json" or "" to auto-detect),
// applies defaults and validates the result.
func ParseConfig(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "toml":
		if err := decodeTOML(data, &cfg); err != nil {
			return nil, err
		}
	case "json":
		if err := decodeJSON(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if errTOML := decodeTOML(data, &cfg); errTOML != nil {
			cfg = Config{}
			if errJSON := decodeJSON(data, &cfg); errJSON != nil {
				return nil, fmt.Errorf("unknown configuration format (toml: %v; json: %v)", errTOML, errJSON)
			}
		}
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return fmt.Errorf("invalid TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown configuration keys: %v", undecoded)
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset optional field.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Host == nil {
		s.Host = strPtr(DefaultHost)
	}
	if s.Port == nil {
		p := DefaultPort
		s.Port = &p
	}
	if s.MaxConcurrentStreams == nil {
		n := uint32(DefaultMaxConcurrentStreams)
		s.MaxConcurrentStreams = &n
	}
	if s.GracefulShutdownTimeout == nil {
		s.GracefulShutdownTimeout = strPtr(DefaultGracefulShutdownTimeout)
	}

	if cfg.Outbound == nil {
		cfg.Outbound = &OutboundConfig{}
	}
	o := cfg.Outbound
	if o.DialTimeout == nil {
		o.DialTimeout = strPtr(DefaultDialTimeout)
	}
	if o.UserAgent == nil {
		o.UserAgent = strPtr(DefaultUserAgent)
	}
	if o.InsecureSkipVerify == nil {
		o.InsecureSkipVerify = boolPtr(false)
	}

	if cfg.Profile == nil {
		cfg.Profile = &ProfileConfig{}
	}
	if cfg.Profile.EmitNewDIDCommMIMEType == nil {
		cfg.Profile.EmitNewDIDCommMIMEType = boolPtr(true)
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == "" {
		l.ErrorLog.Target = "stderr"
	}
	if l.AccessLog == nil {
		l.AccessLog = &AccessLogConfig{}
	}
	if l.AccessLog.Enabled == nil {
		l.AccessLog.Enabled = boolPtr(true)
	}
	if l.AccessLog.Target == "" {
		l.AccessLog.Target = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(false)
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}
}

// Validate checks a defaulted configuration for consistency.
func (c *Config) Validate() error {
	s := c.Server
	if s == nil || c.Outbound == nil || c.Logging == nil {
		return fmt.Errorf("configuration has not been defaulted")
	}
	if *s.Port < 0 || *s.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", *s.Port)
	}
	if (s.CertFile == nil) != (s.KeyFile == nil) {
		return fmt.Errorf("server.cert_file and server.key_file must be set together")
	}
	if s.MaxMessageSize != nil {
		n, err := humanize.ParseBytes(*s.MaxMessageSize)
		if err != nil {
			return fmt.Errorf("server.max_message_size: invalid size %q: %w", *s.MaxMessageSize, err)
		}
		if n == 0 || n > math.MaxInt64 {
			return fmt.Errorf("server.max_message_size must be positive and fit in 63 bits, got %q", *s.MaxMessageSize)
		}
	}
	if _, err := parseDuration("server.graceful_shutdown_timeout", s.GracefulShutdownTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("outbound.dial_timeout", c.Outbound.DialTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("outbound.response_timeout", c.Outbound.ResponseTimeout); err != nil {
		return err
	}

	switch c.Logging.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("logging.log_level %q is invalid", c.Logging.LogLevel)
	}
	for name, target := range map[string]string{
		"logging.error_log.target":  c.Logging.ErrorLog.Target,
		"logging.access_log.target": c.Logging.AccessLog.Target,
	} {
		if IsFilePath(target) && !filepath.IsAbs(target) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, target)
		}
	}
	return nil
}

// ListenAddress returns host:port for the inbound listener.
func (s *ServerConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", *s.Host, *s.Port)
}

// TLSEnabled reports whether certificate material is configured.
func (s *ServerConfig) TLSEnabled() bool {
	return s.CertFile != nil && s.KeyFile != nil
}

// MessageSizeLimit returns the parsed max_message_size in bytes, or 0 when unset.
func (s *ServerConfig) MessageSizeLimit() int64 {
	if s.MaxMessageSize == nil {
		return 0
	}
	n, err := humanize.ParseBytes(*s.MaxMessageSize)
	if err != nil || n > math.MaxInt64 {
		return 0
	}
	return int64(n)
}

// ShutdownTimeout returns the parsed graceful shutdown timeout.
func (s *ServerConfig) ShutdownTimeout() time.Duration {
	d, _ := parseDuration("", s.GracefulShutdownTimeout)
	return d
}

// Timeouts returns the parsed dial and response timeouts. Zero means unbounded.
func (o *OutboundConfig) Timeouts() (dial, response time.Duration) {
	dial, _ = parseDuration("", o.DialTimeout)
	response, _ = parseDuration("", o.ResponseTimeout)
	return dial, response
}

func parseDuration(field string, v *string) (time.Duration, error) {
	if v == nil || *v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, *v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", field)
	}
	return d, nil
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
