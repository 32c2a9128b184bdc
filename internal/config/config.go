package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
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
	defaultServerAddress           = ":8080"
	defaultDocumentRoot            = "./public"
	defaultIndexFile               = "index.html"
	defaultGracefulShutdownTimeout = "10s"

	defaultHeaderTableSize      uint32 = 4096
	defaultMaxHeaderListSize    uint32 = 16384
	defaultMaxFrameSize         uint32 = 16384
	defaultMaxConcurrentStreams uint32 = 100
	defaultGoAwayFlushTimeout          = "1s"

	defaultLogLevel         = LogLevelInfo
	defaultAccessLogEnabled = true
	defaultAccessLogTarget  = "stdout"
	defaultAccessLogFormat  = "json"
	defaultErrorLogTarget   = "stderr"
	defaultErrorLogFormat   = "json"

	minFrameSize uint32 = 1 << 14
	maxFrameSize uint32 = 1<<24 - 1
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	HTTP2   *HTTP2Config   `json:"http2,omitempty" toml:"http2,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// ServerConfig holds listener and static content settings.
type ServerConfig struct {
	Address                 *string `json:"address,omitempty" toml:"address,omitempty"`
	DocumentRoot            *string `json:"document_root,omitempty" toml:"document_root,omitempty"`
	IndexFile               *string `json:"index_file,omitempty" toml:"index_file,omitempty"`
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
	// MimeTypes maps file extensions (".md") to content types. Entries take
	// precedence over the built-in table.
	MimeTypes map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty"`
	// DirectoryListing serves an HTML index for directories without an
	// index file instead of 404.
	DirectoryListing *bool `json:"directory_listing,omitempty" toml:"directory_listing,omitempty"`
}

// HTTP2Config holds the frame-layer limits advertised to peers.
type HTTP2Config struct {
	HeaderTableSize      *uint32 `json:"header_table_size,omitempty" toml:"header_table_size,omitempty"`
	MaxHeaderListSize    *uint32 `json:"max_header_list_size,omitempty" toml:"max_header_list_size,omitempty"`
	MaxFrameSize         *uint32 `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"`
	MaxConcurrentStreams *uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
	// GoAwayFlushTimeout bounds how long a fatal GOAWAY may take to reach
	// the wire before the connection is closed anyway.
	GoAwayFlushTimeout *string `json:"goaway_flush_timeout,omitempty" toml:"goaway_flush_timeout,omitempty"`
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route binds a method set and path pattern to a handler type. Requests whose
// path matches no route fall through to the static file responder.
type Route struct {
	PathPattern   string                 `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType              `json:"match_type" toml:"match_type"`
	Methods       []string               `json:"methods,omitempty" toml:"methods,omitempty"`
	HandlerType   string                 `json:"handler_type" toml:"handler_type"`
	HandlerConfig map[string]interface{} `json:"handler_config,omitempty" toml:"handler_config,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures the per-response access log.
type AccessLogConfig struct {
	Enabled *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  *string `json:"target,omitempty" toml:"target,omitempty"`
	Format  string  `json:"format,omitempty" toml:"format,omitempty"` // "json" or "console"
}

// ErrorLogConfig configures the diagnostic log.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
	Format string  `json:"format,omitempty" toml:"format,omitempty"` // "json" or "console"
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration at
// path. The format follows the extension (.json, .toml); any other extension
// is auto-detected by trying JSON first, then TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := Parse(data, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".json" or
// ".toml"); anything else is auto-detected.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, errors.New("failed to parse TOML config: empty input")
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		jsonErr := json.Unmarshal(data, &cfg)
		if jsonErr == nil {
			break
		}
		cfg = Config{}
		var tomlErr error
		if len(bytes.TrimSpace(data)) == 0 {
			tomlErr = errors.New("empty input")
		} else {
			_, tomlErr = toml.Decode(string(data), &cfg)
		}
		if tomlErr != nil {
			return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v", jsonErr, tomlErr)
		}
	}
	return &cfg, nil
}

func strPtr(s string) *string { return &s }
func u32Ptr(v uint32) *uint32 { return &v }
func boolPtr(b bool) *bool    { return &b }

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		cfg.Server.Address = strPtr(defaultServerAddress)
	}
	if cfg.Server.DocumentRoot == nil {
		cfg.Server.DocumentRoot = strPtr(defaultDocumentRoot)
	}
	if cfg.Server.IndexFile == nil {
		cfg.Server.IndexFile = strPtr(defaultIndexFile)
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = strPtr(defaultGracefulShutdownTimeout)
	}
	if cfg.Server.DirectoryListing == nil {
		cfg.Server.DirectoryListing = boolPtr(false)
	}

	if cfg.HTTP2 == nil {
		cfg.HTTP2 = &HTTP2Config{}
	}
	if cfg.HTTP2.HeaderTableSize == nil {
		cfg.HTTP2.HeaderTableSize = u32Ptr(defaultHeaderTableSize)
	}
	if cfg.HTTP2.MaxHeaderListSize == nil {
		cfg.HTTP2.MaxHeaderListSize = u32Ptr(defaultMaxHeaderListSize)
	}
	if cfg.HTTP2.MaxFrameSize == nil {
		cfg.HTTP2.MaxFrameSize = u32Ptr(defaultMaxFrameSize)
	}
	if cfg.HTTP2.MaxConcurrentStreams == nil {
		cfg.HTTP2.MaxConcurrentStreams = u32Ptr(defaultMaxConcurrentStreams)
	}
	if cfg.HTTP2.GoAwayFlushTimeout == nil {
		cfg.HTTP2.GoAwayFlushTimeout = strPtr(defaultGoAwayFlushTimeout)
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}
	if cfg.Routing.Routes == nil {
		cfg.Routing.Routes = []Route{}
	}
	for i := range cfg.Routing.Routes {
		r := &cfg.Routing.Routes[i]
		if r.MatchType == "" {
			r.MatchType = MatchTypeExact
		}
		if len(r.Methods) == 0 {
			r.Methods = []string{"GET"}
		}
		for j, m := range r.Methods {
			r.Methods[j] = strings.ToUpper(m)
		}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = defaultLogLevel
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	if cfg.Logging.AccessLog.Enabled == nil {
		cfg.Logging.AccessLog.Enabled = boolPtr(defaultAccessLogEnabled)
	}
	if cfg.Logging.AccessLog.Target == nil {
		cfg.Logging.AccessLog.Target = strPtr(defaultAccessLogTarget)
	}
	if cfg.Logging.AccessLog.Format == "" {
		cfg.Logging.AccessLog.Format = defaultAccessLogFormat
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		cfg.Logging.ErrorLog.Target = strPtr(defaultErrorLogTarget)
	}
	if cfg.Logging.ErrorLog.Format == "" {
		cfg.Logging.ErrorLog.Format = defaultErrorLogFormat
	}
}

// Default returns a configuration holding only default values.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Validate checks a defaulted configuration and reports every problem found.
func Validate(cfg *Config) error {
	var result *multierror.Error

	if cfg.Server != nil {
		s := cfg.Server
		if s.Address != nil && *s.Address == "" {
			result = multierror.Append(result, errors.New("server.address cannot be an empty string"))
		}
		if s.DocumentRoot != nil && *s.DocumentRoot == "" {
			result = multierror.Append(result, errors.New("server.document_root cannot be an empty string"))
		}
		if s.IndexFile != nil && (*s.IndexFile == "" || strings.ContainsAny(*s.IndexFile, `/\`)) {
			result = multierror.Append(result, fmt.Errorf("server.index_file must be a plain file name, got '%s'", *s.IndexFile))
		}
		if err := validatePositiveDuration("server.graceful_shutdown_timeout", s.GracefulShutdownTimeout); err != nil {
			result = multierror.Append(result, err)
		}
		for ext, typ := range s.MimeTypes {
			if !strings.HasPrefix(ext, ".") {
				result = multierror.Append(result, fmt.Errorf("server.mime_types: extension '%s' must start with '.'", ext))
			}
			if typ == "" {
				result = multierror.Append(result, fmt.Errorf("server.mime_types: empty type for extension '%s'", ext))
			}
		}
	}

	if h := cfg.HTTP2; h != nil {
		if h.MaxFrameSize != nil && (*h.MaxFrameSize < minFrameSize || *h.MaxFrameSize > maxFrameSize) {
			result = multierror.Append(result, fmt.Errorf("http2.max_frame_size must be between %d and %d, got %d", minFrameSize, maxFrameSize, *h.MaxFrameSize))
		}
		if h.MaxConcurrentStreams != nil && *h.MaxConcurrentStreams == 0 {
			result = multierror.Append(result, errors.New("http2.max_concurrent_streams must be positive"))
		}
		if err := validatePositiveDuration("http2.goaway_flush_timeout", h.GoAwayFlushTimeout); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if cfg.Routing != nil {
		for i, r := range cfg.Routing.Routes {
			if err := validateRoute(i, r); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if l := cfg.Logging; l != nil {
		switch l.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			result = multierror.Append(result, fmt.Errorf("logging.log_level '%s' is not one of DEBUG, INFO, WARNING, ERROR", l.LogLevel))
		}
		if l.AccessLog != nil {
			if err := validateLogTarget("logging.access_log.target", l.AccessLog.Target); err != nil {
				result = multierror.Append(result, err)
			}
			if err := validateLogFormat("logging.access_log.format", l.AccessLog.Format); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if l.ErrorLog != nil {
			if err := validateLogTarget("logging.error_log.target", l.ErrorLog.Target); err != nil {
				result = multierror.Append(result, err)
			}
			if err := validateLogFormat("logging.error_log.format", l.ErrorLog.Format); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	return result.ErrorOrNil()
}

func validateRoute(i int, r Route) error {
	var result *multierror.Error
	if !strings.HasPrefix(r.PathPattern, "/") {
		result = multierror.Append(result, fmt.Errorf("routing.routes[%d].path_pattern '%s' must start with '/'", i, r.PathPattern))
	}
	switch r.MatchType {
	case MatchTypeExact:
	case MatchTypePrefix:
		if !strings.HasSuffix(r.PathPattern, "/") {
			result = multierror.Append(result, fmt.Errorf("routing.routes[%d].path_pattern '%s' with match_type Prefix must end with '/'", i, r.PathPattern))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("routing.routes[%d].match_type '%s' must be Exact or Prefix", i, r.MatchType))
	}
	if r.HandlerType == "" {
		result = multierror.Append(result, fmt.Errorf("routing.routes[%d].handler_type cannot be empty", i))
	}
	return result.ErrorOrNil()
}

func validatePositiveDuration(name string, v *string) error {
	if v == nil {
		return nil
	}
	if *v == "" {
		return fmt.Errorf("%s cannot be an empty string if specified", name)
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid format for %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be a positive duration, got '%s'", name, *v)
	}
	return nil
}

func validateLogTarget(name string, v *string) error {
	if v == nil {
		return nil
	}
	if *v == "" {
		return fmt.Errorf("%s cannot be an empty string", name)
	}
	if IsFilePath(*v) && !filepath.IsAbs(*v) {
		return fmt.Errorf("%s '%s' must be stdout, stderr, or an absolute file path", name, *v)
	}
	return nil
}

func validateLogFormat(name, v string) error {
	switch v {
	case "", "json", "console":
		return nil
	}
	return fmt.Errorf("%s '%s' must be json or console", name, v)
}

// Duration parses a duration field that Validate has already accepted.
func Duration(v *string, fallback time.Duration) time.Duration {
	if v == nil {
		return fallback
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
