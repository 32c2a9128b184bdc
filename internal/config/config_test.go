package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTempFile creates a temporary file with the given content and extension.
func writeTempFile(t *testing.T, content string, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-config"+ext)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

// checkErrorContains checks if the error is not nil and its message contains the expected substring.
func checkErrorContains(t *testing.T, err error, expectedSubstring string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected an error containing %q, but got nil", expectedSubstring)
	}
	if !strings.Contains(err.Error(), expectedSubstring) {
		t.Fatalf("Expected error message to contain %q, but got: %v", expectedSubstring, err)
	}
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	_, err := LoadConfig("")
	checkErrorContains(t, err, "configuration file path cannot be empty")
}

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "non_existent_file.json"))
	checkErrorContains(t, err, "failed to read configuration file")
}

func TestLoadConfig_ValidJSON(t *testing.T) {
	path := writeTempFile(t, `{"server": {"address": ":8080"}, "http2": {"max_frame_size": 32768}}`, ".json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", *cfg.Server.Address)
	assert.EqualValues(t, 32768, *cfg.HTTP2.MaxFrameSize)
}

func TestLoadConfig_ValidTOML(t *testing.T) {
	content := `
[server]
address = ":8081"
document_root = "/srv/www"
directory_listing = true

[[routing.routes]]
path_pattern = "/api/"
match_type = "Prefix"
methods = ["get", "post"]
handler_type = "Echo"

[routing.routes.handler_config]
prefix = "echo: "
`
	path := writeTempFile(t, content, ".toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":8081", *cfg.Server.Address)
	assert.Equal(t, "/srv/www", *cfg.Server.DocumentRoot)
	assert.True(t, *cfg.Server.DirectoryListing)
	require.Len(t, cfg.Routing.Routes, 1)
	r := cfg.Routing.Routes[0]
	assert.Equal(t, MatchTypePrefix, r.MatchType)
	assert.Equal(t, []string{"GET", "POST"}, r.Methods)
	assert.Equal(t, "echo: ", r.HandlerConfig["prefix"])
}

func TestLoadConfig_AutoDetect(t *testing.T) {
	cfg, err := LoadConfig(writeTempFile(t, `{"logging": {"log_level": "DEBUG"}}`, ".conf"))
	require.NoError(t, err)
	assert.Equal(t, LogLevelDebug, cfg.Logging.LogLevel)

	cfg, err = LoadConfig(writeTempFile(t, "[logging]\nlog_level = \"WARNING\"\n", ".cfg"))
	require.NoError(t, err)
	assert.Equal(t, LogLevelWarning, cfg.Logging.LogLevel)
}

func TestLoadConfig_AutoDetectFailure(t *testing.T) {
	_, err := LoadConfig(writeTempFile(t, `not json or toml`, ".data"))
	checkErrorContains(t, err, "failed to auto-detect and parse config")
	checkErrorContains(t, err, "JSON error")
	checkErrorContains(t, err, "TOML error")
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	tests := []struct {
		name        string
		ext         string
		expectError []string
	}{
		{"empty .json file", ".json", []string{"failed to parse JSON config", "unexpected end of JSON input"}},
		{"empty .toml file", ".toml", []string{"failed to parse TOML config", "empty input"}},
		{"empty file auto-detect", ".empty", []string{"failed to auto-detect and parse config", "unexpected end of JSON input", "empty input"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeTempFile(t, "", tc.ext))
			for _, want := range tc.expectError {
				checkErrorContains(t, err, want)
			}
		})
	}
}

func TestLoadConfig_InvalidSyntax(t *testing.T) {
	_, err := LoadConfig(writeTempFile(t, `{"server": {"address": ":8080",}}`, ".json"))
	checkErrorContains(t, err, "failed to parse JSON config")

	_, err = LoadConfig(writeTempFile(t, "[server\naddress = \":8080\"\n", ".toml"))
	checkErrorContains(t, err, "failed to parse TOML config")
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	cfg, err := LoadConfig(writeTempFile(t, `{}`, ".json"))
	require.NoError(t, err)

	assert.Equal(t, defaultServerAddress, *cfg.Server.Address)
	assert.Equal(t, defaultDocumentRoot, *cfg.Server.DocumentRoot)
	assert.Equal(t, defaultIndexFile, *cfg.Server.IndexFile)
	assert.Equal(t, 10*time.Second, Duration(cfg.Server.GracefulShutdownTimeout, 0))
	assert.False(t, *cfg.Server.DirectoryListing)

	assert.EqualValues(t, 4096, *cfg.HTTP2.HeaderTableSize)
	assert.EqualValues(t, 16384, *cfg.HTTP2.MaxHeaderListSize)
	assert.EqualValues(t, 16384, *cfg.HTTP2.MaxFrameSize)
	assert.EqualValues(t, 100, *cfg.HTTP2.MaxConcurrentStreams)
	assert.Equal(t, time.Second, Duration(cfg.HTTP2.GoAwayFlushTimeout, 0))

	require.NotNil(t, cfg.Routing.Routes)
	assert.Empty(t, cfg.Routing.Routes)

	assert.Equal(t, LogLevelInfo, cfg.Logging.LogLevel)
	assert.True(t, *cfg.Logging.AccessLog.Enabled)
	assert.Equal(t, "stdout", *cfg.Logging.AccessLog.Target)
	assert.Equal(t, "stderr", *cfg.Logging.ErrorLog.Target)
	assert.Equal(t, "json", cfg.Logging.ErrorLog.Format)
}

func TestDefault_IsValid(t *testing.T) {
	assert.NoError(t, Validate(Default()))
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Server.Address = strPtr("")
	cfg.Server.IndexFile = strPtr("../index.html")
	cfg.HTTP2.MaxFrameSize = u32Ptr(1024)
	cfg.HTTP2.GoAwayFlushTimeout = strPtr("-1s")
	cfg.Logging.LogLevel = "TRACE"
	cfg.Server.MimeTypes = map[string]string{"md": "text/markdown"}

	err := Validate(cfg)
	require.Error(t, err)
	merr, ok := err.(*multierror.Error)
	require.True(t, ok, "expected *multierror.Error, got %T", err)
	assert.Len(t, merr.Errors, 6)
	checkErrorContains(t, err, "server.address cannot be an empty string")
	checkErrorContains(t, err, "server.index_file must be a plain file name")
	checkErrorContains(t, err, "http2.max_frame_size must be between 16384 and 16777215")
	checkErrorContains(t, err, "http2.goaway_flush_timeout must be a positive duration")
	checkErrorContains(t, err, "logging.log_level 'TRACE'")
	checkErrorContains(t, err, "extension 'md' must start with '.'")
}

func TestValidate_Routes(t *testing.T) {
	tests := []struct {
		name    string
		route   Route
		wantErr string
	}{
		{"valid exact", Route{PathPattern: "/api/ping", MatchType: MatchTypeExact, HandlerType: "Text"}, ""},
		{"valid prefix", Route{PathPattern: "/api/", MatchType: MatchTypePrefix, HandlerType: "Echo"}, ""},
		{"no leading slash", Route{PathPattern: "api", MatchType: MatchTypeExact, HandlerType: "Text"}, "must start with '/'"},
		{"prefix without trailing slash", Route{PathPattern: "/api", MatchType: MatchTypePrefix, HandlerType: "Text"}, "must end with '/'"},
		{"unknown match type", Route{PathPattern: "/a", MatchType: "Regex", HandlerType: "Text"}, "must be Exact or Prefix"},
		{"missing handler", Route{PathPattern: "/a", MatchType: MatchTypeExact}, "handler_type cannot be empty"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Routing.Routes = []Route{tc.route}
			err := Validate(cfg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			checkErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestValidate_LogTargets(t *testing.T) {
	cfg := Default()
	cfg.Logging.ErrorLog.Target = strPtr("relative/error.log")
	cfg.Logging.AccessLog.Format = "xml"
	err := Validate(cfg)
	checkErrorContains(t, err, "logging.error_log.target 'relative/error.log' must be stdout, stderr, or an absolute file path")
	checkErrorContains(t, err, "logging.access_log.format 'xml' must be json or console")
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 3*time.Second, Duration(strPtr("3s"), time.Minute))
	assert.Equal(t, time.Minute, Duration(nil, time.Minute))
	assert.Equal(t, time.Minute, Duration(strPtr("bogus"), time.Minute))
}

func TestIsFilePath(t *testing.T) {
	assert.False(t, IsFilePath("stdout"))
	assert.False(t, IsFilePath("stderr"))
	assert.True(t, IsFilePath("/var/log/h2mux.log"))
}
