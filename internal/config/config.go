// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/storyrelay/internal/logging"
	"github.com/jeranaias/storyrelay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete storyrelay configuration. When adding or removing
// fields, adjust Default, fillDefaults, Validate and BindFlags accordingly.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Provider  ProviderConfig  `toml:"provider"`
	Fireflies FirefliesConfig `toml:"fireflies"`
	Jira      JiraConfig      `toml:"jira"`
	Storage   StorageConfig   `toml:"storage"`
	Log       LogConfig       `toml:"log"`
	Sentry    SentryConfig    `toml:"sentry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	MaxRequestBytes int64    `toml:"max_request_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	// ResultTTL is how long extraction results stay retrievable.
	ResultTTL       Duration `toml:"result_ttl"`
	ResultCacheSize int      `toml:"result_cache_size"`
	AllowedOrigins  []string `toml:"allowed_origins"`
}

// ProviderConfig configures the completion provider.
type ProviderConfig struct {
	APIKey            string   `toml:"api_key"`
	BaseURL           string   `toml:"base_url"`
	Model             string   `toml:"model"`
	Temperature       float64  `toml:"temperature"`
	MaxTokens         int      `toml:"max_tokens"`
	FirstDeltaTimeout Duration `toml:"first_delta_timeout"`
	MaxPromptBytes    int      `toml:"max_prompt_bytes"`
	// PromptsFile is an optional TOML table of system prompts, hot reloaded.
	PromptsFile string `toml:"prompts_file"`
}

// FirefliesConfig configures the transcript source.
type FirefliesConfig struct {
	APIKey   string `toml:"api_key"`
	Endpoint string `toml:"endpoint"`
}

// JiraConfig configures the issue tracker.
type JiraConfig struct {
	BaseURL           string  `toml:"base_url"`
	Email             string  `toml:"email"`
	APIToken          string  `toml:"api_token"`
	ProjectKey        string  `toml:"project_key"`
	IssueType         string  `toml:"issue_type"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// Configured reports whether every required Jira field is set.
func (j JiraConfig) Configured() bool {
	return j.BaseURL != "" && j.Email != "" && j.APIToken != "" && j.ProjectKey != ""
}

// StorageConfig configures the push log.
type StorageConfig struct {
	// Path is the SQLite database file. Empty disables the push log.
	Path string `toml:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// SentryConfig configures panic reporting. Empty DSN disables it.
type SentryConfig struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
}

// Duration is a time.Duration that reads and writes as "30s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText accepts a Go duration string or a plain number of seconds.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration. The provider API key is empty
// and must come from the file or environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxRequestBytes: 10 << 20,
			ShutdownTimeout: Duration{15 * time.Second},
			ResultTTL:       Duration{10 * time.Minute},
			ResultCacheSize: 256,
			AllowedOrigins:  []string{"*"},
		},
		Provider: ProviderConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4-turbo",
			Temperature:       0.3,
			MaxTokens:         1000,
			FirstDeltaTimeout: Duration{30 * time.Second},
			MaxPromptBytes:    480_000,
		},
		Fireflies: FirefliesConfig{
			Endpoint: "https://api.fireflies.ai/graphql",
		},
		Jira: JiraConfig{
			IssueType:         "Story",
			RequestsPerSecond: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
		Sentry: SentryConfig{
			Environment: "production",
		},
	}
}

// fillDefaults fills zero values left by a partial config file.
func fillDefaults(cfg *Config) {
	d := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	if cfg.Server.MaxRequestBytes == 0 {
		cfg.Server.MaxRequestBytes = d.Server.MaxRequestBytes
	}
	if cfg.Server.ShutdownTimeout.Duration == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Server.ResultTTL.Duration == 0 {
		cfg.Server.ResultTTL = d.Server.ResultTTL
	}
	if cfg.Server.ResultCacheSize == 0 {
		cfg.Server.ResultCacheSize = d.Server.ResultCacheSize
	}
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = d.Server.AllowedOrigins
	}

	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = d.Provider.BaseURL
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = d.Provider.Model
	}
	if cfg.Provider.MaxTokens == 0 {
		cfg.Provider.MaxTokens = d.Provider.MaxTokens
	}
	if cfg.Provider.FirstDeltaTimeout.Duration == 0 {
		cfg.Provider.FirstDeltaTimeout = d.Provider.FirstDeltaTimeout
	}
	if cfg.Provider.MaxPromptBytes == 0 {
		cfg.Provider.MaxPromptBytes = d.Provider.MaxPromptBytes
	}

	if cfg.Fireflies.Endpoint == "" {
		cfg.Fireflies.Endpoint = d.Fireflies.Endpoint
	}
	if cfg.Jira.IssueType == "" {
		cfg.Jira.IssueType = d.Jira.IssueType
	}
	if cfg.Jira.RequestsPerSecond == 0 {
		cfg.Jira.RequestsPerSecond = d.Jira.RequestsPerSecond
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	if cfg.Sentry.Environment == "" {
		cfg.Sentry.Environment = d.Sentry.Environment
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the storyrelay configuration directory.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".storyrelay"), nil
}

// ConfigPath returns the default config file path.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads ~/.storyrelay/config.toml when it exists, applies environment
// overrides and validates the result.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}

	cfg := Default()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads a TOML config file, applies environment overrides and
// validates the result.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := LoadTOML(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file and fills missing values with defaults. It
// neither applies the environment nor validates.
func LoadTOML(path string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	fillDefaults(cfg)
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides:
//   - OPENAI_API_KEY, OPENAI_MODEL, OPENAI_BASE_URL
//   - OPENAI_TIMEOUT: first delta timeout, Go duration or seconds
//   - FIREFLIES_API_KEY
//   - JIRA_BASE_URL, JIRA_EMAIL, JIRA_API_TOKEN, JIRA_PROJECT_KEY
//   - STORYRELAY_ADDR, STORYRELAY_LOG_LEVEL, STORYRELAY_DB
//   - SENTRY_DSN, SENTRY_ENVIRONMENT
//
// An unparsable OPENAI_TIMEOUT zeroes the timeout so Validate reports it.
func (c *Config) ApplyEnvOverrides() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&c.Provider.APIKey, "OPENAI_API_KEY")
	set(&c.Provider.Model, "OPENAI_MODEL")
	set(&c.Provider.BaseURL, "OPENAI_BASE_URL")
	if v := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT")); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			d = 0
		}
		c.Provider.FirstDeltaTimeout = Duration{d}
	}

	set(&c.Fireflies.APIKey, "FIREFLIES_API_KEY")

	set(&c.Jira.BaseURL, "JIRA_BASE_URL")
	set(&c.Jira.Email, "JIRA_EMAIL")
	set(&c.Jira.APIToken, "JIRA_API_TOKEN")
	set(&c.Jira.ProjectKey, "JIRA_PROJECT_KEY")

	set(&c.Server.Addr, "STORYRELAY_ADDR")
	set(&c.Log.Level, "STORYRELAY_LOG_LEVEL")
	set(&c.Storage.Path, "STORYRELAY_DB")

	set(&c.Sentry.DSN, "SENTRY_DSN")
	set(&c.Sentry.Environment, "SENTRY_ENVIRONMENT")
}

// =============================================================================
// FLAGS
// =============================================================================

// BindFlags binds the server flags to fs using the current values as
// defaults. Call it after loading the file and environment so flags win.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	c.Server.BindFlags(fs)
	c.Provider.BindFlags(fs)
	fs.StringVar(&c.Storage.Path, "db", c.Storage.Path, "Path to the SQLite push log (empty disables it)")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log verbosity debug | info | warn | error")
}

// BindFlags binds the listener flags.
func (c *ServerConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "Address to listen on")
	fs.Int64Var(&c.MaxRequestBytes, "max-request-bytes", c.MaxRequestBytes, "Maximum request body size")
	fs.DurationVar(&c.ShutdownTimeout.Duration, "shutdown-timeout", c.ShutdownTimeout.Duration, "Graceful shutdown deadline")
	fs.DurationVar(&c.ResultTTL.Duration, "result-ttl", c.ResultTTL.Duration, "How long extraction results are kept")
}

// BindFlags binds the provider flags. The API key is deliberately absent:
// it comes from the file or OPENAI_API_KEY only.
func (c *ProviderConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Model, "model", c.Model, "Completion model")
	fs.StringVar(&c.BaseURL, "base-url", c.BaseURL, "Completion API base URL")
	fs.Float64Var(&c.Temperature, "temperature", c.Temperature, "Sampling temperature 0..2")
	fs.IntVar(&c.MaxTokens, "max-tokens", c.MaxTokens, "Maximum tokens per completion")
	fs.DurationVar(&c.FirstDeltaTimeout.Duration, "first-delta-timeout", c.FirstDeltaTimeout.Duration, "Deadline for the first streamed token")
	fs.StringVar(&c.PromptsFile, "prompts", c.PromptsFile, "Optional TOML file of system prompts, reloaded on change")
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidateErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// ErrMissingAPIKey is wrapped by Validate when no provider key is set.
var ErrMissingAPIKey = errors.New("provider API key is required (set OPENAI_API_KEY)")

// Validate checks the configuration. It returns ValidateErrors or nil.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(c.Provider.APIKey) == "" {
		add("provider.api_key", "%s", ErrMissingAPIKey.Error())
	}
	if u, err := url.Parse(c.Provider.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("provider.base_url", "invalid URL %q", c.Provider.BaseURL)
	}
	if strings.TrimSpace(c.Provider.Model) == "" {
		add("provider.model", "must not be empty")
	}
	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		add("provider.temperature", "%v out of range 0..2", c.Provider.Temperature)
	}
	if c.Provider.MaxTokens <= 0 {
		add("provider.max_tokens", "must be positive, got %d", c.Provider.MaxTokens)
	}
	if c.Provider.FirstDeltaTimeout.Duration <= 0 {
		add("provider.first_delta_timeout", "must be positive")
	}
	if c.Provider.MaxPromptBytes <= 0 {
		add("provider.max_prompt_bytes", "must be positive, got %d", c.Provider.MaxPromptBytes)
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		add("server.addr", "must not be empty")
	}
	if c.Server.MaxRequestBytes <= 0 {
		add("server.max_request_bytes", "must be positive, got %d", c.Server.MaxRequestBytes)
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		add("server.shutdown_timeout", "must be positive")
	}
	if c.Server.ResultTTL.Duration <= 0 {
		add("server.result_ttl", "must be positive")
	}
	if c.Server.ResultCacheSize <= 0 {
		add("server.result_cache_size", "must be positive, got %d", c.Server.ResultCacheSize)
	}

	if c.Fireflies.Endpoint != "" {
		if u, err := url.Parse(c.Fireflies.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			add("fireflies.endpoint", "invalid URL %q", c.Fireflies.Endpoint)
		}
	}
	if c.Jira.BaseURL != "" {
		if u, err := url.Parse(c.Jira.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("jira.base_url", "invalid URL %q", c.Jira.BaseURL)
		}
	}
	if c.Jira.RequestsPerSecond <= 0 {
		add("jira.requests_per_second", "must be positive")
	}

	if !logging.ValidLevel(c.Log.Level) {
		add("log.level", "invalid level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// SaveTOML writes the configuration atomically with 0600 permissions, since
// the file holds API keys.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# storyrelay configuration file\n")
	buf.WriteString("# Generated by storyrelay - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Server.AllowedOrigins != nil {
		clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	}
	return &clone
}

// Redacted returns a copy with every secret replaced by "[REDACTED]".
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	for _, s := range []*string{
		&safe.Provider.APIKey,
		&safe.Fireflies.APIKey,
		&safe.Jira.APIToken,
		&safe.Sentry.DSN,
	} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	return safe
}

// String renders the config as TOML with secrets redacted.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return buf.String()
}
