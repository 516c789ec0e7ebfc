// Package config loads mailtriage configuration from TOML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wesm/mailtriage/internal/fileutil"
	"github.com/wesm/mailtriage/internal/scheduler"
)

// ErrMissingAPIKey is returned when no classifier credential is configured.
var ErrMissingAPIKey = errors.New("classifier API key not set (set GROQ_API_KEY or [classifier] api_key)")

// ErrMissingClientSecrets is returned when the OAuth client secrets file
// is not configured or does not exist.
var ErrMissingClientSecrets = errors.New("OAuth client secrets not found")

// Environment variables consulted by Load.
const (
	EnvHome             = "MAILTRIAGE_HOME"
	EnvClassifierAPIKey = "MAILTRIAGE_CLASSIFIER_API_KEY"
	EnvGroqAPIKey       = "GROQ_API_KEY"
	EnvPort             = "PORT"
	EnvRender           = "RENDER"
)

// OAuthConfig locates the Google client secrets and the saved token.
type OAuthConfig struct {
	ClientSecrets string `toml:"client_secrets"`
	TokenFile     string `toml:"token_file"`
}

// GmailConfig holds mailbox API settings.
type GmailConfig struct {
	RateLimitQPS float64 `toml:"rate_limit_qps"`
}

// ClassifierConfig holds the chat-completions endpoint settings.
type ClassifierConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	// JSONMode sends response_format json_object. Turn it off for
	// gateways that reject the parameter.
	JSONMode bool `toml:"json_mode"`
}

// Timeout returns the per-request classifier timeout.
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TriageConfig holds per-pass batch settings.
type TriageConfig struct {
	ProcessedLabel string `toml:"processed_label"`
	ImportantLabel string `toml:"important_label"`
	MaxResults     int    `toml:"max_results"`
	NewerThanDays  int    `toml:"newer_than_days"`
	BodyCharLimit  int    `toml:"body_char_limit"`
	PacingMS       int    `toml:"pacing_ms"`
}

// Pacing returns the minimum gap between mailbox mutations.
func (t TriageConfig) Pacing() time.Duration {
	return time.Duration(t.PacingMS) * time.Millisecond
}

// ServeConfig controls the continuous mode cadence.
type ServeConfig struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	Schedule        string `toml:"schedule"` // cron expression; overrides the interval
}

// Interval returns the sleep between passes.
func (s ServeConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// ServerConfig controls the liveness HTTP endpoint.
type ServerConfig struct {
	Health bool `toml:"health"`
	Port   int  `toml:"port"`
}

// Config is the full mailtriage configuration.
type Config struct {
	OAuth      OAuthConfig      `toml:"oauth"`
	Gmail      GmailConfig      `toml:"gmail"`
	Classifier ClassifierConfig `toml:"classifier"`
	Triage     TriageConfig     `toml:"triage"`
	Serve      ServeConfig      `toml:"serve"`
	Server     ServerConfig     `toml:"server"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	ConfigPath string `toml:"-"`
}

// DefaultHome returns the default mailtriage home directory.
// Respects the MAILTRIAGE_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv(EnvHome); h != "" {
		return fileutil.ExpandHome(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailtriage"
	}
	return filepath.Join(home, ".mailtriage")
}

// NewDefaultConfig returns the configuration used when no file is present.
func NewDefaultConfig(homeDir string) *Config {
	return &Config{
		HomeDir:    homeDir,
		ConfigPath: filepath.Join(homeDir, "config.toml"),
		OAuth: OAuthConfig{
			ClientSecrets: filepath.Join(homeDir, "client_secret.json"),
			TokenFile:     filepath.Join(homeDir, "token.json"),
		},
		Gmail: GmailConfig{RateLimitQPS: 5},
		Classifier: ClassifierConfig{
			BaseURL:        "https://api.groq.com/openai/v1",
			Model:          "moonshotai/kimi-k2-instruct",
			TimeoutSeconds: 60,
			JSONMode:       true,
		},
		Triage: TriageConfig{
			ProcessedLabel: "AI/Processed",
			ImportantLabel: "AI/Important",
			MaxResults:     100,
			NewerThanDays:  7,
			BodyCharLimit:  8000,
			PacingMS:       200,
		},
		Serve:  ServeConfig{IntervalSeconds: 600},
		Server: ServerConfig{Port: 10000},
	}
}

// Load reads the configuration. An empty homeDir means DefaultHome. An
// empty path means homeDir/config.toml, which may be absent; an explicit
// path must exist. Environment overrides are applied last.
func Load(path, homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHome()
	}
	homeDir = fileutil.ExpandHome(homeDir)
	cfg := NewDefaultConfig(homeDir)

	explicit := path != ""
	if explicit {
		cfg.ConfigPath = fileutil.ExpandHome(path)
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	} else {
		md, err := toml.DecodeFile(cfg.ConfigPath, cfg)
		if err != nil {
			return nil, decodeError(cfg.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("%s: unknown config keys: %s", cfg.ConfigPath, strings.Join(keys, ", "))
		}
	}

	cfg.OAuth.ClientSecrets = cfg.resolve(cfg.OAuth.ClientSecrets)
	cfg.OAuth.TokenFile = cfg.resolve(cfg.OAuth.TokenFile)

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeError adds a hint for the common mistake of Windows paths in
// double-quoted TOML strings.
func decodeError(path string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "invalid escape") || strings.Contains(msg, "hexadecimal digits") {
		return fmt.Errorf("decode config %s: %w\nhint: use forward slashes (C:/Users/...) or single quotes ('C:\\Users\\...') for Windows paths", path, err)
	}
	return fmt.Errorf("decode config %s: %w", path, err)
}

// resolve expands ~ and makes relative paths relative to HomeDir.
func (c *Config) resolve(p string) string {
	if p == "" {
		return p
	}
	p = fileutil.ExpandHome(p)
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.HomeDir, p)
	}
	return p
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvGroqAPIKey); v != "" {
		c.Classifier.APIKey = v
	}
	if v := os.Getenv(EnvClassifierAPIKey); v != "" {
		c.Classifier.APIKey = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Server.Port = port
		c.Server.Health = true
	}
	if os.Getenv(EnvRender) != "" {
		c.Server.Health = true
	}
	return nil
}

// Validate checks value ranges and the cron schedule.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Gmail.RateLimitQPS > 0, "gmail.rate_limit_qps must be positive, got %v", c.Gmail.RateLimitQPS)
	check(c.Classifier.BaseURL != "", "classifier.base_url must not be empty")
	check(c.Classifier.Model != "", "classifier.model must not be empty")
	check(c.Classifier.TimeoutSeconds > 0, "classifier.timeout_seconds must be positive, got %d", c.Classifier.TimeoutSeconds)
	check(strings.TrimSpace(c.Triage.ProcessedLabel) != "", "triage.processed_label must not be empty")
	check(strings.TrimSpace(c.Triage.ImportantLabel) != "", "triage.important_label must not be empty")
	check(c.Triage.ProcessedLabel != c.Triage.ImportantLabel, "triage.processed_label and triage.important_label must differ")
	check(c.Triage.MaxResults >= 1 && c.Triage.MaxResults <= 500, "triage.max_results must be in [1, 500], got %d", c.Triage.MaxResults)
	check(c.Triage.NewerThanDays >= 1, "triage.newer_than_days must be at least 1, got %d", c.Triage.NewerThanDays)
	check(c.Triage.BodyCharLimit > 0, "triage.body_char_limit must be positive, got %d", c.Triage.BodyCharLimit)
	check(c.Triage.PacingMS >= 0, "triage.pacing_ms must not be negative, got %d", c.Triage.PacingMS)
	check(c.Serve.IntervalSeconds > 0, "serve.interval_seconds must be positive, got %d", c.Serve.IntervalSeconds)
	check(c.Server.Port >= 1 && c.Server.Port <= 65535, "server.port must be in [1, 65535], got %d", c.Server.Port)
	if c.Serve.Schedule != "" {
		if err := scheduler.ValidateCronExpr(c.Serve.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("serve.schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ValidateClassifier checks that a classifier credential is present.
func (c *Config) ValidateClassifier() error {
	if strings.TrimSpace(c.Classifier.APIKey) == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// ValidateOAuth checks that the client secrets file exists.
func (c *Config) ValidateOAuth() error {
	if c.OAuth.ClientSecrets == "" {
		return fmt.Errorf("%w: [oauth] client_secrets is empty", ErrMissingClientSecrets)
	}
	if _, err := os.Stat(c.OAuth.ClientSecrets); err != nil {
		return fmt.Errorf("%w at %s (download it from the Google Cloud Console)", ErrMissingClientSecrets, c.OAuth.ClientSecrets)
	}
	return nil
}
