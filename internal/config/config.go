// Package config loads the worker configuration from the environment and an
// optional JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults.
const (
	DefaultPort           = "8080"
	DefaultWorkspaceRoot  = "/tmp/codee"
	DefaultCommandTimeout = 30 * time.Second
	DefaultPollInterval   = 30 * time.Second
	DefaultRetention      = 5000
	DefaultSandboxDriver  = "docker"
	DefaultGitHost        = "https://github.com"
	DefaultPostHogURL     = "https://us.posthog.com"
)

// Duration is a time.Duration that reads from JSON as a string such as "45s"
// or as a number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the worker configuration. Zero values mean "unset" until
// MergeWithDefaults fills them.
type Config struct {
	// Server
	Port string `json:"port,omitempty"`

	// Event log
	EventLogURL       string   `json:"event_log_url,omitempty"` // Postgres DSN; empty uses the in-memory log
	EventLogRetention int      `json:"event_log_retention,omitempty"`
	EventPollInterval Duration `json:"event_poll_interval,omitempty"`

	// Workspaces and sandboxes
	WorkspaceRoot  string   `json:"workspace_root,omitempty"`
	CommandTimeout Duration `json:"command_timeout,omitempty"`
	SessionTimeout Duration `json:"session_timeout,omitempty"` // zero means unbounded
	SandboxDriver  string   `json:"sandbox_driver,omitempty"`
	SandboxImage   string   `json:"sandbox_image,omitempty"`
	SandboxProfile string   `json:"sandbox_profile,omitempty"`
	GitHost        string   `json:"git_host,omitempty"`

	// Record store and auth
	RecordStoreURL    string   `json:"record_store_url,omitempty"`
	InternalAPISecret string   `json:"internal_api_secret,omitempty"`
	JWTSecret         string   `json:"jwt_secret,omitempty"`
	APIKeyHashes      []string `json:"api_key_hashes,omitempty"`

	// Reasoning engine
	GeminiAPIKey string `json:"gemini_api_key,omitempty"`
	GeminiModel  string `json:"gemini_model,omitempty"`

	// Integrations
	PostHogAPIURL string `json:"posthog_api_url,omitempty"`

	// Behavior
	AutoPush   *bool `json:"auto_push,omitempty"`
	JobLocking *bool `json:"job_locking,omitempty"`
}

// PushEnabled reports whether finished jobs push their branch.
func (c *Config) PushEnabled() bool {
	return c.AutoPush == nil || *c.AutoPush
}

// LockingEnabled reports whether runs of the same job are serialized.
func (c *Config) LockingEnabled() bool {
	return c.JobLocking == nil || *c.JobLocking
}

// Load reads the environment, fills gaps from the JSON file at path (if
// any) and then from the built-in defaults.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	if path != "" {
		file, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		merged := cfg.MergeWithDefaults(*file)
		cfg = &merged
	}
	merged := cfg.MergeWithDefaults(Defaults())
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// FromEnv reads every supported environment variable. Unset variables stay
// zero.
func FromEnv() *Config {
	cfg := &Config{
		Port:              EnvString("PORT", ""),
		EventLogURL:       EnvString("EVENT_LOG_URL", ""),
		EventLogRetention: EnvInt("EVENT_LOG_RETENTION", 0),
		EventPollInterval: Duration(EnvDuration("EVENT_POLL_INTERVAL", 0)),
		WorkspaceRoot:     EnvString("WORKSPACE_ROOT", ""),
		CommandTimeout:    Duration(EnvDuration("COMMAND_TIMEOUT", 0)),
		SessionTimeout:    Duration(EnvDuration("SESSION_TIMEOUT", 0)),
		SandboxDriver:     EnvString("SANDBOX_DRIVER", ""),
		SandboxImage:      EnvString("SANDBOX_IMAGE", ""),
		SandboxProfile:    EnvString("SANDBOX_PROFILE", ""),
		GitHost:           EnvString("GIT_HOST", ""),
		RecordStoreURL:    EnvString("RECORD_STORE_URL", ""),
		InternalAPISecret: EnvString("INTERNAL_API_SECRET", ""),
		JWTSecret:         EnvString("JWT_SECRET", ""),
		APIKeyHashes:      EnvList("API_KEY_HASHES"),
		GeminiAPIKey:      EnvString("GEMINI_API_KEY", ""),
		GeminiModel:       EnvString("GEMINI_MODEL", ""),
		PostHogAPIURL:     EnvString("POSTHOG_API_URL", ""),
	}
	if os.Getenv("AUTO_PUSH") != "" {
		v := EnvBool("AUTO_PUSH", true)
		cfg.AutoPush = &v
	}
	if os.Getenv("JOB_LOCKING") != "" {
		v := EnvBool("JOB_LOCKING", true)
		cfg.JobLocking = &v
	}
	return cfg
}

// Defaults returns the built-in defaults.
func Defaults() Config {
	return Config{
		Port:              DefaultPort,
		EventLogRetention: DefaultRetention,
		EventPollInterval: Duration(DefaultPollInterval),
		WorkspaceRoot:     DefaultWorkspaceRoot,
		CommandTimeout:    Duration(DefaultCommandTimeout),
		SandboxDriver:     DefaultSandboxDriver,
		GitHost:           DefaultGitHost,
		PostHogAPIURL:     DefaultPostHogURL,
	}
}

// LoadConfig loads configuration from a JSON file.
// Returns an error if the file cannot be read or parsed.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}

	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration has valid values. Required
// credentials are checked by the commands that need them.
func (c *Config) Validate() error {
	if c.EventLogRetention < 0 {
		return fmt.Errorf("config error: 'event_log_retention' must be non-negative")
	}
	if c.CommandTimeout < 0 || c.SessionTimeout < 0 || c.EventPollInterval < 0 {
		return fmt.Errorf("config error: durations must be non-negative")
	}
	switch c.SandboxDriver {
	case "", "docker", "bwrap", "local":
	default:
		return fmt.Errorf("config error: unknown sandbox driver %q", c.SandboxDriver)
	}
	if c.SandboxProfile != "" {
		if _, err := os.Stat(c.SandboxProfile); os.IsNotExist(err) {
			return fmt.Errorf("config error: sandbox profile not found: %s", c.SandboxProfile)
		}
	}
	return nil
}

// MergeWithDefaults returns a new Config with unset fields filled from
// defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	strs := []struct {
		dst *string
		def string
	}{
		{&result.Port, defaults.Port},
		{&result.EventLogURL, defaults.EventLogURL},
		{&result.WorkspaceRoot, defaults.WorkspaceRoot},
		{&result.SandboxDriver, defaults.SandboxDriver},
		{&result.SandboxImage, defaults.SandboxImage},
		{&result.SandboxProfile, defaults.SandboxProfile},
		{&result.GitHost, defaults.GitHost},
		{&result.RecordStoreURL, defaults.RecordStoreURL},
		{&result.InternalAPISecret, defaults.InternalAPISecret},
		{&result.JWTSecret, defaults.JWTSecret},
		{&result.GeminiAPIKey, defaults.GeminiAPIKey},
		{&result.GeminiModel, defaults.GeminiModel},
		{&result.PostHogAPIURL, defaults.PostHogAPIURL},
	}
	for _, s := range strs {
		if *s.dst == "" {
			*s.dst = s.def
		}
	}

	durs := []struct {
		dst *Duration
		def Duration
	}{
		{&result.EventPollInterval, defaults.EventPollInterval},
		{&result.CommandTimeout, defaults.CommandTimeout},
		{&result.SessionTimeout, defaults.SessionTimeout},
	}
	for _, d := range durs {
		if *d.dst == 0 {
			*d.dst = d.def
		}
	}

	if result.EventLogRetention == 0 {
		result.EventLogRetention = defaults.EventLogRetention
	}
	if len(result.APIKeyHashes) == 0 {
		result.APIKeyHashes = defaults.APIKeyHashes
	}
	if result.AutoPush == nil {
		result.AutoPush = defaults.AutoPush
	}
	if result.JobLocking == nil {
		result.JobLocking = defaults.JobLocking
	}

	return result
}
