package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
// PasswordHash (bcrypt) takes precedence over Password when both are set.
type BasicAuthConfig struct {
	Username     string `yaml:"username" json:"username" validate:"required"`
	Password     string `yaml:"password,omitempty" json:"password,omitempty"`
	PasswordHash string `yaml:"password_hash,omitempty" json:"password_hash,omitempty"`
}

// LLMConfig points the model-backed parser at an inference endpoint. The
// API token is never stored here; see Credentials.
type LLMConfig struct {
	Endpoint       string `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	Model          string `yaml:"model" json:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=1,lte=300"`
}

// RemoteConfig selects the remote calendar. An empty BaseURL disables
// remote sync.
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`
	CalendarID     string `yaml:"calendar_id" json:"calendar_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds" json:"timeout_seconds" validate:"gte=1,lte=300"`
	MaxRetries     int    `yaml:"max_retries" json:"max_retries" validate:"gte=0,lte=10"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen" validate:"required"`

	// Timezone is the IANA zone used when a request names none.
	Timezone string `yaml:"timezone" json:"timezone" validate:"required"`

	// ConflictGapMinutes is the buffer required between two events.
	ConflictGapMinutes int `yaml:"conflict_gap_minutes" json:"conflict_gap_minutes" validate:"gte=0"`

	// SyncDaysAhead bounds the window reconciliation considers.
	SyncDaysAhead int `yaml:"sync_days_ahead" json:"sync_days_ahead" validate:"gt=0"`

	// AutoSync enables the background sync schedule.
	AutoSync bool `yaml:"auto_sync" json:"auto_sync"`

	// SyncCron is a standard 5-field cron spec for background sync.
	SyncCron string `yaml:"sync_cron" json:"sync_cron"`

	// DefaultHour is used for prompts without a time of day.
	DefaultHour int `yaml:"default_hour" json:"default_hour" validate:"gte=0,lte=23"`

	// RejectConflicts turns conflict warnings into request failures.
	RejectConflicts bool `yaml:"reject_conflicts" json:"reject_conflicts"`

	// PushOnAdd pushes new events to the remote calendar right away.
	PushOnAdd bool `yaml:"push_on_add" json:"push_on_add"`

	// DatabasePath is the SQLite file. Empty keeps events in memory.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	LogLevel string `yaml:"log_level" json:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`

	LLM    LLMConfig    `yaml:"llm" json:"llm"`
	Remote RemoteConfig `yaml:"remote" json:"remote"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:             "127.0.0.1:8000",
		Timezone:           "UTC",
		ConflictGapMinutes: 15,
		SyncDaysAhead:      30,
		AutoSync:           true,
		SyncCron:           "0 3 * * *",
		DefaultHour:        9,
		RejectConflicts:    false,
		PushOnAdd:          true,
		DatabasePath:       "./var/smartcal.sqlite",
		LogLevel:           "info",
		LLM: LLMConfig{
			Endpoint:       "https://api-inference.huggingface.co/models",
			Model:          "microsoft/DialoGPT-medium",
			TimeoutSeconds: 20,
		},
		Remote: RemoteConfig{
			CalendarID:     "primary",
			TimeoutSeconds: 15,
			MaxRetries:     3,
		},
	}
}

// Normalize fills in missing/zero values so partially-filled configs still
// behave. Negative or out-of-range numbers are left for Validate to report.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.SyncDaysAhead == 0 {
		c.SyncDaysAhead = d.SyncDaysAhead
	}
	if c.SyncCron == "" {
		c.SyncCron = d.SyncCron
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LLM.Endpoint == "" {
		c.LLM.Endpoint = d.LLM.Endpoint
	}
	if c.LLM.Model == "" {
		c.LLM.Model = d.LLM.Model
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = d.LLM.TimeoutSeconds
	}
	if c.Remote.CalendarID == "" {
		c.Remote.CalendarID = d.Remote.CalendarID
	}
	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = d.Remote.TimeoutSeconds
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges plus the values that need parsing: the
// timezone and the cron spec.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone %q: %w", c.Timezone, err)
	}
	if c.AutoSync {
		if _, err := cron.ParseStandard(c.SyncCron); err != nil {
			return fmt.Errorf("invalid config: sync_cron %q: %w", c.SyncCron, err)
		}
	}
	if c.BasicAuth != nil && c.BasicAuth.Password == "" && c.BasicAuth.PasswordHash == "" {
		return errors.New("invalid config: basic_auth needs password or password_hash")
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     permissions and returned.
//   - Otherwise the YAML is read over the defaults, normalized and
//     validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Unmarshal over the defaults so absent booleans keep their default.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".smartcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Config) Save(path string) error {
	return Save(path, c)
}
