// Package config handles configuration loading and management for marketchat.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/marketchat/internal/chat"
	"github.com/inercia/marketchat/internal/logging"
)

// Environment variables.
const (
	// EnvConfigPath overrides the configuration file location.
	EnvConfigPath = "MARKETCHATRC"
	// EnvToken overrides server.token.
	EnvToken = "MARKETCHAT_TOKEN"
)

// Defaults.
const (
	DefaultBaseURL       = "http://localhost:3000"
	DefaultAPIPrefix     = "/api"
	DefaultTimeout       = 30 * time.Second
	DefaultTickInterval  = 100 * time.Millisecond
	DefaultCueVolume     = 0.3
	DefaultCueToneHz     = 880
	DefaultCueDuration   = 150 * time.Millisecond
	DefaultTypingTimeout = 400 * time.Millisecond
	DefaultRatePerSecond = 2.0
	DefaultBurst         = 2
	DefaultRemoteExpiry  = 6 * time.Second
)

// Playback outputs.
const (
	// OutputSimulated plays voice notes silently for their stored length.
	OutputSimulated = "simulated"
	// OutputSpeaker decodes voice notes and plays them on the sound card.
	OutputSpeaker = "speaker"
)

// ServerConfig locates the marketplace API.
type ServerConfig struct {
	// BaseURL is the server origin, also used to resolve attachment paths.
	BaseURL string
	// APIPrefix is prepended to every REST and WebSocket path.
	APIPrefix string
	// Token is the bearer token sent with every request.
	Token   string
	Timeout time.Duration
}

// UserConfig identifies the local user.
type UserConfig struct {
	ID   string
	Type chat.SenderType
}

// Identity returns the user's sender identity.
func (u UserConfig) Identity() chat.SenderIdentity {
	return chat.SenderIdentity{ID: u.ID, Type: u.Type}
}

// PlaybackConfig tunes voice-note playback.
type PlaybackConfig struct {
	// Output is OutputSimulated or OutputSpeaker.
	Output       string
	TickInterval time.Duration
	// CueURL is an optional sound played between chained voice notes.
	// A synthesized tone is used when empty.
	CueURL      string
	CueVolume   float64
	CueToneHz   float64
	CueDuration time.Duration
}

// PresenceConfig tunes typing and recording signals.
type PresenceConfig struct {
	TypingTimeout time.Duration
	// RatePerSecond and Burst limit outgoing "is typing" and "is recording"
	// frames.
	RatePerSecond float64
	Burst         int
	// RemoteExpiry drops a peer's signal that was never cleared.
	RemoteExpiry time.Duration
}

// CacheConfig controls the local thread cache.
type CacheConfig struct {
	Enabled bool
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	JSON       bool
}

// Config represents the complete marketchat configuration.
type Config struct {
	Server   ServerConfig
	User     UserConfig
	Playback PlaybackConfig
	Presence PresenceConfig
	Cache    CacheConfig
	Log      LogConfig
}

// rawConfig is used for YAML (un)marshaling. Durations are strings such as
// "150ms" or "30s".
type rawConfig struct {
	Server struct {
		BaseURL   string `yaml:"base_url,omitempty"`
		APIPrefix string `yaml:"api_prefix,omitempty"`
		Token     string `yaml:"token,omitempty"`
		Timeout   string `yaml:"timeout,omitempty"`
	} `yaml:"server"`
	User struct {
		ID   string `yaml:"id,omitempty"`
		Type string `yaml:"type,omitempty"`
	} `yaml:"user"`
	Playback struct {
		Output       string  `yaml:"output,omitempty"`
		TickInterval string  `yaml:"tick_interval,omitempty"`
		CueURL       string  `yaml:"cue_url,omitempty"`
		CueVolume    float64 `yaml:"cue_volume,omitempty"`
		CueToneHz    float64 `yaml:"cue_tone_hz,omitempty"`
		CueDuration  string  `yaml:"cue_duration,omitempty"`
	} `yaml:"playback"`
	Presence struct {
		TypingTimeout string  `yaml:"typing_timeout,omitempty"`
		RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
		Burst         int     `yaml:"burst,omitempty"`
		RemoteExpiry  string  `yaml:"remote_expiry,omitempty"`
	} `yaml:"presence"`
	Cache struct {
		Enabled *bool `yaml:"enabled,omitempty"`
	} `yaml:"cache"`
	Log struct {
		Level      string `yaml:"level,omitempty"`
		File       string `yaml:"file,omitempty"`
		MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
		MaxBackups int    `yaml:"max_backups,omitempty"`
		JSON       bool   `yaml:"json,omitempty"`
	} `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:   DefaultBaseURL,
			APIPrefix: DefaultAPIPrefix,
			Timeout:   DefaultTimeout,
		},
		User: UserConfig{Type: chat.SenderBuyer},
		Playback: PlaybackConfig{
			Output:       OutputSimulated,
			TickInterval: DefaultTickInterval,
			CueVolume:    DefaultCueVolume,
			CueToneHz:    DefaultCueToneHz,
			CueDuration:  DefaultCueDuration,
		},
		Presence: PresenceConfig{
			TypingTimeout: DefaultTypingTimeout,
			RatePerSecond: DefaultRatePerSecond,
			Burst:         DefaultBurst,
			RemoteExpiry:  DefaultRemoteExpiry,
		},
		Cache: CacheConfig{Enabled: true},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// DefaultConfigPath returns the default configuration file path for the current platform.
func DefaultConfigPath() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		configDir = home
	default: // linux and others
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			home, _ := os.UserHomeDir()
			configDir = home
		}
	}

	return filepath.Join(configDir, ".marketchatrc")
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// LoadOrDefault is like Load, but a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = Default()
		cfg.applyEnv()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// Parse parses YAML configuration data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()
	if err := cfg.applyRaw(&raw); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyRaw(raw *rawConfig) error {
	var errs []error
	duration := func(field, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, value))
			return
		}
		*dst = d
	}

	if raw.Server.BaseURL != "" {
		c.Server.BaseURL = raw.Server.BaseURL
	}
	if raw.Server.APIPrefix != "" {
		c.Server.APIPrefix = raw.Server.APIPrefix
	}
	c.Server.Token = raw.Server.Token
	duration("server.timeout", raw.Server.Timeout, &c.Server.Timeout)

	c.User.ID = raw.User.ID
	if raw.User.Type != "" {
		c.User.Type = chat.SenderType(strings.ToLower(raw.User.Type))
	}

	if raw.Playback.Output != "" {
		c.Playback.Output = strings.ToLower(raw.Playback.Output)
	}
	duration("playback.tick_interval", raw.Playback.TickInterval, &c.Playback.TickInterval)
	c.Playback.CueURL = raw.Playback.CueURL
	if raw.Playback.CueVolume != 0 {
		c.Playback.CueVolume = raw.Playback.CueVolume
	}
	if raw.Playback.CueToneHz != 0 {
		c.Playback.CueToneHz = raw.Playback.CueToneHz
	}
	duration("playback.cue_duration", raw.Playback.CueDuration, &c.Playback.CueDuration)

	duration("presence.typing_timeout", raw.Presence.TypingTimeout, &c.Presence.TypingTimeout)
	if raw.Presence.RatePerSecond != 0 {
		c.Presence.RatePerSecond = raw.Presence.RatePerSecond
	}
	if raw.Presence.Burst != 0 {
		c.Presence.Burst = raw.Presence.Burst
	}
	duration("presence.remote_expiry", raw.Presence.RemoteExpiry, &c.Presence.RemoteExpiry)

	if raw.Cache.Enabled != nil {
		c.Cache.Enabled = *raw.Cache.Enabled
	}

	if raw.Log.Level != "" {
		c.Log.Level = raw.Log.Level
	}
	c.Log.File = raw.Log.File
	if raw.Log.MaxSizeMB != 0 {
		c.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if raw.Log.MaxBackups != 0 {
		c.Log.MaxBackups = raw.Log.MaxBackups
	}
	c.Log.JSON = raw.Log.JSON

	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	if token := os.Getenv(EnvToken); token != "" {
		c.Server.Token = token
	}
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server.base_url: %q is not an http(s) URL", c.Server.BaseURL))
	}
	if c.Server.APIPrefix != "" && !strings.HasPrefix(c.Server.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("server.api_prefix: %q must start with /", c.Server.APIPrefix))
	}
	if c.Server.Timeout <= 0 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if c.User.Type != chat.SenderBuyer && c.User.Type != chat.SenderSeller {
		errs = append(errs, fmt.Errorf("user.type: %q is neither buyer nor seller", c.User.Type))
	}
	if c.Playback.Output != OutputSimulated && c.Playback.Output != OutputSpeaker {
		errs = append(errs, fmt.Errorf("playback.output: %q is neither %s nor %s", c.Playback.Output, OutputSimulated, OutputSpeaker))
	}
	if c.Playback.TickInterval <= 0 {
		errs = append(errs, errors.New("playback.tick_interval must be positive"))
	}
	if c.Playback.CueVolume < 0 || c.Playback.CueVolume > 1 {
		errs = append(errs, fmt.Errorf("playback.cue_volume: %v is outside [0, 1]", c.Playback.CueVolume))
	}
	if c.Playback.CueToneHz <= 0 || c.Playback.CueDuration <= 0 {
		errs = append(errs, errors.New("playback.cue_tone_hz and playback.cue_duration must be positive"))
	}
	if c.Presence.TypingTimeout <= 0 || c.Presence.RemoteExpiry <= 0 {
		errs = append(errs, errors.New("presence timeouts must be positive"))
	}
	if c.Presence.RatePerSecond <= 0 || c.Presence.Burst <= 0 {
		errs = append(errs, errors.New("presence.rate_per_second and presence.burst must be positive"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML. The token is replaced by a
// placeholder unless withSecrets is set.
func (c *Config) Marshal(withSecrets bool) ([]byte, error) {
	var raw rawConfig
	raw.Server.BaseURL = c.Server.BaseURL
	raw.Server.APIPrefix = c.Server.APIPrefix
	raw.Server.Timeout = c.Server.Timeout.String()
	if c.Server.Token != "" {
		raw.Server.Token = "********"
		if withSecrets {
			raw.Server.Token = c.Server.Token
		}
	}
	raw.User.ID = c.User.ID
	raw.User.Type = string(c.User.Type)
	raw.Playback.Output = c.Playback.Output
	raw.Playback.TickInterval = c.Playback.TickInterval.String()
	raw.Playback.CueURL = c.Playback.CueURL
	raw.Playback.CueVolume = c.Playback.CueVolume
	raw.Playback.CueToneHz = c.Playback.CueToneHz
	raw.Playback.CueDuration = c.Playback.CueDuration.String()
	raw.Presence.TypingTimeout = c.Presence.TypingTimeout.String()
	raw.Presence.RatePerSecond = c.Presence.RatePerSecond
	raw.Presence.Burst = c.Presence.Burst
	raw.Presence.RemoteExpiry = c.Presence.RemoteExpiry.String()
	enabled := c.Cache.Enabled
	raw.Cache.Enabled = &enabled
	raw.Log.Level = c.Log.Level
	raw.Log.File = c.Log.File
	raw.Log.MaxSizeMB = c.Log.MaxSizeMB
	raw.Log.MaxBackups = c.Log.MaxBackups
	raw.Log.JSON = c.Log.JSON

	return yaml.Marshal(&raw)
}
