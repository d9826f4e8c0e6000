// /internal/config/config.go
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

var ErrInvalidConfig = errors.New("invalid config")

type TTS struct {
	Region          string `json:"region" env:"TTS_REGION"`
	Token           string `json:"token" env:"TTS_TOKEN"`
	DefaultLanguage string `json:"defaultLanguage" env:"TTS_DEFAULT_LANGUAGE" envDefault:"en-US"`
}

// Enabled reports whether the speech backend has credentials.
func (t TTS) Enabled() bool {
	return t.Region != "" && t.Token != ""
}

type DefaultMessages struct {
	JoinSuffix  string `json:"joinSuffix" env:"JOIN_SUFFIX" envDefault:"joined the channel"`
	LeaveSuffix string `json:"leaveSuffix" env:"LEAVE_SUFFIX" envDefault:"leaved the channel"`
}

type Discord struct {
	Token           string          `json:"token" env:"DISCORD_TOKEN"`
	TTS             TTS             `json:"tts"`
	DefaultMessages DefaultMessages `json:"defaultMessages"`
}

type Database struct {
	URI  string `json:"uri" env:"DATABASE_URI"`
	Path string `json:"path" env:"STORAGE_PATH" envDefault:"datastore.json"`
}

// Enabled reports whether any preference store can be opened.
func (d Database) Enabled() bool {
	return d.URI != "" || d.Path != ""
}

type OAuth2 struct {
	ClientID     string `json:"clientId" env:"APP_ID"`
	ClientSecret string `json:"clientSecret" env:"APP_SECRET"`
}

func (o OAuth2) Enabled() bool {
	return o.ClientID != "" && o.ClientSecret != ""
}

type API struct {
	Port          string `json:"port" env:"API_PORT" envDefault:"80"`
	RedirectURI   string `json:"redirectUri" env:"API_REDIRECT_URI"`
	SessionSecret string `json:"sessionSecret" env:"API_SECRET"`
	OAuth2        OAuth2 `json:"oauth2"`
}

func (a API) Enabled() bool {
	return a.Port != "" && a.RedirectURI != "" && a.SessionSecret != ""
}

// Config is the whole application configuration. It is treated as an
// immutable snapshot once loaded; updates produce a new value.
type Config struct {
	AdminIDs []string `json:"adminIds" env:"ADMINS" envSeparator:","`
	Discord  Discord  `json:"discord"`
	Database Database `json:"database"`
	API      API      `json:"api"`

	Path     string `json:"-" env:"CONFIG" envDefault:"config.json"`
	LogLevel string `json:"-" env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `json:"-" env:"LOG_FILE"`
}

// Load reads the environment (and .env when present) and overlays the JSON
// config file on top of it. A file without adminIds is written back so the
// operator gets a complete template.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, falling back to system environment variables")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	fromFile, err := readFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	if fromFile != nil {
		cfg.overlay(fromFile)
	}

	if fromFile == nil || fromFile.AdminIDs == nil {
		if err := cfg.Save(); err != nil {
			log.Warn().Err(err).Str("path", cfg.Path).Msg("Failed to write config template")
		}
	}

	return &cfg, nil
}

// LoadFile reads only the JSON file on top of the given base config. Used by
// the file watcher to detect external edits.
func LoadFile(base *Config) (*Config, error) {
	fromFile, err := readFile(base.Path)
	if err != nil {
		return nil, err
	}
	cfg := base.Clone()
	if fromFile != nil {
		cfg.overlay(fromFile)
	}
	return cfg, nil
}

// Update returns a copy of c with every field replaced by the non-empty
// values of next. Path and logging settings are kept.
func (c *Config) Update(next *Config) (*Config, error) {
	if err := next.Validate(); err != nil {
		return nil, err
	}
	cfg := c.Clone()
	cfg.AdminIDs = nil
	cfg.overlay(next)
	return cfg, nil
}

// Validate checks the parts of an admin-supplied config that JSON decoding
// cannot enforce.
func (c *Config) Validate() error {
	if c.AdminIDs == nil {
		return fmt.Errorf("%w: adminIds is required", ErrInvalidConfig)
	}
	for i, id := range c.AdminIDs {
		if id == "" {
			return fmt.Errorf("%w: adminIds[%d] is empty", ErrInvalidConfig, i)
		}
	}
	return nil
}

// IsAdmin reports whether userID is listed in adminIds.
func (c *Config) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Config) Clone() *Config {
	cp := *c
	if c.AdminIDs != nil {
		cp.AdminIDs = append([]string(nil), c.AdminIDs...)
	}
	return &cp
}

// Fingerprint identifies the persisted part of the config.
func (c *Config) Fingerprint() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Redacted returns a copy without credentials, for logging.
func (c *Config) Redacted() *Config {
	cp := c.Clone()
	cp.Discord.Token = ""
	cp.Discord.TTS.Token = ""
	cp.API.SessionSecret = ""
	cp.API.OAuth2.ClientSecret = ""
	return cp
}

func (c *Config) overlay(o *Config) {
	if o.AdminIDs != nil {
		c.AdminIDs = append([]string(nil), o.AdminIDs...)
	}
	pick(&c.Discord.Token, o.Discord.Token)
	pick(&c.Discord.TTS.Region, o.Discord.TTS.Region)
	pick(&c.Discord.TTS.Token, o.Discord.TTS.Token)
	pick(&c.Discord.TTS.DefaultLanguage, o.Discord.TTS.DefaultLanguage)
	pick(&c.Discord.DefaultMessages.JoinSuffix, o.Discord.DefaultMessages.JoinSuffix)
	pick(&c.Discord.DefaultMessages.LeaveSuffix, o.Discord.DefaultMessages.LeaveSuffix)
	pick(&c.Database.URI, o.Database.URI)
	pick(&c.Database.Path, o.Database.Path)
	pick(&c.API.Port, o.API.Port)
	pick(&c.API.RedirectURI, o.API.RedirectURI)
	pick(&c.API.SessionSecret, o.API.SessionSecret)
	pick(&c.API.OAuth2.ClientID, o.API.OAuth2.ClientID)
	pick(&c.API.OAuth2.ClientSecret, o.API.OAuth2.ClientSecret)
}

func pick(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return &cfg, nil
}
