// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads clipsync settings.  Values come from built-in
// defaults, then an optional YAML file, then the environment.
package config

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hotwellkz/p065-sub001/internal/homedir"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Poll     PollConfig     `yaml:"poll"`
	Spool    SpoolConfig    `yaml:"spool"`
	Download DownloadConfig `yaml:"download"`
	Telegram TelegramConfig `yaml:"telegram"`
	Google   GoogleConfig   `yaml:"google"`
}

type DatabaseConfig struct {
	// A SQLite path or a postgres:// URL.
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`

	// Shared secret the scheduler trigger must present.  Empty
	// disables the trigger.
	CronSecret string `yaml:"cron_secret"`
}

type PollConfig struct {
	// Zero disables the in-process poll loop; ticks then only run when
	// triggered over HTTP.
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

type DownloadConfig struct {
	ListTimeout     time.Duration `yaml:"list_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	MinSize         int64         `yaml:"min_size"`
	MaxSize         int64         `yaml:"max_size"`
}

type TelegramConfig struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`

	// Hex encoded AES-256 key sealing stored session strings.
	SessionSecret string `yaml:"session_secret"`

	// Session string of the shared account used by channels with the
	// global transport.
	GlobalSession string `yaml:"global_session"`

	SessionTTL     time.Duration `yaml:"session_ttl"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`

	ServiceAccountEmail string `yaml:"service_account_email"`
	ServiceAccountKey   string `yaml:"service_account_key"`

	// A JSON key file; takes precedence over email and key.
	ServiceAccountFile string `yaml:"service_account_file"`

	// Folder the service account falls back to when a channel's
	// folder is not shared with it.
	DefaultFolder string `yaml:"default_folder"`
}

// DefaultPath is where the config file is looked for when none is
// named.
func DefaultPath() string {
	return filepath.Join(homedir.Get(), ".clipsync.yaml")
}

func Default() *Config {
	return &Config{
		Database: DatabaseConfig{DSN: filepath.Join(homedir.Get(), ".clipsync.db")},
		Log:      LogConfig{Level: "info"},
		HTTP:     HTTPConfig{Addr: ":8080"},
		Poll:     PollConfig{Interval: 5 * time.Minute, Concurrency: 4},
		Download: DownloadConfig{
			ListTimeout:     30 * time.Second,
			DownloadTimeout: 5 * time.Minute,
			MinSize:         1 << 10,
			MaxSize:         100 << 20,
		},
		Telegram: TelegramConfig{
			SessionTTL:     5 * time.Minute,
			ConnectTimeout: 30 * time.Second,
		},
	}
}

// LoadDotEnv loads name into the environment if it exists.  Variables
// already set win.
func LoadDotEnv(name string) error {
	err := godotenv.Load(name)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "loading %s", name)
	}
	return nil
}

// Load builds the configuration.  A missing file at path is only an
// error when required is set.
func Load(path string, required bool) (*Config, error) {
	return load(path, required, os.Getenv)
}

func load(path string, required bool, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			if required || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readFile decodes the YAML file at path over c.  Keys absent from the
// file keep their current values.
func (c *Config) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "reading config")
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.Wrapf(err, "parsing config %s", path)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	str("DATABASE_URL", &c.Database.DSN)
	str("CLIPSYNC_LOG_LEVEL", &c.Log.Level)
	str("CLIPSYNC_HTTP_ADDR", &c.HTTP.Addr)
	str("CLIPSYNC_SPOOL_DIR", &c.Spool.Dir)
	str("CRON_SECRET", &c.HTTP.CronSecret)
	str("TELEGRAM_API_HASH", &c.Telegram.APIHash)
	str("TELEGRAM_SESSION_SECRET", &c.Telegram.SessionSecret)
	str("TELEGRAM_GLOBAL_SESSION", &c.Telegram.GlobalSession)
	str("GOOGLE_CLIENT_ID", &c.Google.ClientID)
	str("GOOGLE_CLIENT_SECRET", &c.Google.ClientSecret)
	str("GOOGLE_REDIRECT_URL", &c.Google.RedirectURL)
	str("GOOGLE_SERVICE_ACCOUNT_EMAIL", &c.Google.ServiceAccountEmail)
	str("GOOGLE_SERVICE_ACCOUNT_FILE", &c.Google.ServiceAccountFile)
	str("GOOGLE_DRIVE_DEFAULT_FOLDER", &c.Google.DefaultFolder)
	if v := getenv("GOOGLE_SERVICE_ACCOUNT_PRIVATE_KEY"); v != "" {
		// Keys pasted into a single line environment variable carry
		// escaped newlines.
		c.Google.ServiceAccountKey = strings.ReplaceAll(v, `\n`, "\n")
	}
	if v := getenv("CLIPSYNC_LOG_PRETTY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "CLIPSYNC_LOG_PRETTY")
		}
		c.Log.Pretty = b
	}
	if v := getenv("TELEGRAM_API_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "TELEGRAM_API_ID")
		}
		c.Telegram.APIID = id
	}
	if v := getenv("CLIPSYNC_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "CLIPSYNC_POLL_INTERVAL")
		}
		c.Poll.Interval = d
	}
	if v := getenv("CLIPSYNC_POLL_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "CLIPSYNC_POLL_CONCURRENCY")
		}
		c.Poll.Concurrency = n
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Database.DSN == "":
		return errors.New("database.dsn is empty")
	case c.Poll.Concurrency < 1:
		return errors.Errorf("poll.concurrency must be at least 1, got %d", c.Poll.Concurrency)
	case c.Poll.Interval < 0:
		return errors.Errorf("poll.interval must not be negative, got %v", c.Poll.Interval)
	case c.Download.MaxSize > 0 && c.Download.MaxSize < c.Download.MinSize:
		return errors.Errorf("download.max_size %d is below download.min_size %d", c.Download.MaxSize, c.Download.MinSize)
	}
	return nil
}

// RequireTelegram checks the settings every Telegram connection needs.
func (c *Config) RequireTelegram() error {
	switch {
	case c.Telegram.APIID == 0:
		return errors.New("telegram.api_id (TELEGRAM_API_ID) is not set")
	case c.Telegram.APIHash == "":
		return errors.New("telegram.api_hash (TELEGRAM_API_HASH) is not set")
	}
	return nil
}

// ServiceAccountJSON returns the contents of the configured key file,
// or nil.
func (c *GoogleConfig) ServiceAccountJSON() ([]byte, error) {
	if c.ServiceAccountFile == "" {
		return nil, nil
	}
	b, err := os.ReadFile(c.ServiceAccountFile)
	return b, errors.Wrap(err, "reading service account key")
}
