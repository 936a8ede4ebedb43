// Package config gathers the lock's settings from an optional YAML file,
// an optional .env file and the process environment, in increasing order
// of precedence.  Nothing secret is compiled in.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Wireless link
	WiFiSSID       string `yaml:"wifi_ssid"`
	WiFiPassword   string `yaml:"wifi_password"`
	WiFiInterface  string `yaml:"wifi_interface"`
	WiFiConnectCmd string `yaml:"wifi_connect_cmd"`
	FakeLink       bool   `yaml:"fake_link"` // scripted radio, for bench runs

	// Backend
	APIKey      string `yaml:"api_key"`
	DatabaseURL string `yaml:"database_url"`
	ProjectID   string `yaml:"project_id"`
	AuthURL     string `yaml:"auth_url"`
	TokenURL    string `yaml:"token_url"`

	LockID string `yaml:"lock_id"`

	// Collaborator surfaces
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the health server

	// Outbox
	DBPath               string `yaml:"db_path"` // empty keeps the outbox in memory
	OutboxMax            int    `yaml:"outbox_max"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
	OutboxRetentionHours int    `yaml:"outbox_retention_hours"` // 0 = keep delivered rows

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"` // 0 = default; requests are always bounded
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"` // 0 = retry until cancelled
}

const DefaultRequestTimeout = 15 * time.Second

// Defaults are the values used when neither file nor environment sets one.
func Defaults() Config {
	return Config{
		WiFiInterface:         "wlan0",
		HTTPAddr:              "127.0.0.1:8080",
		GRPCAddr:              "127.0.0.1:9090",
		DBPath:                "./data/locksync.db",
		OutboxMax:             512,
		FlushIntervalSeconds:  30,
		OutboxRetentionHours:  24,
		RequestTimeoutSeconds: 15,
		ConnectTimeoutSeconds: 60,
	}
}

// Load reads the YAML file at path (skipped when path is empty), then
// ./.env when present, then applies LOCKSYNC_* environment variables on
// top.  Unknown YAML keys are an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := LoadEnvFile(); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

// LoadEnvFile loads the given .env files (./.env when none is given) into
// the process environment.  Variables already set win; a missing file is
// not an error.
func LoadEnvFile(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: env file: %w", err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.WiFiSSID = getenvDefault("LOCKSYNC_WIFI_SSID", c.WiFiSSID)
	c.WiFiPassword = getenvDefault("LOCKSYNC_WIFI_PASSWORD", c.WiFiPassword)
	c.WiFiInterface = getenvDefault("LOCKSYNC_WIFI_INTERFACE", c.WiFiInterface)
	c.WiFiConnectCmd = getenvDefault("LOCKSYNC_WIFI_CONNECT_CMD", c.WiFiConnectCmd)
	c.FakeLink = getenvBool("LOCKSYNC_FAKE_LINK", c.FakeLink)

	c.APIKey = getenvDefault("LOCKSYNC_API_KEY", c.APIKey)
	c.DatabaseURL = getenvDefault("LOCKSYNC_DATABASE_URL", c.DatabaseURL)
	c.ProjectID = getenvDefault("LOCKSYNC_PROJECT_ID", c.ProjectID)
	c.AuthURL = getenvDefault("LOCKSYNC_AUTH_URL", c.AuthURL)
	c.TokenURL = getenvDefault("LOCKSYNC_TOKEN_URL", c.TokenURL)
	c.LockID = getenvDefault("LOCKSYNC_LOCK_ID", c.LockID)

	c.HTTPAddr = getenvDefault("LOCKSYNC_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getenvDefault("LOCKSYNC_GRPC_ADDR", c.GRPCAddr)

	c.DBPath = getenvDefault("LOCKSYNC_DB_PATH", c.DBPath)
	c.OutboxMax = getenvInt("LOCKSYNC_OUTBOX_MAX", c.OutboxMax)
	c.FlushIntervalSeconds = getenvInt("LOCKSYNC_FLUSH_INTERVAL_SECONDS", c.FlushIntervalSeconds)
	c.OutboxRetentionHours = getenvInt("LOCKSYNC_OUTBOX_RETENTION_HOURS", c.OutboxRetentionHours)
	c.RequestTimeoutSeconds = getenvInt("LOCKSYNC_REQUEST_TIMEOUT_SECONDS", c.RequestTimeoutSeconds)
	c.ConnectTimeoutSeconds = getenvInt("LOCKSYNC_CONNECT_TIMEOUT_SECONDS", c.ConnectTimeoutSeconds)
}

// Validate reports every missing required value at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WiFiSSID) == "" {
		errs = append(errs, errors.New("config: LOCKSYNC_WIFI_SSID is required"))
	}
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, errors.New("config: LOCKSYNC_API_KEY is required"))
	}
	if strings.TrimSpace(c.ProjectID) == "" {
		errs = append(errs, errors.New("config: LOCKSYNC_PROJECT_ID is required"))
	}
	if strings.Contains(c.LockID, "/") {
		errs = append(errs, errors.New("config: LOCKSYNC_LOCK_ID must not contain '/'"))
	}
	return errors.Join(errs...)
}

func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

func (c Config) OutboxRetention() time.Duration {
	return time.Duration(c.OutboxRetentionHours) * time.Hour
}

// RequestTimeout bounds each backend round trip.  It is never zero.
func (c Config) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return DefaultRequestTimeout
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
