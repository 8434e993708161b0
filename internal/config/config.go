package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	EnginePath string   `yaml:"engine_path"`
	EngineArgs []string `yaml:"engine_args"`

	MoveTime    time.Duration `yaml:"-"`
	InitTimeout time.Duration `yaml:"-"`
	MoveMargin  time.Duration `yaml:"-"`
	QuitGrace   time.Duration `yaml:"-"`

	HTTPAddr string `yaml:"http_addr"`
	WSAddr   string `yaml:"ws_addr"`

	RedisURL    string        `yaml:"redis_url"`
	DatabaseURL string        `yaml:"database_url"`
	GameTTL     time.Duration `yaml:"-"`

	MessagesDir string `yaml:"messages_dir"`
}

// fileConfig carries the numeric settings in the same units as the env vars.
type fileConfig struct {
	AppConfig `yaml:",inline"`

	MoveTimeMs     int `yaml:"engine_move_time_ms"`
	InitTimeoutSec int `yaml:"engine_init_timeout_sec"`
	MoveMarginSec  int `yaml:"engine_move_margin_sec"`
	QuitGraceSec   int `yaml:"engine_quit_grace_sec"`
	GameTTLSec     int `yaml:"game_ttl_sec"`
}

func defaults() *AppConfig {
	return &AppConfig{
		MoveTime:    time.Second,
		InitTimeout: 30 * time.Second,
		MoveMargin:  30 * time.Second,
		QuitGrace:   5 * time.Second,
		HTTPAddr:    ":8080",
		WSAddr:      ":8081",
		GameTTL:     24 * time.Hour,
	}
}

// Load reads CONFIG_FILE (if set) and then the environment; environment
// values win.
func Load() (*AppConfig, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if v := strings.TrimSpace(getenv("ENGINE_PATH")); v != "" {
		cfg.EnginePath = v
	}
	if v := strings.TrimSpace(getenv("ENGINE_ARGS")); v != "" {
		cfg.EngineArgs = strings.Fields(v)
	}
	if err := envDuration(getenv, "ENGINE_MOVE_TIME_MS", time.Millisecond, &cfg.MoveTime); err != nil {
		return nil, err
	}
	if err := envDuration(getenv, "ENGINE_INIT_TIMEOUT_SEC", time.Second, &cfg.InitTimeout); err != nil {
		return nil, err
	}
	if err := envDuration(getenv, "ENGINE_MOVE_MARGIN_SEC", time.Second, &cfg.MoveMargin); err != nil {
		return nil, err
	}
	if err := envDuration(getenv, "ENGINE_QUIT_GRACE_SEC", time.Second, &cfg.QuitGrace); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(getenv("WS_ADDR")); v != "" {
		cfg.WSAddr = v
	}
	if v := strings.TrimSpace(getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if err := envDuration(getenv, "GAME_TTL_SEC", time.Second, &cfg.GameTTL); err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(getenv("MESSAGES_DIR")); v != "" {
		cfg.MessagesDir = v
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.HTTPAddr == "" {
		return nil, errors.New("HTTP_ADDR must not be empty")
	}
	return cfg, nil
}

func applyFile(cfg *AppConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	fc := fileConfig{AppConfig: *cfg}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	*cfg = fc.AppConfig
	// duration fields are tagged "-" and keep their defaults until set here
	setPositive(&cfg.MoveTime, fc.MoveTimeMs, time.Millisecond)
	setPositive(&cfg.InitTimeout, fc.InitTimeoutSec, time.Second)
	setPositive(&cfg.MoveMargin, fc.MoveMarginSec, time.Second)
	setPositive(&cfg.QuitGrace, fc.QuitGraceSec, time.Second)
	setPositive(&cfg.GameTTL, fc.GameTTLSec, time.Second)
	return nil
}

func setPositive(dst *time.Duration, n int, unit time.Duration) {
	if n > 0 {
		*dst = time.Duration(n) * unit
	}
}

func envDuration(getenv func(string) string, key string, unit time.Duration, dst *time.Duration) error {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	*dst = time.Duration(n) * unit
	return nil
}
