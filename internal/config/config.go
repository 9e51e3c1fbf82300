// Package config loads the server settings from a YAML file and lets the
// container environment override the fields a deployment usually changes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Model  ModelConfig  `yaml:"model"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"` // request bodies above this are rejected with 413
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"` // bounds a slow inference from the caller's side
	AllowOrigin  string        `yaml:"allowOrigin"`  // value of Access-Control-Allow-Origin
}

type ModelConfig struct {
	Dir         string `yaml:"dir"`         // directory holding model.onnx and model_metadata.json
	Device      string `yaml:"device"`      // auto, cuda or cpu
	LibraryPath string `yaml:"libraryPath"` // libonnxruntime shared library
	MaxPixels   int64  `yaml:"maxPixels"`   // decoded images above width*height are rejected with 400
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:         "8080",
			MaxBodyBytes: 10 << 20,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			AllowOrigin:  "*",
		},
		Model: ModelConfig{
			Dir:       "/opt/ml/model",
			Device:    "auto",
			MaxPixels: 25_000_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path on top of the defaults. An empty path skips the file.
// Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = envOr("PORT", c.Server.Port)
	c.Server.AllowOrigin = envOr("SKIN_ALLOW_ORIGIN", c.Server.AllowOrigin)
	c.Model.Dir = envOr("SM_MODEL_DIR", c.Model.Dir)
	c.Model.Device = envOr("SKIN_DEVICE", c.Model.Device)
	c.Model.LibraryPath = envOr("ONNXRUNTIME_LIB", c.Model.LibraryPath)
	c.Log.Level = envOr("SKIN_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("SKIN_LOG_FORMAT", c.Log.Format)

	var err error
	if c.Server.MaxBodyBytes, err = envInt64("SKIN_MAX_BODY_BYTES", c.Server.MaxBodyBytes); err != nil {
		return err
	}
	if c.Model.MaxPixels, err = envInt64("SKIN_MAX_PIXELS", c.Model.MaxPixels); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("maxBodyBytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if c.Model.MaxPixels <= 0 {
		return fmt.Errorf("maxPixels must be positive, got %d", c.Model.MaxPixels)
	}
	if c.Model.Dir == "" {
		return fmt.Errorf("model dir is required (config or SM_MODEL_DIR)")
	}
	switch strings.ToLower(c.Model.Device) {
	case "auto", "cuda", "cpu":
	default:
		return fmt.Errorf("unsupported device %q", c.Model.Device)
	}
	return nil
}

func envOr(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envInt64(key string, fallback int64) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}
