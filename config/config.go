package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	AI      AIConfig      `yaml:"ai"`
	Mineru  MineruConfig  `yaml:"mineru"`
	Minio   MinioConfig   `yaml:"minio"`
	Store   StoreConfig   `yaml:"store"`
	Workers WorkersConfig `yaml:"workers"`
	Retry   RetryConfig   `yaml:"retry"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AIConfig struct {
	APIBase      string `yaml:"api_base"`
	APIKey       string `yaml:"api_key"`
	TextModel    string `yaml:"text_model"`
	ImageModel   string `yaml:"image_model"`
	CaptionModel string `yaml:"caption_model"`
	AspectRatio  string `yaml:"aspect_ratio"`
	Resolution   string `yaml:"resolution"`
}

type MineruConfig struct {
	APIURL          string `yaml:"api_url"`
	APIToken        string `yaml:"api_token"`
	ModelVersion    string `yaml:"model_version"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	PollTimeoutSec  int    `yaml:"poll_timeout_sec"`
}

type MinioConfig struct {
	Endpoint   string `yaml:"endpoint"`
	AccessKey  string `yaml:"access_key"`
	SecretKey  string `yaml:"secret_key"`
	Bucket     string `yaml:"bucket"`
	UseSSL     bool   `yaml:"use_ssl"`
	ExpireDays int    `yaml:"expire_days"`
}

type StoreConfig struct {
	Path             string `yaml:"path"`
	TaskRetentionMin int    `yaml:"task_retention_min"`
}

type WorkersConfig struct {
	Generation int `yaml:"generation"`
	Caption    int `yaml:"caption"`
}

type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
}

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.AI.TextModel == "" {
		cfg.AI.TextModel = "gemini-2.5-flash"
	}
	if cfg.AI.ImageModel == "" {
		cfg.AI.ImageModel = "gemini-3-pro-image-preview"
	}
	if cfg.AI.CaptionModel == "" {
		cfg.AI.CaptionModel = cfg.AI.TextModel
	}
	if cfg.AI.AspectRatio == "" {
		cfg.AI.AspectRatio = "16:9"
	}
	if cfg.AI.Resolution == "" {
		cfg.AI.Resolution = "2K"
	}
	if cfg.Mineru.ModelVersion == "" {
		cfg.Mineru.ModelVersion = "vlm"
	}
	if cfg.Mineru.PollIntervalSec == 0 {
		cfg.Mineru.PollIntervalSec = 5
	}
	if cfg.Mineru.PollTimeoutSec == 0 {
		cfg.Mineru.PollTimeoutSec = 300
	}
	if cfg.Minio.ExpireDays == 0 {
		cfg.Minio.ExpireDays = 7
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "instance/banana.db"
	}
	if cfg.Store.TaskRetentionMin == 0 {
		cfg.Store.TaskRetentionMin = 60
	}
	if cfg.Workers.Generation == 0 {
		cfg.Workers.Generation = 8
	}
	if cfg.Workers.Caption == 0 {
		cfg.Workers.Caption = 4
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialBackoffMS == 0 {
		cfg.Retry.InitialBackoffMS = 500
	}
	if cfg.Retry.MaxBackoffMS == 0 {
		cfg.Retry.MaxBackoffMS = 30000
	}

	GlobalConfig = &cfg
	return &cfg, nil
}
