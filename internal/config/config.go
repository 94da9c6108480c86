package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"clinroster/internal/database"
)

type Config struct {
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup database.BackupConfig `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Engine struct {
		APIPort                int     `yaml:"api_port"`
		BulkCommitsPerSecond   float64 `yaml:"bulk_commits_per_second"`
		IncludePendingAbsences bool    `yaml:"include_pending_absences"`
	} `yaml:"engine"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/clinroster.db"
	}
	if cfg.Engine.APIPort == 0 {
		cfg.Engine.APIPort = 8080
	}
	if cfg.Engine.BulkCommitsPerSecond <= 0 {
		cfg.Engine.BulkCommitsPerSecond = 2
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}
