package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Fixes   FixesConfig   `mapstructure:"fixes"`
	Deploy  DeployConfig  `mapstructure:"deploy"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Server  ServerConfig  `mapstructure:"server"`
}

type StorageConfig struct {
	Path     string         `mapstructure:"path"`
	Memgraph MemgraphConfig `mapstructure:"memgraph"`
}

type MemgraphConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type FixesConfig struct {
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

type DeployConfig struct {
	Region         string        `mapstructure:"region"`
	MaxIterations  int           `mapstructure:"max_iterations"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type AlertsConfig struct {
	Webhook WebhookConfig `mapstructure:"webhook"`
	Stdout  StdoutConfig  `mapstructure:"stdout"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type StdoutConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ServerConfig struct {
	Listen     string `mapstructure:"listen"`
	ReadOnly   bool   `mapstructure:"read_only"`
	APIToken   string `mapstructure:"api_token"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

// Load reads the configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".stackmend"))
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("stackmend")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("STACKMEND")
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("storage.path", "./data/stackmend.db")
	viper.SetDefault("storage.memgraph.enabled", false)
	viper.SetDefault("storage.memgraph.uri", "bolt://localhost:7687")
	viper.SetDefault("fixes.confidence_threshold", 0.80)
	viper.SetDefault("deploy.max_iterations", 5)
	viper.SetDefault("deploy.poll_interval", "5s")
	viper.SetDefault("deploy.attempt_timeout", "30m")
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.read_only", false)
	viper.SetDefault("alerts.stdout.enabled", true)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Secrets may reference environment variables.
	cfg.Server.APIToken = os.ExpandEnv(cfg.Server.APIToken)
	cfg.Storage.Memgraph.Password = os.ExpandEnv(cfg.Storage.Memgraph.Password)
	for k, v := range cfg.Alerts.Webhook.Headers {
		cfg.Alerts.Webhook.Headers[k] = os.ExpandEnv(v)
	}

	return &cfg, nil
}
