package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix = "EM"

	defaultHTTPAddress          = "0.0.0.0:1999"
	defaultDatabasePath         = "em.db"
	defaultLogLevel             = "info"
	defaultMaxAncestorWalkDepth = 100
	defaultHydrationRowBatch    = 5000
	defaultPullChunkSize        = 1000
	defaultUpperLimitPolicy     = "frozen_at_start"
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	MaxAncestorWalkDepth int
	HydrationRowBatch    int
	PullChunkSize        int
	UpperLimitPolicy     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tree.max_ancestor_walk_depth", defaultMaxAncestorWalkDepth)
	configViper.SetDefault("sync.hydration_row_batch", defaultHydrationRowBatch)
	configViper.SetDefault("sync.pull_chunk_size", defaultPullChunkSize)
	configViper.SetDefault("sync.relay_upper_limit_policy", defaultUpperLimitPolicy)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		MaxAncestorWalkDepth: configViper.GetInt("tree.max_ancestor_walk_depth"),
		HydrationRowBatch:    configViper.GetInt("sync.hydration_row_batch"),
		PullChunkSize:        configViper.GetInt("sync.pull_chunk_size"),
		UpperLimitPolicy:     configViper.GetString("sync.relay_upper_limit_policy"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxAncestorWalkDepth <= 0 {
		return fmt.Errorf("tree.max_ancestor_walk_depth must be positive")
	}
	if c.HydrationRowBatch <= 0 {
		return fmt.Errorf("sync.hydration_row_batch must be positive")
	}
	if c.PullChunkSize <= 0 {
		return fmt.Errorf("sync.pull_chunk_size must be positive")
	}
	switch c.UpperLimitPolicy {
	case "frozen_at_start", "now":
	default:
		return fmt.Errorf("sync.relay_upper_limit_policy must be %q or %q", "frozen_at_start", "now")
	}
	return nil
}
