package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the broker configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	TTL           TTLConfig           `yaml:"ttl"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Feed          FeedConfig          `yaml:"feed"`
	Processor     ProcessorConfig     `yaml:"processor"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	API           APIConfig           `yaml:"api"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Store:         DefaultStoreConfig(),
		TTL:           DefaultTTLConfig(),
		Subscriptions: DefaultSubscriptionsConfig(),
		Feed:          DefaultFeedConfig(),
		Processor:     DefaultProcessorConfig(),
		Gateway:       DefaultGatewayConfig(),
		API:           DefaultAPIConfig(),
		Logging:       DefaultLoggingConfig(),
	}
}

// Load reads configuration from configDir.
// Order: defaults -> broker.yml -> broker.local.yml -> ApplyDefaults ->
// ApplyEnvOverrides -> ResolvePaths -> Validate
func Load(configDir string) (*Config, error) {
	cfg := Default()

	for _, name := range []string{"broker.yml", "broker.local.yml"} {
		if err := loadFile(filepath.Join(configDir, name), cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Finalize(configDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize runs the section lifecycle on an already populated config.
func (c *Config) Finalize(configDir string) error {
	err := ApplyServiceConfigs(configDir,
		&c.Server,
		&c.Store,
		&c.TTL,
		&c.Subscriptions,
		&c.Feed,
		&c.Processor,
		&c.Gateway,
		&c.API,
		&c.Logging,
	)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	if c.Feed.Transport == FeedMongo && c.Store.Backend != StoreMongo {
		return errors.New("configuration error: feed transport mongo requires store backend mongo")
	}
	return nil
}

func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		slog.Warn("Error reading config file", "file", filename, "error", err)
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}

func envOverride(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// resolvePath anchors a relative path next to the config directory, so
// "data/broker.db" lands beside config/ rather than inside it. Paths that
// start with ".." are taken relative to configDir itself.
func resolvePath(configDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "..") {
		return filepath.Clean(filepath.Join(configDir, p))
	}
	return filepath.Clean(filepath.Join(filepath.Dir(configDir), p))
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
