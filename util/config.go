package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "tusk"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host     string
		HttpPort int    `yaml:"httpPort"`
		Domain   string `yaml:"domain"`
		Database string `yaml:"database"`
		LogLevel string `yaml:"logLevel"`
		// Name and Description are published in the instance metadata.
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		KeyFile     string `yaml:"keyFile"`
	}
	Federation FederationConfig `yaml:"federation"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Moderation ModerationConfig `yaml:"moderation"`
}

type FederationConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InsecureHTTP bool          `yaml:"insecureHttp"`
	ActorTTL     time.Duration `yaml:"actorTtl"`
	NegativeTTL  time.Duration `yaml:"negativeTtl"`
	CacheSize    int           `yaml:"cacheSize"`
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	DedupWindow  time.Duration `yaml:"dedupWindow"`
	MaxClockSkew time.Duration `yaml:"maxClockSkew"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
	Retention    string        `yaml:"retention"` // "tombstone" or "delete"
}

type DeliveryConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	BaseDelay      time.Duration `yaml:"baseDelay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"maxDelay"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	BatchSize      int           `yaml:"batchSize"`
}

// ModerationConfig lists hosts whose entities are dropped. Rejected instances lose
// everything; the discard lists only drop one entity type.
type ModerationConfig struct {
	RejectInstances  []string `yaml:"rejectInstances"`
	DiscardNotes     []string `yaml:"discardNotes"`
	DiscardFollows   []string `yaml:"discardFollows"`
	DiscardReactions []string `yaml:"discardReactions"`
	DiscardReports   []string `yaml:"discardReports"`
}

// BaseURL is the public origin every local URI hangs off.
func (c *AppConfig) BaseURL() string {
	scheme := "https"
	if c.Federation.InsecureHTTP {
		scheme = "http"
	}
	domain := c.Conf.Domain
	if domain == "" {
		domain = fmt.Sprintf("%s:%d", c.Conf.Host, c.Conf.HttpPort)
	}
	return scheme + "://" + domain
}

// ReadConf loads the config from path, or when path is empty from ./config.yaml, then
// the user config dir, falling back to the embedded defaults (which are also written out).
func ReadConf(path string) (*AppConfig, error) {
	c := &AppConfig{}
	// Start from the defaults so partial files only override what they name.
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}

	var buf []byte
	var err error
	if path != "" {
		buf, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		configPath := ResolveFilePath(ConfigFileName)
		buf, err = os.ReadFile(configPath)
		if err != nil {
			buf = embeddedConfig
			writeDefaultConfig(configPath)
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func writeDefaultConfig(path string) {
	if _, err := os.Stat(path); err == nil {
		return
	}
	// Best effort; an unwritable config dir still runs on the embedded defaults.
	_ = os.WriteFile(path, embeddedConfig, 0644)
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv("TUSK_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("TUSK_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TUSK_HTTPPORT: %w", err)
		}
		c.Conf.HttpPort = port
	}
	if v := os.Getenv("TUSK_DOMAIN"); v != "" {
		c.Conf.Domain = v
	}
	if v := os.Getenv("TUSK_DATABASE"); v != "" {
		c.Conf.Database = v
	}
	if v := os.Getenv("TUSK_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	if v := os.Getenv("TUSK_FEDERATION"); v != "" {
		c.Federation.Enabled = v == "true"
	}
	if v := os.Getenv("TUSK_INSECURE_HTTP"); v != "" {
		c.Federation.InsecureHTTP = v == "true"
	}
	if v := os.Getenv("TUSK_DELIVERY_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TUSK_DELIVERY_CONCURRENCY: %w", err)
		}
		c.Delivery.Concurrency = n
	}
	if v := os.Getenv("TUSK_DELIVERY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TUSK_DELIVERY_MAX_ATTEMPTS: %w", err)
		}
		c.Delivery.MaxAttempts = n
	}
	return nil
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Conf.Database) == "" {
		return fmt.Errorf("conf.database is required")
	}
	if c.Conf.HttpPort <= 0 {
		return fmt.Errorf("conf.httpPort must be positive")
	}
	switch c.Federation.Retention {
	case "tombstone", "delete":
	default:
		return fmt.Errorf("federation.retention must be tombstone or delete, got %q", c.Federation.Retention)
	}
	if c.Delivery.Concurrency <= 0 {
		return fmt.Errorf("delivery.concurrency must be positive")
	}
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.maxAttempts must be positive")
	}
	if c.Delivery.Multiplier < 1 {
		return fmt.Errorf("delivery.multiplier must be at least 1")
	}
	if c.Delivery.Jitter < 0 {
		return fmt.Errorf("delivery.jitter must not be negative")
	}
	return nil
}
