// Package config handles configuration for ticket-runner.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/ticket-runner/pkg/core"
	"github.com/devicelab-dev/ticket-runner/pkg/gesture"
	"github.com/devicelab-dev/ticket-runner/pkg/inference"
	"github.com/devicelab-dev/ticket-runner/pkg/pipeline"
	"github.com/devicelab-dev/ticket-runner/pkg/resolver"
	"github.com/devicelab-dev/ticket-runner/pkg/supervisor"
)

// Environment variables that override file values.
const (
	EnvAPIKey          = "INFERENCE_API_KEY"
	EnvInferenceURL    = "INFERENCE_ENDPOINT"
	EnvInferenceModel  = "INFERENCE_MODEL"
	EnvAppiumURL       = "APPIUM_URL"
	EnvObjectAccessKey = "OBJECT_STORE_ACCESS_KEY"
	EnvObjectSecretKey = "OBJECT_STORE_SECRET_KEY"
)

// Defaults not owned by another package.
const (
	DefaultAppiumURL         = "http://127.0.0.1:4723"
	DefaultInferenceEndpoint = "http://127.0.0.1:11434"
)

// Config represents the purchase configuration (config.yaml).
type Config struct {
	// What to buy
	Keyword     string   `yaml:"keyword"`
	City        string   `yaml:"city"`
	Dates       []string `yaml:"dates"`      // Acceptable spellings of the show date
	PriceIndex  int      `yaml:"priceIndex"` // 0-based price tier
	Users       []string `yaml:"users"`      // Buyers; ticket quantity follows
	CommitOrder bool     `yaml:"commitOrder"`
	SelectDate  bool     `yaml:"selectDate"`

	Appium      AppiumConfig      `yaml:"appium"`
	Inference   InferenceConfig   `yaml:"inference"`
	Retry       RetryConfig       `yaml:"retry"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// Targets is an optional path to a target catalog overriding the built-in one.
	Targets string `yaml:"targets"`
}

// AppiumConfig configures the device session.
type AppiumConfig struct {
	URL          string                 `yaml:"url"`
	Capabilities map[string]interface{} `yaml:"capabilities"` // Merged over the built-in profile
	Settings     map[string]interface{} `yaml:"settings"`     // Merged over the built-in settings
	ImplicitWait time.Duration          `yaml:"implicitWait"`
}

// InferenceConfig configures the locator inference service.
type InferenceConfig struct {
	Provider            string        `yaml:"provider"`
	Endpoint            string        `yaml:"endpoint"`
	Model               string        `yaml:"model"`
	APIKey              string        `yaml:"apiKey"`
	Timeout             time.Duration `yaml:"timeout"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold"`
	SnapshotMaxChars    int           `yaml:"snapshotMaxChars"`
	CompactSnapshot     bool          `yaml:"compactSnapshot"`
	Enabled             *bool         `yaml:"enabled"`
}

// IsEnabled reports whether the AI strategies should run. Defaults to true.
func (c InferenceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// RetryConfig configures the supervisor.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// TimeoutsConfig holds every bounded wait of a run.
type TimeoutsConfig struct {
	AIFind            time.Duration `yaml:"aiFind"`
	DeterministicFind time.Duration `yaml:"deterministicFind"`
	StepSettle        time.Duration `yaml:"stepSettle"`
	ScrollSettle      time.Duration `yaml:"scrollSettle"`
}

// DiagnosticsConfig configures where failure artifacts go.
type DiagnosticsConfig struct {
	Dir         string            `yaml:"dir"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`
}

// ObjectStoreConfig configures optional artifact upload to an S3-compatible store.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Configured reports whether uploads are enabled.
func (o ObjectStoreConfig) Configured() bool {
	return o.Endpoint != "" && o.Bucket != ""
}

// Default returns a configuration with every default filled in and nothing
// to buy.
func Default() *Config {
	return &Config{
		Appium: AppiumConfig{URL: DefaultAppiumURL},
		Inference: InferenceConfig{
			Provider:            string(inference.ProviderOllama),
			Endpoint:            DefaultInferenceEndpoint,
			Model:               inference.DefaultModel,
			Timeout:             inference.DefaultTimeout,
			ConfidenceThreshold: core.DefaultConfidenceThreshold,
			SnapshotMaxChars:    inference.DefaultSnapshotMaxChars,
		},
		Retry: RetryConfig{
			MaxAttempts: supervisor.DefaultMaxAttempts,
			Backoff:     supervisor.DefaultRetryDelay,
		},
		Timeouts: TimeoutsConfig{
			AIFind:            resolver.DefaultAITimeout,
			DeterministicFind: resolver.DefaultDeterministicTimeout,
			StepSettle:        pipeline.DefaultSettle,
			ScrollSettle:      gesture.DefaultScrollSettle,
		},
	}
}

// Load loads configuration from a file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, core.ErrInvalidConfig.WithCause(err)
	}
	return cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	for _, name := range []string{"config.yaml", "config.yml"} {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); err == nil {
			return Load(configPath)
		}
	}

	// No config file found, return defaults
	return Default(), nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Inference.APIKey, EnvAPIKey)
	set(&c.Inference.Endpoint, EnvInferenceURL)
	set(&c.Inference.Model, EnvInferenceModel)
	set(&c.Appium.URL, EnvAppiumURL)
	set(&c.Diagnostics.ObjectStore.AccessKey, EnvObjectAccessKey)
	set(&c.Diagnostics.ObjectStore.SecretKey, EnvObjectSecretKey)
}

// Normalize folds full-width characters and trims whitespace in the purchase
// fields so that text matching on the device is not defeated by input
// method quirks.
func (c *Config) Normalize() {
	c.Keyword = normalize(c.Keyword)
	c.City = normalize(c.City)
	c.Dates = normalizeAll(c.Dates)
	c.Users = normalizeAll(c.Users)
	c.Inference.Provider = strings.ToLower(strings.TrimSpace(c.Inference.Provider))
}

func normalize(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = normalize(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the configuration for a purchase run.
func (c *Config) Validate() error {
	var missing []string
	if c.Keyword == "" {
		missing = append(missing, "keyword")
	}
	if c.City == "" {
		missing = append(missing, "city")
	}
	if len(c.Users) == 0 {
		missing = append(missing, "users")
	}
	if c.SelectDate && len(c.Dates) == 0 {
		missing = append(missing, "dates")
	}
	if len(missing) > 0 {
		return core.ErrMissingRequired.WithMessage("missing required fields: " + strings.Join(missing, ", "))
	}
	return c.ValidateConnection()
}

// ValidateConnection checks only what is needed to talk to the device and
// the inference service.
func (c *Config) ValidateConnection() error {
	var problems []string
	if c.PriceIndex < 0 {
		problems = append(problems, "priceIndex must be >= 0")
	}
	if u, err := url.Parse(c.Appium.URL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("appium.url %q is not an absolute URL", c.Appium.URL))
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.maxAttempts must be >= 1")
	}
	if c.Retry.Backoff < 0 {
		problems = append(problems, "retry.backoff must not be negative")
	}
	if c.Inference.IsEnabled() {
		switch inference.Provider(c.Inference.Provider) {
		case inference.ProviderOllama, inference.ProviderOpenAI:
		default:
			problems = append(problems, fmt.Sprintf("inference.provider %q is not one of ollama, openai", c.Inference.Provider))
		}
		if t := c.Inference.ConfidenceThreshold; t <= 0 || t > 1 {
			problems = append(problems, "inference.confidenceThreshold must be within (0, 1]")
		}
		if c.Inference.Endpoint == "" {
			problems = append(problems, "inference.endpoint is required")
		}
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.aiFind", c.Timeouts.AIFind},
		{"timeouts.deterministicFind", c.Timeouts.DeterministicFind},
		{"timeouts.stepSettle", c.Timeouts.StepSettle},
		{"timeouts.scrollSettle", c.Timeouts.ScrollSettle},
	} {
		if t.d < 0 {
			problems = append(problems, t.name+" must not be negative")
		}
	}
	if len(problems) > 0 {
		return core.ErrInvalidConfig.WithMessage(strings.Join(problems, "; "))
	}
	return nil
}

// Quantity is the number of tickets to buy.
func (c *Config) Quantity() int {
	return len(c.Users)
}

// ArtifactsDir returns the diagnostics directory, defaulting to <home>/artifacts.
func (c *Config) ArtifactsDir() string {
	if c.Diagnostics.Dir != "" {
		return c.Diagnostics.Dir
	}
	return ResolveHome().ArtifactsDir()
}
