// Package config reads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HendryAvila/datacommons-mcp/internal/datacommons"
	"github.com/HendryAvila/datacommons-mcp/internal/indicators"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Instance types.
const (
	TypeBase   = "base"
	TypeCustom = "custom"
)

const (
	defaultBaseIndex       = "base_uae_mem"
	defaultCustomBaseIndex = "medium_ft"
	defaultCustomIndex     = "user_all_minilm_mem"
)

var (
	ErrMissingAPIKey    = errors.New("DC_API_KEY is required for the base Data Commons instance")
	ErrMissingCustomURL = errors.New("CUSTOM_DC_URL is required when DC_TYPE=custom")
	ErrInvalidType      = errors.New("DC_TYPE must be 'base' or 'custom'")
)

// Config represents the server configuration.
type Config struct {
	APIKey             string        `envconfig:"DC_API_KEY"               json:"-"`
	Type               string        `envconfig:"DC_TYPE"`
	CustomURL          string        `envconfig:"CUSTOM_DC_URL"`
	APIRoot            string        `envconfig:"DC_API_ROOT"`
	SearchBaseURL      string        `envconfig:"DC_SV_SEARCH_BASE_URL"`
	BaseIndex          string        `envconfig:"DC_BASE_INDEX"`
	CustomIndex        string        `envconfig:"DC_CUSTOM_INDEX"`
	SearchScope        string        `envconfig:"DC_SEARCH_SCOPE"`
	RootTopicDCIDs     []string      `envconfig:"DC_ROOT_TOPIC_DCIDS"`
	TopicCachePath     string        `envconfig:"DC_TOPIC_CACHE_PATH"`
	InstructionsDir    string        `envconfig:"DC_INSTRUCTIONS_DIR"`
	DataDir            string        `envconfig:"DC_DATA_DIR"`
	MaxParallel        int           `envconfig:"DC_MAX_PARALLEL"`
	RequestTimeout     time.Duration `envconfig:"DC_REQUEST_TIMEOUT"`
	MaxRetries         int           `envconfig:"DC_MAX_RETRIES"`
	ChildSampleSize    int           `envconfig:"DC_CHILD_SAMPLE_SIZE"`
	DefaultSearchLimit int           `envconfig:"DC_DEFAULT_SEARCH_LIMIT"`
	PlaceTypeOrderFile string        `envconfig:"DC_PLACE_TYPE_ORDER_FILE"`

	// PlaceTypeOrder is loaded from PlaceTypeOrderFile; nil means the
	// built-in order.
	PlaceTypeOrder []string `ignored:"true"`
}

// Get returns the default config with any modifications through environment
// variables. The result is validated.
func Get() (*Config, error) {
	cfg := &Config{
		Type:               TypeBase,
		APIRoot:            "https://api.datacommons.org",
		SearchBaseURL:      "https://datacommons.org",
		CustomIndex:        defaultCustomIndex,
		SearchScope:        string(datacommons.ScopeBaseAndCustom),
		DataDir:            defaultDataDir(),
		MaxParallel:        8,
		RequestTimeout:     30 * time.Second,
		MaxRetries:         3,
		ChildSampleSize:    5,
		DefaultSearchLimit: 10,
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
	cfg.CustomURL = strings.TrimRight(cfg.CustomURL, "/")
	if cfg.BaseIndex == "" {
		cfg.BaseIndex = defaultBaseIndex
		if cfg.Type == TypeCustom {
			cfg.BaseIndex = defaultCustomBaseIndex
		}
	}
	cfg.RootTopicDCIDs = trimAll(cfg.RootTopicDCIDs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PlaceTypeOrderFile != "" {
		order, err := LoadPlaceTypeOrder(cfg.PlaceTypeOrderFile)
		if err != nil {
			return nil, err
		}
		cfg.PlaceTypeOrder = order
	}
	return cfg, nil
}

// Validate checks cross-field rules envconfig cannot express.
func (c *Config) Validate() error {
	switch c.Type {
	case TypeBase:
		if c.APIKey == "" {
			return ErrMissingAPIKey
		}
	case TypeCustom:
		if c.CustomURL == "" {
			return ErrMissingCustomURL
		}
	default:
		return fmt.Errorf("%w, got %q", ErrInvalidType, c.Type)
	}
	if _, err := datacommons.ParseScope(c.SearchScope); err != nil {
		return fmt.Errorf("DC_SEARCH_SCOPE: %w", err)
	}
	if c.MaxParallel < 1 {
		return fmt.Errorf("DC_MAX_PARALLEL must be at least 1, got %d", c.MaxParallel)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("DC_MAX_RETRIES cannot be negative, got %d", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("DC_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.ChildSampleSize < 1 {
		return fmt.Errorf("DC_CHILD_SAMPLE_SIZE must be at least 1, got %d", c.ChildSampleSize)
	}
	if err := indicators.ValidateLimit(c.DefaultSearchLimit); err != nil {
		return fmt.Errorf("DC_DEFAULT_SEARCH_LIMIT: %w", err)
	}
	return nil
}

// IsCustom reports whether a custom instance is configured.
func (c *Config) IsCustom() bool { return c.Type == TypeCustom }

// CustomAPIRoot is the REST root of the custom instance.
func (c *Config) CustomAPIRoot() string {
	return c.CustomURL + "/core/api"
}

// LoadPlaceTypeOrder reads a YAML list of place types, most specific first.
func LoadPlaceTypeOrder(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading place type order: %w", err)
	}
	var order []string
	if err := yaml.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("parsing place type order %s: %w", path, err)
	}
	order = trimAll(order)
	if len(order) == 0 {
		return nil, fmt.Errorf("place type order %s is empty", path)
	}
	seen := make(map[string]bool, len(order))
	for _, t := range order {
		if seen[t] {
			return nil, fmt.Errorf("place type order %s lists %q twice", path, t)
		}
		seen[t] = true
	}
	return order, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".datacommons-mcp"
	}
	return filepath.Join(home, ".datacommons-mcp")
}

func trimAll(items []string) []string {
	var out []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
