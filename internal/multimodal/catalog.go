package multimodal

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog is the provider configuration file. Provider order is the
// selection order.
type Catalog struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// ProviderSpec configures one provider.
type ProviderSpec struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"` // http | static
	Modalities []string `yaml:"modalities"`
	Enabled    *bool    `yaml:"enabled"`

	// http
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`

	// static
	Latency  string `yaml:"latency"`
	FailMode string `yaml:"fail_mode"`
	Output   string `yaml:"output"`

	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	Burst        int     `yaml:"burst"`
}

// RateLimit is a per-provider token bucket. Zero RPS means unlimited.
type RateLimit struct {
	RPS   float64
	Burst int
}

// DefaultCatalog is used when no provider file is configured: a single
// static provider that echoes for every modality.
func DefaultCatalog() *Catalog {
	return &Catalog{Providers: []ProviderSpec{{
		Name:    "local-echo",
		Type:    "static",
		Latency: "50ms",
		Output:  "echo",
	}}}
}

// LoadCatalog reads and parses a provider file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses provider YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names, types and modalities.
func (c *Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case "http":
			if p.Endpoint == "" {
				return fmt.Errorf("provider %s: endpoint is required for http providers", p.Name)
			}
		case "static":
			if p.Latency != "" {
				if _, err := time.ParseDuration(p.Latency); err != nil {
					return fmt.Errorf("provider %s: invalid latency: %w", p.Name, err)
				}
			}
			switch p.FailMode {
			case FailNone, FailTimeout, FailError:
			default:
				return fmt.Errorf("provider %s: unknown fail_mode %q", p.Name, p.FailMode)
			}
		default:
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}

		for _, m := range p.Modalities {
			if _, err := ParseModality(m); err != nil {
				return fmt.Errorf("provider %s: %w", p.Name, err)
			}
		}
		if p.RateLimitRPS < 0 || p.Burst < 0 {
			return fmt.Errorf("provider %s: rate limits cannot be negative", p.Name)
		}
	}
	return nil
}

// Build instantiates the enabled providers in catalog order.
func (c *Catalog) Build(client *http.Client) ([]Provider, map[string]RateLimit, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	providers := make([]Provider, 0, len(c.Providers))
	limits := make(map[string]RateLimit, len(c.Providers))
	for _, spec := range c.Providers {
		if spec.Enabled != nil && !*spec.Enabled {
			continue
		}
		modalities := make([]Modality, 0, len(spec.Modalities))
		for _, m := range spec.Modalities {
			parsed, _ := ParseModality(m)
			modalities = append(modalities, parsed)
		}

		switch spec.Type {
		case "http":
			providers = append(providers, NewHTTPProvider(spec.Name, modalities, spec.Endpoint, os.Getenv(spec.APIKeyEnv), client))
		case "static":
			var latency time.Duration
			if spec.Latency != "" {
				latency, _ = time.ParseDuration(spec.Latency)
			}
			providers = append(providers, NewStaticProvider(spec.Name, modalities, latency, spec.FailMode, spec.Output))
		}
		if spec.RateLimitRPS > 0 {
			burst := spec.Burst
			if burst == 0 {
				burst = 1
			}
			limits[spec.Name] = RateLimit{RPS: spec.RateLimitRPS, Burst: burst}
		}
	}
	return providers, limits, nil
}
