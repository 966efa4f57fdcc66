// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/SyedDaiam9101/astro-ensemble/internal/ensemble"
	"github.com/SyedDaiam9101/astro-ensemble/internal/skyserver"
)

const envPrefix = "ASTRO_ENSEMBLE"

// ArchiveConfig locates the object store holding precomputed flux cutouts.
// An empty endpoint disables the archive.
type ArchiveConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

// Config holds all configuration for the service
type Config struct {
	// Server configuration
	Port           int           `mapstructure:"port"`
	MetricsPort    int           `mapstructure:"metrics_port"`
	Concurrency    int           `mapstructure:"concurrency"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`

	// Models
	ModelStore       string `mapstructure:"model_store"`
	UseMockInference bool   `mapstructure:"use_mock_inference"`
	ONNXLibrary      string `mapstructure:"onnx_library"`

	// Modality data and cache
	DataDir      string        `mapstructure:"data_dir"`
	CacheDir     string        `mapstructure:"cache_dir"`
	CacheBackend string        `mapstructure:"cache_backend"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	Redis        string        `mapstructure:"redis"`

	// Catalog
	CatalogBackend string `mapstructure:"catalog_backend"`
	CatalogPath    string `mapstructure:"catalog_path"`
	CatalogDSN     string `mapstructure:"catalog_dsn"`
	CatalogCSV     string `mapstructure:"catalog_csv"`

	// Remote services
	SkyServerURL       string        `mapstructure:"skyserver_url"`
	SkyServerRateLimit float64       `mapstructure:"skyserver_rate_limit"`
	SkyServerBurst     int           `mapstructure:"skyserver_burst"`
	SkyServerWISE      bool          `mapstructure:"skyserver_wise"`
	Archive            ArchiveConfig `mapstructure:"archive"`

	// OpenTelemetry configuration
	OTELEnabled  bool   `mapstructure:"otel_enabled"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Pipelines maps pipeline name to property to model ids. Labels maps a
	// categorical property to its ordered class labels.
	Pipelines map[string]map[string][]string `mapstructure:"pipelines"`
	Labels    map[string][]string            `mapstructure:"labels"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 50051)
	v.SetDefault("metrics_port", 9100)
	v.SetDefault("concurrency", 10)
	v.SetDefault("process_timeout", 60*time.Second)

	v.SetDefault("model_store", "./astromlp-models/model_store")
	v.SetDefault("use_mock_inference", false)
	v.SetDefault("onnx_library", "")

	v.SetDefault("data_dir", "./sdss-gs")
	v.SetDefault("cache_dir", "/tmp/astromlp")
	v.SetDefault("cache_backend", "file")
	v.SetDefault("cache_ttl", time.Duration(0))
	v.SetDefault("redis", "localhost:6379")

	v.SetDefault("catalog_backend", "sqlite")
	v.SetDefault("catalog_path", "./sdss-gs/catalog.db")
	v.SetDefault("catalog_dsn", "")
	v.SetDefault("catalog_csv", "")

	v.SetDefault("skyserver_url", skyserver.DefaultBaseURL)
	v.SetDefault("skyserver_rate_limit", 5.0)
	v.SetDefault("skyserver_burst", 5)
	v.SetDefault("skyserver_wise", true)
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.bucket", "sdss")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.use_ssl", false)
	v.SetDefault("archive.region", "")

	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "")
}

// Load builds the configuration. Priority (highest to lowest):
// overrides (command-line flags) > env vars > config file > defaults.
// An empty configFile searches the usual locations and tolerates a missing file.
func Load(configFile string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		v.SetDefault("otel_endpoint", endpoint)
		v.SetDefault("otel_enabled", true)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/astro-ensemble/")
		v.AddConfigPath("$HOME/.astro-ensemble")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyPresets()
	return &cfg, nil
}

// applyPresets fills pipelines and labels from the built-in presets when
// none are configured and restores the case of preset names, which viper
// lowercases when reading them from a file.
func (c *Config) applyPresets() {
	if len(c.Pipelines) == 0 {
		c.Pipelines = clonePipelines(ensemble.DefaultPipelines)
	} else {
		named := make(map[string]map[string][]string, len(c.Pipelines))
		for name, groups := range c.Pipelines {
			named[canonicalName(name)] = groups
		}
		c.Pipelines = named
	}
	if len(c.Labels) == 0 {
		c.Labels = make(map[string][]string, len(ensemble.DefaultLabels))
		for k, l := range ensemble.DefaultLabels {
			c.Labels[k] = slices.Clone(l)
		}
	}
}

func canonicalName(name string) string {
	for preset := range ensemble.DefaultPipelines {
		if strings.EqualFold(preset, name) {
			return preset
		}
	}
	return name
}

func clonePipelines(src map[string]map[string][]string) map[string]map[string][]string {
	out := make(map[string]map[string][]string, len(src))
	for name, groups := range src {
		g := make(map[string][]string, len(groups))
		for property, ids := range groups {
			g[property] = slices.Clone(ids)
		}
		out[name] = g
	}
	return out
}

// PipelineNames returns the configured pipeline names, sorted.
func (c *Config) PipelineNames() []string {
	names := make([]string, 0, len(c.Pipelines))
	for name := range c.Pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("port and metrics_port must be different")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.ProcessTimeout <= 0 {
		return fmt.Errorf("process_timeout must be positive, got %s", c.ProcessTimeout)
	}
	if c.ModelStore == "" && !c.UseMockInference {
		return fmt.Errorf("model_store is required when not using mock inference")
	}

	switch c.CacheBackend {
	case "file":
		if c.CacheDir == "" {
			return fmt.Errorf("cache_dir is required for the file cache")
		}
	case "redis":
		if c.Redis == "" {
			return fmt.Errorf("redis address is required for the redis cache")
		}
	default:
		return fmt.Errorf("unknown cache_backend %q (want file or redis)", c.CacheBackend)
	}

	switch c.CatalogBackend {
	case "sqlite":
		if c.CatalogPath == "" {
			return fmt.Errorf("catalog_path is required for the sqlite catalog")
		}
	case "postgres":
		if c.CatalogDSN == "" {
			return fmt.Errorf("catalog_dsn is required for the postgres catalog")
		}
	case "skyserver":
		if c.SkyServerURL == "" {
			return fmt.Errorf("skyserver_url is required for the skyserver catalog")
		}
	default:
		return fmt.Errorf("unknown catalog_backend %q (want sqlite, postgres or skyserver)", c.CatalogBackend)
	}

	if c.SkyServerRateLimit < 0 || c.SkyServerBurst < 0 {
		return fmt.Errorf("skyserver rate limit and burst must not be negative")
	}
	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.endpoint is set")
	}

	if len(c.Pipelines) == 0 {
		return fmt.Errorf("no pipelines configured")
	}
	for _, name := range c.PipelineNames() {
		groups := c.Pipelines[name]
		if len(groups) == 0 {
			return fmt.Errorf("pipeline %s has no groups", name)
		}
		for property, ids := range groups {
			if len(ids) == 0 {
				return fmt.Errorf("pipeline %s: group %s lists no models", name, property)
			}
		}
	}
	for property, labels := range c.Labels {
		if len(labels) == 0 {
			return fmt.Errorf("label table for %s is empty", property)
		}
	}
	return nil
}
