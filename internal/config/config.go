// Package config loads SocialMapper configuration from file and environment.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Census     CensusConfig     `yaml:"census" mapstructure:"census"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	HTTP       HTTPConfig       `yaml:"http" mapstructure:"http"`
	Repository RepositoryConfig `yaml:"repository" mapstructure:"repository"`
	Isochrone  IsochroneConfig  `yaml:"isochrone" mapstructure:"isochrone"`
	Distance   DistanceConfig   `yaml:"distance" mapstructure:"distance"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// CensusConfig holds Census Bureau API settings.
// BoundarySource is one of "tigerweb" (REST API, current vintage) or
// "shapefile" (TIGER/Line archives, pinned to Year, works offline once
// downloaded).
type CensusConfig struct {
	APIKey         string `yaml:"api_key" mapstructure:"api_key"`
	Year           int    `yaml:"year" mapstructure:"year"`
	Dataset        string `yaml:"dataset" mapstructure:"dataset"`
	BoundarySource string `yaml:"boundary_source" mapstructure:"boundary_source"`
	ShapefileDir   string `yaml:"shapefile_dir" mapstructure:"shapefile_dir"`
}

// CacheConfig selects and sizes the cache provider.
// Strategy is one of "memory", "file", "hybrid", "none".
type CacheConfig struct {
	Strategy string `yaml:"strategy" mapstructure:"strategy"`
	Dir      string `yaml:"dir" mapstructure:"dir"`
	MaxSize  int    `yaml:"max_size" mapstructure:"max_size"`
	MaxFiles int    `yaml:"max_files" mapstructure:"max_files"`
	TTLSecs  int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// HTTPConfig governs all outbound HTTP in the core.
type HTTPConfig struct {
	RateLimitRPM     int `yaml:"rate_limit_rpm" mapstructure:"rate_limit_rpm"`
	TimeoutSecs      int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	TigerTimeoutSecs int `yaml:"tiger_timeout_secs" mapstructure:"tiger_timeout_secs"`
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries"`
}

// RepositoryConfig selects the neighbor/point store backend.
// Type is one of "memory", "sqlite", "postgres", "none".
type RepositoryConfig struct {
	Type        string `yaml:"type" mapstructure:"type"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// IsochroneConfig tunes the isochrone engine and its clustering optimizer.
type IsochroneConfig struct {
	MaxClusterRadiusKm float64 `yaml:"max_cluster_radius_km" mapstructure:"max_cluster_radius_km"`
	MinClusterSize     int     `yaml:"min_cluster_size" mapstructure:"min_cluster_size"`
	BufferKm           float64 `yaml:"buffer_km" mapstructure:"buffer_km"`
	FallbackSpeedKmh   float64 `yaml:"fallback_speed_kmh" mapstructure:"fallback_speed_kmh"`
	SimplifyTolerance  float64 `yaml:"simplify_tolerance" mapstructure:"simplify_tolerance"`
}

// DistanceConfig tunes the distance engine.
type DistanceConfig struct {
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size"`
	Workers   int `yaml:"workers" mapstructure:"workers"`
}

// OutputConfig configures export locations.
type OutputConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("socialmapper")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SOCIALMAPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// CENSUS_API_KEY is the conventional variable name; honor it directly.
	if err := v.BindEnv("census.api_key", "SOCIALMAPPER_CENSUS_API_KEY", "CENSUS_API_KEY"); err != nil {
		return nil, eris.Wrap(err, "config: bind census api key")
	}

	// Defaults
	v.SetDefault("census.year", 2023)
	v.SetDefault("census.dataset", "acs/acs5")
	v.SetDefault("census.boundary_source", "tigerweb")
	v.SetDefault("census.shapefile_dir", filepath.Join(defaultCacheDir(), "shapefiles"))
	v.SetDefault("cache.strategy", "hybrid")
	v.SetDefault("cache.dir", defaultCacheDir())
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.max_files", 10000)
	v.SetDefault("cache.ttl_secs", 3600)
	v.SetDefault("http.rate_limit_rpm", 60)
	v.SetDefault("http.timeout_secs", 30)
	v.SetDefault("http.tiger_timeout_secs", 60)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("repository.type", "sqlite")
	v.SetDefault("repository.path", filepath.Join(defaultCacheDir(), "neighbors.db"))
	v.SetDefault("isochrone.max_cluster_radius_km", 10.0)
	v.SetDefault("isochrone.min_cluster_size", 2)
	v.SetDefault("isochrone.buffer_km", 5.0)
	v.SetDefault("isochrone.fallback_speed_kmh", 50.0)
	v.SetDefault("isochrone.simplify_tolerance", 0.0)
	v.SetDefault("distance.chunk_size", 5000)
	v.SetDefault("distance.workers", 0) // 0 = all cores
	v.SetDefault("output.dir", "output")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// defaultCacheDir returns ~/.socialmapper/census_cache, falling back to a
// relative directory when the home directory cannot be resolved.
func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".socialmapper/census_cache"
	}
	return filepath.Join(home, ".socialmapper", "census_cache")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
