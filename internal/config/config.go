package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Lake       LakeConfig       `yaml:"lake" mapstructure:"lake"`
	Mount      MountConfig      `yaml:"mount" mapstructure:"mount"`
	Secrets    SecretsConfig    `yaml:"secrets" mapstructure:"secrets"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Query      QueryConfig      `yaml:"query" mapstructure:"query"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// LakeConfig configures the layered storage pipeline.
type LakeConfig struct {
	MountTable       string `yaml:"mount_table" mapstructure:"mount_table"`
	Root             string `yaml:"root" mapstructure:"root"`
	TempDir          string `yaml:"temp_dir" mapstructure:"temp_dir"`
	MaxRowsPerFile   int    `yaml:"max_rows_per_file" mapstructure:"max_rows_per_file"`
	WriteConcurrency int    `yaml:"write_concurrency" mapstructure:"write_concurrency"`
}

// MountConfig holds the data lake mount identifiers. The client secret is
// never configured directly; it is read from the secret store.
type MountConfig struct {
	MountPoint         string `yaml:"mount_point" mapstructure:"mount_point"`
	ClientID           string `yaml:"client_id" mapstructure:"client_id"`
	TokenEndpoint      string `yaml:"token_endpoint" mapstructure:"token_endpoint"`
	StorageAccountName string `yaml:"storage_account_name" mapstructure:"storage_account_name"`
	ContainerName      string `yaml:"container_name" mapstructure:"container_name"`
	SecretScope        string `yaml:"secret_scope" mapstructure:"secret_scope"`
	SecretKey          string `yaml:"secret_key" mapstructure:"secret_key"`
}

// SecretsConfig selects the secret store backend.
type SecretsConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider"`
	Dir      string `yaml:"dir" mapstructure:"dir"`
}

// CatalogConfig configures the metastore backend.
type CatalogConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SourceConfig configures remote dataset downloads.
type SourceConfig struct {
	ZoneLookupURL string `yaml:"zone_lookup_url" mapstructure:"zone_lookup_url"`
	ZoneShapesURL string `yaml:"zone_shapes_url" mapstructure:"zone_shapes_url"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries    int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// QueryConfig configures the embedded DuckDB engine.
type QueryConfig struct {
	Threads  int    `yaml:"threads" mapstructure:"threads"`
	CacheDir string `yaml:"cache_dir" mapstructure:"cache_dir"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures run ledger alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An empty path looks
// for an optional config.yaml in the working directory; an explicit path
// must exist.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("LAKE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

func setDefaults(v *viper.Viper) {
	v.SetDefault("lake.mount_table", ".lake/mounts.yaml")
	v.SetDefault("lake.root", "/mnt/data")
	v.SetDefault("lake.temp_dir", "/tmp/lake")
	v.SetDefault("lake.max_rows_per_file", 1_000_000)
	v.SetDefault("lake.write_concurrency", 4)
	v.SetDefault("mount.mount_point", "/mnt/data")
	v.SetDefault("mount.client_id", "64492359-3450-4f1e-be01-8717789fd01e")
	v.SetDefault("mount.token_endpoint", "https://login.microsoftonline.com/0b55e01a-573a-4060-b656-d1a3d5815791/oauth2/token")
	v.SetDefault("mount.storage_account_name", "datalakefdvu573zsnpjo")
	v.SetDefault("mount.container_name", "data")
	v.SetDefault("mount.secret_scope", "datalake")
	v.SetDefault("mount.secret_key", "adappsecret")
	v.SetDefault("secrets.provider", "env")
	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.database_url", ".lake/metastore.db")
	v.SetDefault("source.zone_lookup_url", "https://s3.amazonaws.com/nyc-tlc/misc/taxi+_zone_lookup.csv")
	v.SetDefault("source.zone_shapes_url", "https://d37ci6vzurychx.cloudfront.net/misc/taxi_zones.zip")
	v.SetDefault("source.user_agent", "lake-cli/1.0")
	v.SetDefault("source.timeout_secs", 60)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("query.threads", 4)
	v.SetDefault("query.cache_dir", "/tmp/lake/query")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.lookback_window_hours", 168)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that the settings required by the given command mode are
// present. Modes: "mount", "ingest", "catalog", "query", "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "mount":
		if c.Mount.MountPoint == "" {
			errs = append(errs, "mount.mount_point is required")
		} else if !strings.HasPrefix(c.Mount.MountPoint, "/mnt/") {
			errs = append(errs, "mount.mount_point must be under /mnt/")
		}
		if c.Lake.MountTable == "" {
			errs = append(errs, "lake.mount_table is required")
		}
	case "ingest":
		if c.Lake.Root == "" {
			errs = append(errs, "lake.root is required")
		}
		if c.Lake.TempDir == "" {
			errs = append(errs, "lake.temp_dir is required")
		}
		if c.Lake.MaxRowsPerFile < 1 {
			errs = append(errs, "lake.max_rows_per_file must be > 0")
		}
		if c.Lake.WriteConcurrency < 1 || c.Lake.WriteConcurrency > 64 {
			errs = append(errs, "lake.write_concurrency must be between 1 and 64")
		}
		if c.Source.ZoneLookupURL == "" {
			errs = append(errs, "source.zone_lookup_url is required")
		}
		if c.Source.ZoneShapesURL == "" {
			errs = append(errs, "source.zone_shapes_url is required")
		}
		errs = append(errs, c.validateCatalog()...)
	case "catalog", "query":
		errs = append(errs, c.validateCatalog()...)
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateCatalog()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: %s", strings.Join(errs, "; ")))
	}
	return nil
}

func (c *Config) validateCatalog() []string {
	var errs []string
	switch c.Catalog.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("catalog.driver %q is not one of sqlite, postgres, mysql", c.Catalog.Driver))
	}
	if c.Catalog.DatabaseURL == "" {
		errs = append(errs, "catalog.database_url is required")
	}
	return errs
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
