package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Browser    BrowserConfig    `yaml:"browser" mapstructure:"browser"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Traverse   TraverseConfig   `yaml:"traverse" mapstructure:"traverse"`
	Profile    ProfileConfig    `yaml:"profile" mapstructure:"profile"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Status     StatusConfig     `yaml:"status" mapstructure:"status"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CheckpointConfig configures the CSV checkpoint.
type CheckpointConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
	// SafetyMargin is how many recently completed records enrichment
	// fetches again on start.
	SafetyMargin int     `yaml:"safety_margin" mapstructure:"safety_margin"`
	CompactRatio float64 `yaml:"compact_ratio" mapstructure:"compact_ratio"`
}

// BrowserConfig configures the chromedp sessions.
type BrowserConfig struct {
	Headless      bool          `yaml:"headless" mapstructure:"headless"`
	ChromePath    string        `yaml:"chrome_path" mapstructure:"chrome_path"`
	UserDataDir   string        `yaml:"user_data_dir" mapstructure:"user_data_dir"`
	ActionTimeout time.Duration `yaml:"action_timeout" mapstructure:"action_timeout"`
	PageTimeout   time.Duration `yaml:"page_timeout" mapstructure:"page_timeout"`
	DetailTimeout time.Duration `yaml:"detail_timeout" mapstructure:"detail_timeout"`
	Settle        time.Duration `yaml:"settle" mapstructure:"settle"`
}

// AuthConfig holds the catalog login. Credentials come from config or
// HARVEST_AUTH_USERNAME / HARVEST_AUTH_PASSWORD only.
type AuthConfig struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// EnrichConfig configures the detail-page worker pool.
type EnrichConfig struct {
	Workers          int     `yaml:"workers" mapstructure:"workers"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
}

// TraverseConfig configures the filter traversal.
type TraverseConfig struct {
	BasePass bool     `yaml:"base_pass" mapstructure:"base_pass"`
	Primary  []string `yaml:"primary" mapstructure:"primary"`
	// Dimensions is "both", or "secondary" / "tertiary" for an update pass
	// that refreshes one tag column of an existing checkpoint.
	Dimensions string `yaml:"dimensions" mapstructure:"dimensions"`
}

// ProfileConfig points at the site profile.
type ProfileConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// StoreConfig configures the run log backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// StatusConfig configures the status bus and its HTTP endpoint.
type StatusConfig struct {
	Addr   string `yaml:"addr" mapstructure:"addr"`
	Buffer int    `yaml:"buffer" mapstructure:"buffer"`
	Recent int    `yaml:"recent" mapstructure:"recent"`
}

// RetryConfig configures backoff for logins and page opens.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("checkpoint.path", "courses.csv")
	v.SetDefault("checkpoint.safety_margin", 10)
	v.SetDefault("checkpoint.compact_ratio", 1.0)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.action_timeout", 10*time.Second)
	v.SetDefault("browser.page_timeout", 30*time.Second)
	v.SetDefault("browser.detail_timeout", 60*time.Second)
	v.SetDefault("browser.settle", time.Second)
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("enrich.workers", 3)
	v.SetDefault("enrich.rate_per_sec", 2.0)
	v.SetDefault("enrich.burst", 1)
	v.SetDefault("enrich.breaker_threshold", 5)
	v.SetDefault("traverse.base_pass", true)
	v.SetDefault("traverse.primary", []string{})
	v.SetDefault("traverse.dimensions", "both")
	v.SetDefault("profile.path", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "harvester.db")
	v.SetDefault("status.addr", "")
	v.SetDefault("status.buffer", 256)
	v.SetDefault("status.recent", 100)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("retry.max_backoff", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)

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

// Validate checks the keys a command needs. mode is one of "harvest",
// "enrich", "status" or "export".
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	require(c.Checkpoint.Path != "", "checkpoint.path is required")
	require(c.Checkpoint.SafetyMargin >= 0, "checkpoint.safety_margin must be >= 0")
	require(c.Checkpoint.CompactRatio >= 0, "checkpoint.compact_ratio must be >= 0")

	switch mode {
	case "harvest", "enrich":
		require(c.Auth.Username != "", "auth.username is required")
		require(c.Auth.Password != "", "auth.password is required")
		require(c.Browser.ActionTimeout > 0, "browser.action_timeout must be > 0")
		require(c.Browser.PageTimeout > 0, "browser.page_timeout must be > 0")
		require(c.Browser.DetailTimeout > 0, "browser.detail_timeout must be > 0")
		require(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be >= 1")
		if mode == "harvest" {
			switch strings.ToLower(c.Traverse.Dimensions) {
			case "", "both", "secondary", "tertiary":
			default:
				errs = append(errs, fmt.Sprintf("traverse.dimensions %q must be secondary, tertiary or both", c.Traverse.Dimensions))
			}
		}
		if mode == "enrich" {
			require(c.Enrich.Workers >= 1 && c.Enrich.Workers <= 32, "enrich.workers must be between 1 and 32")
			require(c.Enrich.RatePerSec >= 0, "enrich.rate_per_sec must be >= 0")
		}
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
		}
		if c.Store.Driver == "postgres" {
			require(c.Store.DatabaseURL != "", "store.database_url is required")
		}
	case "status", "export":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
