// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	FeeBps            uint64        `mapstructure:"fee_bps"`
	DonationThreshold uint64        `mapstructure:"donation_threshold"`
	DepositHaircutBps uint64        `mapstructure:"deposit_haircut_bps"`
	RefuelAmount      uint64        `mapstructure:"refuel_amount"`
	Instances         int           `mapstructure:"instances"`
	Rounds            int           `mapstructure:"rounds"`
	KeeperInterval    time.Duration `mapstructure:"keeper_interval"`
	Workers           int           `mapstructure:"workers"`
	Retries           int           `mapstructure:"retries"`
	PostgresURL       string        `mapstructure:"postgres_url"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	DebugLogging      bool          `mapstructure:"debug_logging"`
	LogFile           string        `mapstructure:"log_file"`
}

const (
	DefaultFeeBps            = 500
	DefaultDonationThreshold = 9500
	DefaultDepositHaircutBps = 300
	DefaultRefuelAmount      = 1_000_000
	DefaultInstances         = 3
	DefaultRounds            = 5
	DefaultKeeperInterval    = time.Second
	DefaultWorkers           = 5
	DefaultRetries           = 3
	DefaultLogFile           = "refuel.log"

	maxBps = 10_000
)

// LoadConfig reads path (JSON, YAML or TOML by extension) over the defaults.
// An empty path yields defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	defaults := map[string]interface{}{
		"fee_bps":             DefaultFeeBps,
		"donation_threshold":  DefaultDonationThreshold,
		"deposit_haircut_bps": DefaultDepositHaircutBps,
		"refuel_amount":       DefaultRefuelAmount,
		"instances":           DefaultInstances,
		"rounds":              DefaultRounds,
		"keeper_interval":     DefaultKeeperInterval,
		"workers":             DefaultWorkers,
		"retries":             DefaultRetries,
		"log_file":            DefaultLogFile,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if err := validateNumericParams(cfg); err != nil {
		return err
	}
	if cfg.PostgresURL != "" {
		if err := validateURLWithCache(cfg.PostgresURL, "postgres"); err != nil {
			return errors.New("postgres_url must use the postgres scheme")
		}
	}
	return nil
}

func validateNumericParams(cfg *Config) error {
	if cfg.FeeBps > maxBps {
		return errors.New("fee_bps cannot exceed 10000")
	}
	if cfg.DonationThreshold > maxBps {
		return errors.New("donation_threshold cannot exceed 10000")
	}
	if cfg.DepositHaircutBps >= maxBps {
		return errors.New("deposit_haircut_bps must be below 10000")
	}
	if cfg.RefuelAmount == 0 {
		return errors.New("invalid refuel_amount")
	}
	if cfg.Instances <= 0 {
		return errors.New("invalid instances count")
	}
	if cfg.Rounds < 0 {
		return errors.New("invalid rounds count")
	}
	if cfg.KeeperInterval <= 0 {
		return errors.New("invalid keeper_interval")
	}
	if cfg.Workers <= 0 {
		return errors.New("invalid workers count")
	}
	if cfg.Retries < 0 {
		return errors.New("invalid retries count")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("REFUEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envPostgres := v.GetString("POSTGRES_URL"); envPostgres != "" {
		cfg.PostgresURL = strings.TrimSpace(envPostgres)
	}
	if envMetrics := v.GetString("METRICS_ADDR"); envMetrics != "" {
		cfg.MetricsAddr = strings.TrimSpace(envMetrics)
	}
	if v.IsSet("DEBUG_LOGGING") {
		cfg.DebugLogging = v.GetBool("DEBUG_LOGGING")
	}
	return nil
}
