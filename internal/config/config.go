// Package config loads service configuration from an optional YAML file and
// SHARELEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LedgerConfig struct {
	// Timezone is the reference zone for selling limit day/week/month windows.
	Timezone  string `mapstructure:"timezone"`
	WeekStart string `mapstructure:"week_start"`
}

// AllocationConfig splits purchase proceeds across funds. Values are
// decimal percentage strings and must sum to 100.
type AllocationConfig struct {
	ProjectPct string `mapstructure:"project_pct"`
	AdminPct   string `mapstructure:"admin_pct"`
	BuybackPct string `mapstructure:"buyback_pct"`
}

// Percentages parses the fund split.
func (a AllocationConfig) Percentages() (project, admin, buyback decimal.Decimal, err error) {
	if project, err = decimal.NewFromString(a.ProjectPct); err != nil {
		return project, admin, buyback, fmt.Errorf("allocation.project_pct: %w", err)
	}
	if admin, err = decimal.NewFromString(a.AdminPct); err != nil {
		return project, admin, buyback, fmt.Errorf("allocation.admin_pct: %w", err)
	}
	if buyback, err = decimal.NewFromString(a.BuybackPct); err != nil {
		return project, admin, buyback, fmt.Errorf("allocation.buyback_pct: %w", err)
	}
	return project, admin, buyback, nil
}

type SettlementConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

type TxConfig struct {
	MaxRetries int `mapstructure:"max_retries"`
}

type AppConfig struct {
	ServiceName string           `mapstructure:"service_name"`
	Env         string           `mapstructure:"env"`
	LogLevel    string           `mapstructure:"log_level"`
	MetricsPath string           `mapstructure:"metrics_path"`
	DatabaseURL string           `mapstructure:"database_url"`
	RedisURL    string           `mapstructure:"redis_url"`
	CacheTTL    time.Duration    `mapstructure:"cache_ttl"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	Ledger      LedgerConfig     `mapstructure:"ledger"`
	Allocation  AllocationConfig `mapstructure:"allocation"`
	Settlement  SettlementConfig `mapstructure:"settlement"`
	Tx          TxConfig         `mapstructure:"tx"`
}

func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("SHARELEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that defaults cannot make safe.
func (c *AppConfig) Validate() error {
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		return fmt.Errorf("ledger.timezone: %w", err)
	}
	if _, err := ParseWeekday(c.Ledger.WeekStart); err != nil {
		return err
	}
	project, admin, buyback, err := c.Allocation.Percentages()
	if err != nil {
		return err
	}
	sum := project.Add(admin).Add(buyback)
	if !sum.Equal(decimal.NewFromInt(100)) {
		return fmt.Errorf("allocation percentages sum to %s, want 100", sum)
	}
	for _, p := range []decimal.Decimal{project, admin, buyback} {
		if p.IsNegative() {
			return fmt.Errorf("allocation percentage %s is negative", p)
		}
	}
	if c.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("settlement.max_attempts must be at least 1")
	}
	return nil
}

// Location returns the ledger reference timezone.
func (c *AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseWeekday maps a lower-case day name to a time.Weekday.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("ledger.week_start: unknown weekday %q", s)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "share-ledger")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("ledger.timezone", "Africa/Kampala")
	v.SetDefault("ledger.week_start", "monday")
	v.SetDefault("allocation.project_pct", "70")
	v.SetDefault("allocation.admin_pct", "20")
	v.SetDefault("allocation.buyback_pct", "10")
	v.SetDefault("settlement.max_attempts", 3)
	v.SetDefault("settlement.retry_delay", "200ms")
	v.SetDefault("tx.max_retries", 5)
}
