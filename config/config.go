// Package config loads service configuration from an optional TOML file
// and COMMISSION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/logger"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Log        logger.Config
	Commission CommissionConfig
	Payroll    PayrollConfig
	Scheduler  SchedulerConfig
	HTTP       HTTPConfig
}

type AppConfig struct {
	Name string
	Env  string
	Port string
}

type DatabaseConfig struct {
	Path string // SQLite file path or ":memory:"
}

// CommissionConfig holds global rate defaults and engine tuning.
type CommissionConfig struct {
	CompanyLeadRate   decimal.Decimal
	SelfGenRate       decimal.Decimal
	MaxReportedErrors int
	ConflictRetries   int
	RetryInterval     time.Duration
}

// PayrollConfig anchors the pay-period calendar.
type PayrollConfig struct {
	AnchorDate       string // YYYY-MM-DD, a period start
	PeriodLengthDays int
	PayoutWeekday    string // e.g. "friday"
}

type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
}

type HTTPConfig struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	CORSAllowOrigins []string
}

// Load reads configuration. Priority (highest to lowest):
//  1. Environment variables with COMMISSION_ prefix (e.g. COMMISSION_DATABASE_PATH)
//  2. The TOML file at path, or config.toml in the working directory
//  3. Built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("COMMISSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	companyRate, err := decimal.NewFromString(v.GetString("commission.company_lead_rate"))
	if err != nil {
		return nil, fmt.Errorf("commission.company_lead_rate: %w", err)
	}
	selfGenRate, err := decimal.NewFromString(v.GetString("commission.self_gen_rate"))
	if err != nil {
		return nil, fmt.Errorf("commission.self_gen_rate: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Log: logger.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Commission: CommissionConfig{
			CompanyLeadRate:   companyRate,
			SelfGenRate:       selfGenRate,
			MaxReportedErrors: v.GetInt("commission.max_reported_errors"),
			ConflictRetries:   v.GetInt("commission.conflict_retries"),
			RetryInterval:     v.GetDuration("commission.retry_interval"),
		},
		Payroll: PayrollConfig{
			AnchorDate:       v.GetString("payroll.anchor_date"),
			PeriodLengthDays: v.GetInt("payroll.period_length_days"),
			PayoutWeekday:    v.GetString("payroll.payout_weekday"),
		},
		Scheduler: SchedulerConfig{
			Enabled:  v.GetBool("scheduler.enabled"),
			Interval: v.GetDuration("scheduler.interval"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	rates := commission.DefaultRates()
	periods := commission.DefaultPeriodConfig()

	v.SetDefault("app.name", "commission-engine")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("database.path", "./data/commission.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("commission.company_lead_rate", rates.CompanyLeadRate.String())
	v.SetDefault("commission.self_gen_rate", rates.SelfGenRate.String())
	v.SetDefault("commission.max_reported_errors", 10)
	v.SetDefault("commission.conflict_retries", 3)
	v.SetDefault("commission.retry_interval", "50ms")
	v.SetDefault("payroll.anchor_date", periods.AnchorDate.String())
	v.SetDefault("payroll.period_length_days", periods.LengthDays)
	v.SetDefault("payroll.payout_weekday", strings.ToLower(periods.PayoutWeekday.String()))
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.cors_allow_origins", []string{"*"})
}

func (c *Config) validate() error {
	for name, rate := range map[string]decimal.Decimal{
		"commission.company_lead_rate": c.Commission.CompanyLeadRate,
		"commission.self_gen_rate":     c.Commission.SelfGenRate,
	} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("%s must be in [0, 1), got %s", name, rate)
		}
	}
	if c.Payroll.PeriodLengthDays <= 0 {
		return fmt.Errorf("payroll.period_length_days must be positive, got %d", c.Payroll.PeriodLengthDays)
	}
	if _, err := commission.ParseDate(c.Payroll.AnchorDate); err != nil {
		return fmt.Errorf("payroll.anchor_date: %w", err)
	}
	if _, err := parseWeekday(c.Payroll.PayoutWeekday); err != nil {
		return err
	}
	if c.Commission.ConflictRetries < 0 {
		return fmt.Errorf("commission.conflict_retries must not be negative")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive when the scheduler is enabled")
	}
	return nil
}

// Engine converts the loaded values into the engine's configuration.
func (c *Config) Engine() commission.Config {
	cfg := commission.DefaultConfig()
	cfg.Rates = commission.RateDefaults{
		CompanyLeadRate: c.Commission.CompanyLeadRate,
		SelfGenRate:     c.Commission.SelfGenRate,
	}
	if anchor, err := commission.ParseDate(c.Payroll.AnchorDate); err == nil {
		cfg.Periods.AnchorDate = anchor
	}
	if c.Payroll.PeriodLengthDays > 0 {
		cfg.Periods.LengthDays = c.Payroll.PeriodLengthDays
	}
	if wd, err := parseWeekday(c.Payroll.PayoutWeekday); err == nil {
		cfg.Periods.PayoutWeekday = wd
	}
	if c.Commission.MaxReportedErrors > 0 {
		cfg.MaxReportedErrors = c.Commission.MaxReportedErrors
	}
	if c.Commission.ConflictRetries >= 0 {
		cfg.ConflictRetries = uint(c.Commission.ConflictRetries)
	}
	if c.Commission.RetryInterval > 0 {
		cfg.RetryInterval = c.Commission.RetryInterval
	}
	return cfg
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("payroll.payout_weekday: unknown weekday %q", s)
}
