package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port         int    `yaml:"port"`
		AdminAPIKey  string `yaml:"admin_api_key"`
		RateLimitRPM int    `yaml:"rate_limit_rpm"`
		Timezone     string `yaml:"timezone"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Calendar struct {
		FeedURL             string `yaml:"feed_url"`
		FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
		CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
		SyncIntervalMinutes int    `yaml:"sync_interval_minutes"`
		ExportProductID     string `yaml:"export_product_id"`
		ExportUIDDomain     string `yaml:"export_uid_domain"`
	} `yaml:"calendar"`

	Payments struct {
		WebhookSecret    string `yaml:"webhook_secret"`
		ToleranceSeconds int    `yaml:"tolerance_seconds"`
	} `yaml:"payments"`

	Notifier struct {
		Enabled              bool    `yaml:"enabled"`
		CheckIntervalSeconds int     `yaml:"check_interval_seconds"`
		PreArrivalDays       int     `yaml:"pre_arrival_days"`
		CatchUpDays          int     `yaml:"catch_up_days"`
		OutboxKey            string  `yaml:"outbox_key"`
		MaxRetries           int     `yaml:"max_retries"`
		RatePerSecond        float64 `yaml:"rate_per_second"`
	} `yaml:"notifier"`

	Booking struct {
		MinNights      int `yaml:"min_nights"`
		MaxAdvanceDays int `yaml:"max_advance_days"`
	} `yaml:"booking"`

	Telegram struct {
		BotToken string  `yaml:"bot_token"`
		Managers []int64 `yaml:"managers"`
	} `yaml:"telegram"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	ExperiencesConfigPath string `yaml:"experiences_config_path"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/lough_hyne.db"
	}
	if cfg.ExperiencesConfigPath == "" {
		cfg.ExperiencesConfigPath = filepath.Join(filepath.Dir(path), "experiences.yaml")
	}

	if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Location is the property's timezone used for civil-date arithmetic.
func (c *Config) Location() (*time.Location, error) {
	if c.Server.Timezone == "" {
		return time.LoadLocation("Europe/Dublin")
	}
	return time.LoadLocation(c.Server.Timezone)
}

func (c *Config) ServerPort() int {
	if c.Server.Port <= 0 {
		return 8080
	}
	return c.Server.Port
}

func (c *Config) RateLimitPerMinute() int {
	if c.Server.RateLimitRPM <= 0 {
		return 120
	}
	return c.Server.RateLimitRPM
}

func (c *Config) CalendarFetchTimeout() time.Duration {
	if c.Calendar.FetchTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Calendar.FetchTimeoutSeconds) * time.Second
}

func (c *Config) CalendarCacheTTL() time.Duration {
	if c.Calendar.CacheTTLSeconds < 0 {
		return 0
	}
	if c.Calendar.CacheTTLSeconds == 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Calendar.CacheTTLSeconds) * time.Second
}

func (c *Config) CalendarSyncInterval() time.Duration {
	if c.Calendar.SyncIntervalMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.Calendar.SyncIntervalMinutes) * time.Minute
}

func (c *Config) PaymentTolerance() time.Duration {
	if c.Payments.ToleranceSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Payments.ToleranceSeconds) * time.Second
}

func (c *Config) NotifierCheckInterval() time.Duration {
	if c.Notifier.CheckIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Notifier.CheckIntervalSeconds) * time.Second
}

func (c *Config) PreArrivalDays() int {
	if c.Notifier.PreArrivalDays <= 0 {
		return 7
	}
	return c.Notifier.PreArrivalDays
}

func (c *Config) BookingMinNights() int {
	if c.Booking.MinNights <= 0 {
		return 2
	}
	return c.Booking.MinNights
}

func (c *Config) BookingMaxAdvanceDays() int {
	if c.Booking.MaxAdvanceDays <= 0 {
		return 365
	}
	return c.Booking.MaxAdvanceDays
}
