package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Funnel   FunnelConfig   `mapstructure:"funnel"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Email    EmailConfig    `mapstructure:"email"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type FunnelConfig struct {
	// DownsellPercent is the discount applied to attempt 2 of a declined
	// offer, as a percentage of the frozen attempt-1 price.
	DownsellPercent int `mapstructure:"downsell_percent"`
	// Countdown is how long a single offer presentation stays valid before
	// it counts as an implicit decline.
	Countdown time.Duration `mapstructure:"countdown"`
	// SessionTimeout is the whole-session safety limit. Sessions older than
	// this are forced complete regardless of position.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
}

type RecoveryConfig struct {
	// Schedule holds backoff offsets applied from the first failure time.
	Schedule      []time.Duration `mapstructure:"schedule"`
	BatchLimit    int             `mapstructure:"batch_limit"`
	SweepInterval time.Duration   `mapstructure:"sweep_interval"`
}

type BillingConfig struct {
	GatewayURL    string `mapstructure:"gateway_url"`
	GatewaySecret string `mapstructure:"gateway_secret"`
	// AnchorDay is the day of month on which funnel-accepted recurring
	// add-ons bill. All schedules share this calendar date.
	AnchorDay int           `mapstructure:"anchor_day"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type EmailConfig struct {
	ProviderURL      string        `mapstructure:"provider_url"`
	ProviderSecret   string        `mapstructure:"provider_secret"`
	FromAddress      string        `mapstructure:"from_address"`
	RecoveryTemplate string        `mapstructure:"recovery_template"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("giftfunnel")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/giftfunnel")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GIFTFUNNEL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/giftfunnel.db")

	viper.SetDefault("funnel.downsell_percent", 20)
	viper.SetDefault("funnel.countdown", 120*time.Second)
	viper.SetDefault("funnel.session_timeout", 180*time.Second)

	viper.SetDefault("recovery.schedule", []time.Duration{
		24 * time.Hour,
		72 * time.Hour,
		168 * time.Hour,
	})
	viper.SetDefault("recovery.batch_limit", 100)
	viper.SetDefault("recovery.sweep_interval", 1*time.Minute)

	viper.SetDefault("billing.gateway_url", "http://localhost:9090")
	viper.SetDefault("billing.anchor_day", 1)
	viper.SetDefault("billing.timeout", 30*time.Second)

	viper.SetDefault("email.provider_url", "http://localhost:9091")
	viper.SetDefault("email.from_address", "billing@giftworks.example")
	viper.SetDefault("email.recovery_template", "payment_recovery")
	viper.SetDefault("email.timeout", 15*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
