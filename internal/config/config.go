package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Bus          BusConfig          `mapstructure:"bus"`
	Notification NotificationConfig `mapstructure:"notification"`
	Campaign     CampaignConfig     `mapstructure:"campaign"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	APIKey       string        `mapstructure:"api_key"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// BusConfig selects the event-bus implementation. Driver "memory" runs the
// in-process bus, "rabbitmq" the broker-backed one, "none" disables async
// dispatch entirely (the gate then sends inline).
type BusConfig struct {
	Driver      string `mapstructure:"driver"`
	URL         string `mapstructure:"url"`
	Topic       string `mapstructure:"topic"`
	DLQTopic    string `mapstructure:"dlq_topic"`
	Group       string `mapstructure:"group"`
	Concurrency int    `mapstructure:"concurrency"`
}

type NotificationConfig struct {
	DefaultChannel string        `mapstructure:"default_channel"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
}

type CampaignConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

type WebhookConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Secret         string        `mapstructure:"secret"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("notifyd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/notifyd")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("NOTIFYD")

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
	viper.SetDefault("storage.sqlite.path", "./data/notifyd.db")

	viper.SetDefault("bus.driver", "memory")
	viper.SetDefault("bus.topic", "notification-events")
	viper.SetDefault("bus.dlq_topic", "notification-events-dlq")
	viper.SetDefault("bus.group", "notification-service-group")
	viper.SetDefault("bus.concurrency", 3)

	viper.SetDefault("notification.default_channel", "SMS")
	viper.SetDefault("notification.max_retries", 3)
	viper.SetDefault("notification.retry_interval", 5*time.Second)
	viper.SetDefault("notification.send_timeout", 30*time.Second)

	viper.SetDefault("campaign.batch_size", 100)
	viper.SetDefault("campaign.progress_interval", 30*time.Second)

	viper.SetDefault("webhook.enabled", false)
	viper.SetDefault("webhook.max_retries", 5)
	viper.SetDefault("webhook.retry_interval", 5*time.Minute)
	viper.SetDefault("webhook.connect_timeout", 10*time.Second)
	viper.SetDefault("webhook.read_timeout", 30*time.Second)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
