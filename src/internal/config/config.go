package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from environment variables and config files
func Load() (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	v.SetEnvPrefix("LABOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/labops")

	// Config file is optional; env vars and defaults suffice.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "labops.db")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.max_idle_time", 300)

	v.SetDefault("scheduler.interval", time.Minute)
	v.SetDefault("scheduler.watchdog_interval", 30*time.Second)
	v.SetDefault("scheduler.max_parallel", 4)
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("backup.artifact_store", "local")

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.key_prefix", "labops:")
	v.SetDefault("cache.stats_ttl", 30*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("api.rate_limit.enabled", true)
	v.SetDefault("api.rate_limit.rps", 20)
	v.SetDefault("api.rate_limit.burst", 40)

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.from", "labops@localhost")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
}
