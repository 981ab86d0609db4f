/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the credits-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix         string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	AuthJWKSURL            string `mapstructure:"AUTH_JWKS_URL"`
	RulesFile              string `mapstructure:"EARN_RULES_FILE"`
	EarnRateLimitPerMinute int    `mapstructure:"EARN_RATE_LIMIT_PER_MINUTE"`
	BalanceCacheTTLSeconds int    `mapstructure:"BALANCE_CACHE_TTL_SECONDS"`
	StorageRetryAttempts   int    `mapstructure:"STORAGE_RETRY_ATTEMPTS"`
	StorageRetryBackoffMs  int    `mapstructure:"STORAGE_RETRY_BACKOFF_MS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_KEY_PREFIX", "ecoquest:credits")
	viper.SetDefault("EARN_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("BALANCE_CACHE_TTL_SECONDS", 30)
	viper.SetDefault("STORAGE_RETRY_ATTEMPTS", 2)
	viper.SetDefault("STORAGE_RETRY_BACKOFF_MS", 150)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CREDITS_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("EARN_RULES_FILE")
	_ = viper.BindEnv("EARN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("BALANCE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("STORAGE_RETRY_ATTEMPTS")
	_ = viper.BindEnv("STORAGE_RETRY_BACKOFF_MS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "ecoquest:credits"
	}
	config.RulesFile = strings.TrimSpace(config.RulesFile)

	if config.EarnRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative earn rate limit configured; disabling limiter\" limit=%d", config.EarnRateLimitPerMinute)
		config.EarnRateLimitPerMinute = 0
	}
	if config.BalanceCacheTTLSeconds <= 0 {
		config.BalanceCacheTTLSeconds = 30
	}
	if config.StorageRetryAttempts < 0 {
		config.StorageRetryAttempts = 0
	}
	if config.StorageRetryBackoffMs <= 0 {
		config.StorageRetryBackoffMs = 150
	}

	return
}
