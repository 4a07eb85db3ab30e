package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries everything environment-specific the engine needs. Backend
// endpoints and the support agent identity are configuration, never
// literals in code.
type Config struct {
	APIBaseURL          string        `mapstructure:"API_BASE_URL"`
	SocketURL           string        `mapstructure:"SOCKET_URL"`
	SupportAgentID      string        `mapstructure:"SUPPORT_AGENT_ID"`
	HistoryPageSize     int           `mapstructure:"HISTORY_PAGE_SIZE"`
	AckTimeout          time.Duration `mapstructure:"ACK_TIMEOUT"`
	StreamFlushInterval time.Duration `mapstructure:"STREAM_FLUSH_INTERVAL"`
	CachePath           string        `mapstructure:"CACHE_PATH"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
}

func LoadConfig() (*Config, error) {
	viper.SetDefault("API_BASE_URL", "http://localhost:8000")
	viper.SetDefault("SOCKET_URL", "ws://localhost:8000/ws")
	viper.SetDefault("SUPPORT_AGENT_ID", "")
	viper.SetDefault("HISTORY_PAGE_SIZE", 20)
	viper.SetDefault("ACK_TIMEOUT", 8*time.Second)
	viper.SetDefault("STREAM_FLUSH_INTERVAL", 80*time.Millisecond)
	viper.SetDefault("CACHE_PATH", "")
	viper.SetDefault("LOG_LEVEL", "INFO")

	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

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
