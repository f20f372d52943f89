package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/devXprite/world-chatapp/internal/auth"
	"github.com/devXprite/world-chatapp/internal/service"
	pkgconfig "github.com/devXprite/world-chatapp/pkg/config"
	"github.com/devXprite/world-chatapp/pkg/database"
	"github.com/devXprite/world-chatapp/pkg/log"
)

// Config is the full client configuration.
type Config struct {
	// Backend selects the chat/presence backend: "redis" or "memory".
	Backend  string                 `mapstructure:"backend"`
	Redis    RedisConfig            `mapstructure:"redis"`
	Database database.Config        `mapstructure:"database"`
	Auth     auth.Config            `mapstructure:"auth"`
	Chat     service.MessagesConfig `mapstructure:"chat"`
	Presence PresenceConfig         `mapstructure:"presence"`
	Log      log.Config             `mapstructure:"log"`
}

// RedisConfig holds the shared Redis connection settings.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PresenceConfig holds presence timings.
type PresenceConfig struct {
	TypingDebounce    time.Duration `mapstructure:"typing_debounce"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
}

// Load reads the client configuration from config.yaml and environment
// variables.
func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	dataDir := defaultDataDir()

	// Set defaults
	v.SetDefault("backend", "redis")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", filepath.Join(dataDir, "users.db"))
	v.SetDefault("auth.user_agent", defaultUserAgent())
	v.SetDefault("auth.session_file", filepath.Join(dataDir, "session"))
	v.SetDefault("auth.token_secret", "world-chatapp-local")
	v.SetDefault("auth.token_ttl", "720h") // 30 days
	v.SetDefault("auth.ipinfo_url", "")
	v.SetDefault("auth.ipinfo_token", "")
	v.SetDefault("chat.initial_page_size", 60)
	v.SetDefault("chat.page_size", 20)
	v.SetDefault("presence.typing_debounce", "1200ms")
	v.SetDefault("presence.heartbeat_interval", "30s")
	v.SetDefault("presence.heartbeat_timeout", "90s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Override from environment
	v.BindEnv("backend", "CHAT_BACKEND")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("auth.ipinfo_token", "IPINFO_TOKEN")
	v.BindEnv("auth.token_secret", "CHAT_TOKEN_SECRET")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Parse durations
	cfg.Auth.TokenTTL = parseDuration(v, "auth.token_ttl", 720*time.Hour)
	cfg.Presence.TypingDebounce = parseDuration(v, "presence.typing_debounce", 1200*time.Millisecond)
	cfg.Presence.HeartbeatInterval = parseDuration(v, "presence.heartbeat_interval", 30*time.Second)
	cfg.Presence.HeartbeatTimeout = parseDuration(v, "presence.heartbeat_timeout", 90*time.Second)

	return &cfg, nil
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".worldchat"
	}
	return filepath.Join(home, ".worldchat")
}

func defaultUserAgent() string {
	return fmt.Sprintf("worldchat/1.0 (%s/%s)", runtime.GOOS, runtime.GOARCH)
}
