package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every load or validation failure.
var ErrConfiguration = errors.New("configuration error")

const (
	DefaultHTTPAddr        = ":8080"
	DefaultDBDriver        = "sqlite3"
	DefaultDBDSN           = "chatty.db"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultSessionTTL      = 7 * 24 * time.Hour
	DefaultCodeTTL         = 10 * time.Minute
	DefaultHubSendBuffer   = 256
	DefaultHubGapTimeout   = 2 * time.Second
	DefaultGaugesInterval  = time.Minute
	DefaultCodeRetention   = time.Duration(0)
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Hub       HubConfig       `mapstructure:"hub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
	// SecureCookies marks session cookies Secure; enable behind TLS.
	SecureCookies bool `mapstructure:"secure_cookies"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite3 postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type AuthConfig struct {
	Secret     string        `mapstructure:"secret" validate:"required,min=16"`
	SessionTTL time.Duration `mapstructure:"session_ttl" validate:"min=1m"`
	CodeTTL    time.Duration `mapstructure:"code_ttl" validate:"min=1m,max=1h"`
}

// TelegramConfig configures the login-code bot. An empty token disables it.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
}

type HubConfig struct {
	SendBuffer int           `mapstructure:"send_buffer" validate:"min=1"`
	GapTimeout time.Duration `mapstructure:"gap_timeout" validate:"min=10ms"`
}

type SchedulerConfig struct {
	GaugesInterval time.Duration `mapstructure:"gauges_interval" validate:"min=1s"`
	// CodeRetention is how long expired codes are kept before purging.
	// Zero disables purging.
	CodeRetention time.Duration `mapstructure:"code_retention" validate:"min=0"`
}

// Load reads configuration from, in increasing precedence:
// defaults, the YAML file at path (optional), .env, and CHATTY_* variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: failed to load .env: %v", ErrConfiguration, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrConfiguration, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", DefaultHTTPAddr)
	v.SetDefault("http.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("http.secure_cookies", false)

	v.SetDefault("database.driver", DefaultDBDriver)
	v.SetDefault("database.dsn", DefaultDBDSN)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.session_ttl", DefaultSessionTTL)
	v.SetDefault("auth.code_ttl", DefaultCodeTTL)

	v.SetDefault("telegram.token", "")

	v.SetDefault("hub.send_buffer", DefaultHubSendBuffer)
	v.SetDefault("hub.gap_timeout", DefaultHubGapTimeout)

	v.SetDefault("scheduler.gauges_interval", DefaultGaugesInterval)
	v.SetDefault("scheduler.code_retention", DefaultCodeRetention)
}
