package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Port            string        `env:"PORT" env-default:"8080"`
	Environment     string        `env:"ENVIRONMENT" env-default:"development"`
	LogLevel        string        `env:"LOG_LEVEL" env-default:""`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://localhost:5173"`
	JWTSecret       string        `env:"JWT_SECRET" env-default:"change-me-in-production"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"10s"`
	Redis           RedisConfig
	Signaling       SignalingConfig
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" env-default:"localhost"`
	Port     string `env:"REDIS_PORT" env-default:"6379"`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

// Addr returns host:port for the redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// SignalingConfig holds per-connection limits for the websocket relay.
type SignalingConfig struct {
	MaxMessageBytes      int64         `env:"SIGNALING_MAX_MESSAGE_BYTES" env-default:"65536"`
	MaxMessagesPerSecond int           `env:"SIGNALING_MAX_MESSAGES_PER_SECOND" env-default:"50"`
	SendBuffer           int           `env:"SIGNALING_SEND_BUFFER" env-default:"256"`
	PresenceTTL          time.Duration `env:"SIGNALING_PRESENCE_TTL" env-default:"24h"`
}

// ClientConfig configures the headless call participant.
type ClientConfig struct {
	ServerURL     string        `env:"SIGNALING_URL" env-default:"ws://localhost:8080/ws/signal"`
	APIURL        string        `env:"SIGNALING_API_URL" env-default:"http://localhost:8080/api"`
	Token         string        `env:"SIGNALING_TOKEN" env-default:""`
	STUNServers   []string      `env:"STUN_SERVERS" env-separator:"," env-default:"stun:stun.l.google.com:19302"`
	SettleDelay   time.Duration `env:"NEGOTIATION_SETTLE_DELAY" env-default:"500ms"`
	AnswerTimeout time.Duration `env:"NEGOTIATION_ANSWER_TIMEOUT" env-default:"30s"`
	Environment   string        `env:"ENVIRONMENT" env-default:"local"`
	LogLevel      string        `env:"LOG_LEVEL" env-default:"warn"`
}

// Load reads server configuration from the environment, after merging an
// optional .env file in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient reads the call client configuration.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	var cfg ClientConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read client config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.Environment == "production" && c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS must list at least one origin")
	}
	if c.Signaling.MaxMessageBytes <= 0 {
		return fmt.Errorf("SIGNALING_MAX_MESSAGE_BYTES must be positive")
	}
	if c.Signaling.MaxMessagesPerSecond <= 0 {
		return fmt.Errorf("SIGNALING_MAX_MESSAGES_PER_SECOND must be positive")
	}
	if c.Signaling.SendBuffer <= 0 {
		return fmt.Errorf("SIGNALING_SEND_BUFFER must be positive")
	}
	return nil
}
