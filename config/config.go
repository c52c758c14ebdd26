package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	Environment    string   `env:"ENVIRONMENT" envDefault:"development"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:5173"`
	JWTSecret      string   `env:"JWT_SECRET" envDefault:"change-me-in-production"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`

	// "redis" or "memory"
	SignalingStore string `env:"SIGNALING_STORE" envDefault:"redis"`

	// Postgres DSN for call history; empty disables it
	HistoryDSN string `env:"HISTORY_DSN"`

	Redis RedisConfig `envPrefix:"REDIS_"`
	Call  CallConfig  `envPrefix:"CALL_"`
}

type RedisConfig struct {
	Host      string        `env:"HOST" envDefault:"localhost"`
	Port      string        `env:"PORT" envDefault:"6379"`
	Password  string        `env:"PASSWORD" envDefault:""`
	DB        int           `env:"DB" envDefault:"0"`
	RecordTTL time.Duration `env:"RECORD_TTL" envDefault:"24h"`
}

type CallConfig struct {
	ICEServers   []string      `env:"ICE_SERVERS" envSeparator:"," envDefault:"stun:stun.l.google.com:19302"`
	ClearDelay   time.Duration `env:"CLEAR_DELAY" envDefault:"2500ms"`
	RingTimeout  time.Duration `env:"RING_TIMEOUT" envDefault:"60s"`
	Retention    time.Duration `env:"RETENTION" envDefault:"24h"`
	ReapSchedule string        `env:"REAP_SCHEDULE" envDefault:"@every 30s"`
}

// Load reads configuration from the environment, after loading the file named
// by ENV_FILE (or .env) when present
func Load() (*Config, error) {
	if err := LoadEnv(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	cfg := new(Config)
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads content of ENV_FILE (e.g .env.agent) into environment variables
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")

	if envfile == "" {
		return godotenv.Load()
	}

	return godotenv.Load(envfile)
}
