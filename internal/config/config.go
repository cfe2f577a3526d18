package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Server holds configuration for the sync server binary.
type Server struct {
	Port          string `env:"SYNC_PORT" envDefault:"8090"`
	DatabaseURL   string `env:"SYNC_DATABASE_URL" envDefault:"file:routeledger.db"`
	MigrationsDir string `env:"SYNC_MIGRATIONS_DIR" envDefault:"migrations"`
	Environment   string `env:"ENVIRONMENT" envDefault:"development"`
}

// Agent holds configuration for the device-side sync agent.
type Agent struct {
	ServerURL    string        `env:"SYNC_SERVER_URL"`
	DatabasePath string        `env:"SYNC_LOCAL_DB" envDefault:"routeledger-local.db"`
	StatePath    string        `env:"SYNC_STATE_PATH" envDefault:"routeledger-state.db"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	Environment  string        `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadServer reads server configuration from the environment, loading a
// .env file first when present.
func LoadServer() (*Server, error) {
	_ = godotenv.Load()

	cfg := &Server{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads agent configuration from the environment, loading a
// .env file first when present.
func LoadAgent() (*Agent, error) {
	_ = godotenv.Load()

	cfg := &Agent{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("SYNC_SERVER_URL is required")
	}
	return cfg, nil
}
