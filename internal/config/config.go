package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string `env:"ADDR" envDefault:":8080"`
	RoleLeaseMS int    `env:"ROLE_LEASE_MS" envDefault:"90000"`
}

// RoleLease is the reclaim window granted to a disconnected player.
func (c Config) RoleLease() time.Duration {
	return time.Duration(c.RoleLeaseMS) * time.Millisecond
}

// Load reads .env if one exists, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
