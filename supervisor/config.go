package main

import (
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the supervisor configuration, read from environment.
type Config struct {
	WorkerCount  int    `env:"WORKER_COUNT,default=1"`
	WorkerBinary string `env:"WORKER_BINARY,default=./worker"`
	ListenAddr   string `env:"SUPERVISOR_LISTEN_ADDR,default=:8080"`

	// Optional chain access for the staking dashboard projection on the
	// liveness server. Skipped when RPC_URL is unset.
	RPCURL            string `env:"RPC_URL"`
	ChainID           int64  `env:"CHAIN_ID,default=0"`
	ServiceProfileDir string `env:"SERVICE_PROFILE_DIR"`
}

// LoadConfig reads .env (if present) and decodes the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.WorkerCount < 1 {
		return Config{}, fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	return cfg, nil
}
