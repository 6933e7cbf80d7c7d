package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the worker process configuration, read from environment.
type Config struct {
	ServiceProfileDir string `env:"SERVICE_PROFILE_DIR,default=./services"`
	RPCURL            string `env:"RPC_URL,required"`
	ChainID           int64  `env:"CHAIN_ID,required"`

	MarketplaceAddress string `env:"MARKETPLACE_ADDRESS"`

	CredentialBridgeURL string `env:"CREDENTIAL_BRIDGE_URL"`
	GithubAPIURL        string `env:"GITHUB_API_URL,default=https://api.github.com"`
	GithubToken         string `env:"GITHUB_TOKEN"`

	WorkerID        string `env:"WORKER_ID,default=worker-0"`
	OperatePassword string `env:"OPERATE_PASSWORD"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	IndexerURL string `env:"INDEXER_URL"`

	IPFSNodeAPIURL    string `env:"IPFS_NODE_API_URL,default=http://127.0.0.1:5001"`
	IPFSGatewayAPIURL string `env:"IPFS_GATEWAY_API_URL"`

	AgentCommand string `env:"AGENT_COMMAND,required"`
	AgentArgs    string `env:"AGENT_ARGS"`
	AgentWorkDir string `env:"AGENT_WORK_DIR"`

	PollInterval  time.Duration `env:"POLL_INTERVAL,default=60s"`
	ClaimLeaseTTL time.Duration `env:"CLAIM_LEASE_TTL,default=10m"`

	// DeliveryTimeout is the outer deadline for one delivery attempt.
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT,default=240s"`

	// SupervisorStatusURL is where the worker posts status heartbeats.
	// Injected by the supervisor; empty when running standalone.
	SupervisorStatusURL string `env:"SUPERVISOR_STATUS_URL"`
}

// LoadConfig reads .env (if present) and decodes the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// agentArgs splits AGENT_ARGS on whitespace.
func (c Config) agentArgs() []string {
	return strings.Fields(c.AgentArgs)
}
