// The worker serves one marketplace request at a time: it rotates to
// the neediest staked service, claims a request its capabilities cover,
// runs the agent against the loopback signing proxy, and delivers the
// result on-chain through the service Safe.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"github.com/itskum47/MechForge/activity"
	"github.com/itskum47/MechForge/agentrunner"
	"github.com/itskum47/MechForge/capability"
	"github.com/itskum47/MechForge/chain"
	"github.com/itskum47/MechForge/delivery"
	"github.com/itskum47/MechForge/indexer"
	"github.com/itskum47/MechForge/intake"
	"github.com/itskum47/MechForge/ipfs"
	"github.com/itskum47/MechForge/pkg/logger"
	"github.com/itskum47/MechForge/proxy"
	"github.com/itskum47/MechForge/registry"
	"github.com/itskum47/MechForge/rotation"
)

func main() {
	log := logger.New("worker")

	cfg, err := LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("configuration invalid")
	}
	log = logger.New(cfg.WorkerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := registry.Load(cfg.ServiceProfileDir)
	if err != nil {
		log.WithError(err).Fatal("load service registry")
	}
	log.Infof("loaded %d service profile(s)", len(reg.All()))

	client, err := chain.Dial(ctx, chain.Config{RPCURL: cfg.RPCURL, ChainID: cfg.ChainID})
	if err != nil {
		log.WithError(err).Fatal("dial rpc")
	}
	defer client.Close()

	slot := rotation.NewSlot()
	keys, err := loadKeyring(reg, slot, cfg.OperatePassword)
	if err != nil {
		log.WithError(err).Fatal("load service keys")
	}

	monitor := activity.NewMonitor(client)
	rotator := rotation.NewRotator(monitor, slot, reg.Rotatable(), cfg.PollInterval, log.WithComponent("rotator"))
	if _, err := rotator.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("initial rotation")
	}

	var bridge capability.CapabilityProber
	var tokens TokenSource
	if cfg.CredentialBridgeURL != "" {
		b := capability.NewBridge(capability.BridgeConfig{URL: cfg.CredentialBridgeURL}, keys, log.WithComponent("bridge"))
		bridge = b
		tokens = b
	}
	probe := capability.NewProbe(bridge, capability.GitHubConfig{
		APIURL: cfg.GithubAPIURL,
		Token:  cfg.GithubToken,
	}, log.WithComponent("capability"))

	var leases intake.LeaseStore
	if cfg.RedisAddr != "" {
		redisLeases, err := intake.NewRedisLeases(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.WithError(err).Fatal("connect lease store")
		}
		defer redisLeases.Close()
		leases = redisLeases
	} else {
		log.Warn("no REDIS_ADDR; claim leases are process-local only")
		leases = intake.NewMemoryLeases()
	}

	var idx *indexer.Client
	if cfg.IndexerURL != "" {
		idx = indexer.NewClient(indexer.Config{URL: cfg.IndexerURL})
	} else {
		log.Fatal("INDEXER_URL is required for request intake")
	}
	in := intake.NewIntake(idx, leases, probe, cfg.WorkerID, cfg.ClaimLeaseTTL, log.WithComponent("intake"))

	store := ipfs.NewClient(ipfs.Config{
		NodeAPIURL:    cfg.IPFSNodeAPIURL,
		GatewayAPIURL: cfg.IPFSGatewayAPIURL,
	})

	var dispatcher proxy.Dispatcher
	if cfg.MarketplaceAddress != "" {
		dispatcher = delivery.NewDispatcher(client, common.HexToAddress(cfg.MarketplaceAddress),
			slot, keys, store, log.WithComponent("dispatch"))
	}
	srv, err := proxy.NewServer(keys, store, dispatcher, log.WithComponent("proxy"))
	if err != nil {
		log.WithError(err).Fatal("create signing proxy")
	}
	if err := srv.Start(); err != nil {
		log.WithError(err).Fatal("start signing proxy")
	}
	defer srv.Shutdown(context.Background())

	runner := agentrunner.NewRunner(agentrunner.Config{
		Command:    cfg.AgentCommand,
		Args:       cfg.agentArgs(),
		WorkDir:    cfg.AgentWorkDir,
		LinePrefix: cfg.WorkerID + "/agent",
	}, log.WithComponent("agentrunner"))

	engine := delivery.NewEngine(client, idx, store, delivery.NewTracker(), delivery.NewTimeline(), log.WithComponent("delivery"))

	if cfg.SupervisorStatusURL != "" {
		go heartbeat(ctx, cfg, slot, log.WithComponent("heartbeat"))
	}

	loop := &pollLoop{
		cfg:     cfg,
		reg:     reg,
		slot:    slot,
		rotator: rotator,
		probe:   probe,
		intake:  in,
		keys:    keys,
		proxy:   srv,
		runner:  runner,
		engine:  engine,
		tokens:  tokens,
		log:     log,
	}
	loop.run(ctx)
	log.Info("worker stopped")
}
