package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/MechForge/activity"
	"github.com/itskum47/MechForge/chain"
	"github.com/itskum47/MechForge/pkg/logger"
	"github.com/itskum47/MechForge/registry"
)

// statusStaleAfter marks a worker unknown when its heartbeat stops.
const statusStaleAfter = 60 * time.Second

// workerStatus mirrors the worker's heartbeat payload.
type workerStatus struct {
	WorkerID      string `json:"worker_id"`
	ActiveService string `json:"active_service,omitempty"`
	StartedAt     string `json:"started_at"`
	ReportedAt    string `json:"reported_at"`
}

// statusBoard collects worker heartbeats for the liveness payload.
type statusBoard struct {
	mu       sync.RWMutex
	statuses map[string]workerStatus
	seen     map[string]time.Time
}

func newStatusBoard() *statusBoard {
	return &statusBoard{
		statuses: make(map[string]workerStatus),
		seen:     make(map[string]time.Time),
	}
}

func (b *statusBoard) record(status workerStatus) {
	b.mu.Lock()
	b.statuses[status.WorkerID] = status
	b.seen[status.WorkerID] = time.Now()
	b.mu.Unlock()
}

// snapshot returns the fresh statuses, dropping stale ones.
func (b *statusBoard) snapshot() []workerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cutoff := time.Now().Add(-statusStaleAfter)
	var out []workerStatus
	for id, status := range b.statuses {
		if b.seen[id].After(cutoff) {
			out = append(out, status)
		}
	}
	return out
}

// livenessServer serves the supervisor's HTTP surface: liveness,
// heartbeat intake, metrics, and the staking dashboard projection.
type livenessServer struct {
	cfg     Config
	board   *statusBoard
	log     *logger.Logger
	started time.Time

	// lazily initialized when chain access is configured
	monitor  *activity.Monitor
	services []registry.Service
}

func newLivenessServer(cfg Config, board *statusBoard, log *logger.Logger) *livenessServer {
	return &livenessServer{
		cfg:     cfg,
		board:   board,
		log:     log,
		started: time.Now(),
	}
}

// start binds the listen address and returns the status-intake URL the
// workers should post to.
func (s *livenessServer) start() (string, error) {
	if s.cfg.RPCURL != "" && s.cfg.ServiceProfileDir != "" {
		if err := s.initDashboard(); err != nil {
			s.log.WithError(err).Warn("staking dashboard disabled")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/dashboard", s.handleDashboard)
	mux.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return "", err
	}
	go func() {
		if err := (&http.Server{Handler: mux}).Serve(ln); err != nil {
			s.log.WithError(err).Error("liveness server stopped")
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, port) + "/status"
	s.log.Infof("liveness server on %s", ln.Addr())
	return url, nil
}

func (s *livenessServer) initDashboard() error {
	reg, err := registry.Load(s.cfg.ServiceProfileDir)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client, err := chain.Dial(ctx, chain.Config{RPCURL: s.cfg.RPCURL, ChainID: s.cfg.ChainID})
	if err != nil {
		return err
	}
	s.monitor = activity.NewMonitor(client)
	for _, svc := range reg.All() {
		if svc.Staked() {
			s.services = append(s.services, svc)
		}
	}
	return nil
}

func (s *livenessServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{
		"status":     "ok",
		"started_at": s.started.UTC().Format(time.RFC3339),
		"workers":    s.board.snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *livenessServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var status workerStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil || status.WorkerID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	s.board.record(status)
	w.WriteHeader(http.StatusNoContent)
}

// handleDashboard reports the immutable staking limits per staked
// service. Empty when chain access is not configured.
func (s *livenessServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		ServiceConfigID   string `json:"service_config_id"`
		ServiceID         int64  `json:"service_id"`
		StakingContract   string `json:"staking_contract"`
		MinStakingDeposit string `json:"min_staking_deposit,omitempty"`
		MaxNumServices    uint64 `json:"max_num_services,omitempty"`
		MaxInactivity     uint64 `json:"max_inactivity_periods,omitempty"`
	}

	var entries []entry
	for _, svc := range s.services {
		e := entry{
			ServiceConfigID: svc.ServiceConfigID,
			ServiceID:       svc.ServiceID,
			StakingContract: svc.StakingContract.Hex(),
		}
		if s.monitor != nil {
			limits, err := s.monitor.Dashboard(r.Context(), *svc.StakingContract)
			if err != nil {
				s.log.WithError(err).Warnf("dashboard read failed for %s", svc.ServiceConfigID)
			} else {
				e.MinStakingDeposit = limits.MinStakingDeposit.String()
				e.MaxNumServices = limits.MaxNumServices
				e.MaxInactivity = limits.MaxInactivityPeriods
			}
		}
		entries = append(entries, e)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"services": entries})
}
