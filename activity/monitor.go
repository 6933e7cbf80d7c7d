// Package activity performs the gas-free staking eligibility math that
// drives service rotation. All reads are view calls; nothing here ever
// submits a transaction.
package activity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/itskum47/MechForge/chain"
	"github.com/itskum47/MechForge/observability"
	"github.com/itskum47/MechForge/registry"
)

// SafetyMargin is added to the computed request requirement so a service
// lands safely above the liveness threshold rather than exactly on it.
const SafetyMargin = 1

var oneEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ChainReader is the slice of chain.Client the monitor needs.
type ChainReader interface {
	LivenessPeriod(ctx context.Context, staking common.Address) (uint64, error)
	TsCheckpoint(ctx context.Context, staking common.Address) (uint64, error)
	ActivityChecker(ctx context.Context, staking common.Address) (common.Address, error)
	RewardsPerSecond(ctx context.Context, staking common.Address) (*big.Int, error)
	LivenessRatio(ctx context.Context, checker common.Address) (*big.Int, error)
	GetServiceInfo(ctx context.Context, staking common.Address, serviceID int64) (chain.ServiceInfo, error)
	GetMultisigNonces(ctx context.Context, checker, multisig common.Address) ([]*big.Int, error)
	StakingLimits(ctx context.Context, staking common.Address) (chain.StakingLimits, error)
}

// Status is one service's activity snapshot for a poll cycle.
type Status struct {
	Service registry.Service

	LivenessPeriod       uint64
	TsCheckpoint         uint64
	LivenessRatio        *big.Int
	CurrentRequestCount  uint64
	BaselineRequestCount uint64

	EffectivePeriod      uint64
	RequiredRequests     uint64
	EligibleRequests     uint64
	RequestsNeeded       uint64
	IsEligibleForRewards bool

	// Err marks a failed read; an errored status is never eligible and
	// the rotator skips it.
	Err error
}

// contractData holds the immutable per-deployment reads.
type contractData struct {
	livenessPeriod   uint64
	activityChecker  common.Address
	livenessRatio    *big.Int
	rewardsPerSecond *big.Int
}

type checkpointEntry struct {
	ts        uint64
	fetchedAt time.Time
}

// Monitor caches staking-contract reads across poll cycles. Immutable
// contract data is cached forever, checkpoint timestamps with a TTL, and
// per-service counters are always fetched fresh.
type Monitor struct {
	reader        ChainReader
	checkpointTTL time.Duration
	now           func() time.Time

	mu          sync.RWMutex
	contracts   map[common.Address]contractData
	checkpoints map[common.Address]checkpointEntry
	dashboards  map[common.Address]chain.StakingLimits

	flight singleflight.Group
}

// NewMonitor creates a monitor with the default 60s checkpoint TTL.
func NewMonitor(reader ChainReader) *Monitor {
	return &Monitor{
		reader:        reader,
		checkpointTTL: 60 * time.Second,
		now:           time.Now,
		contracts:     make(map[common.Address]contractData),
		checkpoints:   make(map[common.Address]checkpointEntry),
		dashboards:    make(map[common.Address]chain.StakingLimits),
	}
}

// SetCheckpointTTL overrides the checkpoint cache TTL.
func (m *Monitor) SetCheckpointTTL(ttl time.Duration) { m.checkpointTTL = ttl }

// SetClock overrides the monitor clock. Used in tests.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Check computes the activity status of every given service. Read
// failures are reported per-service via Status.Err, never as a global
// error: one broken staking contract must not blind the rotator to the
// others.
func (m *Monitor) Check(ctx context.Context, services []registry.Service) []Status {
	statuses := make([]Status, len(services))
	var wg sync.WaitGroup
	for i := range services {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = m.checkOne(ctx, services[i])
		}(i)
	}
	wg.Wait()
	return statuses
}

func (m *Monitor) checkOne(ctx context.Context, svc registry.Service) Status {
	status := Status{Service: svc}
	if !svc.Staked() {
		status.Err = errors.New("service has no staking contract")
		return status
	}
	staking := *svc.StakingContract

	contract, err := m.contractData(ctx, staking)
	if err != nil {
		status.Err = fmt.Errorf("contract reads: %w", err)
		return status
	}
	checkpoint, err := m.checkpoint(ctx, staking)
	if err != nil {
		status.Err = fmt.Errorf("checkpoint read: %w", err)
		return status
	}

	// Per-service counters are never cached: the request count is the
	// very thing each cycle is trying to observe.
	info, err := m.reader.GetServiceInfo(ctx, staking, svc.ServiceID)
	if err != nil {
		status.Err = fmt.Errorf("service info: %w", err)
		return status
	}
	if len(info.Nonces) < 2 {
		status.Err = fmt.Errorf("service info has %d nonces, want 2", len(info.Nonces))
		return status
	}
	nonces, err := m.reader.GetMultisigNonces(ctx, contract.activityChecker, info.Multisig)
	if err != nil {
		status.Err = fmt.Errorf("multisig nonces: %w", err)
		return status
	}

	status.LivenessPeriod = contract.livenessPeriod
	status.LivenessRatio = contract.livenessRatio
	status.TsCheckpoint = checkpoint
	status.BaselineRequestCount = info.Nonces[1].Uint64()
	status.CurrentRequestCount = nonces[1].Uint64()

	m.compute(&status)
	return status
}

// compute fills the derived eligibility fields from the raw reads.
func (m *Monitor) compute(status *Status) {
	now := uint64(m.now().Unix())

	status.EffectivePeriod = status.LivenessPeriod
	if now > status.TsCheckpoint && now-status.TsCheckpoint > status.EffectivePeriod {
		status.EffectivePeriod = now - status.TsCheckpoint
	}

	// requiredRequests = ceil(effectivePeriod * livenessRatio / 1e18) + SafetyMargin
	product := new(big.Int).Mul(new(big.Int).SetUint64(status.EffectivePeriod), status.LivenessRatio)
	product.Add(product, new(big.Int).Sub(oneEther, big.NewInt(1)))
	required := product.Div(product, oneEther).Uint64() + SafetyMargin
	status.RequiredRequests = required

	if status.CurrentRequestCount >= status.BaselineRequestCount {
		status.EligibleRequests = status.CurrentRequestCount - status.BaselineRequestCount
	}
	status.IsEligibleForRewards = status.EligibleRequests >= required
	if required > status.EligibleRequests {
		status.RequestsNeeded = required - status.EligibleRequests
	}
}

// contractData returns the permanent per-deployment reads, fetching them
// once per staking contract. Concurrent misses for the same contract are
// coalesced.
func (m *Monitor) contractData(ctx context.Context, staking common.Address) (contractData, error) {
	m.mu.RLock()
	data, ok := m.contracts[staking]
	m.mu.RUnlock()
	if ok {
		observability.ActivityCacheHits.WithLabelValues("contract").Inc()
		return data, nil
	}

	v, err, _ := m.flight.Do("contract:"+staking.Hex(), func() (interface{}, error) {
		period, err := m.reader.LivenessPeriod(ctx, staking)
		if err != nil {
			return nil, err
		}
		checker, err := m.reader.ActivityChecker(ctx, staking)
		if err != nil {
			return nil, err
		}
		ratio, err := m.reader.LivenessRatio(ctx, checker)
		if err != nil {
			return nil, err
		}
		rewards, err := m.reader.RewardsPerSecond(ctx, staking)
		if err != nil {
			return nil, err
		}
		fetched := contractData{
			livenessPeriod:   period,
			activityChecker:  checker,
			livenessRatio:    ratio,
			rewardsPerSecond: rewards,
		}
		m.mu.Lock()
		m.contracts[staking] = fetched
		m.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return contractData{}, err
	}
	return v.(contractData), nil
}

// checkpoint returns the staking contract's tsCheckpoint, cached for the
// configured TTL. The checkpoint only moves once per epoch.
func (m *Monitor) checkpoint(ctx context.Context, staking common.Address) (uint64, error) {
	m.mu.RLock()
	entry, ok := m.checkpoints[staking]
	m.mu.RUnlock()
	if ok && m.now().Sub(entry.fetchedAt) < m.checkpointTTL {
		observability.ActivityCacheHits.WithLabelValues("checkpoint").Inc()
		return entry.ts, nil
	}

	v, err, _ := m.flight.Do("checkpoint:"+staking.Hex(), func() (interface{}, error) {
		ts, err := m.reader.TsCheckpoint(ctx, staking)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.checkpoints[staking] = checkpointEntry{ts: ts, fetchedAt: m.now()}
		m.mu.Unlock()
		return ts, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Dashboard returns the immutable staking limits for the dashboard
// projection, cached forever.
func (m *Monitor) Dashboard(ctx context.Context, staking common.Address) (chain.StakingLimits, error) {
	m.mu.RLock()
	limits, ok := m.dashboards[staking]
	m.mu.RUnlock()
	if ok {
		observability.ActivityCacheHits.WithLabelValues("dashboard").Inc()
		return limits, nil
	}

	v, err, _ := m.flight.Do("dashboard:"+staking.Hex(), func() (interface{}, error) {
		fetched, err := m.reader.StakingLimits(ctx, staking)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.dashboards[staking] = fetched
		m.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return chain.StakingLimits{}, err
	}
	return v.(chain.StakingLimits), nil
}

// Reset drops every cache. Called on shutdown and by tests.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts = make(map[common.Address]contractData)
	m.checkpoints = make(map[common.Address]checkpointEntry)
	m.dashboards = make(map[common.Address]chain.StakingLimits)
}
