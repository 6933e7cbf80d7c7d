package activity

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/itskum47/MechForge/chain"
	"github.com/itskum47/MechForge/registry"
)

type fakeReader struct {
	mu sync.Mutex

	livenessPeriod uint64
	tsCheckpoint   uint64
	checker        common.Address
	ratio          *big.Int
	baseline       *big.Int
	current        *big.Int

	checkpointCalls int
	periodCalls     int
	failServiceInfo bool
}

func (f *fakeReader) LivenessPeriod(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.periodCalls++
	return f.livenessPeriod, nil
}

func (f *fakeReader) TsCheckpoint(_ context.Context, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpointCalls++
	return f.tsCheckpoint, nil
}

func (f *fakeReader) ActivityChecker(_ context.Context, _ common.Address) (common.Address, error) {
	return f.checker, nil
}

func (f *fakeReader) RewardsPerSecond(_ context.Context, _ common.Address) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (f *fakeReader) LivenessRatio(_ context.Context, _ common.Address) (*big.Int, error) {
	return f.ratio, nil
}

func (f *fakeReader) GetServiceInfo(_ context.Context, _ common.Address, _ int64) (chain.ServiceInfo, error) {
	if f.failServiceInfo {
		return chain.ServiceInfo{}, errors.New("rpc down")
	}
	return chain.ServiceInfo{
		Multisig: common.HexToAddress("0xaa"),
		Nonces:   []*big.Int{big.NewInt(0), f.baseline},
	}, nil
}

func (f *fakeReader) GetMultisigNonces(_ context.Context, _, _ common.Address) ([]*big.Int, error) {
	return []*big.Int{big.NewInt(0), f.current}, nil
}

func (f *fakeReader) StakingLimits(_ context.Context, _ common.Address) (chain.StakingLimits, error) {
	return chain.StakingLimits{MinStakingDeposit: big.NewInt(10), MaxNumServices: 5, MaxInactivityPeriods: 2}, nil
}

func stakedService(id string) registry.Service {
	staking := common.HexToAddress("0x5a")
	return registry.Service{
		ServiceConfigID: id,
		ServiceID:       1,
		StakingContract: &staking,
	}
}

func TestCheckComputesRequestsNeeded(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reader := &fakeReader{
		livenessPeriod: 86400,
		tsCheckpoint:   uint64(now.Unix()) - 1000,
		ratio:          big.NewInt(11574074074074),
		baseline:       big.NewInt(0),
		current:        big.NewInt(0),
	}
	m := NewMonitor(reader)
	m.SetClock(func() time.Time { return now })

	statuses := m.Check(context.Background(), []registry.Service{stakedService("svc-a")})
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status, got %d", len(statuses))
	}
	s := statuses[0]
	if s.Err != nil {
		t.Fatalf("unexpected error: %v", s.Err)
	}
	if s.RequiredRequests != 2 {
		t.Errorf("required requests = %d, want 2", s.RequiredRequests)
	}
	if s.RequestsNeeded != 2 {
		t.Errorf("requests needed = %d, want 2", s.RequestsNeeded)
	}
	if s.IsEligibleForRewards {
		t.Error("service should not be eligible yet")
	}
}

func TestCheckEffectivePeriodExtendsPastLiveness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	// Checkpoint two full days ago with a one day liveness period: the
	// effective period is the elapsed time, doubling the requirement.
	reader := &fakeReader{
		livenessPeriod: 86400,
		tsCheckpoint:   uint64(now.Unix()) - 2*86400,
		ratio:          big.NewInt(11574074074074),
		baseline:       big.NewInt(0),
		current:        big.NewInt(0),
	}
	m := NewMonitor(reader)
	m.SetClock(func() time.Time { return now })

	s := m.Check(context.Background(), []registry.Service{stakedService("svc-a")})[0]
	if s.EffectivePeriod != 2*86400 {
		t.Fatalf("effective period = %d, want %d", s.EffectivePeriod, 2*86400)
	}
	if s.RequiredRequests != 3 {
		t.Errorf("required requests = %d, want 3", s.RequiredRequests)
	}
}

func TestCheckEligibleWhenCounterMoved(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reader := &fakeReader{
		livenessPeriod: 86400,
		tsCheckpoint:   uint64(now.Unix()) - 1000,
		ratio:          big.NewInt(11574074074074),
		baseline:       big.NewInt(5),
		current:        big.NewInt(7),
	}
	m := NewMonitor(reader)
	m.SetClock(func() time.Time { return now })

	s := m.Check(context.Background(), []registry.Service{stakedService("svc-a")})[0]
	if !s.IsEligibleForRewards {
		t.Fatal("service with 2 eligible requests should be eligible")
	}
	if s.RequestsNeeded != 0 {
		t.Errorf("requests needed = %d, want 0", s.RequestsNeeded)
	}
}

func TestCheckReportsPerServiceError(t *testing.T) {
	reader := &fakeReader{
		livenessPeriod:  86400,
		ratio:           big.NewInt(11574074074074),
		baseline:        big.NewInt(0),
		current:         big.NewInt(0),
		failServiceInfo: true,
	}
	m := NewMonitor(reader)

	s := m.Check(context.Background(), []registry.Service{stakedService("svc-a")})[0]
	if s.Err == nil {
		t.Fatal("expected per-service error")
	}
	if s.IsEligibleForRewards {
		t.Error("errored service must not be eligible")
	}
}

func TestCheckUnstakedServiceErrors(t *testing.T) {
	m := NewMonitor(&fakeReader{})
	s := m.Check(context.Background(), []registry.Service{{ServiceConfigID: "svc-x", ServiceID: 1}})[0]
	if s.Err == nil {
		t.Fatal("unstaked service should report an error status")
	}
}

func TestCheckpointCacheRespectsTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reader := &fakeReader{
		livenessPeriod: 86400,
		tsCheckpoint:   uint64(now.Unix()) - 1000,
		ratio:          big.NewInt(11574074074074),
		baseline:       big.NewInt(0),
		current:        big.NewInt(0),
	}
	m := NewMonitor(reader)
	m.SetCheckpointTTL(60 * time.Second)

	clock := now
	m.SetClock(func() time.Time { return clock })
	svc := []registry.Service{stakedService("svc-a")}

	m.Check(context.Background(), svc)
	m.Check(context.Background(), svc)
	if reader.checkpointCalls != 1 {
		t.Fatalf("checkpoint fetched %d times within TTL, want 1", reader.checkpointCalls)
	}

	clock = clock.Add(61 * time.Second)
	m.Check(context.Background(), svc)
	if reader.checkpointCalls != 2 {
		t.Fatalf("checkpoint fetched %d times after TTL, want 2", reader.checkpointCalls)
	}

	// Contract data is permanent; still exactly one read.
	if reader.periodCalls != 1 {
		t.Errorf("liveness period fetched %d times, want 1", reader.periodCalls)
	}
}

func TestDashboardCachesLimits(t *testing.T) {
	reader := &fakeReader{ratio: big.NewInt(1)}
	m := NewMonitor(reader)
	staking := common.HexToAddress("0x5a")

	limits, err := m.Dashboard(context.Background(), staking)
	if err != nil {
		t.Fatalf("dashboard read: %v", err)
	}
	if limits.MaxNumServices != 5 {
		t.Errorf("max services = %d, want 5", limits.MaxNumServices)
	}
	if _, err := m.Dashboard(context.Background(), staking); err != nil {
		t.Fatalf("cached dashboard read: %v", err)
	}
}
