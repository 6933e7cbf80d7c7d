package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ServiceInfo mirrors the staking contract's per-service record.
type ServiceInfo struct {
	Multisig   common.Address `abi:"multisig"`
	Owner      common.Address `abi:"owner"`
	Nonces     []*big.Int     `abi:"nonces"`
	TsStart    *big.Int       `abi:"tsStart"`
	Reward     *big.Int       `abi:"reward"`
	Inactivity *big.Int       `abi:"inactivity"`
}

// StakingLimits holds the immutable dashboard reads of a staking contract.
type StakingLimits struct {
	MinStakingDeposit    *big.Int
	MaxNumServices       uint64
	MaxInactivityPeriods uint64
}

// LivenessPeriod returns the staking contract's epoch length in seconds.
func (c *Client) LivenessPeriod(ctx context.Context, staking common.Address) (uint64, error) {
	out, err := c.callView(ctx, staking, stakingABI, "livenessPeriod")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// TsCheckpoint returns the timestamp of the last checkpoint call.
func (c *Client) TsCheckpoint(ctx context.Context, staking common.Address) (uint64, error) {
	out, err := c.callView(ctx, staking, stakingABI, "tsCheckpoint")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

// ActivityChecker returns the activity checker address bound to the
// staking contract. Immutable per deployment.
func (c *Client) ActivityChecker(ctx context.Context, staking common.Address) (common.Address, error) {
	out, err := c.callView(ctx, staking, stakingABI, "activityChecker")
	if err != nil {
		return common.Address{}, err
	}
	return out[0].(common.Address), nil
}

// RewardsPerSecond returns the staking contract's reward rate.
func (c *Client) RewardsPerSecond(ctx context.Context, staking common.Address) (*big.Int, error) {
	out, err := c.callView(ctx, staking, stakingABI, "rewardsPerSecond")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// GetServiceInfo returns the staking record for a service id.
func (c *Client) GetServiceInfo(ctx context.Context, staking common.Address, serviceID int64) (ServiceInfo, error) {
	out, err := c.callView(ctx, staking, stakingABI, "getServiceInfo", big.NewInt(serviceID))
	if err != nil {
		return ServiceInfo{}, err
	}
	info := *abi.ConvertType(out[0], new(ServiceInfo)).(*ServiceInfo)
	return info, nil
}

// StakingLimits reads the immutable limits used by the dashboard
// projection.
func (c *Client) StakingLimits(ctx context.Context, staking common.Address) (StakingLimits, error) {
	var limits StakingLimits
	out, err := c.callView(ctx, staking, stakingABI, "minStakingDeposit")
	if err != nil {
		return limits, err
	}
	limits.MinStakingDeposit = out[0].(*big.Int)

	out, err = c.callView(ctx, staking, stakingABI, "maxNumServices")
	if err != nil {
		return limits, err
	}
	limits.MaxNumServices = out[0].(*big.Int).Uint64()

	out, err = c.callView(ctx, staking, stakingABI, "maxNumInactivityPeriods")
	if err != nil {
		return limits, err
	}
	limits.MaxInactivityPeriods = out[0].(*big.Int).Uint64()
	return limits, nil
}

// LivenessRatio returns the activity checker's required request rate,
// fixed-point 1e18 per second.
func (c *Client) LivenessRatio(ctx context.Context, checker common.Address) (*big.Int, error) {
	out, err := c.callView(ctx, checker, activityCheckerABI, "livenessRatio")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// GetMultisigNonces returns the checker's [safeNonce, requestCount] view
// for a service multisig.
func (c *Client) GetMultisigNonces(ctx context.Context, checker, multisig common.Address) ([]*big.Int, error) {
	out, err := c.callView(ctx, checker, activityCheckerABI, "getMultisigNonces", multisig)
	if err != nil {
		return nil, err
	}
	nonces := out[0].([]*big.Int)
	if len(nonces) < 2 {
		return nil, fmt.Errorf("getMultisigNonces returned %d values, want 2", len(nonces))
	}
	return nonces, nil
}
