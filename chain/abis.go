package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal ABI surfaces for the contracts the worker touches. Only the
// views and writes listed in the external-interface contract are bound.

const stakingABIJSON = `[
  {"name":"livenessPeriod","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"tsCheckpoint","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"activityChecker","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"rewardsPerSecond","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"minStakingDeposit","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"maxNumServices","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"maxNumInactivityPeriods","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getServiceInfo","type":"function","stateMutability":"view","inputs":[{"name":"serviceId","type":"uint256"}],"outputs":[{"name":"sInfo","type":"tuple","components":[
    {"name":"multisig","type":"address"},
    {"name":"owner","type":"address"},
    {"name":"nonces","type":"uint256[]"},
    {"name":"tsStart","type":"uint256"},
    {"name":"reward","type":"uint256"},
    {"name":"inactivity","type":"uint256"}]}]}
]`

const activityCheckerABIJSON = `[
  {"name":"livenessRatio","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getMultisigNonces","type":"function","stateMutability":"view","inputs":[{"name":"multisig","type":"address"}],"outputs":[{"name":"nonces","type":"uint256[]"}]}
]`

const mechABIJSON = `[
  {"name":"getUndeliveredRequestIds","type":"function","stateMutability":"view","inputs":[{"name":"size","type":"uint256"},{"name":"offset","type":"uint256"}],"outputs":[{"name":"requestIds","type":"uint256[]"}]},
  {"name":"deliverToMarketplace","type":"function","stateMutability":"nonpayable","inputs":[{"name":"requestId","type":"uint256"},{"name":"deliveryDigest","type":"bytes32"}],"outputs":[]},
  {"name":"RevokeRequest","type":"event","anonymous":false,"inputs":[{"name":"requestId","type":"bytes32","indexed":true}]}
]`

const marketplaceABIJSON = `[
  {"name":"request","type":"function","stateMutability":"payable","inputs":[
    {"name":"data","type":"bytes"},
    {"name":"maxDeliveryRate","type":"uint256"},
    {"name":"paymentType","type":"bytes32"},
    {"name":"priorityMech","type":"address"},
    {"name":"responseTimeout","type":"uint256"},
    {"name":"paymentData","type":"bytes"}],"outputs":[{"name":"requestId","type":"uint256"}]},
  {"name":"minResponseTimeout","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"maxResponseTimeout","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"MarketplaceRequest","type":"event","anonymous":false,"inputs":[
    {"name":"priorityMech","type":"address","indexed":true},
    {"name":"requester","type":"address","indexed":true},
    {"name":"requestId","type":"uint256","indexed":false},
    {"name":"data","type":"bytes","indexed":false}]}
]`

const safeABIJSON = `[
  {"name":"nonce","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getTransactionHash","type":"function","stateMutability":"view","inputs":[
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"},
    {"name":"operation","type":"uint8"},
    {"name":"safeTxGas","type":"uint256"},
    {"name":"baseGas","type":"uint256"},
    {"name":"gasPrice","type":"uint256"},
    {"name":"gasToken","type":"address"},
    {"name":"refundReceiver","type":"address"},
    {"name":"_nonce","type":"uint256"}],"outputs":[{"name":"","type":"bytes32"}]},
  {"name":"execTransaction","type":"function","stateMutability":"payable","inputs":[
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"},
    {"name":"operation","type":"uint8"},
    {"name":"safeTxGas","type":"uint256"},
    {"name":"baseGas","type":"uint256"},
    {"name":"gasPrice","type":"uint256"},
    {"name":"gasToken","type":"address"},
    {"name":"refundReceiver","type":"address"},
    {"name":"signatures","type":"bytes"}],"outputs":[{"name":"success","type":"bool"}]}
]`

var (
	stakingABI         = mustABI(stakingABIJSON)
	activityCheckerABI = mustABI(activityCheckerABIJSON)
	mechABI            = mustABI(mechABIJSON)
	marketplaceABI     = mustABI(marketplaceABIJSON)
	safeABI            = mustABI(safeABIJSON)

	// RevokeRequestTopic is topic[0] of the mech's RevokeRequest event.
	RevokeRequestTopic = crypto.Keccak256Hash([]byte("RevokeRequest(bytes32)"))

	// MarketplaceRequestTopic is topic[0] of the marketplace request event.
	MarketplaceRequestTopic = crypto.Keccak256Hash([]byte("MarketplaceRequest(address,address,uint256,bytes)"))
)

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return parsed
}
