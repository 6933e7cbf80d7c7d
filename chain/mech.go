package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// UndeliveredRequestIDs returns one page of undelivered request ids on a
// mech, as 32-byte hashes.
func (c *Client) UndeliveredRequestIDs(ctx context.Context, mech common.Address, size, offset int64) ([]common.Hash, error) {
	out, err := c.callView(ctx, mech, mechABI, "getUndeliveredRequestIds", big.NewInt(size), big.NewInt(offset))
	if err != nil {
		return nil, err
	}
	raw := out[0].([]*big.Int)
	ids := make([]common.Hash, len(raw))
	for i, id := range raw {
		ids[i] = common.BigToHash(id)
	}
	return ids, nil
}

// PackDeliverToMarketplace builds the mech's delivery calldata.
func PackDeliverToMarketplace(requestID common.Hash, digest [32]byte) ([]byte, error) {
	data, err := mechABI.Pack("deliverToMarketplace", requestID.Big(), digest)
	if err != nil {
		return nil, fmt.Errorf("pack deliverToMarketplace: %w", err)
	}
	return data, nil
}

// RevokedInReceipt reports whether the receipt contains a RevokeRequest
// event for the given request id emitted by the target mech.
func RevokedInReceipt(receipt *types.Receipt, mech common.Address, requestID common.Hash) bool {
	if receipt == nil {
		return false
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != mech || len(lg.Topics) < 2 {
			continue
		}
		if lg.Topics[0] == RevokeRequestTopic && lg.Topics[1] == requestID {
			return true
		}
	}
	return false
}
