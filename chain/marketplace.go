package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MarketplaceRequestParams are the arguments of a marketplace request()
// call routed through the service Safe.
type MarketplaceRequestParams struct {
	Data            []byte
	MaxDeliveryRate *big.Int
	PaymentType     [32]byte
	PriorityMech    common.Address
	ResponseTimeout *big.Int
	PaymentData     []byte
}

// PackMarketplaceRequest builds the marketplace request calldata.
func PackMarketplaceRequest(p MarketplaceRequestParams) ([]byte, error) {
	if p.MaxDeliveryRate == nil {
		p.MaxDeliveryRate = big.NewInt(0)
	}
	if p.PaymentData == nil {
		p.PaymentData = []byte{}
	}
	data, err := marketplaceABI.Pack("request",
		p.Data, p.MaxDeliveryRate, p.PaymentType, p.PriorityMech, p.ResponseTimeout, p.PaymentData)
	if err != nil {
		return nil, fmt.Errorf("pack marketplace request: %w", err)
	}
	return data, nil
}

// ResponseTimeoutBounds returns the marketplace's allowed response
// timeout window in seconds.
func (c *Client) ResponseTimeoutBounds(ctx context.Context, marketplace common.Address) (min, max uint64, err error) {
	out, err := c.callView(ctx, marketplace, marketplaceABI, "minResponseTimeout")
	if err != nil {
		return 0, 0, err
	}
	min = out[0].(*big.Int).Uint64()

	out, err = c.callView(ctx, marketplace, marketplaceABI, "maxResponseTimeout")
	if err != nil {
		return 0, 0, err
	}
	max = out[0].(*big.Int).Uint64()
	return min, max, nil
}

// RequestIDsFromReceipt extracts the request ids of MarketplaceRequest
// events emitted by the marketplace in a receipt.
func RequestIDsFromReceipt(receipt *types.Receipt, marketplace common.Address) ([]common.Hash, error) {
	if receipt == nil {
		return nil, nil
	}
	var ids []common.Hash
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != marketplace || len(lg.Topics) == 0 {
			continue
		}
		if lg.Topics[0] != MarketplaceRequestTopic {
			continue
		}
		out, err := marketplaceABI.Events["MarketplaceRequest"].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack MarketplaceRequest: %w", err)
		}
		ids = append(ids, common.BigToHash(out[0].(*big.Int)))
	}
	return ids, nil
}
