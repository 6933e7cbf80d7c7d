package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/itskum47/MechForge/chain"
	"github.com/itskum47/MechForge/ipfs"
	"github.com/itskum47/MechForge/pkg/logger"
	"github.com/itskum47/MechForge/proxy"
	"github.com/itskum47/MechForge/registry"
)

// ActiveServiceSource resolves the current service identity at dispatch
// time. Implemented by the rotation slot.
type ActiveServiceSource interface {
	Get() (registry.Service, bool)
}

// Dispatcher posts new marketplace requests through the active
// service's Safe. Dispatches are serialized: Safe transactions from one
// owner are nonce-ordered, so concurrent dispatch would only race
// itself.
type Dispatcher struct {
	chain       ChainBackend
	marketplace common.Address
	active      ActiveServiceSource
	signer      SafeSigner
	uploader    Uploader
	log         *logger.Logger

	mu sync.Mutex
}

// NewDispatcher builds a dispatcher for one marketplace deployment.
func NewDispatcher(backend ChainBackend, marketplace common.Address, active ActiveServiceSource, signer SafeSigner, uploader Uploader, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.New("dispatch")
	}
	return &Dispatcher{
		chain:       backend,
		marketplace: marketplace,
		active:      active,
		signer:      signer,
		uploader:    uploader,
		log:         log,
	}
}

// Dispatch uploads each request content to IPFS and posts one
// marketplace request per prompt through the Safe, returning the
// request ids from the MarketplaceRequest events.
func (d *Dispatcher) Dispatch(ctx context.Context, params proxy.DispatchParams) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	svc, ok := d.active.Get()
	if !ok {
		return nil, fmt.Errorf("no active service")
	}
	if len(params.Prompts) == 0 {
		return nil, fmt.Errorf("dispatch needs at least one prompt")
	}

	var requestIDs []string
	for i, prompt := range params.Prompts {
		content := map[string]interface{}{
			"prompt": prompt,
			"tools":  params.Tools,
		}
		if i < len(params.IPFSJSONContents) && len(params.IPFSJSONContents[i]) > 0 {
			content["attachment"] = json.RawMessage(params.IPFSJSONContents[i])
		}
		raw, err := json.Marshal(content)
		if err != nil {
			return requestIDs, err
		}
		result, err := d.uploader.Put(ctx, raw)
		if err != nil {
			return requestIDs, fmt.Errorf("upload request content: %w", err)
		}

		if params.PostOnly {
			requestIDs = append(requestIDs, result.DigestHex)
			continue
		}

		ids, err := d.post(ctx, svc, result, params.ResponseTimeout)
		if err != nil {
			return requestIDs, err
		}
		requestIDs = append(requestIDs, ids...)
	}
	return requestIDs, nil
}

// post routes one marketplace request() through the Safe and waits for
// the receipt to learn the assigned request id.
func (d *Dispatcher) post(ctx context.Context, svc registry.Service, content ipfs.PutResult, responseTimeout int64) ([]string, error) {
	if responseTimeout <= 0 {
		min, _, err := d.chain.ResponseTimeoutBounds(ctx, d.marketplace)
		if err != nil {
			return nil, fmt.Errorf("response timeout bounds: %w", err)
		}
		responseTimeout = int64(min)
	}

	inner, err := chain.PackMarketplaceRequest(chain.MarketplaceRequestParams{
		Data:            common.FromHex(content.DigestHex),
		PriorityMech:    svc.MechAddress,
		ResponseTimeout: big.NewInt(responseTimeout),
	})
	if err != nil {
		return nil, err
	}

	safeNonce, err := d.chain.SafeNonce(ctx, svc.SafeAddress)
	if err != nil {
		return nil, fmt.Errorf("safe nonce: %w", err)
	}
	safeTxHash, err := d.chain.SafeTxHash(ctx, svc.SafeAddress, d.marketplace, inner, safeNonce)
	if err != nil {
		return nil, fmt.Errorf("safe tx hash: %w", err)
	}
	sig, err := d.signer.SafeSignature(safeTxHash)
	if err != nil {
		return nil, fmt.Errorf("safe signature: %w", err)
	}
	execData, err := chain.PackExecTransaction(d.marketplace, inner, sig)
	if err != nil {
		return nil, err
	}

	txHash, err := d.chain.SubmitTx(ctx, d.signer, svc.SafeAddress, execData)
	if err != nil {
		return nil, fmt.Errorf("submit marketplace request: %w", err)
	}
	receipt, err := d.chain.WaitMined(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("await request receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("marketplace request reverted in %s", txHash.Hex())
	}

	ids, err := chain.RequestIDsFromReceipt(receipt, d.marketplace)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	d.log.WithField("tx_hash", txHash.Hex()).Infof("posted %d marketplace request(s)", len(out))
	return out, nil
}
