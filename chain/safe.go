package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Safe call operation types.
const (
	SafeOperationCall         = 0
	SafeOperationDelegateCall = 1
)

// safeExecGasFallback is used when gas estimation fails; Safe exec of a
// mech delivery stays well under this.
const safeExecGasFallback = 1_000_000

// TxSigner signs raw EOA transactions. Implemented by the signer package;
// declared here so chain does not depend on key custody.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SafeNonce returns the Safe's current transaction nonce.
func (c *Client) SafeNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	out, err := c.callView(ctx, safe, safeABI, "nonce")
	if err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// SafeTxHash asks the Safe for the transaction hash the owner must sign.
// Letting the contract compute it avoids reimplementing the Safe's
// EIP-712 domain across versions.
func (c *Client) SafeTxHash(ctx context.Context, safe, to common.Address, data []byte, nonce *big.Int) (common.Hash, error) {
	out, err := c.callView(ctx, safe, safeABI, "getTransactionHash",
		to, big.NewInt(0), data, uint8(SafeOperationCall),
		big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{}, nonce)
	if err != nil {
		return common.Hash{}, err
	}
	return common.Hash(out[0].([32]byte)), nil
}

// PackExecTransaction builds the Safe execTransaction calldata for a
// zero-value inner call with the given owner signature.
func PackExecTransaction(to common.Address, data, signatures []byte) ([]byte, error) {
	packed, err := safeABI.Pack("execTransaction",
		to, big.NewInt(0), data, uint8(SafeOperationCall),
		big.NewInt(0), big.NewInt(0), big.NewInt(0),
		common.Address{}, common.Address{}, signatures)
	if err != nil {
		return nil, fmt.Errorf("pack execTransaction: %w", err)
	}
	return packed, nil
}

// SubmitTx signs and broadcasts an EOA transaction carrying the given
// calldata. The EOA both signs and pays gas.
func (c *Client) SubmitTx(ctx context.Context, signer TxSigner, to common.Address, data []byte) (common.Hash, error) {
	from := signer.Address()

	_, pending, err := c.Nonces(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}
	gas, err := c.EstimateGas(ctx, from, to, data)
	if err != nil {
		gas = safeExecGasFallback
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    pending,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := signer.SignTx(tx, c.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, err
	}
	return signed.Hash(), nil
}
