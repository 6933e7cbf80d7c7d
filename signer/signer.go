// Package signer is the sole holder of a service's agent private key.
// Everything that needs a signature goes through it; the key never
// leaves the process and never crosses the proxy boundary.
package signer

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer wraps one agent EOA key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New wraps an already-parsed private key.
func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// FromHex parses a 0x-optional hex private key.
func FromHex(hexkey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexkey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return New(key), nil
}

// LoadKeyFile reads key material from disk. Encrypted go-ethereum
// keystore files are decrypted with password; anything else is treated
// as a plaintext hex key.
func LoadKeyFile(path, password string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var probe struct {
		Crypto json.RawMessage `json:"crypto"`
	}
	if json.Unmarshal(data, &probe) == nil && len(probe.Crypto) > 0 {
		key, err := keystore.DecryptKey(data, password)
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore %s: %w", path, err)
		}
		return New(key.PrivateKey), nil
	}
	return FromHex(string(data))
}

// Address returns the EOA address for the held key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignMessage produces a personal-sign (EIP-191) signature over the
// message bytes, with v in {27, 28}.
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignTypedData produces an EIP-712 signature over structured typed
// data, with v in {27, 28}.
func (s *Signer) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SafeSignature signs a Safe transaction hash in eth_sign format: the
// hash is prefixed and signed like a personal message, and v is shifted
// by 4 per the Safe owner-signature convention (final v in {31, 32}).
func (s *Signer) SafeSignature(safeTxHash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(safeTxHash.Bytes()), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27 + 4
	return sig, nil
}

// SignTx signs an EOA transaction for the given chain.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// RecoverMessage recovers the signer address of a personal-sign
// signature produced by SignMessage.
func RecoverMessage(message, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	cpy := make([]byte, 65)
	copy(cpy, sig)
	if cpy[64] >= 27 {
		cpy[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(message), cpy)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
