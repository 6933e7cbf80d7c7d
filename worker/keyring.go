package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/itskum47/MechForge/registry"
	"github.com/itskum47/MechForge/rotation"
	"github.com/itskum47/MechForge/signer"
)

// keyring holds one decrypted signer per valid service and exposes the
// active service's signer behind the rotation slot. The proxy, bridge
// and delivery engine all sign as whatever service is active right now.
type keyring struct {
	slot    *rotation.Slot
	signers map[string]*signer.Signer
}

// loadKeyring decrypts every valid service's key file at startup so a
// bad password fails fast rather than mid-delivery.
func loadKeyring(reg *registry.Registry, slot *rotation.Slot, password string) (*keyring, error) {
	signers := make(map[string]*signer.Signer)
	for _, svc := range reg.All() {
		if !svc.Valid() {
			continue
		}
		s, err := signer.LoadKeyFile(svc.KeyFile, password)
		if err != nil {
			return nil, fmt.Errorf("load key for %s: %w", svc.ServiceConfigID, err)
		}
		if s.Address() != svc.AgentAddress {
			return nil, fmt.Errorf("key for %s recovers %s, profile says %s",
				svc.ServiceConfigID, s.Address().Hex(), svc.AgentAddress.Hex())
		}
		signers[svc.ServiceConfigID] = s
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("no usable service keys in registry")
	}
	return &keyring{slot: slot, signers: signers}, nil
}

// active resolves the active service's signer.
func (k *keyring) active() (*signer.Signer, error) {
	svc, ok := k.slot.Get()
	if !ok {
		return nil, fmt.Errorf("no active service")
	}
	s, ok := k.signers[svc.ServiceConfigID]
	if !ok {
		return nil, fmt.Errorf("no key loaded for %s", svc.ServiceConfigID)
	}
	return s, nil
}

// forService returns the signer for a specific service.
func (k *keyring) forService(svc registry.Service) (*signer.Signer, error) {
	s, ok := k.signers[svc.ServiceConfigID]
	if !ok {
		return nil, fmt.Errorf("no key loaded for %s", svc.ServiceConfigID)
	}
	return s, nil
}

func (k *keyring) Address() common.Address {
	s, err := k.active()
	if err != nil {
		return common.Address{}
	}
	return s.Address()
}

func (k *keyring) SignMessage(msg []byte) ([]byte, error) {
	s, err := k.active()
	if err != nil {
		return nil, err
	}
	return s.SignMessage(msg)
}

func (k *keyring) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	s, err := k.active()
	if err != nil {
		return nil, err
	}
	return s.SignTypedData(td)
}

func (k *keyring) SafeSignature(safeTxHash common.Hash) ([]byte, error) {
	s, err := k.active()
	if err != nil {
		return nil, err
	}
	return s.SafeSignature(safeTxHash)
}

func (k *keyring) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	s, err := k.active()
	if err != nil {
		return nil, err
	}
	return s.SignTx(tx, chainID)
}
