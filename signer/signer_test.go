package signer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const testKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func common32() common.Hash {
	return common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111")
}

func TestSignMessageRecoversToAddress(t *testing.T) {
	s, err := FromHex(testKey)
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}

	msg := []byte("mech delivery attestation")
	sig, err := s.SignMessage(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Errorf("v = %d, want 27 or 28", v)
	}

	recovered, err := RecoverMessage(msg, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != s.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), s.Address().Hex())
	}
}

func TestSafeSignatureVOffset(t *testing.T) {
	s, err := FromHex(testKey)
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}

	msgSig, err := s.SignMessage(common32().Bytes())
	if err != nil {
		t.Fatalf("sign message: %v", err)
	}
	safeSig, err := s.SafeSignature(common32())
	if err != nil {
		t.Fatalf("safe signature: %v", err)
	}

	// Same hash, same key: the Safe variant differs only by the +4 shift.
	if safeSig[64] != msgSig[64]+4 {
		t.Errorf("safe v = %d, message v = %d, want +4", safeSig[64], msgSig[64])
	}
	if v := safeSig[64]; v != 31 && v != 32 {
		t.Errorf("safe v = %d, want 31 or 32", v)
	}
}

func TestSignTypedData(t *testing.T) {
	s, err := FromHex(testKey)
	if err != nil {
		t.Fatalf("from hex: %v", err)
	}

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Claim": {
				{Name: "requestId", Type: "string"},
			},
		},
		PrimaryType: "Claim",
		Domain: apitypes.TypedDataDomain{
			Name:    "mech",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(100),
		},
		Message: apitypes.TypedDataMessage{"requestId": "0x11"},
	}

	sig1, err := s.SignTypedData(typed)
	if err != nil {
		t.Fatalf("sign typed data: %v", err)
	}
	sig2, err := s.SignTypedData(typed)
	if err != nil {
		t.Fatalf("sign typed data again: %v", err)
	}
	if len(sig1) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig1))
	}
	if string(sig1) != string(sig2) {
		t.Error("typed-data signing should be deterministic")
	}
}

func TestLoadKeyFilePlaintextHex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent_key.txt")
	if err := os.WriteFile(path, []byte("0x"+testKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	s, err := LoadKeyFile(path, "")
	if err != nil {
		t.Fatalf("load key file: %v", err)
	}
	want, _ := FromHex(testKey)
	if s.Address() != want.Address() {
		t.Errorf("address = %s, want %s", s.Address().Hex(), want.Address().Hex())
	}
}

func TestLoadKeyFileMissing(t *testing.T) {
	if _, err := LoadKeyFile(filepath.Join(t.TempDir(), "nope"), ""); err == nil {
		t.Fatal("missing key file should error")
	}
}
