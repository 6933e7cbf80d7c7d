// Package capability decides which requests this worker can actually
// serve. Grants come from two places: the operator's credential bridge
// (remote, wallet-authenticated) and local operator capabilities such
// as a working GitHub token.
package capability

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/tidwall/gjson"

	"github.com/itskum47/MechForge/pkg/logger"
)

// RequestSigner is the signing surface the bridge client needs. The
// agent EOA of the active service authenticates every bridge call.
type RequestSigner interface {
	Address() common.Address
	SignMessage(msg []byte) ([]byte, error)
	SignTypedData(data apitypes.TypedData) ([]byte, error)
}

// BridgeConfig holds credential bridge settings.
type BridgeConfig struct {
	URL     string
	Timeout time.Duration
}

// Bridge talks to the operator's credential bridge. Requests carry a
// signed header triple binding the calling wallet, a timestamp and the
// body hash; the bridge recovers the address and checks its grants.
type Bridge struct {
	cfg    BridgeConfig
	signer RequestSigner
	http   *http.Client
	log    *logger.Logger
}

// NewBridge creates a bridge client with a 10s default timeout.
func NewBridge(cfg BridgeConfig, signer RequestSigner, log *logger.Logger) *Bridge {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.New("bridge")
	}
	return &Bridge{
		cfg:    cfg,
		signer: signer,
		http:   &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Capabilities asks the bridge which credential providers the calling
// wallet may draw on. A non-empty requestID scopes the probe to one
// marketplace request so the bridge can meter per-request grants.
func (b *Bridge) Capabilities(ctx context.Context, requestID string) ([]string, error) {
	body := map[string]string{}
	if requestID != "" {
		body["requestId"] = requestID
	}
	raw, err := b.post(ctx, "/credentials/capabilities", body)
	if err != nil {
		return nil, err
	}

	var providers []string
	gjson.GetBytes(raw, "providers").ForEach(func(_, p gjson.Result) bool {
		providers = append(providers, p.String())
		return true
	})
	return providers, nil
}

// Token redeems a short-lived credential for one provider.
func (b *Bridge) Token(ctx context.Context, provider, requestID string) (CredentialToken, error) {
	body := map[string]string{"provider": provider}
	if requestID != "" {
		body["requestId"] = requestID
	}
	raw, err := b.post(ctx, "/credentials/"+provider, body)
	if err != nil {
		return CredentialToken{}, err
	}

	var token CredentialToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return CredentialToken{}, fmt.Errorf("decode credential token: %w", err)
	}
	token.Provider = provider
	return token, nil
}

// CredentialToken is a short-lived credential issued by the bridge.
type CredentialToken struct {
	Provider    string          `json:"provider"`
	AccessToken string          `json:"access_token"`
	ExpiresIn   int64           `json:"expires_in"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// post sends a signed request. A 402 response triggers one x402 payment
// retry: the payment requirement is signed as an EIP-3009 transfer
// authorization and replayed in the X-Payment header.
func (b *Bridge) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	status, raw, err := b.do(ctx, path, payload, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusPaymentRequired {
		payment, perr := b.buildPayment(raw)
		if perr != nil {
			return nil, fmt.Errorf("bridge requires payment: %w", perr)
		}
		b.log.WithField("path", path).Info("retrying bridge call with x402 payment")
		status, raw, err = b.do(ctx, path, payload, payment)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("bridge status %d: %s", status, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func (b *Bridge) do(ctx context.Context, path string, payload []byte, payment string) (int, []byte, error) {
	url := strings.TrimSuffix(b.cfg.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if payment != "" {
		req.Header.Set("X-Payment", payment)
	}
	if err := b.sign(req, payload); err != nil {
		return 0, nil, err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("bridge request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// sign attaches the wallet-auth header triple. The signed string binds
// method, path, body hash and timestamp so a captured request cannot be
// replayed elsewhere or later.
func (b *Bridge) sign(req *http.Request, payload []byte) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	bodyHash := crypto.Keccak256Hash(payload)
	canonical := strings.Join([]string{req.Method, req.URL.Path, bodyHash.Hex(), ts}, "\n")

	sig, err := b.signer.SignMessage([]byte(canonical))
	if err != nil {
		return fmt.Errorf("sign bridge request: %w", err)
	}
	req.Header.Set("X-Web3-Address", b.signer.Address().Hex())
	req.Header.Set("X-Web3-Timestamp", ts)
	req.Header.Set("X-Web3-Signature", "0x"+hex.EncodeToString(sig))
	return nil
}

// chainIDs maps x402 network names to EVM chain ids.
var chainIDs = map[string]int64{
	"base":         8453,
	"base-sepolia": 84532,
	"gnosis":       100,
}

// buildPayment turns a 402 response body into an X-Payment header value:
// a base64 x402 envelope carrying a signed EIP-3009 transfer
// authorization for the first accepted payment requirement.
func (b *Bridge) buildPayment(raw []byte) (string, error) {
	req := gjson.GetBytes(raw, "accepts.0")
	if !req.Exists() {
		return "", fmt.Errorf("no payment requirements in 402 response")
	}
	scheme := req.Get("scheme").String()
	if scheme != "exact" {
		return "", fmt.Errorf("unsupported payment scheme %q", scheme)
	}
	network := req.Get("network").String()
	chainID, ok := chainIDs[network]
	if !ok {
		return "", fmt.Errorf("unknown payment network %q", network)
	}
	asset := req.Get("asset").String()
	payTo := req.Get("payTo").String()
	value := req.Get("maxAmountRequired").String()

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	now := time.Now().Unix()
	validAfter := strconv.FormatInt(now-60, 10)
	validBefore := strconv.FormatInt(now+600, 10)

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              req.Get("extra.name").String(),
			Version:           req.Get("extra.version").String(),
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        b.signer.Address().Hex(),
			"to":          payTo,
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       "0x" + hex.EncodeToString(nonce[:]),
		},
	}
	sig, err := b.signer.SignTypedData(typed)
	if err != nil {
		return "", fmt.Errorf("sign payment authorization: %w", err)
	}

	envelope := map[string]interface{}{
		"x402Version": 1,
		"scheme":      scheme,
		"network":     network,
		"payload": map[string]interface{}{
			"signature": "0x" + hex.EncodeToString(sig),
			"authorization": map[string]string{
				"from":        b.signer.Address().Hex(),
				"to":          payTo,
				"value":       value,
				"validAfter":  validAfter,
				"validBefore": validBefore,
				"nonce":       "0x" + hex.EncodeToString(nonce[:]),
			},
		},
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encoded), nil
}
