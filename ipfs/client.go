// Package ipfs stores delivery payloads on the worker's embedded IPFS
// node and, transitionally, on the public gateway the mech ecosystem
// already pins through. The on-chain digest is derived locally so a
// payload's identity never depends on which node accepted it.
package ipfs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// cidBase32 is the lowercase multibase alphabet used by CIDv1.
var cidBase32 = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// Config holds the node and gateway endpoints.
type Config struct {
	// NodeAPIURL is the local Kubo RPC API, e.g. http://127.0.0.1:5001.
	NodeAPIURL string

	// GatewayAPIURL is the public gateway's add endpoint. Optional.
	GatewayAPIURL string

	Timeout time.Duration
}

// PutResult identifies stored content.
type PutResult struct {
	CID       string `json:"cid"`
	DigestHex string `json:"digestHex"`
}

// Client talks to the local node and the gateway.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates an IPFS client with a 30s default timeout.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

// Digest returns the 0x-prefixed sha256 digest of the content bytes.
// This is the 32-byte value submitted on-chain.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return "0x" + hex.EncodeToString(sum[:])
}

// CIDFromDigest builds the CIDv1 (raw codec, sha2-256) for a digest, so
// content can be fetched from any node knowing only the on-chain value.
func CIDFromDigest(digestHex string) (string, error) {
	digest, err := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("parse digest: %w", err)
	}
	if len(digest) != 32 {
		return "", fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	// CIDv1 = <version=0x01><codec=raw 0x55><multihash: sha2-256 0x12, len 0x20, digest>
	raw := append([]byte{0x01, 0x55, 0x12, 0x20}, digest...)
	return "b" + cidBase32.EncodeToString(raw), nil
}

// PutJSON marshals v and stores it on the local node, then mirrors it to
// the gateway. Local failure is tolerated as long as the gateway accepts
// the content, and vice versa.
func (c *Client) PutJSON(ctx context.Context, v interface{}) (PutResult, error) {
	content, err := json.Marshal(v)
	if err != nil {
		return PutResult{}, fmt.Errorf("marshal payload: %w", err)
	}
	return c.Put(ctx, content)
}

// Put stores raw content bytes on both targets.
func (c *Client) Put(ctx context.Context, content []byte) (PutResult, error) {
	digestHex := Digest(content)
	cid, err := CIDFromDigest(digestHex)
	if err != nil {
		return PutResult{}, err
	}
	result := PutResult{CID: cid, DigestHex: digestHex}

	var localErr, gatewayErr error
	if c.cfg.NodeAPIURL != "" {
		localErr = c.add(ctx, c.cfg.NodeAPIURL, content)
	}
	if c.cfg.GatewayAPIURL != "" {
		gatewayErr = c.add(ctx, c.cfg.GatewayAPIURL, content)
	}

	if c.cfg.NodeAPIURL != "" && localErr != nil && (c.cfg.GatewayAPIURL == "" || gatewayErr != nil) {
		return result, fmt.Errorf("ipfs put failed: local: %v, gateway: %v", localErr, gatewayErr)
	}
	if c.cfg.NodeAPIURL == "" && c.cfg.GatewayAPIURL != "" && gatewayErr != nil {
		return result, fmt.Errorf("ipfs gateway put failed: %w", gatewayErr)
	}
	return result, nil
}

// Get fetches content by on-chain digest from the local node.
func (c *Client) Get(ctx context.Context, digestHex string) ([]byte, error) {
	cid, err := CIDFromDigest(digestHex)
	if err != nil {
		return nil, err
	}
	if c.cfg.NodeAPIURL == "" {
		return nil, fmt.Errorf("no local ipfs node configured")
	}

	url := strings.TrimSuffix(c.cfg.NodeAPIURL, "/") + "/api/v0/cat?arg=" + cid
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ipfs cat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ipfs cat: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ErrNotFound is returned when the local node does not have the content.
var ErrNotFound = fmt.Errorf("content not found")

// add posts content to a Kubo-style /api/v0/add endpoint.
func (c *Client) add(ctx context.Context, apiURL string, content []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "payload.json")
	if err != nil {
		return err
	}
	if _, err := part.Write(content); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	url := strings.TrimSuffix(apiURL, "/") + "/api/v0/add?cid-version=1&raw-leaves=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ipfs add: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ipfs add: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
