package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error is a proxy failure surfaced to agent-side callers. Code is the
// stable code from the response envelope.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy %s (%d): %s", e.Code, e.Status, e.Message)
}

// Client is the agent-side proxy client. Transient failures retry at
// most twice with doubled backoff; 4xx responses never retry.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client from the injected URL and bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Address returns the active service's signing address.
func (c *Client) Address(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.call(ctx, http.MethodGet, "/address", nil, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// SignResult is the output of the sign endpoints.
type SignResult struct {
	Signature string `json:"signature"`
	Address   string `json:"address"`
}

// Sign personal-signs a UTF-8 message.
func (c *Client) Sign(ctx context.Context, message string) (SignResult, error) {
	var out SignResult
	err := c.call(ctx, http.MethodPost, "/sign", map[string]string{"message": message}, &out)
	return out, err
}

// SignRaw personal-signs raw bytes given as 0x-hex.
func (c *Client) SignRaw(ctx context.Context, hexMessage string) (SignResult, error) {
	var out SignResult
	err := c.call(ctx, http.MethodPost, "/sign-raw", map[string]string{"message": hexMessage}, &out)
	return out, err
}

// SignTypedData signs an EIP-712 structure. typed is the standard
// {domain, types, primaryType, message} object.
func (c *Client) SignTypedData(ctx context.Context, typed interface{}) (SignResult, error) {
	var out SignResult
	err := c.call(ctx, http.MethodPost, "/sign-typed-data", typed, &out)
	return out, err
}

// Dispatch posts new marketplace requests through the service Safe.
func (c *Client) Dispatch(ctx context.Context, params DispatchParams) ([]string, error) {
	var out struct {
		RequestIDs []string `json:"request_ids"`
	}
	if err := c.call(ctx, http.MethodPost, "/dispatch", params, &out); err != nil {
		return nil, err
	}
	return out.RequestIDs, nil
}

// IPFSPut stores a JSON value and returns its cid and digest.
func (c *Client) IPFSPut(ctx context.Context, v interface{}) (cid, digestHex string, err error) {
	var out struct {
		CID       string `json:"cid"`
		DigestHex string `json:"digestHex"`
	}
	if err := c.call(ctx, http.MethodPost, "/ipfs-put", v, &out); err != nil {
		return "", "", err
	}
	return out.CID, out.DigestHex, nil
}

// IPFSGet fetches content by on-chain digest.
func (c *Client) IPFSGet(ctx context.Context, digestHex string) (json.RawMessage, error) {
	var out struct {
		Content json.RawMessage `json:"content"`
	}
	if err := c.call(ctx, http.MethodPost, "/ipfs-get", map[string]string{"digestHex": digestHex}, &out); err != nil {
		return nil, err
	}
	return out.Content, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.once(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		var perr *Error
		if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("proxy request: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
		Meta Meta            `json:"meta"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return &Error{Status: resp.StatusCode, Code: "BAD_ENVELOPE", Message: err.Error()}
	}
	if !envelope.Meta.OK {
		return &Error{Status: resp.StatusCode, Code: envelope.Meta.Code, Message: envelope.Meta.Message}
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode proxy response: %w", err)
		}
	}
	return nil
}
