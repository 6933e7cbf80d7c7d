// Package indexer reads the marketplace indexer (a GraphQL endpoint over
// the marketplace's event history). It is the fallback verification tier
// when the RPC is unavailable, and the metadata source for request
// intake.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tidwall/gjson"
)

// Config holds indexer connection settings.
type Config struct {
	URL     string
	Timeout time.Duration
}

// RequestRecord is one unclaimed request as reported by the indexer.
type RequestRecord struct {
	RequestID       string
	Mech            common.Address
	ResponseTimeout int64
	EnabledTools    []string
	Blueprint       string
	JobDefinitionID string
}

// Client queries the indexer with bounded retries.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates an indexer client with a 10s default timeout.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}
}

// IsDelivered reports whether a delivery exists for the request id.
// Up to three attempts before giving up.
func (c *Client) IsDelivered(ctx context.Context, requestID string) (bool, error) {
	query := fmt.Sprintf(`{ deliveries(where: { requestId: %q }) { id } }`, strings.ToLower(requestID))
	body, err := c.query(ctx, query, 3)
	if err != nil {
		return false, err
	}
	return gjson.GetBytes(body, "data.deliveries.#").Int() > 0, nil
}

// ListUnclaimed returns the undelivered requests addressed to any of the
// given mechs, with the metadata intake needs to filter them.
func (c *Client) ListUnclaimed(ctx context.Context, mechs []common.Address) ([]RequestRecord, error) {
	if len(mechs) == 0 {
		return nil, nil
	}
	addrs := make([]string, len(mechs))
	for i, m := range mechs {
		addrs[i] = fmt.Sprintf("%q", strings.ToLower(m.Hex()))
	}
	query := fmt.Sprintf(
		`{ requests(where: { mech_in: [%s], delivered: false }) { id mech responseTimeout enabledTools blueprint jobDefinitionId } }`,
		strings.Join(addrs, ", "))

	body, err := c.query(ctx, query, 3)
	if err != nil {
		return nil, err
	}

	var records []RequestRecord
	gjson.GetBytes(body, "data.requests").ForEach(func(_, req gjson.Result) bool {
		record := RequestRecord{
			RequestID:       req.Get("id").String(),
			Mech:            common.HexToAddress(req.Get("mech").String()),
			ResponseTimeout: req.Get("responseTimeout").Int(),
			Blueprint:       req.Get("blueprint").String(),
			JobDefinitionID: req.Get("jobDefinitionId").String(),
		}
		req.Get("enabledTools").ForEach(func(_, tool gjson.Result) bool {
			record.EnabledTools = append(record.EnabledTools, tool.String())
			return true
		})
		records = append(records, record)
		return true
	})
	return records, nil
}

// query posts a GraphQL query, retrying transient failures.
func (c *Client) query(ctx context.Context, query string, attempts int) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, err
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, err := c.post(ctx, payload)
		if err != nil {
			lastErr = err
			continue
		}
		if errMsg := gjson.GetBytes(body, "errors.0.message"); errMsg.Exists() {
			lastErr = fmt.Errorf("indexer error: %s", errMsg.String())
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("indexer query failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("indexer request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
