// Package chain wraps the worker's Ethereum RPC access: contract views
// for staking eligibility and mech state, and Safe-routed writes for
// delivery and dispatch.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/itskum47/MechForge/observability"
)

// Config holds chain client configuration.
type Config struct {
	RPCURL  string
	ChainID int64

	// Timeout bounds a single RPC roundtrip. Default 30s.
	Timeout time.Duration

	// RateLimit / Burst throttle calls per RPC method. Defaults 10/s, 2.
	RateLimit float64
	Burst     int
}

// Client is a rate-limited, breaker-protected ethclient wrapper. All
// contract helpers in this package hang off it.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	timeout time.Duration
	breaker *Breaker

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// Dial connects to the RPC endpoint and verifies the chain id matches the
// configured one.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url required")
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	remote, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if cfg.ChainID != 0 && remote.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("chain id mismatch: rpc reports %d, configured %d", remote.Int64(), cfg.ChainID)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = 10
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 2
	}

	return &Client{
		eth:      eth,
		chainID:  remote,
		timeout:  timeout,
		breaker:  NewBreaker(5, 30*time.Second),
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(limit),
		b:        burst,
	}, nil
}

// ChainID returns the connected chain id.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) limiter(method string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[method]
	if !ok {
		l = rate.NewLimiter(c.r, c.b)
		c.limiters[method] = l
	}
	return l
}

// do runs one RPC call under the method's rate limiter, the configured
// timeout, and the circuit breaker.
func (c *Client) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if !c.breaker.Allow() {
		return ErrBreakerOpen
	}
	if err := c.limiter(method).Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	observability.RPCLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	c.breaker.Record(err)
	return err
}

// callView packs a view call, executes it, and unpacks the outputs.
func (c *Client) callView(ctx context.Context, to common.Address, parsed viewABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	var raw []byte
	err = c.do(ctx, method, func(ctx context.Context) error {
		var callErr error
		raw, callErr = c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, to.Hex(), err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// viewABI is the slice of abi.ABI the client needs; it keeps callView
// testable without parsing full ABIs in tests.
type viewABI interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}

// CodeAt returns the contract code at addr for the latest block.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	var code []byte
	err := c.do(ctx, "eth_getCode", func(ctx context.Context) error {
		var callErr error
		code, callErr = c.eth.CodeAt(ctx, addr, nil)
		return callErr
	})
	return code, err
}

// Nonces returns the EOA's nonce at latest and pending. Both are fetched
// for submit-path diagnostics.
func (c *Client) Nonces(ctx context.Context, addr common.Address) (latest, pending uint64, err error) {
	err = c.do(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		var callErr error
		latest, callErr = c.eth.NonceAt(ctx, addr, nil)
		if callErr != nil {
			return callErr
		}
		pending, callErr = c.eth.PendingNonceAt(ctx, addr)
		return callErr
	})
	return latest, pending, err
}

// SuggestGasPrice returns the node's gas price suggestion.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.do(ctx, "eth_gasPrice", func(ctx context.Context) error {
		var callErr error
		price, callErr = c.eth.SuggestGasPrice(ctx)
		return callErr
	})
	return price, err
}

// EstimateGas estimates gas for a call from the given EOA.
func (c *Client) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	var gas uint64
	err := c.do(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var callErr error
		gas, callErr = c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
		return callErr
	})
	return gas, err
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
		return c.eth.SendTransaction(ctx, tx)
	})
}

// Receipt fetches the receipt for a transaction hash. A nil receipt with
// nil error means the transaction is not yet mined; ethclient reports
// unknown hashes as ethereum.NotFound, which is mapped the same way.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.do(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var callErr error
		receipt, callErr = c.eth.TransactionReceipt(ctx, hash)
		if errors.Is(callErr, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// WaitMined polls for a receipt until the context expires.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.Receipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
