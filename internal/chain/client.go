package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/dropbox/godropbox/time2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github/chapool/go-relay/internal/chain/circuitbreaker"
	"github/chapool/go-relay/internal/config"
	"github/chapool/go-relay/internal/metrics"
	"github/chapool/go-relay/internal/relay/txn"
	"golang.org/x/time/rate"
)

// ErrCircuitOpen is returned while the breaker rejects calls to the node.
var ErrCircuitOpen = errors.New("node circuit breaker is open")

type endpoint struct {
	url string
	rpc *rpc.Client
	eth *ethclient.Client
}

// Client talks to one logical EVM node backed by one or more RPC URLs. Calls are rate
// limited, carry a timeout, fail over to the next URL on transport errors and are
// short-circuited while the breaker is open.
type Client struct {
	endpoints []*endpoint
	timeout   time.Duration
	limiter   *rate.Limiter
	breaker   *circuitbreaker.Breaker
	metrics   *metrics.Service

	mu      sync.RWMutex
	current int
}

func NewClient(ctx context.Context, cfg config.Chain, clock time2.Clock, m *metrics.Service) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	endpoints := make([]*endpoint, 0, len(cfg.RPCURLs))
	for _, url := range cfg.RPCURLs {
		ep := &endpoint{url: url}
		if err := ep.dial(ctx); err != nil {
			// retried lazily on first use
			log.Warn().Str("url", url).Err(err).Msg("Failed to connect to RPC node")
		}
		endpoints = append(endpoints, ep)
	}

	limit := rate.Inf
	if cfg.RateLimitPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimitPerSecond)
	}

	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		endpoints: endpoints,
		timeout:   cfg.RequestTimeout,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   m,
	}

	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		Failures:    cfg.BreakerFailures,
		Successes:   cfg.BreakerSuccesses,
		OpenTimeout: cfg.BreakerOpenTimeout,
		OnStateChange: func(from, to circuitbreaker.State) {
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Node circuit breaker changed state")
			if m != nil {
				m.BreakerState.Set(float64(to))
			}
		},
	}, clock)

	return c, nil
}

func (e *endpoint) dial(ctx context.Context) error {
	client, err := rpc.DialContext(ctx, e.url)
	if err != nil {
		return err
	}

	e.rpc = client
	e.eth = ethclient.NewClient(client)

	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ep := range c.endpoints {
		if ep.rpc != nil {
			ep.rpc.Close()
		}
	}
}

// endpoint returns the first reachable endpoint starting at the current index.
func (c *Client) endpoint(ctx context.Context) (int, *endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(c.endpoints); i++ {
		idx := (c.current + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if ep.rpc == nil {
			if err := ep.dial(ctx); err != nil {
				log.Warn().Str("url", ep.url).Err(err).Msg("RPC node still unreachable")
				continue
			}
		}

		c.current = idx
		return idx, ep, nil
	}

	return 0, nil, errors.New("all RPC nodes are unavailable")
}

// rotate moves off a failing endpoint so the next call tries another URL.
func (c *Client) rotate(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == idx && len(c.endpoints) > 1 {
		c.current = (idx + 1) % len(c.endpoints)
		log.Warn().Str("url", c.endpoints[idx].url).Str("next", c.endpoints[c.current].url).Msg("Failing over to next RPC node")
	}
}

func (c *Client) do(ctx context.Context, method string, fn func(ctx context.Context, ep *endpoint) error) error {
	if !c.breaker.Allow() {
		c.observe(method, "short_circuit")
		return errors.Wrap(txn.ErrUpstreamUnavailable, ErrCircuitOpen.Error())
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	idx, ep, err := c.endpoint(ctx)
	if err != nil {
		c.breaker.Failure()
		c.observe(method, "unavailable")
		return errors.Wrap(txn.ErrUpstreamUnavailable, err.Error())
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	err = fn(callCtx, ep)
	switch {
	case err == nil, IsNodeError(err):
		// the node answered, even if with an error
		c.breaker.Success()
		c.observe(method, "ok")
	default:
		c.breaker.Failure()
		c.rotate(idx)
		c.observe(method, "transport_error")
	}

	return err
}

func (c *Client) observe(method string, outcome string) {
	if c.metrics != nil {
		c.metrics.RPCRequests.WithLabelValues(method, outcome).Inc()
	}
}

// IsNodeError reports whether err is an answer from the node rather than a transport failure.
func IsNodeError(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return true
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}

	var httpErr rpc.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode < 500
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.do(ctx, "eth_chainId", func(ctx context.Context, ep *endpoint) error {
		var err error
		id, err = ep.eth.ChainID(ctx)
		return err
	})

	return id, err
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var number uint64
	err := c.do(ctx, "eth_blockNumber", func(ctx context.Context, ep *endpoint) error {
		var err error
		number, err = ep.eth.BlockNumber(ctx)
		return err
	})

	return number, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.do(ctx, "eth_getBlockByNumber", func(ctx context.Context, ep *endpoint) error {
		var err error
		header, err = ep.eth.HeaderByNumber(ctx, number)
		return err
	})

	return header, err
}

func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.do(ctx, "eth_getTransactionReceipt", func(ctx context.Context, ep *endpoint) error {
		var err error
		receipt, err = ep.eth.TransactionReceipt(ctx, hash)
		return err
	})

	return receipt, err
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := c.do(ctx, "eth_getTransactionByHash", func(ctx context.Context, ep *endpoint) error {
		var err error
		tx, pending, err = ep.eth.TransactionByHash(ctx, hash)
		return err
	})

	return tx, pending, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.do(ctx, "eth_getTransactionCount", func(ctx context.Context, ep *endpoint) error {
		var err error
		nonce, err = ep.eth.PendingNonceAt(ctx, account)
		return err
	})

	return nonce, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, "eth_sendRawTransaction", func(ctx context.Context, ep *endpoint) error {
		return ep.eth.SendTransaction(ctx, tx)
	})
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.do(ctx, "eth_gasPrice", func(ctx context.Context, ep *endpoint) error {
		var err error
		price, err = ep.eth.SuggestGasPrice(ctx)
		return err
	})

	return price, err
}

func (c *Client) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error) {
	var history *ethereum.FeeHistory
	err := c.do(ctx, "eth_feeHistory", func(ctx context.Context, ep *endpoint) error {
		var err error
		history, err = ep.eth.FeeHistory(ctx, blockCount, lastBlock, rewardPercentiles)
		return err
	})

	return history, err
}

// CallContext forwards a raw JSON-RPC call.
func (c *Client) CallContext(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p
	}

	var result json.RawMessage
	err := c.do(ctx, "passthrough", func(ctx context.Context, ep *endpoint) error {
		return ep.rpc.CallContext(ctx, &result, method, args...)
	})

	return result, err
}
