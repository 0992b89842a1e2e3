// Package chain wraps the JSON-RPC provider behind a small interface with
// retries, provider-error classification, and a steady-state request-rate
// cap. Everything above it takes the client by injection so tests run
// against fakes.
package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/h4shkid/ClickCreateProjects-sub003/metrics"
)

// Backend is the subset of the provider the core consumes.
// *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Options bound retries and request rate.
type Options struct {
	MaxAttempts       int           // attempts per call before the error surfaces
	RequestsPerSecond float64       // steady-state ceiling below the provider's published limit
	Burst             int           // limiter burst
	RateLimitDelay    time.Duration // extra pause after a throttle response
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 20
	}
	if o.Burst <= 0 {
		o.Burst = int(o.RequestsPerSecond)
	}
	if o.RateLimitDelay <= 0 {
		o.RateLimitDelay = 5 * time.Second
	}
}

// Client is a retrying, rate-capped view of a Backend.
type Client struct {
	backend Backend
	limiter *rate.Limiter
	opts    Options
	log     *slog.Logger
}

// New wraps an existing backend.
func New(backend Backend, opts Options, log *slog.Logger) *Client {
	opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		backend: backend,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		opts:    opts,
		log:     log,
	}
}

// Dial connects to a JSON-RPC endpoint and wraps it.
func Dial(ctx context.Context, url string, opts Options, log *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return New(ec, opts, log), nil
}

// BlockNumber returns the provider's current head block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, "blockNumber", func() error {
		var err error
		n, err = c.backend.BlockNumber(ctx)
		return err
	})
	return n, err
}

// Logs fetches logs for one range. A range-too-large rejection is
// returned immediately (wrapped in ErrRangeTooLarge) so the caller can
// bisect instead of retrying the same range.
func (c *Client) Logs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, "getLogs", func() error {
		var err error
		logs, err = c.backend.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// Header fetches one block header (for its timestamp).
func (c *Client) Header(ctx context.Context, number uint64) (*types.Header, error) {
	var h *types.Header
	err := c.do(ctx, "getBlock", func() error {
		var err error
		h, err = c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	return h, err
}

// do runs one call under the rate limiter with exponential backoff on
// transient errors, the fixed RateLimitDelay (and nothing else) before
// retrying after throttling, and no retry at all on range-too-large.
func (c *Client) do(ctx context.Context, method string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	var throttled bool
	schedule := &throttleDelay{BackOff: bo, delay: c.opts.RateLimitDelay, throttled: &throttled}
	policy := backoff.WithContext(backoff.WithMaxRetries(schedule, uint64(c.opts.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := classify(fn())
		switch {
		case err == nil:
			metrics.RPCRequests.WithLabelValues(method, "ok").Inc()
			return nil
		case errors.Is(err, ErrRangeTooLarge):
			metrics.RPCRequests.WithLabelValues(method, "range_too_large").Inc()
			return backoff.Permanent(err)
		case errors.Is(err, ErrRateLimited):
			metrics.RPCRequests.WithLabelValues(method, "rate_limited").Inc()
			c.log.Warn("provider throttled request", "method", method, "err", err)
			throttled = true
			return err
		default:
			metrics.RPCRequests.WithLabelValues(method, "error").Inc()
			return err
		}
	}, policy)
}

// throttleDelay substitutes the fixed post-throttle pause for the
// exponential interval after a rate-limited attempt, so the throttle
// delay is the whole delay.
type throttleDelay struct {
	backoff.BackOff
	delay     time.Duration
	throttled *bool
}

func (b *throttleDelay) NextBackOff() time.Duration {
	if *b.throttled {
		*b.throttled = false
		return b.delay
	}
	return b.BackOff.NextBackOff()
}
