package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/h4shkid/ClickCreateProjects-sub003/chain"
	"github.com/h4shkid/ClickCreateProjects-sub003/metrics"
)

// FetcherOptions bound the fetch window.
type FetcherOptions struct {
	Concurrency int           // getLogs calls in flight per window
	Pause       time.Duration // delay between windows, caps steady-state rate
}

func (o *FetcherOptions) withDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Pause < 0 {
		o.Pause = 0
	}
}

// Fetcher pulls raw logs for block ranges with a bounded concurrent
// window. Oversized ranges are bisected and the halves retried before the
// queue proceeds; ranges that exhaust retries are reported, never
// silently dropped.
type Fetcher struct {
	client *chain.Client
	opts   FetcherOptions
	log    *slog.Logger
	now    func() time.Time // wall clock, stubbed in tests
}

// NewFetcher wires a fetcher to a chain client.
func NewFetcher(client *chain.Client, opts FetcherOptions, log *slog.Logger) *Fetcher {
	opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{client: client, opts: opts, log: log, now: time.Now}
}

// FailedRange is a sub-range whose fetch could not be resolved.
type FailedRange struct {
	Range BlockRange
	Err   error
}

// FetchResult carries everything one Fetch call produced. Failed ranges
// are the caller's residual gaps.
type FetchResult struct {
	Logs   []types.Log
	Failed []FailedRange
}

// Fetch retrieves logs for all ranges. Each window issues at most
// Concurrency calls, then pauses before the next window. A range the
// provider rejects as oversized is bisected and its halves are queued
// ahead of the remaining work; a single block that still fails is
// recorded as failed with ErrRangeIndivisible.
func (f *Fetcher) Fetch(ctx context.Context, contract common.Address, topics [][]common.Hash, ranges []BlockRange) (FetchResult, error) {
	var res FetchResult
	var mu sync.Mutex

	queue := make([]BlockRange, len(ranges))
	copy(queue, ranges)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n := f.opts.Concurrency
		if n > len(queue) {
			n = len(queue)
		}
		window := queue[:n]
		queue = queue[n:]

		var requeue []BlockRange
		var g errgroup.Group
		g.SetLimit(f.opts.Concurrency)
		for _, r := range window {
			r := r
			g.Go(func() error {
				logs, err := f.client.Logs(ctx, filterQuery(contract, topics, r))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					res.Logs = append(res.Logs, logs...)
				case errors.Is(err, chain.ErrRangeTooLarge):
					lo, hi, berr := Bisect(r)
					if berr != nil {
						res.Failed = append(res.Failed, FailedRange{
							Range: r,
							Err:   fmt.Errorf("%w: %v", ErrRangeIndivisible, err),
						})
						return nil
					}
					metrics.RangeBisections.Inc()
					f.log.Info("bisecting oversized range",
						"contract", contract, "from", r.From, "to", r.To)
					requeue = append(requeue, lo, hi)
				case ctx.Err() != nil:
					// Cancelled mid-window; the outer loop surfaces it.
				default:
					res.Failed = append(res.Failed, FailedRange{Range: r, Err: err})
				}
				return nil
			})
		}
		g.Wait()
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// Bisected halves go first so a parent range is fully resolved
		// before the plan moves on.
		queue = append(requeue, queue...)

		if len(queue) > 0 && f.opts.Pause > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(f.opts.Pause):
			}
		}
	}

	sort.Slice(res.Logs, func(i, j int) bool {
		a, b := res.Logs[i], res.Logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.Index < b.Index
	})
	sort.Slice(res.Failed, func(i, j int) bool {
		return res.Failed[i].Range.From < res.Failed[j].Range.From
	})
	return res, nil
}

// BlockTimes fetches the timestamp of every listed block under the same
// bounded window. When a header lookup fails even after retries, the
// wall clock stands in and the fallback is logged and counted; it is a
// placeholder, never authoritative.
func (f *Fetcher) BlockTimes(ctx context.Context, blocks []uint64) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64, len(blocks))
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(f.opts.Concurrency)
	for _, b := range blocks {
		b := b
		g.Go(func() error {
			h, err := f.client.Header(ctx, b)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil || h == nil {
				metrics.TimestampFallbacks.Inc()
				f.log.Warn("block timestamp unavailable, using wall clock",
					"block", b, "err", err)
				out[b] = uint64(f.now().Unix())
				return nil
			}
			out[b] = h.Time
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func filterQuery(contract common.Address, topics [][]common.Hash, r BlockRange) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(r.From),
		ToBlock:   new(big.Int).SetUint64(r.To),
		Addresses: []common.Address{contract},
		Topics:    topics,
	}
}
