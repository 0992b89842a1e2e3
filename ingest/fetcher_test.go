package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/h4shkid/ClickCreateProjects-sub003/chain"
)

// fakeBackend serves logs by block number and rejects queries wider than
// maxSpan blocks the way a capped provider would.
type fakeBackend struct {
	mu sync.Mutex

	head        uint64
	logsByBlock map[uint64][]types.Log
	timeByBlock map[uint64]uint64
	maxSpan     uint64              // 0 = unlimited
	failBlocks  map[uint64]struct{} // queries touching these blocks fail transiently
	headerErrs  map[uint64]error

	queried []BlockRange
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.queried = append(f.queried, BlockRange{From: from, To: to})
	if f.maxSpan > 0 && to-from+1 > f.maxSpan {
		return nil, errors.New("query returned more than 10000 results")
	}
	for b := range f.failBlocks {
		if b >= from && b <= to {
			return nil, errors.New("connection reset by peer")
		}
	}
	var out []types.Log
	for b := from; b <= to; b++ {
		out = append(out, f.logsByBlock[b]...)
	}
	return out, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := number.Uint64()
	if err := f.headerErrs[b]; err != nil {
		return nil, err
	}
	t, ok := f.timeByBlock[b]
	if !ok {
		t = 1700000000 + b
	}
	return &types.Header{Number: new(big.Int).SetUint64(b), Time: t}, nil
}

func newTestFetcher(backend *fakeBackend, concurrency int) *Fetcher {
	c := chain.New(backend, chain.Options{
		MaxAttempts:       1,
		RequestsPerSecond: 100000,
		Burst:             100000,
		RateLimitDelay:    time.Millisecond,
	}, slog.Default())
	return NewFetcher(c, FetcherOptions{Concurrency: concurrency}, slog.Default())
}

func logAt(block uint64, index uint) types.Log {
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{topicTransfer, addrTopic(holderA), addrTopic(holderB), common.BigToHash(big.NewInt(1))},
		BlockNumber: block,
		TxHash:      testTx,
		Index:       index,
	}
}

func TestFetchReturnsOrderedLogs(t *testing.T) {
	backend := &fakeBackend{
		logsByBlock: map[uint64][]types.Log{
			100: {logAt(100, 3), logAt(100, 1)},
			205: {logAt(205, 0)},
		},
	}
	f := newTestFetcher(backend, 2)

	res, err := f.Fetch(context.Background(), testContract, TopicsFor(ERC721), Plan(100, 299, 50))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("unexpected failures: %v", res.Failed)
	}
	if len(res.Logs) != 3 {
		t.Fatalf("got %d logs, want 3", len(res.Logs))
	}
	for i := 1; i < len(res.Logs); i++ {
		a, b := res.Logs[i-1], res.Logs[i]
		if a.BlockNumber > b.BlockNumber || (a.BlockNumber == b.BlockNumber && a.Index > b.Index) {
			t.Errorf("logs out of order at %d: %v then %v", i, a, b)
		}
	}
}

func TestFetchBisectsOversizedRanges(t *testing.T) {
	backend := &fakeBackend{
		maxSpan: 10,
		logsByBlock: map[uint64][]types.Log{
			1005: {logAt(1005, 0)},
			1090: {logAt(1090, 0)},
		},
	}
	f := newTestFetcher(backend, 2)

	res, err := f.Fetch(context.Background(), testContract, TopicsFor(ERC721), []BlockRange{{1000, 1099}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 0 {
		t.Fatalf("unexpected failures: %v", res.Failed)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("got %d logs after bisection, want 2", len(res.Logs))
	}

	// Every successful query must be inside the requested range and the
	// successes together must cover it exactly once.
	covered := make(map[uint64]int)
	for _, q := range backend.queried {
		if q.Blocks() > 10 {
			continue // the rejected parents
		}
		for b := q.From; b <= q.To; b++ {
			covered[b]++
		}
	}
	for b := uint64(1000); b <= 1099; b++ {
		if covered[b] != 1 {
			t.Fatalf("block %d queried %d times, want exactly 1", b, covered[b])
		}
	}
}

func TestFetchSingleBlockFailureIsIndivisible(t *testing.T) {
	c := chain.New(alwaysOversized{}, chain.Options{MaxAttempts: 1, RequestsPerSecond: 100000, Burst: 100000}, slog.Default())
	f := NewFetcher(c, FetcherOptions{Concurrency: 1}, slog.Default())

	res, err := f.Fetch(context.Background(), testContract, TopicsFor(ERC721), []BlockRange{{50, 51}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("got %d failed ranges, want 2", len(res.Failed))
	}
	for _, fr := range res.Failed {
		if !errors.Is(fr.Err, ErrRangeIndivisible) {
			t.Errorf("range %v err = %v, want ErrRangeIndivisible", fr.Range, fr.Err)
		}
	}
}

// alwaysOversized rejects every log query regardless of span.
type alwaysOversized struct{}

func (alwaysOversized) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (alwaysOversized) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("too many results")
}
func (alwaysOversized) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{}, nil
}

func TestFetchReportsExhaustedRanges(t *testing.T) {
	backend := &fakeBackend{
		failBlocks: map[uint64]struct{}{150: {}},
		logsByBlock: map[uint64][]types.Log{
			250: {logAt(250, 0)},
		},
	}
	f := newTestFetcher(backend, 4)

	res, err := f.Fetch(context.Background(), testContract, TopicsFor(ERC721), Plan(100, 299, 100))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Logs) != 1 {
		t.Errorf("healthy ranges should still produce logs, got %d", len(res.Logs))
	}
	if len(res.Failed) != 1 {
		t.Fatalf("got %d failed ranges, want 1: %v", len(res.Failed), res.Failed)
	}
	if fr := res.Failed[0]; fr.Range != (BlockRange{100, 199}) {
		t.Errorf("failed range = %v, want {100 199}", fr.Range)
	}
}

func TestBlockTimesFromHeaders(t *testing.T) {
	backend := &fakeBackend{
		timeByBlock: map[uint64]uint64{10: 111, 20: 222},
	}
	f := newTestFetcher(backend, 2)

	out, err := f.BlockTimes(context.Background(), []uint64{10, 20})
	if err != nil {
		t.Fatal(err)
	}
	if out[10] != 111 || out[20] != 222 {
		t.Errorf("BlockTimes = %v", out)
	}
}

func TestBlockTimesFallsBackToWallClock(t *testing.T) {
	backend := &fakeBackend{
		timeByBlock: map[uint64]uint64{10: 111},
		headerErrs:  map[uint64]error{20: errors.New("header not found")},
	}
	f := newTestFetcher(backend, 2)
	f.now = func() time.Time { return time.Unix(9999, 0) }

	out, err := f.BlockTimes(context.Background(), []uint64{10, 20})
	if err != nil {
		t.Fatal(err)
	}
	if out[10] != 111 {
		t.Errorf("block 10 time = %d, want 111", out[10])
	}
	if out[20] != 9999 {
		t.Errorf("block 20 fallback time = %d, want 9999", out[20])
	}
}

func TestFetchCancelledContext(t *testing.T) {
	backend := &fakeBackend{}
	f := newTestFetcher(backend, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, testContract, TopicsFor(ERC721), Plan(1, 100, 10)); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}
