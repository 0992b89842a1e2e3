package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// MemStore is an in-memory Store with the same idempotency and ordering
// contracts as the Postgres implementation. Used by unit tests and for
// embedding the core without a database.
type MemStore struct {
	mu          sync.RWMutex
	events      []TransferEvent
	seen        map[string]struct{} // txHash|logIndex|expansionIndex
	balances    map[string][]HolderBalance
	checkpoints map[string]uint64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		seen:        make(map[string]struct{}),
		balances:    make(map[string][]HolderBalance),
		checkpoints: make(map[string]uint64),
	}
}

func eventKey(e TransferEvent) string {
	return fmt.Sprintf("%s|%d|%d", e.TxHash, e.LogIndex, e.ExpansionIndex)
}

func (s *MemStore) InsertTransfers(ctx context.Context, events []TransferEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The whole batch is validated before anything mutates, matching the
	// all-or-nothing transaction the Postgres implementation gets from
	// rollback.
	for _, e := range events {
		if e.Amount == nil || e.Amount.Sign() < 0 {
			return 0, fmt.Errorf("insert transfers: negative or missing amount for %s", eventKey(e))
		}
	}
	var inserted int64
	for _, e := range events {
		k := eventKey(e)
		if _, dup := s.seen[k]; dup {
			continue
		}
		s.seen[k] = struct{}{}
		cp := e
		cp.TokenID = new(big.Int).Set(e.TokenID)
		cp.Amount = new(big.Int).Set(e.Amount)
		s.events = append(s.events, cp)
		inserted++
	}
	return inserted, nil
}

func (s *MemStore) DistinctBlocks(ctx context.Context, contract string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[uint64]struct{})
	for _, e := range s.events {
		if e.Contract == contract {
			set[e.BlockNumber] = struct{}{}
		}
	}
	blocks := make([]uint64, 0, len(set))
	for b := range set {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	return blocks, nil
}

// ordered returns the contract's events in replay order. Callers hold the
// read lock.
func (s *MemStore) ordered(contract string) []TransferEvent {
	var out []TransferEvent
	for _, e := range s.events {
		if e.Contract == contract {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		if a.LogIndex != b.LogIndex {
			return a.LogIndex < b.LogIndex
		}
		return a.ExpansionIndex < b.ExpansionIndex
	})
	return out
}

func (s *MemStore) ForEachTransfer(ctx context.Context, contract string, fn func(TransferEvent) error) error {
	s.mu.RLock()
	events := s.ordered(contract)
	s.mu.RUnlock()
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) RebuildHolderBalances(ctx context.Context, contract string) (RebuildStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fold := newBalanceFold(contract)
	for _, e := range s.ordered(contract) {
		fold.apply(e)
	}
	rows, stats, err := fold.result()
	if err != nil {
		return RebuildStats{}, err
	}
	s.balances[contract] = rows
	return stats, nil
}

func (s *MemStore) Balances(ctx context.Context, contract string) ([]HolderBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.balances[contract]
	out := make([]HolderBalance, len(rows))
	for i, b := range rows {
		out[i] = b
		out[i].TokenID = new(big.Int).Set(b.TokenID)
		out[i].Balance = new(big.Int).Set(b.Balance)
	}
	return out, nil
}

func (s *MemStore) MintBurnTotals(ctx context.Context, contract string) (*big.Int, *big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	minted, burned := new(big.Int), new(big.Int)
	for _, e := range s.events {
		if e.Contract != contract {
			continue
		}
		if e.IsMint() {
			minted.Add(minted, e.Amount)
		}
		if e.IsBurn() {
			burned.Add(burned, e.Amount)
		}
	}
	return minted, burned, nil
}

func (s *MemStore) Checkpoint(ctx context.Context, contract string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.checkpoints[contract]
	return block, ok, nil
}

func (s *MemStore) SetCheckpoint(ctx context.Context, contract string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[contract] = block
	return nil
}

// EventCount reports the number of ledger rows; test helper.
func (s *MemStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

var _ Store = (*MemStore)(nil)
