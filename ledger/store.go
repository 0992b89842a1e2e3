package ledger

import (
	"context"
	"math/big"
)

// Store is the relational backend the core depends on: ordered scans,
// unique-constraint upserts, and transactions. Postgres is the production
// implementation; MemStore backs tests and light embedding.
type Store interface {
	// InsertTransfers writes a batch in one all-or-nothing transaction.
	// Each row is a do-nothing upsert on (txHash, logIndex,
	// expansionIndex); the return value counts rows actually inserted,
	// so re-running a fully synced range yields 0.
	InsertTransfers(ctx context.Context, events []TransferEvent) (int64, error)

	// DistinctBlocks returns the distinct block numbers present for the
	// contract in ascending order.
	DistinctBlocks(ctx context.Context, contract string) ([]uint64, error)

	// ForEachTransfer streams the contract's full ledger ordered by
	// (blockNumber, logIndex, expansionIndex) ascending. The order is
	// enforced by the query, never assumed from insertion order.
	ForEachTransfer(ctx context.Context, contract string, fn func(TransferEvent) error) error

	// RebuildHolderBalances deletes the contract's balance rows and
	// recomputes them from the ledger in a single transaction. Safe to
	// re-run at any time; two runs against an unchanged ledger produce
	// identical tables.
	RebuildHolderBalances(ctx context.Context, contract string) (RebuildStats, error)

	// Balances returns the contract's materialized state ordered by
	// (holder, tokenID).
	Balances(ctx context.Context, contract string) ([]HolderBalance, error)

	// MintBurnTotals recomputes total minted and burned amounts from the
	// ledger (not from the state table).
	MintBurnTotals(ctx context.Context, contract string) (minted, burned *big.Int, err error)

	// Checkpoint returns the contract's last fully synced block, or
	// ok=false when the contract has never been synced.
	Checkpoint(ctx context.Context, contract string) (block uint64, ok bool, err error)

	// SetCheckpoint records the contract's last fully synced block.
	SetCheckpoint(ctx context.Context, contract string, block uint64) error
}
