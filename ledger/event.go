// Package ledger holds the append-only transfer-event log and the
// holder-balance state derived from it. The event table is the source of
// truth; balances are a cache and are always recomputable from the log.
package ledger

import (
	"errors"
	"math/big"
)

// ZeroAddress marks mints (from) and burns (to). All addresses in the
// ledger are stored lowercased.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// ErrIntegrity reports that the ledger and the derived state disagree,
// e.g. a conservation-check mismatch. Never auto-corrected.
var ErrIntegrity = errors.New("ledger: integrity violation")

// EventKind records whether an event came from a single-transfer log or
// was expanded out of an ERC-1155 TransferBatch log.
type EventKind string

const (
	KindSingle EventKind = "single"
	KindBatch  EventKind = "batch"
)

// TransferEvent is one immutable ledger row. (TxHash, LogIndex,
// ExpansionIndex) is the idempotency key: re-ingesting the same log is a
// no-op. ExpansionIndex is 0 except for rows expanded from a batch log,
// where it is the position within the batch.
type TransferEvent struct {
	Contract       string
	Kind           EventKind
	Operator       string
	From           string
	To             string
	TokenID        *big.Int
	Amount         *big.Int
	BlockNumber    uint64
	BlockTimestamp uint64
	TxHash         string
	LogIndex       uint32
	ExpansionIndex uint32
}

// IsMint reports whether the event creates supply (from the zero address).
func (e TransferEvent) IsMint() bool { return e.From == ZeroAddress }

// IsBurn reports whether the event destroys supply (to the zero address).
func (e TransferEvent) IsBurn() bool { return e.To == ZeroAddress }

// HolderBalance is one row of the materialized state: the exact sum of
// signed transfer deltas for (Holder, TokenID) replayed in
// (block, logIndex, expansionIndex) order. Zero balances are pruned,
// never stored.
type HolderBalance struct {
	Contract         string
	Holder           string
	TokenID          *big.Int
	Balance          *big.Int
	LastUpdatedBlock uint64
}

// Gap is a contiguous span of block numbers absent from a contract's
// ledger. Computed, never stored; whether the span was activity-free or
// unfetched is unknowable from the ledger alone.
type Gap struct {
	From   uint64
	To     uint64
	Blocks uint64
}

// RebuildStats summarizes one holder-state rebuild.
type RebuildStats struct {
	Holders int
	Tokens  int
	Records int64
}
