// Package ingest turns sync requests into provider-sized work, fetches
// and decodes the raw logs, and writes them through the ledger. One
// Syncer run covers one contract; runs for different contracts share
// nothing but the store.
package ingest

import "errors"

// ErrRangeIndivisible means a single block still fails after bisection;
// the range is surfaced as fatal, never dropped.
var ErrRangeIndivisible = errors.New("ingest: range of one block cannot be bisected")

// BlockRange is an inclusive [From, To] unit of fetch work.
type BlockRange struct {
	From uint64
	To   uint64
}

// Blocks returns the number of blocks the range covers.
func (r BlockRange) Blocks() uint64 { return r.To - r.From + 1 }

// Plan splits [from, to] into ordered, disjoint sub-ranges of at most
// maxChunk blocks that re-cover the input exactly: no block skipped,
// none duplicated.
func Plan(from, to, maxChunk uint64) []BlockRange {
	if to < from {
		return nil
	}
	if maxChunk == 0 {
		maxChunk = 1
	}
	ranges := make([]BlockRange, 0, (to-from)/maxChunk+1)
	for start := from; start <= to; {
		end := start + maxChunk - 1
		if end > to || end < start { // < start guards uint64 wrap
			end = to
		}
		ranges = append(ranges, BlockRange{From: start, To: end})
		if end == to {
			break
		}
		start = end + 1
	}
	return ranges
}

// Bisect splits a range the provider rejected as oversized into two
// halves whose union is exactly the parent. A single-block range cannot
// shrink further and returns ErrRangeIndivisible.
func Bisect(r BlockRange) (BlockRange, BlockRange, error) {
	if r.From >= r.To {
		return BlockRange{}, BlockRange{}, ErrRangeIndivisible
	}
	mid := r.From + (r.To-r.From)/2
	return BlockRange{From: r.From, To: mid}, BlockRange{From: mid + 1, To: r.To}, nil
}
