package ledger

import (
	"context"
	"fmt"
)

// FindGaps scans the distinct block numbers present for a contract and
// reports every span where the next number is not exactly one greater.
// This catches holes regardless of cause (aborted run, provider outage,
// crash mid-batch). A span with genuinely zero events looks identical to
// an unfetched one; the filler re-queries it and accepts an empty result
// as proof of completeness.
func FindGaps(ctx context.Context, store Store, contract string) ([]Gap, error) {
	blocks, err := store.DistinctBlocks(ctx, contract)
	if err != nil {
		return nil, fmt.Errorf("distinct blocks: %w", err)
	}
	var gaps []Gap
	for i := 1; i < len(blocks); i++ {
		prev, cur := blocks[i-1], blocks[i]
		if cur > prev+1 {
			gaps = append(gaps, Gap{
				From:   prev + 1,
				To:     cur - 1,
				Blocks: cur - prev - 1,
			})
		}
	}
	return gaps, nil
}
