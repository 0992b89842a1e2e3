package chain

import (
	"errors"
	"fmt"
	"strings"
)

// Provider errors arrive as opaque strings over JSON-RPC, so callers that
// need to branch (bisect vs. back off vs. retry) get them classified into
// sentinels here.
var (
	// ErrRangeTooLarge means the provider rejected a log query by
	// response size. The cure is bisecting the range, never retrying it.
	ErrRangeTooLarge = errors.New("rpc: response too large for range")

	// ErrRateLimited means the provider throttled us; retry after the
	// longer rate-limit delay.
	ErrRateLimited = errors.New("rpc: rate limited")
)

// Substrings seen across providers (Infura, Alchemy, QuickNode, public
// geth/erigon nodes) for the two non-transient rejection classes.
var (
	rangeTooLargeMarkers = []string{
		"query returned more than 10000 results",
		"too many results",
		"response size exceeded",
		"log response size exceeded",
		"block range is too large",
		"range is too large",
		"query timeout exceeded", // erigon rejects heavy getLogs this way
	}
	rateLimitMarkers = []string{
		"429",
		"too many requests",
		"rate limit",
		"capacity exceeded",
		"daily request count exceeded",
	}
)

// classify wraps a raw provider error with the matching sentinel; errors
// matching neither class are treated as transient and returned as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rangeTooLargeMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrRangeTooLarge, err)
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	return err
}
