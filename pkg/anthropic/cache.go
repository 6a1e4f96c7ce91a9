package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
)

const cacheTTL = "1h"

// CachedSystemBlocks builds one system block per segment and marks the
// last with a 1-hour cache breakpoint, so the whole prefix is written
// to the prompt cache. Review batches share one large instruction
// prefix; the caller warms it once and every batch item reads it back.
func CachedSystemBlocks(segments ...string) []SystemBlock {
	blocks := make([]SystemBlock, len(segments))
	for i, s := range segments {
		blocks[i] = SystemBlock{Text: s}
	}
	if n := len(blocks); n > 0 {
		blocks[n-1].CacheControl = &CacheControl{TTL: cacheTTL}
	}
	return blocks
}

// PrimerRequest sends one message to warm the prompt cache before a
// batch goes up. The request should carry system blocks built with
// CachedSystemBlocks; the response body is usually discarded.
func PrimerRequest(ctx context.Context, client Client, req MessageRequest) (*MessageResponse, error) {
	resp, err := client.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: primer request")
	}
	return resp, nil
}
