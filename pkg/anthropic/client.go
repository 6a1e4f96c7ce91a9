// Package anthropic wraps the official Anthropic SDK behind plain
// request and response types, so callers test against a small Client
// interface rather than the SDK's parameter structs.
package anthropic

import (
	"context"

	"go.uber.org/zap"
)

// Client is the slice of the Anthropic API the conflict reviewer
// uses: single messages for cache warming and batches for the bulk
// verdict runs.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
	CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error)
	GetBatch(ctx context.Context, batchID string) (*BatchResponse, error)
	GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error)
}

// BatchResultIterator streams individual results from a completed
// batch.
type BatchResultIterator interface {
	Next() bool
	Item() BatchResultItem
	Err() error
	Close() error
}

// MessageRequest carries one model call: the model, its output-token
// cap, optional system blocks, and the conversation so far.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      []SystemBlock
	Messages    []Message
	Temperature *float64
}

// SystemBlock is one system-prompt block. Setting CacheControl marks
// the prefix up to and including this block for prompt caching.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl picks the cache lifetime for a marked block.
type CacheControl struct {
	TTL string // "5m" or "1h"
}

// Message is a single turn, Role "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// MessageResponse is the plain-type form of a model reply.
type MessageResponse struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   string
	Usage        TokenUsage
	StopSequence string
}

// ContentBlock is one piece of reply content; verdicts arrive as a
// single text block.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage tallies the tokens one call consumed, split by cache
// traffic.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// pricing is per-million-token cost in USD. Cache writes bill at 1.25x
// the input rate and cache reads at a tenth of it.
type pricing struct {
	input  float64
	output float64
}

var modelPricing = map[string]pricing{
	"claude-haiku-4-5-20251001":  {input: 0.80, output: 4.00},
	"claude-sonnet-4-5-20250929": {input: 3.00, output: 15.00},
	"claude-opus-4-6":            {input: 15.00, output: 75.00},
}

// EstimateCost converts the usage into USD for the given model, zero
// when the model is not in the price table.
func (u TokenUsage) EstimateCost(model string) float64 {
	p, ok := modelPricing[model]
	if !ok {
		return 0
	}
	const mtok = 1e6
	return float64(u.InputTokens)/mtok*p.input +
		float64(u.OutputTokens)/mtok*p.output +
		float64(u.CacheCreationInputTokens)/mtok*p.input*1.25 +
		float64(u.CacheReadInputTokens)/mtok*p.input*0.1
}

// LogCost writes one cost-attribution line for the usage.
func (u TokenUsage) LogCost(model, phase string) {
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
		zap.Float64("estimated_cost_usd", u.EstimateCost(model)),
	)
}

// BatchRequest bundles the items submitted as one message batch.
type BatchRequest struct {
	Requests []BatchRequestItem
}

// BatchRequestItem pairs a caller-chosen CustomID with the request to
// run; results come back keyed by that ID.
type BatchRequestItem struct {
	CustomID string
	Params   MessageRequest
}

// BatchResponse describes a batch's identity and progress.
type BatchResponse struct {
	ID               string
	ProcessingStatus string
	ResultsURL       string
	RequestCounts    RequestCounts
}

// RequestCounts breaks the batch's items down by outcome.
type RequestCounts struct {
	Processing int64
	Succeeded  int64
	Errored    int64
	Canceled   int64
	Expired    int64
}

// BatchResultItem is one item's outcome. Message is set only when Type
// is "succeeded"; the other types ("errored", "canceled", "expired")
// carry no reply.
type BatchResultItem struct {
	CustomID string
	Type     string
	Message  *MessageResponse
}
