package anthropic

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PollConfig tunes how PollBatch waits between status checks. Zero
// fields fall back to defaults.
type PollConfig struct {
	// Interval is the wait after the first status check. Each later
	// wait doubles until it reaches MaxInterval.
	Interval    time.Duration
	MaxInterval time.Duration
	// Timeout bounds the whole poll when ctx carries no deadline of
	// its own.
	Timeout time.Duration
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Minute
	}
	return c
}

// PollBatch checks the batch's processing status until it ends or the
// context gives out. Waits double from cfg.Interval up to
// cfg.MaxInterval, each nudged up or down by up to 20%. A batch that
// comes back expired or canceled is returned along with an error.
func PollBatch(ctx context.Context, client Client, batchID string, cfg PollConfig) (*BatchResponse, error) {
	cfg = cfg.withDefaults()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	wait := cfg.Interval
	for {
		batch, err := client.GetBatch(ctx, batchID)
		if err != nil {
			return nil, eris.Wrapf(err, "anthropic: poll batch %s", batchID)
		}

		switch batch.ProcessingStatus {
		case "ended":
			return batch, nil
		case "expired":
			return batch, eris.Errorf("anthropic: batch %s expired before completing", batchID)
		case "canceled", "canceling":
			return batch, eris.Errorf("anthropic: batch %s was canceled", batchID)
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "anthropic: poll batch %s timed out", batchID)
		case <-time.After(jittered(wait)):
		}
		wait = min(wait*2, cfg.MaxInterval)
	}
}

// jittered moves d up or down by up to 20%.
func jittered(d time.Duration) time.Duration {
	if fifth := int64(d) / 5; fifth > 0 {
		d += time.Duration(rand.Int64N(2*fifth) - fifth)
	}
	return d
}

// BatchFailure records a single batch item that did not succeed.
type BatchFailure struct {
	CustomID string
	Type     string // "errored", "canceled", "expired"
}

// BatchCollectResult splits a drained batch into succeeded results and
// the items that never produced one.
type BatchCollectResult struct {
	Succeeded map[string]*MessageResponse
	Failures  []BatchFailure
}

// CollectBatchResults drains a BatchResultIterator, returning succeeded
// results keyed by custom_id alongside the items that did not succeed.
// A failed item is logged and recorded; it never aborts the drain.
func CollectBatchResults(iter BatchResultIterator) (*BatchCollectResult, error) {
	defer iter.Close()

	result := &BatchCollectResult{
		Succeeded: make(map[string]*MessageResponse),
	}
	for iter.Next() {
		item := iter.Item()
		if item.Type != "succeeded" {
			result.Failures = append(result.Failures, BatchFailure{
				CustomID: item.CustomID,
				Type:     item.Type,
			})
			zap.L().Warn("anthropic: batch item did not succeed",
				zap.String("custom_id", item.CustomID),
				zap.String("type", item.Type),
			)
			continue
		}
		if item.Message != nil {
			result.Succeeded[item.CustomID] = item.Message
		}
	}
	if err := iter.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: collect batch results")
	}

	if len(result.Failures) > 0 {
		zap.L().Warn("anthropic: batch finished with failures",
			zap.Int("succeeded", len(result.Succeeded)),
			zap.Int("failed", len(result.Failures)),
		)
	}

	return result, nil
}
