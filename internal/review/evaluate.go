package review

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openauthority/authsync/internal/model"
	"github.com/openauthority/authsync/internal/wikibase"
	"github.com/openauthority/authsync/pkg/anthropic"
)

// EntityFetcher is the read-only slice of the knowledge-base client the
// assistant needs. Review never writes.
type EntityFetcher interface {
	FetchEntity(ctx context.Context, entityID string) (*wikibase.Entity, error)
}

// Item is one conflict/entity pair to evaluate.
type Item struct {
	LCCN     string
	Heading  string
	EntityID string
	Flag     string
}

// Evaluation is the annotated outcome for one item. Err is set when the
// item could not be judged; Match and Reason carry no meaning then.
type Evaluation struct {
	Item   Item
	Match  bool
	Reason string
	Err    string
}

// ItemsFromReport expands a report's conflicts into evaluation items.
// A conflict naming several candidate entities yields one item per
// candidate.
func ItemsFromReport(rep *model.RunReport) []Item {
	var items []Item
	for _, row := range rep.Conflicts() {
		if row.Decision.EntityID != "" {
			items = append(items, Item{
				LCCN:     row.Tuple.AuthorityID,
				Heading:  row.Heading,
				EntityID: row.Decision.EntityID,
				Flag:     row.Decision.Reason,
			})
			continue
		}
		for _, candidate := range row.Decision.ExistingValues {
			items = append(items, Item{
				LCCN:     row.Tuple.AuthorityID,
				Heading:  row.Heading,
				EntityID: candidate,
				Flag:     row.Decision.Reason,
			})
		}
	}
	return items
}

// Evaluator runs the model over a report's conflicts.
type Evaluator struct {
	ai     anthropic.Client
	kb     EntityFetcher
	policy Policy
}

// NewEvaluator returns an Evaluator using the given clients and policy.
func NewEvaluator(ai anthropic.Client, kb EntityFetcher, policy Policy) *Evaluator {
	return &Evaluator{ai: ai, kb: kb, policy: policy}
}

// Evaluate judges every conflict in the report. Sets below the policy's
// batch threshold go through concurrent direct calls, larger sets
// through the Batch API. Per-item problems are recorded on the
// evaluation rather than returned.
func (e *Evaluator) Evaluate(ctx context.Context, rep *model.RunReport) ([]Evaluation, error) {
	items := ItemsFromReport(rep)
	if len(items) == 0 {
		return nil, nil
	}

	log := zap.L().With(
		zap.String("component", "review"),
		zap.String("run_id", rep.RunID),
	)
	log.Info("evaluating conflicts", zap.Int("items", len(items)))

	var (
		evals []Evaluation
		usage anthropic.TokenUsage
		err   error
	)
	if len(items) >= e.policy.BatchThreshold {
		evals, usage, err = e.evaluateBatch(ctx, log, items)
	} else {
		evals, usage, err = e.evaluateDirect(ctx, log, items)
	}
	if err != nil {
		return nil, err
	}

	usage.LogCost(e.policy.Model, "review")
	return evals, nil
}

// evaluateDirect runs items as concurrent direct API calls.
func (e *Evaluator) evaluateDirect(ctx context.Context, log *zap.Logger, items []Item) ([]Evaluation, anthropic.TokenUsage, error) {
	evals := make([]Evaluation, len(items))
	usages := make([]anthropic.TokenUsage, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.policy.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			evals[i], usages[i] = e.evaluateOne(gctx, item)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, anthropic.TokenUsage{}, eris.Wrap(err, "review: evaluate conflicts")
	}

	var total anthropic.TokenUsage
	failed := 0
	for i, ev := range evals {
		total = addUsage(total, usages[i])
		if ev.Err != "" {
			failed++
		}
	}
	if failed > 0 {
		log.Warn("some conflicts could not be evaluated", zap.Int("failed", failed))
	}
	return evals, total, nil
}

// evaluateOne fetches the entity and asks the model for a verdict.
func (e *Evaluator) evaluateOne(ctx context.Context, item Item) (Evaluation, anthropic.TokenUsage) {
	ev := Evaluation{Item: item}

	ent, err := e.kb.FetchEntity(ctx, item.EntityID)
	if err != nil {
		ev.Err = err.Error()
		return ev, anthropic.TokenUsage{}
	}
	lines := EntityLines(ent)
	if len(lines) < minEntityLines {
		ev.Err = "not enough entity context to compare"
		return ev, anthropic.TokenUsage{}
	}

	resp, err := e.ai.CreateMessage(ctx, e.request(item, lines, nil))
	if err != nil {
		ev.Err = err.Error()
		return ev, anthropic.TokenUsage{}
	}

	verdict, err := parseVerdict(resp)
	if err != nil {
		ev.Err = err.Error()
		return ev, resp.Usage
	}
	ev.Match = verdict.Match
	ev.Reason = verdict.Reason
	return ev, resp.Usage
}

// evaluateBatch runs items through the Batch API with a cached system
// prompt, priming the cache with one sequential request first.
func (e *Evaluator) evaluateBatch(ctx context.Context, log *zap.Logger, items []Item) ([]Evaluation, anthropic.TokenUsage, error) {
	evals := make([]Evaluation, len(items))
	reqs := make([]*anthropic.MessageRequest, len(items))
	var total anthropic.TokenUsage

	system := anthropic.CachedSystemBlocks(e.policy.Instructions)

	// Fetch entity contexts up front. Items that cannot be judged keep
	// their slot with the problem recorded.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.policy.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			evals[i] = Evaluation{Item: item}
			ent, err := e.kb.FetchEntity(gctx, item.EntityID)
			if err != nil {
				evals[i].Err = err.Error()
				return nil
			}
			lines := EntityLines(ent)
			if len(lines) < minEntityLines {
				evals[i].Err = "not enough entity context to compare"
				return nil
			}
			req := e.request(item, lines, system)
			reqs[i] = &req
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, total, eris.Wrap(err, "review: fetch entity contexts")
	}

	var batchReqs []anthropic.BatchRequestItem
	for i, req := range reqs {
		if req == nil {
			continue
		}
		batchReqs = append(batchReqs, anthropic.BatchRequestItem{
			CustomID: fmt.Sprintf("conflict-%d", i),
			Params:   *req,
		})
	}
	if len(batchReqs) == 0 {
		return evals, total, nil
	}

	// Warm the prompt cache so the batch items read it.
	if resp, err := anthropic.PrimerRequest(ctx, e.ai, batchReqs[0].Params); err != nil {
		log.Debug("primer request failed", zap.Error(err))
	} else {
		total = addUsage(total, resp.Usage)
	}

	batch, err := e.ai.CreateBatch(ctx, anthropic.BatchRequest{Requests: batchReqs})
	if err != nil {
		return nil, total, eris.Wrap(err, "review: create batch")
	}
	log.Info("review batch submitted",
		zap.String("batch_id", batch.ID),
		zap.Int("items", len(batchReqs)),
	)

	batch, err = anthropic.PollBatch(ctx, e.ai, batch.ID, anthropic.PollConfig{})
	if err != nil {
		return nil, total, eris.Wrap(err, "review: poll batch")
	}

	iter, err := e.ai.GetBatchResults(ctx, batch.ID)
	if err != nil {
		return nil, total, eris.Wrap(err, "review: get batch results")
	}
	collected, err := anthropic.CollectBatchResults(iter)
	if err != nil {
		return nil, total, eris.Wrap(err, "review: collect batch results")
	}

	handled := make([]bool, len(items))
	for customID, resp := range collected.Succeeded {
		i, ok := itemIndex(customID, len(items))
		if !ok {
			log.Warn("unknown custom_id in batch results", zap.String("custom_id", customID))
			continue
		}
		handled[i] = true
		total = addUsage(total, resp.Usage)
		verdict, vErr := parseVerdict(resp)
		if vErr != nil {
			evals[i].Err = vErr.Error()
			continue
		}
		evals[i].Match = verdict.Match
		evals[i].Reason = verdict.Reason
	}
	for _, f := range collected.Failures {
		if i, ok := itemIndex(f.CustomID, len(items)); ok {
			handled[i] = true
			evals[i].Err = "batch item " + f.Type
		}
	}
	for i, req := range reqs {
		if req != nil && !handled[i] {
			evals[i].Err = "missing from batch results"
		}
	}

	return evals, total, nil
}

func (e *Evaluator) request(item Item, lines []string, system []anthropic.SystemBlock) anthropic.MessageRequest {
	if system == nil {
		system = []anthropic.SystemBlock{{Text: e.policy.Instructions}}
	}
	return anthropic.MessageRequest{
		Model:     e.policy.Model,
		MaxTokens: e.policy.MaxTokens,
		System:    system,
		Messages:  []anthropic.Message{{Role: "user", Content: BuildUserPrompt(item, lines)}},
	}
}

// itemIndex recovers the item slot from a batch custom id.
func itemIndex(customID string, n int) (int, bool) {
	var i int
	if _, err := fmt.Sscanf(customID, "conflict-%d", &i); err != nil {
		return 0, false
	}
	if i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

func addUsage(a, b anthropic.TokenUsage) anthropic.TokenUsage {
	a.InputTokens += b.InputTokens
	a.OutputTokens += b.OutputTokens
	a.CacheCreationInputTokens += b.CacheCreationInputTokens
	a.CacheReadInputTokens += b.CacheReadInputTokens
	return a
}
