package review

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthority/authsync/internal/model"
	"github.com/openauthority/authsync/internal/wikibase"
	"github.com/openauthority/authsync/pkg/anthropic"
)

// fakeKB is an in-memory EntityFetcher.
type fakeKB struct {
	mu       sync.Mutex
	entities map[string]*wikibase.Entity
	err      error
}

func (f *fakeKB) FetchEntity(_ context.Context, entityID string) (*wikibase.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ent, ok := f.entities[entityID]
	if !ok {
		return nil, eris.Errorf("wikibase: fetch entity %s: not found", entityID)
	}
	return ent, nil
}

// fakeAI implements anthropic.Client. The batch always ends on the
// first poll with the canned results.
type fakeAI struct {
	mu       sync.Mutex
	requests []anthropic.MessageRequest
	reply    func(req anthropic.MessageRequest) (*anthropic.MessageResponse, error)

	batches  []anthropic.BatchRequest
	results  []anthropic.BatchResultItem
	batchErr error
}

func (f *fakeAI) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(req)
	}
	return textResponse(`{"match": true, "reason": "same person"}`), nil
}

func (f *fakeAI) CreateBatch(_ context.Context, req anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	f.batches = append(f.batches, req)
	return &anthropic.BatchResponse{ID: "batch-1", ProcessingStatus: "in_progress"}, nil
}

func (f *fakeAI) GetBatch(_ context.Context, batchID string) (*anthropic.BatchResponse, error) {
	return &anthropic.BatchResponse{ID: batchID, ProcessingStatus: "ended"}, nil
}

func (f *fakeAI) GetBatchResults(context.Context, string) (anthropic.BatchResultIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fakeResultIterator{items: f.results}, nil
}

func (f *fakeAI) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeAI) firstRequest() anthropic.MessageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[0]
}

type fakeResultIterator struct {
	items []anthropic.BatchResultItem
	pos   int
}

func (it *fakeResultIterator) Next() bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *fakeResultIterator) Item() anthropic.BatchResultItem { return it.items[it.pos-1] }
func (it *fakeResultIterator) Err() error                      { return nil }
func (it *fakeResultIterator) Close() error                    { return nil }

func reviewEntity(id, label, desc string, aliases ...string) *wikibase.Entity {
	return &wikibase.Entity{
		ID:           id,
		Labels:       map[string]string{"en": label},
		Descriptions: map[string]string{"en": desc},
		Aliases:      map[string][]string{"en": aliases},
	}
}

func conflictOutcome(lccn, heading, entityID, reason string, existing ...string) model.TupleOutcome {
	return model.TupleOutcome{
		Tuple: model.ActivityTuple{
			AuthorityID:   lccn,
			UpdateDate:    "2024-03-14",
			PublishedDate: "2024-03-14",
		},
		Heading:   heading,
		Decisions: []model.MergeDecision{model.Conflict(entityID, reason, existing)},
	}
}

func conflictReport(outcomes ...model.TupleOutcome) *model.RunReport {
	return &model.RunReport{
		RunID:     "run-1",
		StartedAt: time.Date(2024, time.March, 14, 9, 30, 0, 0, time.UTC),
		Outcomes:  outcomes,
	}
}

func testPolicy() Policy {
	pol := DefaultPolicy()
	pol.Concurrency = 2
	return pol
}

func TestItemsFromReport_ExpandsCandidates(t *testing.T) {
	rep := conflictReport(
		conflictOutcome("n79021164", "Twain, Mark, 1835-1910", "Q7245", "duplicate claim for same authority id", "n79021164", "n79021164"),
		conflictOutcome("n80001234", "Doe, Jane", "", "multiple knowledge-base candidates", "Q5", "Q6"),
	)

	items := ItemsFromReport(rep)
	require.Len(t, items, 3)
	assert.Equal(t, "Q7245", items[0].EntityID)
	assert.Equal(t, "Q5", items[1].EntityID)
	assert.Equal(t, "Q6", items[2].EntityID)
	assert.Equal(t, "n80001234", items[1].LCCN)
	assert.Equal(t, "Doe, Jane", items[2].Heading)
	assert.Equal(t, "multiple knowledge-base candidates", items[2].Flag)
}

func TestEvaluate_NoConflicts(t *testing.T) {
	ai := &fakeAI{}
	kb := &fakeKB{}
	rep := conflictReport(model.TupleOutcome{
		Tuple:     model.ActivityTuple{AuthorityID: "n1"},
		Decisions: []model.MergeDecision{model.NoAction("Q1", "authorized heading already current")},
	})

	evals, err := NewEvaluator(ai, kb, testPolicy()).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	assert.Nil(t, evals)
	assert.Zero(t, ai.messageCount())
}

func TestEvaluate_Direct(t *testing.T) {
	ai := &fakeAI{}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
		"Q2": reviewEntity("Q2", "Jane Doe", "physicist", "J. Doe"),
	}}
	rep := conflictReport(
		conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"),
		conflictOutcome("n2", "Doe, Jane", "Q2", "duplicate claim for same authority id"),
	)

	pol := testPolicy()
	evals, err := NewEvaluator(ai, kb, pol).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 2)

	assert.Equal(t, "Q1", evals[0].Item.EntityID)
	assert.True(t, evals[0].Match)
	assert.Equal(t, "same person", evals[0].Reason)
	assert.Empty(t, evals[0].Err)
	assert.True(t, evals[1].Match)

	assert.Equal(t, 2, ai.messageCount())
	req := ai.firstRequest()
	assert.Equal(t, pol.Model, req.Model)
	assert.Equal(t, pol.MaxTokens, req.MaxTokens)
	require.Len(t, req.System, 1)
	assert.Equal(t, pol.Instructions, req.System[0].Text)
	assert.Nil(t, req.System[0].CacheControl)
}

func TestEvaluate_DirectVerdictPerEntity(t *testing.T) {
	ai := &fakeAI{reply: func(req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		if strings.Contains(req.Messages[0].Content, "Knowledge-base entity Q2:") {
			return textResponse(`{"match": false, "reason": "birth years differ"}`), nil
		}
		return textResponse(`{"match": true, "reason": "same person"}`), nil
	}}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
		"Q2": reviewEntity("Q2", "Jane Doe", "physicist", "J. Doe"),
	}}
	rep := conflictReport(
		conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"),
		conflictOutcome("n2", "Doe, Jane", "Q2", "duplicate claim for same authority id"),
	)

	evals, err := NewEvaluator(ai, kb, testPolicy()).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.True(t, evals[0].Match)
	assert.False(t, evals[1].Match)
	assert.Equal(t, "birth years differ", evals[1].Reason)
}

func TestEvaluate_FetchFailureRecorded(t *testing.T) {
	ai := &fakeAI{}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
	}}
	rep := conflictReport(
		conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"),
		conflictOutcome("n2", "Doe, Jane", "Q2", "duplicate claim for same authority id"),
	)

	evals, err := NewEvaluator(ai, kb, testPolicy()).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Empty(t, evals[0].Err)
	assert.Contains(t, evals[1].Err, "fetch entity Q2")
	assert.Equal(t, 1, ai.messageCount())
}

func TestEvaluate_SparseEntitySkipsModel(t *testing.T) {
	ai := &fakeAI{}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": {ID: "Q1", Labels: map[string]string{"en": "Mark Twain"}},
	}}
	rep := conflictReport(conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"))

	evals, err := NewEvaluator(ai, kb, testPolicy()).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, "not enough entity context to compare", evals[0].Err)
	assert.Zero(t, ai.messageCount())
}

func TestEvaluate_ModelErrorRecorded(t *testing.T) {
	ai := &fakeAI{reply: func(anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return nil, eris.New("anthropic: create message: boom")
	}}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
	}}
	rep := conflictReport(conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"))

	evals, err := NewEvaluator(ai, kb, testPolicy()).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Contains(t, evals[0].Err, "boom")
}

func TestEvaluate_UnparseableVerdictRecorded(t *testing.T) {
	ai := &fakeAI{reply: func(anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
		return textResponse("I cannot tell."), nil
	}}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
	}}
	rep := conflictReport(conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"))

	evals, err := NewEvaluator(ai, kb, testPolicy()).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Contains(t, evals[0].Err, "review: no JSON")
}

func TestEvaluate_BatchMode(t *testing.T) {
	ai := &fakeAI{results: []anthropic.BatchResultItem{
		{CustomID: "conflict-0", Type: "succeeded", Message: textResponse(`{"match": true, "reason": "same person"}`)},
		{CustomID: "conflict-1", Type: "succeeded", Message: textResponse(`{"match": false, "reason": "different fields"}`)},
		{CustomID: "conflict-2", Type: "errored"},
	}}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
		"Q2": reviewEntity("Q2", "Jane Doe", "physicist", "J. Doe"),
		"Q3": reviewEntity("Q3", "Pat Brown", "painter", "P. Brown"),
	}}
	rep := conflictReport(
		conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"),
		conflictOutcome("n2", "Doe, Jane", "Q2", "duplicate claim for same authority id"),
		conflictOutcome("n3", "Brown, Pat", "Q3", "duplicate claim for same authority id"),
	)

	pol := testPolicy()
	pol.BatchThreshold = 2
	evals, err := NewEvaluator(ai, kb, pol).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 3)

	assert.True(t, evals[0].Match)
	assert.False(t, evals[1].Match)
	assert.Equal(t, "different fields", evals[1].Reason)
	assert.Equal(t, "batch item errored", evals[2].Err)

	// One primer call, one batch, cached system blocks on every item.
	assert.Equal(t, 1, ai.messageCount())
	require.Len(t, ai.batches, 1)
	require.Len(t, ai.batches[0].Requests, 3)
	assert.Equal(t, "conflict-0", ai.batches[0].Requests[0].CustomID)
	sys := ai.batches[0].Requests[0].Params.System
	require.Len(t, sys, 1)
	require.NotNil(t, sys[0].CacheControl)
	assert.Equal(t, "1h", sys[0].CacheControl.TTL)
}

func TestEvaluate_BatchSkipsUnfetchableItems(t *testing.T) {
	ai := &fakeAI{results: []anthropic.BatchResultItem{
		{CustomID: "conflict-0", Type: "succeeded", Message: textResponse(`{"match": true, "reason": "same person"}`)},
	}}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
	}}
	rep := conflictReport(
		conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"),
		conflictOutcome("n2", "Doe, Jane", "Q2", "duplicate claim for same authority id"),
	)

	pol := testPolicy()
	pol.BatchThreshold = 2
	evals, err := NewEvaluator(ai, kb, pol).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.True(t, evals[0].Match)
	assert.Contains(t, evals[1].Err, "fetch entity Q2")

	require.Len(t, ai.batches, 1)
	assert.Len(t, ai.batches[0].Requests, 1)
}

func TestEvaluate_BatchNothingFetchable(t *testing.T) {
	ai := &fakeAI{}
	kb := &fakeKB{err: eris.New("wikibase: fetch entity: status 503")}
	rep := conflictReport(
		conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"),
		conflictOutcome("n2", "Doe, Jane", "Q2", "duplicate claim for same authority id"),
	)

	pol := testPolicy()
	pol.BatchThreshold = 2
	evals, err := NewEvaluator(ai, kb, pol).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.NotEmpty(t, evals[0].Err)
	assert.NotEmpty(t, evals[1].Err)
	assert.Zero(t, ai.messageCount())
	assert.Empty(t, ai.batches)
}

func TestEvaluate_BatchCreateError(t *testing.T) {
	ai := &fakeAI{batchErr: eris.New("anthropic: create batch: boom")}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
		"Q2": reviewEntity("Q2", "Jane Doe", "physicist", "J. Doe"),
	}}
	rep := conflictReport(
		conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"),
		conflictOutcome("n2", "Doe, Jane", "Q2", "duplicate claim for same authority id"),
	)

	pol := testPolicy()
	pol.BatchThreshold = 2
	_, err := NewEvaluator(ai, kb, pol).Evaluate(context.Background(), rep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "review: create batch")
}

func TestEvaluate_BatchMissingResult(t *testing.T) {
	ai := &fakeAI{results: []anthropic.BatchResultItem{
		{CustomID: "conflict-0", Type: "succeeded", Message: textResponse(`{"match": true, "reason": "same person"}`)},
	}}
	kb := &fakeKB{entities: map[string]*wikibase.Entity{
		"Q1": reviewEntity("Q1", "Mark Twain", "American author", "Samuel Clemens"),
		"Q2": reviewEntity("Q2", "Jane Doe", "physicist", "J. Doe"),
	}}
	rep := conflictReport(
		conflictOutcome("n1", "Twain, Mark, 1835-1910", "Q1", "duplicate claim for same authority id"),
		conflictOutcome("n2", "Doe, Jane", "Q2", "duplicate claim for same authority id"),
	)

	pol := testPolicy()
	pol.BatchThreshold = 2
	evals, err := NewEvaluator(ai, kb, pol).Evaluate(context.Background(), rep)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.True(t, evals[0].Match)
	assert.Equal(t, "missing from batch results", evals[1].Err)
}

func TestItemIndex(t *testing.T) {
	i, ok := itemIndex("conflict-3", 5)
	assert.True(t, ok)
	assert.Equal(t, 3, i)

	_, ok = itemIndex("conflict-9", 5)
	assert.False(t, ok)
	_, ok = itemIndex("other-1", 5)
	assert.False(t, ok)
}
