// Package reconcile drives reconciliation runs: walk the activity feed,
// extract each changed authority record, merge it into the knowledge
// base, and mark settled tuples in the ledger.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/feed"
	"github.com/openauthority/authsync/internal/ledger"
	"github.com/openauthority/authsync/internal/marc"
	"github.com/openauthority/authsync/internal/model"
	"github.com/openauthority/authsync/internal/wikibase"
)

// Walker yields the batch of not-yet-processed activity tuples.
type Walker interface {
	Walk(ctx context.Context) (*feed.WalkResult, error)
}

// Extractor turns one activity tuple into its bibliographic facts.
type Extractor interface {
	Extract(ctx context.Context, tuple model.ActivityTuple) (*model.BibliographicRecord, error)
}

// Coordinator runs one batch to completion. Per-tuple failures are
// reported and left unmarked so the next run retries them; only a
// ledger write failure aborts the run.
type Coordinator struct {
	ledger    ledger.Ledger
	walker    Walker
	extractor Extractor
	client    wikibase.Client
	statedIn  string
	dryRun    bool
}

// NewCoordinator wires the run collaborators. statedIn is the item the
// added references cite as their source.
func NewCoordinator(led ledger.Ledger, w Walker, ex Extractor, client wikibase.Client, statedIn string, dryRun bool) *Coordinator {
	return &Coordinator{
		ledger:    led,
		walker:    w,
		extractor: ex,
		client:    client,
		statedIn:  statedIn,
		dryRun:    dryRun,
	}
}

// Run executes one reconciliation run and returns its report. The report
// is non-nil whenever the walk succeeded, even if the run then aborted
// on a ledger write. ErrRunActive comes back unwrapped when another run
// holds the lock.
func (c *Coordinator) Run(ctx context.Context) (*model.RunReport, error) {
	log := zap.L().With(zap.String("component", "reconcile"))
	started := time.Now().UTC()

	if err := c.ledger.AcquireRunLock(ctx); err != nil {
		return nil, err
	}
	defer func() {
		// Release with a fresh context so a cancelled run still frees
		// the lock.
		if err := c.ledger.ReleaseRunLock(context.Background()); err != nil {
			log.Error("failed to release run lock", zap.Error(err))
		}
	}()

	rec := model.RunRecord{
		ID:        uuid.New().String(),
		StartedAt: started,
		Status:    model.RunStatusRunning,
		DryRun:    c.dryRun,
	}
	if err := c.ledger.RecordRun(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "reconcile: record run start")
	}

	log.Info("starting run", zap.String("run_id", rec.ID), zap.Bool("dry_run", c.dryRun))

	// Dry runs never edit, so anonymous reads suffice.
	if !c.dryRun {
		if err := c.client.Login(ctx); err != nil {
			c.finishRun(log, rec, nil, err)
			return nil, err
		}
	}

	walk, err := c.walker.Walk(ctx)
	if err != nil {
		c.finishRun(log, rec, nil, err)
		return nil, err
	}

	report := &model.RunReport{
		RunID:       rec.ID,
		StartedAt:   started,
		PagesWalked: walk.PagesWalked,
		DryRun:      c.dryRun,
		Outcomes:    make([]model.TupleOutcome, 0, len(walk.Tuples)),
	}

	merger := NewMerger(c.client, c.statedIn, started)

	for _, tuple := range walk.Tuples {
		select {
		case <-ctx.Done():
			report.FinishedAt = time.Now().UTC()
			c.finishRun(log, rec, report, ctx.Err())
			return report, ctx.Err()
		default:
		}

		outcome := c.processTuple(ctx, merger, tuple)
		report.Outcomes = append(report.Outcomes, outcome)

		if outcome.Failed() {
			continue
		}
		// Dry runs leave the ledger untouched so a later real run still
		// sees this work.
		if c.dryRun {
			continue
		}
		if err := c.ledger.MarkCompleted(ctx, tuple); err != nil {
			err = eris.Wrapf(err, "reconcile: mark %s completed", tuple.UniqueID())
			report.FinishedAt = time.Now().UTC()
			c.finishRun(log, rec, report, err)
			return report, err
		}
	}

	report.FinishedAt = time.Now().UTC()
	c.finishRun(log, rec, report, nil)

	counts := report.Counts()
	log.Info("run complete",
		zap.Int("pages", report.PagesWalked),
		zap.Int("tuples", len(report.Outcomes)),
		zap.Int("no_action", counts.NoAction),
		zap.Int("updated", counts.QualifierUpdated),
		zap.Int("added", counts.ClaimAdded),
		zap.Int("conflicts", counts.Conflicts),
		zap.Int("failures", counts.Failures),
	)
	return report, nil
}

// processTuple settles one tuple: extract the record, then merge its
// candidate entity. A failure is recorded on the outcome instead of
// returned, the run always continues.
func (c *Coordinator) processTuple(ctx context.Context, merger *Merger, tuple model.ActivityTuple) model.TupleOutcome {
	log := zap.L().With(
		zap.String("component", "reconcile"),
		zap.String("lccn", tuple.AuthorityID),
	)
	out := model.TupleOutcome{Tuple: tuple}

	rec, err := c.extractor.Extract(ctx, tuple)
	if err != nil {
		log.Warn("record extraction failed", zap.Error(err))
		out.ErrKind = errKind(err)
		out.Err = err.Error()
		return out
	}
	out.Heading = rec.AuthorizedHeading

	switch len(rec.CandidateIDs) {
	case 0:
		log.Debug("no knowledge-base reference found")
		out.Decisions = append(out.Decisions, model.NoAction("", "no knowledge-base reference found"))
	case 1:
		dec, err := merger.Merge(ctx, rec.AuthorityID, rec.AuthorizedHeading, rec.CandidateIDs[0])
		if err != nil {
			log.Warn("merge failed", zap.String("entity", rec.CandidateIDs[0]), zap.Error(err))
			out.ErrKind = errKind(err)
			out.Err = err.Error()
			return out
		}
		out.Decisions = append(out.Decisions, dec)
	default:
		// A record naming several entities cannot be merged
		// mechanically, one authority id must not end up on all of
		// them. Flagged for review, nothing written.
		log.Warn("record references several entities", zap.Strings("candidates", rec.CandidateIDs))
		out.Decisions = append(out.Decisions, model.Conflict("", ReasonManyCandidates, rec.CandidateIDs))
	}
	return out
}

// finishRun records the run's terminal state. Best effort: the run
// history is advisory, a write failure here never fails the run.
func (c *Coordinator) finishRun(log *zap.Logger, rec model.RunRecord, report *model.RunReport, runErr error) {
	rec.FinishedAt = time.Now().UTC()
	if runErr != nil {
		rec.Status = model.RunStatusFailed
		rec.Error = runErr.Error()
	} else {
		rec.Status = model.RunStatusComplete
	}
	if report != nil {
		counts := report.Counts()
		rec.PagesWalked = report.PagesWalked
		rec.Processed = len(report.Outcomes)
		rec.Failures = counts.Failures
		rec.Conflicts = counts.Conflicts
	}
	if err := c.ledger.RecordRun(context.Background(), rec); err != nil {
		log.Error("failed to record run result", zap.Error(err))
	}
}

// errKind classifies a per-tuple failure for the report.
func errKind(err error) string {
	switch {
	case eris.Is(err, marc.ErrRecordUnavailable):
		return model.ErrKindRecordUnavailable
	case eris.Is(err, marc.ErrMalformedRecord):
		return model.ErrKindMalformedRecord
	case eris.Is(err, wikibase.ErrEntityUnavailable):
		return model.ErrKindEntityUnavailable
	default:
		return model.ErrKindOther
	}
}
