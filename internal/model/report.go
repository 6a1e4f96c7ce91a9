package model

import "time"

// Outcome error kinds, reported per tuple when processing failed.
const (
	ErrKindRecordUnavailable = "record_unavailable"
	ErrKindMalformedRecord   = "malformed_record"
	ErrKindEntityUnavailable = "entity_unavailable"
	ErrKindOther             = "other"
)

// TupleOutcome records what happened to one ActivityTuple: either the merge
// decisions for each candidate id, or the failure that prevented them.
// Heading is the authorized heading extracted from the record, kept so
// downstream consumers need not re-fetch it.
type TupleOutcome struct {
	Tuple     ActivityTuple   `json:"tuple"`
	Heading   string          `json:"heading,omitempty"`
	Decisions []MergeDecision `json:"decisions,omitempty"`
	ErrKind   string          `json:"err_kind,omitempty"`
	Err       string          `json:"err,omitempty"`
}

// Failed reports whether the tuple errored instead of settling.
func (o TupleOutcome) Failed() bool { return o.Err != "" }

// RunReport accumulates one run's outcomes in feed order, plus run
// metadata. Finalized once per run, never mutated afterward.
type RunReport struct {
	RunID       string         `json:"run_id"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	PagesWalked int            `json:"pages_walked"`
	DryRun      bool           `json:"dry_run"`
	Outcomes    []TupleOutcome `json:"outcomes"`
}

// Counts tallies outcomes by decision kind, plus failures.
type Counts struct {
	NoAction         int `json:"no_action"`
	QualifierUpdated int `json:"qualifier_updated"`
	ClaimAdded       int `json:"claim_added"`
	Conflicts        int `json:"conflicts"`
	Failures         int `json:"failures"`
}

// Total returns the number of settled decisions plus failures.
func (c Counts) Total() int {
	return c.NoAction + c.QualifierUpdated + c.ClaimAdded + c.Conflicts + c.Failures
}

// Counts tallies the report's outcomes by kind.
func (r *RunReport) Counts() Counts {
	var c Counts
	for _, o := range r.Outcomes {
		if o.Failed() {
			c.Failures++
			continue
		}
		for _, d := range o.Decisions {
			switch d.Kind {
			case DecisionNoAction:
				c.NoAction++
			case DecisionQualifierUpdated:
				c.QualifierUpdated++
			case DecisionClaimAdded:
				c.ClaimAdded++
			case DecisionConflict:
				c.Conflicts++
			}
		}
	}
	return c
}

// ConflictRow is one flagged conflict with the tuple context a reviewer
// needs to judge it.
type ConflictRow struct {
	Tuple    ActivityTuple `json:"tuple"`
	Heading  string        `json:"heading,omitempty"`
	Decision MergeDecision `json:"decision"`
}

// Conflicts returns every ConflictFlagged decision with its tuple, in
// report order.
func (r *RunReport) Conflicts() []ConflictRow {
	var rows []ConflictRow
	for _, o := range r.Outcomes {
		for _, d := range o.Decisions {
			if d.Kind == DecisionConflict {
				rows = append(rows, ConflictRow{Tuple: o.Tuple, Heading: o.Heading, Decision: d})
			}
		}
	}
	return rows
}

// RunRecord is the persisted summary of one run, kept in the store for
// status reporting.
type RunRecord struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Status      string    `json:"status"`
	DryRun      bool      `json:"dry_run"`
	PagesWalked int       `json:"pages_walked"`
	Processed   int       `json:"processed"`
	Failures    int       `json:"failures"`
	Conflicts   int       `json:"conflicts"`
	Error       string    `json:"error,omitempty"`
}

// Run statuses recorded in the store.
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
)
