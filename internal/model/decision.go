package model

// DecisionKind identifies the outcome of one merge call.
type DecisionKind string

const (
	DecisionNoAction         DecisionKind = "no_action"
	DecisionQualifierUpdated DecisionKind = "qualifier_updated"
	DecisionClaimAdded       DecisionKind = "claim_added"
	DecisionConflict         DecisionKind = "conflict"
)

// ClaimReference is the provenance attached to a newly added claim.
type ClaimReference struct {
	StatedIn  string `json:"stated_in"`
	Retrieved string `json:"retrieved"`
}

// MergeDecision is the result of merging one authority record against one
// knowledge-base entity. Exactly one is produced per candidate id that
// reaches the merger.
type MergeDecision struct {
	Kind           DecisionKind    `json:"kind"`
	EntityID       string          `json:"entity_id,omitempty"`
	OldQualifier   string          `json:"old_qualifier,omitempty"`
	NewQualifier   string          `json:"new_qualifier,omitempty"`
	Reference      *ClaimReference `json:"reference,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	ExistingValues []string        `json:"existing_values,omitempty"`
}

// NoAction reports that the entity already carries the desired state, or
// that there was nothing to do for this tuple.
func NoAction(entityID, reason string) MergeDecision {
	return MergeDecision{Kind: DecisionNoAction, EntityID: entityID, Reason: reason}
}

// QualifierUpdated reports that the matching claim's qualifier was rewritten.
func QualifierUpdated(entityID, old, updated string) MergeDecision {
	return MergeDecision{Kind: DecisionQualifierUpdated, EntityID: entityID, OldQualifier: old, NewQualifier: updated}
}

// ClaimAdded reports that a new authority claim was created on the entity.
func ClaimAdded(entityID, qualifier string, ref ClaimReference) MergeDecision {
	return MergeDecision{Kind: DecisionClaimAdded, EntityID: entityID, NewQualifier: qualifier, Reference: &ref}
}

// Conflict reports a state requiring human judgment. Nothing was written.
func Conflict(entityID, reason string, existing []string) MergeDecision {
	return MergeDecision{Kind: DecisionConflict, EntityID: entityID, Reason: reason, ExistingValues: existing}
}
