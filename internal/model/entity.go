package model

// AuthorityClaim is one authority-id claim on a knowledge-base entity,
// reduced to the parts the merge algorithm reads.
type AuthorityClaim struct {
	GUID             string `json:"guid"`
	Value            string `json:"value"`
	QualifierHeading string `json:"qualifier_heading,omitempty"`
	HasReference     bool   `json:"has_reference"`
}

// EntitySnapshot is the subset of a knowledge-base entity's state relevant
// to merging: its id and the claims under the authority property.
type EntitySnapshot struct {
	EntityID        string           `json:"entity_id"`
	AuthorityClaims []AuthorityClaim `json:"authority_claims"`
}
