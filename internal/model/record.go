package model

// BibliographicRecord holds the facts extracted from one fetched authority
// record. Immutable once extracted.
type BibliographicRecord struct {
	AuthorityID       string   `json:"authority_id"`
	AuthorizedHeading string   `json:"authorized_heading"`
	CandidateIDs      []string `json:"candidate_ids"`
}
