package model

import "strings"

// ActivityTuple is one unit of feed-reported change: an authority record
// update announced on one activity-stream page.
type ActivityTuple struct {
	AuthorityID   string `json:"authority_id"`
	UpdateDate    string `json:"update_date"`
	PublishedDate string `json:"published_date"`
	RecordRef     string `json:"record_ref"`
}

// UniqueID derives the ledger key for the tuple. Two tuples for the same
// authority id with different dates are distinct units of work.
func (t ActivityTuple) UniqueID() string {
	return t.AuthorityID + "-" + t.UpdateDate + "-" + t.PublishedDate
}

// RecordURL is the MARCXML download location for the tuple's authority
// record. The feed announces id.loc.gov records over plain http; the
// registry serves the XML rendition at the same path with a format
// suffix, and only over TLS.
func (t ActivityTuple) RecordURL() string {
	u := strings.Replace(t.RecordRef, "http://id.loc.gov/", "https://id.loc.gov/", 1)
	return u + ".marcxml.xml"
}
