// Package report renders run artifacts: the daily XML action log
// consumed by downstream tooling, the full JSON report, the conflict
// review workbook, and the optional Notion publication.
package report

import (
	"encoding/xml"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/openauthority/authsync/internal/model"
)

// Namespace identifies the action-log document format.
const Namespace = "info:lc/lds-id/log"

// Actions recorded in the log, one logDetail per write or flag.
const (
	ActionNamedAsChange = "NAMED_AS_CHANGE"
	ActionNamedAsAdded  = "NAMED_AS_ADDED"
	ActionNeedReview    = "NEED_REVIEW"
)

// AddAction names the action recorded when a new claim is created under
// property, e.g. ADD_P244.
func AddAction(property string) string { return "ADD_" + property }

// Log is one run's action document. NoAction outcomes and failures are
// not logged here; the JSON report carries the full picture.
type Log struct {
	XMLName xml.Name    `xml:"log"`
	Xmlns   string      `xml:"xmlns,attr"`
	Details []LogDetail `xml:"logDetail"`
}

// LogDetail is one recorded action. Old and new carry the qualifier
// values for change actions and are empty otherwise.
type LogDetail struct {
	LCCN   string `xml:"lccn,attr"`
	QID    string `xml:"qid,attr"`
	Action string `xml:"action,attr"`
	Old    string `xml:"old,attr"`
	New    string `xml:"new,attr"`
}

// BuildLog reduces a run report to its action log. authorityProp names
// the claim property in add actions.
func BuildLog(rep *model.RunReport, authorityProp string) *Log {
	lg := &Log{Xmlns: Namespace}
	for _, o := range rep.Outcomes {
		for _, d := range o.Decisions {
			switch d.Kind {
			case model.DecisionQualifierUpdated:
				action := ActionNamedAsChange
				if d.OldQualifier == "" {
					action = ActionNamedAsAdded
				}
				lg.Details = append(lg.Details, LogDetail{
					LCCN:   o.Tuple.AuthorityID,
					QID:    d.EntityID,
					Action: action,
					Old:    d.OldQualifier,
					New:    d.NewQualifier,
				})
			case model.DecisionClaimAdded:
				lg.Details = append(lg.Details, LogDetail{
					LCCN:   o.Tuple.AuthorityID,
					QID:    d.EntityID,
					Action: AddAction(authorityProp),
				})
			case model.DecisionConflict:
				lg.Details = append(lg.Details, LogDetail{
					LCCN:   o.Tuple.AuthorityID,
					QID:    d.EntityID,
					Action: ActionNeedReview,
					New:    reviewNote(d),
				})
			}
		}
	}
	return lg
}

// reviewNote renders a conflict for the log's free-text new attribute.
func reviewNote(d model.MergeDecision) string {
	if len(d.ExistingValues) == 0 {
		return d.Reason
	}
	return d.Reason + ": " + strings.Join(d.ExistingValues, ", ")
}

// Marshal renders the document with an XML header.
func (l *Log) Marshal() ([]byte, error) {
	out, err := xml.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "report: marshal log")
	}
	return append([]byte(xml.Header), out...), nil
}

// ParseLog reads a previously written action log.
func ParseLog(data []byte) (*Log, error) {
	var lg Log
	if err := xml.Unmarshal(data, &lg); err != nil {
		return nil, eris.Wrap(err, "report: parse log")
	}
	return &lg, nil
}
