package marc

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/openauthority/authsync/internal/fetcher"
)

// Namespace is the MARCXML slim namespace authority records are
// published under.
const Namespace = "http://www.loc.gov/MARC21/slim"

// Collection is the multi-record wrapper some renditions use.
type Collection struct {
	XMLName xml.Name `xml:"collection"`
	Records []Record `xml:"record"`
}

// Record is one MARC authority record in its XML rendition.
type Record struct {
	XMLName       xml.Name       `xml:"record"`
	Leader        string         `xml:"leader"`
	ControlFields []ControlField `xml:"controlfield"`
	DataFields    []DataField    `xml:"datafield"`
}

// ControlField carries a fixed value such as the record identifier.
type ControlField struct {
	Tag   string `xml:"tag,attr"`
	Value string `xml:",chardata"`
}

// DataField groups coded subfields under a three-digit tag.
type DataField struct {
	Tag       string     `xml:"tag,attr"`
	Ind1      string     `xml:"ind1,attr"`
	Ind2      string     `xml:"ind2,attr"`
	Subfields []Subfield `xml:"subfield"`
}

// Subfield is one coded value inside a data field.
type Subfield struct {
	Code  string `xml:"code,attr"`
	Value string `xml:",chardata"`
}

// Parse decodes a MARCXML document. Both the bare record rendition and
// the collection wrapper are accepted; for a collection the first record
// wins.
func Parse(data []byte) (*Record, error) {
	rec, recErr := fetcher.DecodeXML[Record](bytes.NewReader(data))
	if recErr == nil {
		return rec, nil
	}
	coll, err := fetcher.DecodeXML[Collection](bytes.NewReader(data))
	if err != nil {
		return nil, recErr
	}
	if len(coll.Records) == 0 {
		return nil, eris.New("marc: collection holds no records")
	}
	return &coll.Records[0], nil
}

// ControlValue returns the first control field carrying the tag,
// whitespace-trimmed, or "" when absent.
func (r *Record) ControlValue(tag string) string {
	for _, f := range r.ControlFields {
		if f.Tag == tag {
			return strings.TrimSpace(f.Value)
		}
	}
	return ""
}

// Fields returns every data field carrying the tag, in document order.
func (r *Record) Fields(tag string) []DataField {
	var out []DataField
	for _, f := range r.DataFields {
		if f.Tag == tag {
			out = append(out, f)
		}
	}
	return out
}

// Values returns the subfield values for the code, in order. An empty
// code selects every subfield.
func (f DataField) Values(code string) []string {
	var out []string
	for _, sf := range f.Subfields {
		if code == "" || sf.Code == code {
			out = append(out, sf.Value)
		}
	}
	return out
}

// Heading returns the authorized heading: the subfield values of the
// first 1XX field joined with single spaces. Empty when the record has
// no 1XX field.
func (r *Record) Heading() string {
	for _, f := range r.DataFields {
		if !strings.HasPrefix(f.Tag, "1") {
			continue
		}
		var parts []string
		for _, sf := range f.Subfields {
			if v := strings.TrimSpace(sf.Value); v != "" {
				parts = append(parts, v)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}
