package marc

import (
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/fetcher"
	"github.com/openauthority/authsync/internal/model"
)

var (
	// ErrRecordUnavailable marks a record that could not be fetched.
	// Retried on the next run.
	ErrRecordUnavailable = eris.New("authority record unavailable")
	// ErrMalformedRecord marks a record that fetched but is missing the
	// fields the pipeline needs.
	ErrMalformedRecord = eris.New("authority record malformed")
)

// Tags scanned for knowledge-base entity references.
const (
	tagIdentifier = "024" // other standard identifier, any subfield
	tagCitation   = "670" // source data found, $u carries the source URL
)

// defaultDomain is the public knowledge base. Configuration can point
// the scan at another Wikibase host.
const defaultDomain = "wikidata.org"

var entityBare = regexp.MustCompile(`^Q[0-9]+$`)

// Extractor downloads authority records and reduces them to the facts
// the merger needs: the record's own id, its authorized heading, and any
// knowledge-base entities the record points at.
type Extractor struct {
	fetcher   fetcher.Fetcher
	entityURL *regexp.Regexp
	mention   string
}

// NewExtractor builds an extractor over the given transport. domain is
// the knowledge-base host entity URLs are matched under; empty falls
// back to wikidata.org.
func NewExtractor(f fetcher.Fetcher, domain string) *Extractor {
	if domain == "" {
		domain = defaultDomain
	}
	mention, _, _ := strings.Cut(domain, ".")
	return &Extractor{
		fetcher:   f,
		entityURL: regexp.MustCompile(regexp.QuoteMeta(domain) + `/.*?/(Q[0-9]+)`),
		mention:   strings.ToLower(mention),
	}
}

// Extract fetches the tuple's MARCXML rendition and pulls out the merge
// inputs. Fetch failures map to ErrRecordUnavailable, everything the
// parser or the field scan cannot locate maps to ErrMalformedRecord.
func (e *Extractor) Extract(ctx context.Context, tuple model.ActivityTuple) (*model.BibliographicRecord, error) {
	log := zap.L().With(
		zap.String("component", "marc"),
		zap.String("lccn", tuple.AuthorityID))

	body, err := e.fetcher.Download(ctx, tuple.RecordURL())
	if err != nil {
		return nil, eris.Wrapf(ErrRecordUnavailable, "marc: fetch %s: %v", tuple.AuthorityID, err)
	}
	data, err := io.ReadAll(body)
	body.Close() //nolint:errcheck
	if err != nil {
		return nil, eris.Wrapf(ErrRecordUnavailable, "marc: read %s: %v", tuple.AuthorityID, err)
	}

	rec, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(ErrMalformedRecord, "marc: parse %s: %v", tuple.AuthorityID, err)
	}

	id := rec.ControlValue("001")
	if id == "" {
		return nil, eris.Wrapf(ErrMalformedRecord, "marc: %s carries no control number", tuple.AuthorityID)
	}
	heading := rec.Heading()
	if heading == "" {
		return nil, eris.Wrapf(ErrMalformedRecord, "marc: %s carries no heading field", tuple.AuthorityID)
	}

	candidates := e.candidateIDs(rec)
	if len(candidates) == 0 && e.mentionsKnowledgeBase(rec) {
		// The record talks about the knowledge base somewhere the scan
		// does not cover. Worth knowing when cataloging practice drifts.
		log.Warn("record mentions the knowledge base but no entity id matched")
	}

	return &model.BibliographicRecord{
		AuthorityID:       id,
		AuthorizedHeading: heading,
		CandidateIDs:      candidates,
	}, nil
}

// candidateIDs collects entity ids from the identifier fields and the
// citation URL subfields. Ids appear either as bare tokens or inside
// knowledge-base URLs. Document order, duplicates collapsed.
func (e *Extractor) candidateIDs(rec *Record) []string {
	var values []string
	for _, f := range rec.Fields(tagIdentifier) {
		values = append(values, f.Values("")...)
	}
	for _, f := range rec.Fields(tagCitation) {
		values = append(values, f.Values("u")...)
	}

	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, v := range values {
		v = strings.TrimSpace(v)
		if entityBare.MatchString(v) {
			add(v)
			continue
		}
		for _, m := range e.entityURL.FindAllStringSubmatch(v, -1) {
			add(m[1])
		}
	}
	return ids
}

// mentionsKnowledgeBase reports whether any field value names the
// knowledge-base domain.
func (e *Extractor) mentionsKnowledgeBase(rec *Record) bool {
	for _, f := range rec.DataFields {
		for _, sf := range f.Subfields {
			if strings.Contains(strings.ToLower(sf.Value), e.mention) {
				return true
			}
		}
	}
	return false
}
