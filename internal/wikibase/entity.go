package wikibase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/openauthority/authsync/internal/fetcher"
	"github.com/openauthority/authsync/internal/model"
)

// Entity is one knowledge-base item: the merge-relevant claim snapshot
// plus its terms, which the conflict reviewer uses for context.
type Entity struct {
	ID           string
	Snapshot     model.EntitySnapshot
	Labels       map[string]string
	Descriptions map[string]string
	Aliases      map[string][]string

	// RawClaims holds the original claim JSON under the authority
	// property, keyed by claim GUID. Qualifier updates round-trip this
	// document so value, rank, and references survive untouched.
	RawClaims map[string]json.RawMessage
}

type entityDataDoc struct {
	Entities map[string]entityDoc `json:"entities"`
}

type entityDoc struct {
	ID           string                       `json:"id"`
	Type         string                       `json:"type"`
	Labels       map[string]termValue         `json:"labels"`
	Descriptions map[string]termValue         `json:"descriptions"`
	Aliases      map[string][]termValue       `json:"aliases"`
	Claims       map[string][]json.RawMessage `json:"claims"`
}

type termValue struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

// claimView is the slice of a claim the snapshot reads. Decoded from the
// raw JSON, never written back.
type claimView struct {
	ID       string `json:"id"`
	MainSnak struct {
		DataValue struct {
			Value json.RawMessage `json:"value"`
			Type  string          `json:"type"`
		} `json:"datavalue"`
	} `json:"mainsnak"`
	Qualifiers map[string][]struct {
		DataValue struct {
			Value json.RawMessage `json:"value"`
			Type  string          `json:"type"`
		} `json:"datavalue"`
	} `json:"qualifiers"`
	References []json.RawMessage `json:"references"`
}

func (c *apiClient) FetchEntity(ctx context.Context, entityID string) (*Entity, error) {
	u := fmt.Sprintf("%s/%s.json", strings.TrimSuffix(c.entityDataURL, "/"), entityID)
	doc, err := fetcher.FetchJSON[entityDataDoc](ctx, c.fetcher, u)
	if err != nil {
		return nil, eris.Wrapf(ErrEntityUnavailable, "wikibase: fetch %s: %v", entityID, err)
	}

	// A redirected entity comes back keyed by its target id.
	ent, ok := doc.Entities[entityID]
	if !ok {
		for _, e := range doc.Entities {
			ent = e
			ok = true
			break
		}
	}
	if !ok {
		return nil, eris.Wrapf(ErrEntityUnavailable, "wikibase: %s missing from entity data", entityID)
	}

	out := &Entity{
		ID:           ent.ID,
		Labels:       make(map[string]string, len(ent.Labels)),
		Descriptions: make(map[string]string, len(ent.Descriptions)),
		Aliases:      make(map[string][]string, len(ent.Aliases)),
		RawClaims:    make(map[string]json.RawMessage),
	}
	for lang, t := range ent.Labels {
		out.Labels[lang] = t.Value
	}
	for lang, t := range ent.Descriptions {
		out.Descriptions[lang] = t.Value
	}
	for lang, ts := range ent.Aliases {
		for _, t := range ts {
			out.Aliases[lang] = append(out.Aliases[lang], t.Value)
		}
	}

	snapshot := model.EntitySnapshot{EntityID: ent.ID}
	for _, raw := range ent.Claims[c.authorityProp] {
		var view claimView
		if err := json.Unmarshal(raw, &view); err != nil {
			return nil, eris.Wrapf(err, "wikibase: decode claim on %s", ent.ID)
		}

		claim := model.AuthorityClaim{
			GUID:         view.ID,
			Value:        stringValue(view.MainSnak.DataValue.Value),
			HasReference: len(view.References) > 0,
		}
		if quals := view.Qualifiers[c.qualifierProp]; len(quals) > 0 {
			claim.QualifierHeading = stringValue(quals[0].DataValue.Value)
		}

		snapshot.AuthorityClaims = append(snapshot.AuthorityClaims, claim)
		out.RawClaims[view.ID] = raw
	}
	out.Snapshot = snapshot

	return out, nil
}

// stringValue decodes a snak datavalue that should be a JSON string.
// Missing or differently-typed values come back empty.
func stringValue(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}
