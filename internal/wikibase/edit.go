package wikibase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/fetcher"
	"github.com/openauthority/authsync/internal/resilience"
)

// Day precision on the Gregorian calendar, the knowledge base's encoding
// for a plain date.
const (
	dayPrecision      = 11
	gregorianCalendar = "http://www.wikidata.org/entity/Q1985727"
)

type dataValue struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

type snak struct {
	SnakType  string     `json:"snaktype"`
	Property  string     `json:"property"`
	DataValue *dataValue `json:"datavalue,omitempty"`
	DataType  string     `json:"datatype,omitempty"`
}

type reference struct {
	Snaks      map[string][]snak `json:"snaks"`
	SnaksOrder []string          `json:"snaks-order"`
}

type claim struct {
	MainSnak        snak              `json:"mainsnak"`
	Type            string            `json:"type"`
	Rank            string            `json:"rank"`
	Qualifiers      map[string][]snak `json:"qualifiers,omitempty"`
	QualifiersOrder []string          `json:"qualifiers-order,omitempty"`
	References      []reference       `json:"references,omitempty"`
}

type itemValue struct {
	EntityType string `json:"entity-type"`
	NumericID  int64  `json:"numeric-id,omitempty"`
	ID         string `json:"id"`
}

type timeValue struct {
	Time          string `json:"time"`
	Timezone      int    `json:"timezone"`
	Before        int    `json:"before"`
	After         int    `json:"after"`
	Precision     int    `json:"precision"`
	CalendarModel string `json:"calendarmodel"`
}

type editResponse struct {
	Success int       `json:"success"`
	Error   *apiError `json:"error"`
}

func stringSnak(property, value string) snak {
	return snak{
		SnakType:  "value",
		Property:  property,
		DataValue: &dataValue{Value: value, Type: "string"},
		DataType:  "string",
	}
}

func itemSnak(property, itemID string) snak {
	v := itemValue{EntityType: "item", ID: itemID}
	if n, err := strconv.ParseInt(strings.TrimPrefix(itemID, "Q"), 10, 64); err == nil {
		v.NumericID = n
	}
	return snak{
		SnakType:  "value",
		Property:  property,
		DataValue: &dataValue{Value: v, Type: "wikibase-entityid"},
		DataType:  "wikibase-item",
	}
}

func dateSnak(property string, day time.Time) snak {
	v := timeValue{
		Time:          "+" + day.UTC().Format("2006-01-02") + "T00:00:00Z",
		Precision:     dayPrecision,
		CalendarModel: gregorianCalendar,
	}
	return snak{
		SnakType:  "value",
		Property:  property,
		DataValue: &dataValue{Value: v, Type: "time"},
		DataType:  "time",
	}
}

// buildAuthorityClaim assembles the full new-claim document: external-id
// main snak, heading qualifier, and a stated-in plus retrieved reference.
func (c *apiClient) buildAuthorityClaim(authorityID, heading string, retrieved time.Time) claim {
	mainSnak := snak{
		SnakType:  "value",
		Property:  c.authorityProp,
		DataValue: &dataValue{Value: authorityID, Type: "string"},
		DataType:  "external-id",
	}

	return claim{
		MainSnak:        mainSnak,
		Type:            "statement",
		Rank:            "normal",
		Qualifiers:      map[string][]snak{c.qualifierProp: {stringSnak(c.qualifierProp, heading)}},
		QualifiersOrder: []string{c.qualifierProp},
		References: []reference{{
			Snaks: map[string][]snak{
				c.statedInProp:  {itemSnak(c.statedInProp, c.statedInItem)},
				c.retrievedProp: {dateSnak(c.retrievedProp, retrieved)},
			},
			SnaksOrder: []string{c.statedInProp, c.retrievedProp},
		}},
	}
}

func (c *apiClient) AddClaim(ctx context.Context, entityID, authorityID, heading string, retrieved time.Time) error {
	summary := fmt.Sprintf("Add %s Library of Congress LCCN External Identifier", c.authorityProp)
	return c.editEntity(ctx, entityID, c.buildAuthorityClaim(authorityID, heading, retrieved), summary)
}

func (c *apiClient) UpdateQualifier(ctx context.Context, ent *Entity, guid, heading string) error {
	raw, ok := ent.RawClaims[guid]
	if !ok {
		return eris.Errorf("wikibase: no claim %s on %s", guid, ent.ID)
	}

	// Patch the claim as a generic document so everything besides the
	// heading qualifier round-trips byte-for-byte in meaning.
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return eris.Wrapf(err, "wikibase: decode claim %s", guid)
	}

	quals, _ := doc["qualifiers"].(map[string]any)
	if quals == nil {
		quals = make(map[string]any)
		doc["qualifiers"] = quals
	}
	existing, _ := quals[c.qualifierProp].([]any)
	hadQualifier := len(existing) > 0

	quals[c.qualifierProp] = []any{map[string]any{
		"snaktype": "value",
		"property": c.qualifierProp,
		"datavalue": map[string]any{
			"value": heading,
			"type":  "string",
		},
		"datatype": "string",
	}}

	if order, ok := doc["qualifiers-order"].([]any); ok {
		found := false
		for _, p := range order {
			if p == c.qualifierProp {
				found = true
				break
			}
		}
		if !found {
			doc["qualifiers-order"] = append(order, c.qualifierProp)
		}
	} else {
		doc["qualifiers-order"] = []any{c.qualifierProp}
	}

	summary := "Updating the subject named as to LCCN authorized heading value"
	if !hadQualifier {
		summary = fmt.Sprintf("Add authorized heading for %s Library of Congress LCCN subject named as", c.authorityProp)
	}

	return c.editEntity(ctx, ent.ID, doc, summary)
}

// editEntity submits one claim document through wbeditentity. Claims
// carrying a GUID are replaced in place, claims without one are created;
// everything else on the entity is left alone. Replication-lag rejections
// are retried after the lag the server reports, read-only windows and
// rate-limit rejections after a computed backoff. A streak of failed
// edits opens the circuit and later edits fail fast until it cools down.
func (c *apiClient) editEntity(ctx context.Context, entityID string, claimDoc any, summary string) error {
	log := zap.L().With(
		zap.String("component", "wikibase"),
		zap.String("entity", entityID))

	if c.dryRun {
		log.Info("dry run, skipping edit", zap.String("summary", summary))
		return nil
	}

	data, err := json.Marshal(map[string]any{"claims": []any{claimDoc}})
	if err != nil {
		return eris.Wrap(err, "wikibase: marshal claim")
	}

	form := url.Values{}
	form.Set("action", "wbeditentity")
	form.Set("id", entityID)
	form.Set("data", string(data))
	form.Set("summary", summary)
	form.Set("token", c.csrf)
	form.Set("format", "json")
	form.Set("bot", "1")
	if c.maxlag > 0 {
		form.Set("maxlag", strconv.Itoa(c.maxlag))
	}

	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("wikibase", "wbeditentity")

	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, cfg, func(ctx context.Context) error {
			body, err := c.fetcher.PostForm(ctx, c.apiURL, form)
			if err != nil {
				return eris.Wrapf(err, "wikibase: edit %s", entityID)
			}
			resp, err := fetcher.DecodeJSONObject[editResponse](body)
			body.Close() //nolint:errcheck
			if err != nil {
				return eris.Wrapf(err, "wikibase: edit %s response", entityID)
			}

			if resp.Error != nil {
				apiErr := eris.Errorf("wikibase: edit %s: %s: %s", entityID, resp.Error.Code, resp.Error.Info)
				switch resp.Error.Code {
				case "maxlag":
					lag := time.Duration(resp.Error.Lag * float64(time.Second))
					if lag < time.Second {
						lag = time.Second
					}
					return resilience.NewThrottledError(
						eris.Errorf("wikibase: %s lagged, asked to wait", entityID), 0, lag)
				case "readonly", "ratelimited":
					// The wiki pauses writes during maintenance and meters
					// bot edits; both clear on their own.
					return resilience.NewTransientError(apiErr, 0)
				}
				return apiErr
			}
			if resp.Success != 1 {
				return eris.Errorf("wikibase: edit %s did not succeed", entityID)
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	log.Info("entity edited", zap.String("summary", summary))
	return nil
}
