package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/model"
	"github.com/openauthority/authsync/internal/wikibase"
)

// Conflict reasons carried on flagged decisions.
const (
	ReasonDistinctIDs     = "multiple distinct authority ids"
	ReasonDuplicateClaims = "duplicate claim for same authority id"
	ReasonManyCandidates  = "multiple knowledge-base candidates"
)

// Merger reconciles one authority record against one knowledge-base
// entity. It owns the fetch-decide-write cycle, so claim GUIDs never
// leave this package. All writes for a run carry the same retrieved
// date.
type Merger struct {
	client   wikibase.Client
	statedIn string
	runDate  time.Time
}

// NewMerger builds a merger whose added references state statedIn as
// their source and runDate as the retrieved date.
func NewMerger(client wikibase.Client, statedIn string, runDate time.Time) *Merger {
	return &Merger{
		client:   client,
		statedIn: statedIn,
		runDate:  runDate,
	}
}

// Merge fetches the entity and decides, in order: flag a conflict when
// the entity carries other authority ids and ours would be new, or when
// ours appears on several claims already; update the heading qualifier
// of the single matching claim when it drifted; add a fresh claim when
// none matches. Exactly one decision comes back. Conflicts perform no
// write. Write failures surface as EntityUnavailable so the tuple is
// retried next run.
func (m *Merger) Merge(ctx context.Context, authorityID, heading, entityID string) (model.MergeDecision, error) {
	log := zap.L().With(
		zap.String("component", "reconcile"),
		zap.String("lccn", authorityID),
		zap.String("entity", entityID),
	)

	ent, err := m.client.FetchEntity(ctx, entityID)
	if err != nil {
		return model.MergeDecision{}, err
	}

	// Authority ids are compared case-insensitively; the registry is
	// inconsistent about case in older records.
	var matching, other []model.AuthorityClaim
	for _, c := range ent.Snapshot.AuthorityClaims {
		if strings.EqualFold(c.Value, authorityID) {
			matching = append(matching, c)
		} else {
			other = append(other, c)
		}
	}

	switch len(matching) {
	case 0:
		if len(other) > 0 {
			log.Warn("entity already carries other authority ids",
				zap.Strings("existing", claimValues(other)))
			return model.Conflict(ent.ID, ReasonDistinctIDs, claimValues(other)), nil
		}
		if err := m.client.AddClaim(ctx, ent.ID, authorityID, heading, m.runDate); err != nil {
			return model.MergeDecision{}, eris.Wrapf(wikibase.ErrEntityUnavailable, "reconcile: add claim on %s: %v", ent.ID, err)
		}
		log.Info("authority claim added", zap.String("heading", heading))
		return model.ClaimAdded(ent.ID, heading, model.ClaimReference{
			StatedIn:  m.statedIn,
			Retrieved: m.runDate.UTC().Format("2006-01-02"),
		}), nil

	case 1:
		claim := matching[0]
		if strings.TrimSpace(claim.QualifierHeading) == strings.TrimSpace(heading) {
			log.Debug("authorized heading already current")
			return model.NoAction(ent.ID, "authorized heading already current"), nil
		}
		if err := m.client.UpdateQualifier(ctx, ent, claim.GUID, heading); err != nil {
			return model.MergeDecision{}, eris.Wrapf(wikibase.ErrEntityUnavailable, "reconcile: update qualifier on %s: %v", ent.ID, err)
		}
		log.Info("heading qualifier updated",
			zap.String("old", claim.QualifierHeading),
			zap.String("new", heading))
		return model.QualifierUpdated(ent.ID, claim.QualifierHeading, heading), nil

	default:
		log.Warn("entity holds duplicate claims for this authority id",
			zap.Int("count", len(matching)))
		return model.Conflict(ent.ID, ReasonDuplicateClaims, claimValues(matching)), nil
	}
}

func claimValues(claims []model.AuthorityClaim) []string {
	vals := make([]string, len(claims))
	for i, c := range claims {
		vals[i] = c.Value
	}
	return vals
}
