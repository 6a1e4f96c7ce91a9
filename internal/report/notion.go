package report

import (
	"context"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/model"
	"github.com/openauthority/authsync/pkg/notion"
)

// Notion rich_text values cap at 2000 characters; leave headroom.
const maxNotesLen = 1900

// Publisher upserts one page per run date in a Notion database, so
// curators can watch sync activity without shell access.
type Publisher struct {
	client notion.Client
	dbID   string
}

// NewPublisher returns a Publisher writing to the given database.
func NewPublisher(client notion.Client, dbID string) *Publisher {
	return &Publisher{client: client, dbID: dbID}
}

// Publish creates the run's page, or updates it in place when a page
// with the same title exists. Rerunning a date republishes that date.
func (p *Publisher) Publish(ctx context.Context, rep *model.RunReport) error {
	log := zap.L().With(
		zap.String("component", "report"),
		zap.String("run_id", rep.RunID),
	)

	title := runTitle(rep)
	existing, err := notion.FindPageByTitle(ctx, p.client, p.dbID, "Name", title)
	if err != nil {
		return err
	}
	props := runProperties(rep)

	if existing != nil {
		if _, err := p.client.UpdatePage(ctx, string(existing.ID), &notionapi.PageUpdateRequest{
			Properties: props,
		}); err != nil {
			return eris.Wrapf(err, "report: update notion page for %s", title)
		}
		log.Info("updated notion run page", zap.String("title", title))
		return nil
	}

	if _, err := p.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(p.dbID),
		},
		Properties: props,
	}); err != nil {
		return eris.Wrapf(err, "report: create notion page for %s", title)
	}
	log.Info("created notion run page", zap.String("title", title))
	return nil
}

func runTitle(rep *model.RunReport) string {
	return "Sync " + datePart(rep.StartedAt)
}

func runProperties(rep *model.RunReport) notionapi.Properties {
	counts := rep.Counts()
	started := notionapi.Date(rep.StartedAt)
	review := "Clean"
	if counts.Conflicts > 0 {
		review = "Needs review"
	}

	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Type: notionapi.PropertyTypeTitle,
			Title: []notionapi.RichText{
				{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: runTitle(rep)}},
			},
		},
		"Run ID": richText(rep.RunID),
		"Date": notionapi.DateProperty{
			Date: &notionapi.DateObject{
				Start: &started,
			},
		},
		"Dry Run":   notionapi.CheckboxProperty{Checkbox: rep.DryRun},
		"Pages":     number(rep.PagesWalked),
		"Processed": number(counts.Total()),
		"Added":     number(counts.ClaimAdded),
		"Updated":   number(counts.QualifierUpdated),
		"Unchanged": number(counts.NoAction),
		"Conflicts": number(counts.Conflicts),
		"Failures":  number(counts.Failures),
		"Review": notionapi.SelectProperty{
			Select: notionapi.Option{Name: review},
		},
	}
	if notes := conflictNotes(rep.Conflicts()); notes != "" {
		props["Conflict Notes"] = richText(notes)
	}
	return props
}

// conflictNotes renders one line per flagged conflict for the page's
// notes property, truncated to fit Notion's rich_text limit.
func conflictNotes(rows []model.ConflictRow) string {
	if len(rows) == 0 {
		return ""
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		line := row.Tuple.AuthorityID
		if row.Decision.EntityID != "" {
			line += " -> " + row.Decision.EntityID
		}
		line += ": " + row.Decision.Reason
		if len(row.Decision.ExistingValues) > 0 {
			line += " (" + strings.Join(row.Decision.ExistingValues, ", ") + ")"
		}
		lines = append(lines, line)
	}
	notes := strings.Join(lines, "\n")
	if len(notes) > maxNotesLen {
		notes = notes[:maxNotesLen]
	}
	return notes
}

func richText(content string) notionapi.RichTextProperty {
	return notionapi.RichTextProperty{
		Type: notionapi.PropertyTypeRichText,
		RichText: []notionapi.RichText{
			{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: content}},
		},
	}
}

func number(n int) notionapi.NumberProperty {
	return notionapi.NumberProperty{Number: float64(n)}
}
