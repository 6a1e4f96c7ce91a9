package review

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/openauthority/authsync/internal/wikibase"
	"github.com/openauthority/authsync/pkg/anthropic"
)

// minEntityLines is the smallest entity context worth sending: an
// entity with fewer lines than this cannot be judged either way.
const minEntityLines = 3

// EntityLines renders an entity's terms one per line, labels first,
// then descriptions, then aliases, languages in sorted order.
func EntityLines(ent *wikibase.Entity) []string {
	var lines []string
	for _, lang := range sortedKeys(ent.Labels) {
		lines = append(lines, fmt.Sprintf("label (%s): %s", lang, ent.Labels[lang]))
	}
	for _, lang := range sortedKeys(ent.Descriptions) {
		lines = append(lines, fmt.Sprintf("description (%s): %s", lang, ent.Descriptions[lang]))
	}
	aliasLangs := make([]string, 0, len(ent.Aliases))
	for lang := range ent.Aliases {
		aliasLangs = append(aliasLangs, lang)
	}
	sort.Strings(aliasLangs)
	for _, lang := range aliasLangs {
		for _, alias := range ent.Aliases[lang] {
			lines = append(lines, fmt.Sprintf("alias (%s): %s", lang, alias))
		}
	}
	return lines
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BuildUserPrompt renders the comparison message for one conflict.
func BuildUserPrompt(item Item, entityLines []string) string {
	var sb strings.Builder
	sb.WriteString("Knowledge-base entity " + item.EntityID + ":\n")
	sb.WriteString(strings.Join(entityLines, "\n"))
	sb.WriteString("\n\nAuthority record " + item.LCCN + " authorized heading: " + item.Heading + "\n")
	return sb.String()
}

// Verdict is the model's answer for one conflict.
type Verdict struct {
	Match  bool   `json:"match"`
	Reason string `json:"reason"`
}

// parseVerdict extracts the verdict JSON from a model response. The
// response may wrap the object in fences or surrounding prose.
func parseVerdict(resp *anthropic.MessageResponse) (*Verdict, error) {
	text := extractText(resp)
	if text == "" {
		return nil, eris.New("review: empty model response")
	}

	cleaned := cleanJSON(text)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, eris.Errorf("review: no JSON in response: %s", text)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return nil, eris.Wrap(err, "review: parse verdict JSON")
	}
	return &v, nil
}

// extractText joins a response's text blocks into one string.
func extractText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	parts := make([]string, 0, len(resp.Content))
	for _, b := range resp.Content {
		if b.Type != "" && b.Type != "text" {
			continue
		}
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "")
}

// cleanJSON peels any markdown fence off text and trims it down to the
// outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	for _, fence := range []string{"```json", "```"} {
		rest, ok := strings.CutPrefix(text, fence)
		if !ok {
			continue
		}
		text = rest
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		break
	}

	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	return strings.TrimSpace(text)
}
