package feed

import (
	"fmt"
	"strings"

	"github.com/openauthority/authsync/internal/model"
)

// DefaultBaseURL is the activity-stream root of the Library of Congress
// name-authority file.
const DefaultBaseURL = "https://id.loc.gov/authorities/names/activitystreams"

// DefaultMaxPages bounds a walk that never reaches a stop page. The
// upstream feed retains roughly fifty pages of history.
const DefaultMaxPages = 50

// Page is one collection page of the activity stream.
type Page struct {
	Context      string `json:"@context,omitempty"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	OrderedItems []Item `json:"orderedItems"`
}

// Item is one announced activity: a record was created or updated.
type Item struct {
	Type      string `json:"type"`
	Published string `json:"published"`
	Object    Object `json:"object"`
}

// Object identifies the record the activity refers to.
type Object struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Update string `json:"update"`
}

// PageURL returns the fetch URL for page n of the stream.
func PageURL(base string, n int) string {
	return fmt.Sprintf("%s/feed/%d.json", strings.TrimSuffix(base, "/"), n)
}

// Tuple maps an item onto the unit of work the pipeline processes. The
// authority id is the last path segment of the object locator. Returns
// false for items that carry no usable record reference.
func (i Item) Tuple() (model.ActivityTuple, bool) {
	ref := i.Object.ID
	id := ref
	if j := strings.LastIndex(id, "/"); j >= 0 {
		id = id[j+1:]
	}
	if id == "" {
		return model.ActivityTuple{}, false
	}

	return model.ActivityTuple{
		AuthorityID:   id,
		UpdateDate:    i.Object.Update,
		PublishedDate: i.Published,
		RecordRef:     ref,
	}, true
}
