package wikibase

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/config"
	"github.com/openauthority/authsync/internal/fetcher"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

var testRunDate = time.Date(2024, 3, 14, 9, 30, 0, 0, time.UTC)

// fakeWiki is a minimal MediaWiki action API plus EntityData endpoint:
// token handout, cookie login, wbeditentity recording, entity documents.
type fakeWiki struct {
	t   *testing.T
	srv *httptest.Server

	mu              sync.Mutex
	entities        map[string]map[string]any
	redirects       map[string]string
	edits           []url.Values
	editCookies     []bool
	loginCount      int
	maxlagRemaining int
	failRemaining   int
	failCode        string
	editErrCode     string
	emptyTokens     bool
}

func newFakeWiki(t *testing.T) *fakeWiki {
	t.Helper()

	f := &fakeWiki{
		t:         t,
		entities:  make(map[string]map[string]any),
		redirects: make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeWiki) config() config.WikibaseConfig {
	return config.WikibaseConfig{
		APIURL:            f.srv.URL + "/w/api.php",
		EntityDataURL:     f.srv.URL + "/wiki/Special:EntityData",
		Username:          "AuthSyncBot",
		Password:          "hunter2",
		AuthorityProperty: "P244",
		QualifierProperty: "P1810",
		StatedInProperty:  "P248",
		StatedInItem:      "Q18912790",
		RetrievedProperty: "P813",
		Maxlag:            5,
	}
}

func (f *fakeWiki) client(dryRun bool) Client {
	return NewClient(newWikiFetcher(), f.config(), dryRun)
}

func (f *fakeWiki) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func (f *fakeWiki) logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCount
}

func (f *fakeWiki) setEmptyTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emptyTokens = true
}

func (f *fakeWiki) setMaxlag(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxlagRemaining = n
}

func (f *fakeWiki) setEditError(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editErrCode = code
}

// failEdits rejects the next n edits with the given API error code,
// then lets edits succeed again.
func (f *fakeWiki) failEdits(code string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCode = code
	f.failRemaining = n
}

func (f *fakeWiki) redirect(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects[from] = to
}

func (f *fakeWiki) lastEdit() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		f.t.Fatal("no edits recorded")
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeWiki) lastEditHadSession() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.editCookies) == 0 {
		return false
	}
	return f.editCookies[len(f.editCookies)-1]
}

func (f *fakeWiki) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/wiki/Special:EntityData/"):
		f.handleEntityData(w, r)
	case r.URL.Path == "/w/api.php":
		f.handleAPI(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeWiki) handleEntityData(w http.ResponseWriter, r *http.Request) {
	qid := strings.TrimSuffix(path.Base(r.URL.Path), ".json")

	f.mu.Lock()
	if target, ok := f.redirects[qid]; ok {
		qid = target
	}
	ent, ok := f.entities[qid]
	f.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{"entities": map[string]any{qid: ent}})
}

func (f *fakeWiki) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		if q.Get("action") == "query" && q.Get("meta") == "tokens" {
			kind := q.Get("type")
			if kind == "" {
				kind = "csrf"
			}
			f.mu.Lock()
			empty := f.emptyTokens
			f.mu.Unlock()
			tokens := map[string]string{}
			if !empty {
				tokens[kind+"token"] = strings.ToUpper(kind) + "-TOKEN+\\"
			}
			writeJSON(w, map[string]any{"query": map[string]any{"tokens": tokens}})
			return
		}
		http.NotFound(w, r)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.FormValue("action") {
	case "login":
		f.mu.Lock()
		f.loginCount++
		f.mu.Unlock()
		if r.FormValue("lgname") != "AuthSyncBot" ||
			r.FormValue("lgpassword") != "hunter2" ||
			r.FormValue("lgtoken") != "LOGIN-TOKEN+\\" {
			writeJSON(w, map[string]any{"login": map[string]string{
				"result": "Failed",
				"reason": "Incorrect username or password entered.",
			}})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "abc123", Path: "/"})
		writeJSON(w, map[string]any{"login": map[string]string{"result": "Success"}})

	case "wbeditentity":
		_, cookieErr := r.Cookie("sessionid")
		f.mu.Lock()
		f.edits = append(f.edits, r.PostForm)
		f.editCookies = append(f.editCookies, cookieErr == nil)
		lagged := f.maxlagRemaining > 0
		if lagged {
			f.maxlagRemaining--
		}
		failCode := ""
		if f.failRemaining > 0 {
			f.failRemaining--
			failCode = f.failCode
		}
		errCode := f.editErrCode
		f.mu.Unlock()

		if lagged {
			writeJSON(w, map[string]any{"error": map[string]any{
				"code": "maxlag",
				"info": "Waiting for a database server: 2 seconds lagged.",
				"lag":  0.3,
			}})
			return
		}
		if failCode != "" {
			writeJSON(w, map[string]any{"error": map[string]any{
				"code": failCode,
				"info": "please wait and try again",
			}})
			return
		}
		if errCode != "" {
			writeJSON(w, map[string]any{"error": map[string]any{
				"code": errCode,
				"info": "the edit was rejected",
			}})
			return
		}
		writeJSON(w, map[string]any{"success": 1})

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newWikiFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:     "test-agent",
		Timeout:       5 * time.Second,
		MaxRetries:    3,
		DefaultRate:   1000,
		EnableCookies: true,
	})
}

// p244Claim builds one authority claim in the EntityData wire shape.
func p244Claim(guid, value, qualifier string, withRef bool) map[string]any {
	c := map[string]any{
		"id":   guid,
		"type": "statement",
		"rank": "normal",
		"mainsnak": map[string]any{
			"snaktype":  "value",
			"property":  "P244",
			"hash":      "1a2b3c",
			"datavalue": map[string]any{"value": value, "type": "string"},
			"datatype":  "external-id",
		},
	}
	if qualifier != "" {
		c["qualifiers"] = map[string]any{"P1810": []any{map[string]any{
			"snaktype":  "value",
			"property":  "P1810",
			"hash":      "4d5e6f",
			"datavalue": map[string]any{"value": qualifier, "type": "string"},
			"datatype":  "string",
		}}}
		c["qualifiers-order"] = []any{"P1810"}
	}
	if withRef {
		c["references"] = []any{map[string]any{
			"hash": "9f8e7d",
			"snaks": map[string]any{"P248": []any{map[string]any{
				"snaktype": "value",
				"property": "P248",
				"datavalue": map[string]any{
					"value": map[string]any{"entity-type": "item", "numeric-id": 18912790, "id": "Q18912790"},
					"type":  "wikibase-entityid",
				},
				"datatype": "wikibase-item",
			}}},
			"snaks-order": []any{"P248"},
		}}
	}
	return c
}

func (f *fakeWiki) addEntity(qid, label string, claims ...map[string]any) {
	ent := map[string]any{
		"type": "item",
		"id":   qid,
		"labels": map[string]any{
			"en": map[string]any{"language": "en", "value": label},
		},
		"descriptions": map[string]any{
			"en": map[string]any{"language": "en", "value": "American writer"},
		},
		"aliases": map[string]any{
			"en": []any{map[string]any{"language": "en", "value": "Sam Clemens"}},
		},
		"claims": map[string]any{},
	}
	if len(claims) > 0 {
		cs := make([]any, len(claims))
		for i, c := range claims {
			cs[i] = c
		}
		ent["claims"] = map[string]any{"P244": cs}
	}

	f.mu.Lock()
	f.entities[qid] = ent
	f.mu.Unlock()
}
