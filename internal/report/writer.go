package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/openauthority/authsync/internal/model"
)

// Writer persists run artifacts under a reports directory. Files are
// named by run date, so a rerun on the same day replaces that day's
// artifacts; the full run history lives in the store.
type Writer struct {
	dir string
}

// NewWriter returns a Writer rooted at dir. The directory is created on
// first write.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func datePart(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// WriteXML renders the action log to {dir}/{date}.xml and returns the
// path. authorityProp names the claim property in add actions.
func (w *Writer) WriteXML(rep *model.RunReport, authorityProp string) (string, error) {
	data, err := BuildLog(rep, authorityProp).Marshal()
	if err != nil {
		return "", err
	}
	path := filepath.Join(w.dir, datePart(rep.StartedAt)+".xml")
	if err := w.write(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteJSON persists the full report to {dir}/{date}.json.
func (w *Writer) WriteJSON(rep *model.RunReport) (string, error) {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "report: marshal report")
	}
	path := filepath.Join(w.dir, datePart(rep.StartedAt)+".json")
	if err := w.write(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// LoadJSON reads back a stored report by date (YYYY-MM-DD).
func (w *Writer) LoadJSON(date string) (*model.RunReport, error) {
	path := filepath.Join(w.dir, date+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "report: read %s", path)
	}
	var rep model.RunReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, eris.Wrapf(err, "report: parse %s", path)
	}
	return &rep, nil
}

// ListDates returns the dates with a stored JSON report, newest first.
func (w *Writer) ListDates() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "report: list %s", w.dir)
	}
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		dates = append(dates, strings.TrimSuffix(name, ".json"))
	}
	// ReadDir sorts ascending by name; date-named files reverse cleanly.
	for i, j := 0, len(dates)-1; i < j; i, j = i+1, j-1 {
		dates[i], dates[j] = dates[j], dates[i]
	}
	return dates, nil
}

// WriteWorkbook renders the conflict workbook to
// {dir}/{date}-conflicts.xlsx. Nothing is written when the run flagged
// no conflicts and the returned path is empty.
func (w *Writer) WriteWorkbook(rep *model.RunReport) (string, error) {
	conflicts := rep.Conflicts()
	if len(conflicts) == 0 {
		return "", nil
	}

	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Conflicts")
	if err != nil {
		return "", eris.Wrap(err, "report: add conflicts sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"LCCN", "Heading", "Entity", "Reason", "Existing Values", "Update Date"} {
		header.AddCell().Value = h
	}
	for _, row := range conflicts {
		r := sheet.AddRow()
		r.AddCell().Value = row.Tuple.AuthorityID
		r.AddCell().Value = row.Heading
		r.AddCell().Value = row.Decision.EntityID
		r.AddCell().Value = row.Decision.Reason
		r.AddCell().Value = strings.Join(row.Decision.ExistingValues, ", ")
		r.AddCell().Value = row.Tuple.UpdateDate
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "report: create %s", w.dir)
	}
	path := filepath.Join(w.dir, datePart(rep.StartedAt)+"-conflicts.xlsx")
	if err := file.Save(path); err != nil {
		return "", eris.Wrapf(err, "report: save %s", path)
	}
	return path, nil
}

func (w *Writer) write(path string, data []byte) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return eris.Wrapf(err, "report: create %s", w.dir)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "report: write %s", path)
	}
	return nil
}
