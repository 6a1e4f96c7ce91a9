package review

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// WriteSheet renders the annotated review sheet to
// {dir}/{date}-review.xlsx. Nothing is written when there are no
// evaluations and the returned path is empty.
func WriteSheet(dir, date string, evals []Evaluation) (string, error) {
	if len(evals) == 0 {
		return "", nil
	}

	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Review")
	if err != nil {
		return "", eris.Wrap(err, "review: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"LCCN", "Heading", "Entity", "Flag", "Match", "Reason", "Error"} {
		header.AddCell().Value = h
	}
	for _, ev := range evals {
		row := sheet.AddRow()
		row.AddCell().Value = ev.Item.LCCN
		row.AddCell().Value = ev.Item.Heading
		row.AddCell().Value = ev.Item.EntityID
		row.AddCell().Value = ev.Item.Flag
		row.AddCell().Value = matchCell(ev)
		row.AddCell().Value = ev.Reason
		row.AddCell().Value = ev.Err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "review: create %s", dir)
	}
	path := filepath.Join(dir, date+"-review.xlsx")
	if err := file.Save(path); err != nil {
		return "", eris.Wrapf(err, "review: save %s", path)
	}
	return path, nil
}

// matchCell renders the verdict column, empty when the item errored.
func matchCell(ev Evaluation) string {
	if ev.Err != "" {
		return ""
	}
	if ev.Match {
		return "yes"
	}
	return "no"
}
