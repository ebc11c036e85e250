package batch

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/shirabe/internal/models"
)

// readXLSX reads every sheet of a workbook. Each non-empty sheet starts with its own header row.
func readXLSX(path string) ([]*models.Chunk, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	var out []*models.Chunk
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		chunks, err := fromRows(path+"#"+sheet, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, chunks...)
	}
	return out, nil
}
