package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet ReadXLSX returns.
type XLSXOptions struct {
	// SheetName matches case-insensitively and wins over SheetIndex.
	SheetName  string
	SheetIndex int
	// SkipRows drops leading rows, e.g. a title above the header.
	SkipRows int
}

// ReadXLSX returns the records of one workbook sheet as strings, the way
// StreamCSV yields them. Blank rows are dropped and trailing empty cells
// are trimmed, so workbooks padded by spreadsheet editors read like the
// CSV export of the same data.
func ReadXLSX(path string, opts XLSXOptions) ([][]string, error) {
	book, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	sheet, err := pickSheet(book, opts)
	if err != nil {
		return nil, err
	}

	var records [][]string
	for i, row := range sheet.Rows {
		if i < opts.SkipRows || row == nil {
			continue
		}
		if rec := rowRecord(row); len(rec) > 0 {
			records = append(records, rec)
		}
	}
	return records, nil
}

func pickSheet(book *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName == "" {
		if opts.SheetIndex < 0 || opts.SheetIndex >= len(book.Sheets) {
			return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(book.Sheets))
		}
		return book.Sheets[opts.SheetIndex], nil
	}
	for _, s := range book.Sheets {
		if strings.EqualFold(s.Name, opts.SheetName) {
			return s, nil
		}
	}
	return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
}

// rowRecord returns the cell strings of row without trailing empty cells.
func rowRecord(row *xlsx.Row) []string {
	last := -1
	rec := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		rec[i] = cell.String()
		if strings.TrimSpace(rec[i]) != "" {
			last = i
		}
	}
	return rec[:last+1]
}
