package frame

import (
	"github.com/sells-group/lake-cli/internal/fetcher"
)

// ReadXLSX reads one sheet of a workbook the way ReadCSV reads a stream.
// An empty sheet name selects the first sheet. Empty cells are null.
func ReadXLSX(path, sheet string, opts CSVOptions) (*Frame, error) {
	records, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SheetName: sheet})
	if err != nil {
		return nil, err
	}
	var header []string
	if opts.Header && len(records) > 0 {
		header, records = records[0], records[1:]
	}
	rows := make([][]*string, len(records))
	for i, rec := range records {
		cells := make([]*string, len(rec))
		for j := range rec {
			if rec[j] != "" {
				cells[j] = &rec[j]
			}
		}
		rows[i] = cells
	}
	return buildFrame(header, rows, opts)
}
