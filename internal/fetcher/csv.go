package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CSVOptions configures StreamCSV.
type CSVOptions struct {
	Delimiter rune // default ','
	// HasHeader diverts the first record to HeaderCh instead of the row
	// channel.
	HasHeader  bool
	HeaderCh   chan<- []string
	Comment    rune
	LazyQuotes bool
	TrimSpace  bool
	// StripBOM drops a leading UTF-8 or UTF-16 byte order mark and decodes
	// UTF-16 input to UTF-8.
	StripBOM bool
}

func (o CSVOptions) reader(r io.Reader) *csv.Reader {
	if o.StripBOM {
		r = transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	}
	cr := csv.NewReader(r)
	if o.Delimiter != 0 {
		cr.Comma = o.Delimiter
	}
	cr.Comment = o.Comment
	cr.LazyQuotes = o.LazyQuotes
	// Ragged rows are reported by the frame layer with column context.
	cr.FieldsPerRecord = -1
	return cr
}

// StreamCSV parses r in a goroutine and sends each record on the row
// channel. At most one error is sent; both channels close when parsing
// stops. The caller must drain the row channel.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(rowCh)
		if err := streamCSV(ctx, opts.reader(r), opts, rowCh); err != nil {
			errCh <- err
		}
	}()

	return rowCh, errCh
}

func streamCSV(ctx context.Context, cr *csv.Reader, opts CSVOptions, rowCh chan<- []string) error {
	send := func(ch chan<- []string, rec []string) error {
		select {
		case ch <- rec:
			return nil
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
	}

	wantHeader := opts.HasHeader
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "csv: context cancelled")
		}
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "csv: read row")
		}
		if opts.TrimSpace {
			for i := range rec {
				rec[i] = strings.TrimSpace(rec[i])
			}
		}

		if wantHeader {
			wantHeader = false
			if opts.HeaderCh != nil {
				if err := send(opts.HeaderCh, rec); err != nil {
					return err
				}
			}
			continue
		}
		if err := send(rowCh, rec); err != nil {
			return err
		}
	}
}

// CollectCSV reads every record into memory. With opts.HasHeader the first
// record is returned as the header; opts.HeaderCh is ignored.
func CollectCSV(ctx context.Context, r io.Reader, opts CSVOptions) (header []string, rows [][]string, err error) {
	headerCh := make(chan []string, 1)
	opts.HeaderCh = headerCh

	rowCh, errCh := StreamCSV(ctx, r, opts)
	for row := range rowCh {
		rows = append(rows, row)
	}
	if err := <-errCh; err != nil {
		return nil, nil, err
	}

	select {
	case header = <-headerCh:
	default:
	}
	return header, rows, nil
}
