package source

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/galois26/legisync/internal/config"
	"github.com/galois26/legisync/internal/normalize"
)

// csvSource reads a spreadsheet CSV export: one header row, then one row per
// bill.
type csvSource struct {
	http httpGetter
}

func NewCSVSource(cfg config.Source) Source {
	return &csvSource{http: newGetter("csv", "text/csv", cfg)}
}

func (s *csvSource) Name() string { return "csv" }

func (s *csvSource) Fetch(ctx context.Context) ([]normalize.Row, error) {
	body, err := s.http.get(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ParseCSV(body)
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	return rows, nil
}

// ParseCSV turns a CSV document into rows keyed by the header labels. Short
// rows are padded with empty cells, extra cells and blank header labels are
// dropped.
func ParseCSV(body []byte) ([]normalize.Row, error) {
	r := csv.NewReader(bytes.NewReader(stripBOM(body)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty document", ErrMalformed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrMalformed, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []normalize.Row
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		row := make(normalize.Row, len(header))
		for i, label := range header {
			if label == "" {
				continue
			}
			if i < len(rec) {
				row[label] = rec[i]
			} else {
				row[label] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
