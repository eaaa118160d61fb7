package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/galois26/legisync/internal/config"
	"github.com/galois26/legisync/internal/normalize"
)

// jsonSource reads a JSON export of the sheet: either a top-level array of
// objects or an object wrapping that array under "data", "rows", "records"
// or "items".
type jsonSource struct {
	http httpGetter
}

func NewJSONSource(cfg config.Source) Source {
	return &jsonSource{http: newGetter("json", "application/json", cfg)}
}

func (s *jsonSource) Name() string { return "json" }

func (s *jsonSource) Fetch(ctx context.Context) ([]normalize.Row, error) {
	body, err := s.http.get(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := ParseJSON(body)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return rows, nil
}

// ParseJSON turns a JSON export into rows. Elements that are not objects are
// skipped.
func ParseJSON(body []byte) ([]normalize.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(stripBOM(body)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var items []any
	switch t := doc.(type) {
	case []any:
		items = t
	case map[string]any:
		for _, key := range []string{"data", "rows", "records", "items"} {
			if arr, ok := t[key].([]any); ok {
				items = arr
				break
			}
		}
		if items == nil {
			return nil, fmt.Errorf("%w: no row array in object", ErrMalformed)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected top-level %T", ErrMalformed, doc)
	}

	rows := make([]normalize.Row, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		row := make(normalize.Row, len(m))
		for k, v := range m {
			row[k] = cellString(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
