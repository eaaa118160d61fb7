package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/galois26/legisync/internal/config"
	"github.com/galois26/legisync/internal/normalize"
	"github.com/galois26/legisync/internal/util"
)

var (
	// ErrUnreachable covers transport errors, timeouts and non-2xx answers.
	ErrUnreachable = errors.New("source unreachable")
	// ErrMalformed means the body could not be parsed into rows.
	ErrMalformed = errors.New("malformed source data")
)

// Source fetches the raw rows of the external sheet.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]normalize.Row, error)
}

func NewFromConfig(c config.Source) (Source, error) {
	switch c.Type {
	case "csv", "":
		return NewCSVSource(c), nil
	case "json":
		return NewJSONSource(c), nil
	default:
		return nil, fmt.Errorf("unknown source type: %s", c.Type)
	}
}

// httpGetter is the request half shared by the sheet sources.
type httpGetter struct {
	name   string
	url    string
	accept string
	ua     string
	client *http.Client
}

func newGetter(name, accept string, c config.Source) httpGetter {
	return httpGetter{
		name:   name,
		url:    c.URL,
		accept: accept,
		ua:     c.HTTP.UserAgent,
		client: util.NewHTTPClient(defaultDur(c.HTTP.Timeout, defaultTimeout)),
	}
}

// get returns the whole response body of a 2xx answer.
func (g httpGetter) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", g.name, err)
	}
	req.Header.Set("Accept", g.accept)
	if g.ua != "" {
		req.Header.Set("User-Agent", g.ua)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", g.name, ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: %w: http %d: %s", g.name, ErrUnreachable, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: read body: %w", g.name, ErrUnreachable, err)
	}
	return body, nil
}
