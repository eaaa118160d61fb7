package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/galois26/legisync/internal/config"
	"github.com/galois26/legisync/internal/model"
	"github.com/galois26/legisync/internal/util"
)

// apiSink replaces the snapshot of a remote legisync through its trusted
// write endpoint.
type apiSink struct {
	cfg    config.Push
	client *http.Client
}

func NewAPI(cfg config.Push) (Sink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("push url is required")
	}
	to := cfg.HTTP.Timeout
	if to == 0 {
		to = 30 * time.Second
	}
	return &apiSink{cfg: cfg, client: util.NewHTTPClient(to)}, nil
}

func (a *apiSink) Name() string { return "api" }

// Push sends the whole batch. The remote answers with the stored count, which
// must match what was sent.
func (a *apiSink) Push(ctx context.Context, records []model.Record) error {
	if records == nil {
		records = []model.Record{}
	}
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode records: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	if ua := a.cfg.HTTP.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	rb, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("api push failed http %d: %s", resp.StatusCode, strings.TrimSpace(string(rb)))
	}
	var ack struct {
		Status      string `json:"status"`
		RecordCount int    `json:"record_count"`
	}
	if err := json.Unmarshal(rb, &ack); err != nil {
		return fmt.Errorf("api push: unreadable answer: %w", err)
	}
	if ack.RecordCount != len(records) {
		return fmt.Errorf("api push: remote stored %d records, sent %d", ack.RecordCount, len(records))
	}
	return nil
}
