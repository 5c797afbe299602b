package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SplunkShipper posts batches to a Splunk HTTP Event Collector endpoint.
type SplunkShipper struct {
	url   string
	token string
	index string
	hc    *http.Client
}

func NewSplunkShipper(url, token, index string) *SplunkShipper {
	return &SplunkShipper{url: url, token: token, index: index, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SplunkShipper) Name() string { return "splunk" }

type splunkEvent struct {
	Time  int64  `json:"time"`
	Index string `json:"index,omitempty"`
	Event Record `json:"event"`
}

// Ship sends one HEC event per record concatenated as newline-delimited JSON,
// the shape the collector's /services/collector/event endpoint accepts for a
// batched POST.
func (s *SplunkShipper) Ship(ctx context.Context, records []Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(splunkEvent{Time: rec.Timestamp.Unix(), Index: s.index, Event: rec}); err != nil {
			return fmt.Errorf("audit: encoding splunk event: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &buf)
	if err != nil {
		return fmt.Errorf("audit: building splunk request: %w", err)
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("audit: posting to splunk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit: splunk returned status %d", resp.StatusCode)
	}
	return nil
}
