package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DatadogShipper posts batches to the Datadog Logs intake API.
type DatadogShipper struct {
	url     string
	apiKey  string
	service string
	hc      *http.Client
}

func NewDatadogShipper(url, apiKey, service string) *DatadogShipper {
	return &DatadogShipper{url: url, apiKey: apiKey, service: service, hc: &http.Client{Timeout: 10 * time.Second}}
}

func (s *DatadogShipper) Name() string { return "datadog" }

type datadogLog struct {
	Message  string `json:"message"`
	Service  string `json:"service"`
	DDSource string `json:"ddsource"`
}

// Ship marshals the whole batch as a single JSON array, the shape the logs
// intake endpoint accepts for a multi-record POST.
func (s *DatadogShipper) Ship(ctx context.Context, records []Record) error {
	logs := make([]datadogLog, len(records))
	for i, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("audit: encoding datadog record: %w", err)
		}
		logs[i] = datadogLog{Message: string(body), Service: s.service, DDSource: "elida-firewall"}
	}

	payload, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("audit: encoding datadog batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("audit: building datadog request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DD-API-KEY", s.apiKey)

	resp, err := s.hc.Do(req)
	if err != nil {
		return fmt.Errorf("audit: posting to datadog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit: datadog returned status %d", resp.StatusCode)
	}
	return nil
}
