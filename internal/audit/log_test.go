package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"elida/internal/detector"
	"elida/internal/policy"
)

func testRecord(requestID, action string) Record {
	pctx := policy.Context{Caller: "openai-proxy", Region: "us", Env: "prod", ConversationID: "conv-1"}
	spans := []detector.Span{{Start: 0, End: 5, Category: detector.CategorySecret, Type: "aws_key", Confidence: 0.9}}
	decision := policy.Decision{Action: policy.ActionRedact, PolicyVersion: 3}
	return newRecord(requestID, action, pctx, spans, decision, 128, 12*time.Millisecond)
}

func TestLocalLog_WriteAppendsOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := OpenLocalLog(path)
	if err != nil {
		t.Fatalf("OpenLocalLog: %v", err)
	}

	if err := log.Write(testRecord("req-1", "redact")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := log.Write(testRecord("req-2", "detokenize")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal line 0: %v", err)
	}
	if rec.RequestID != "req-1" || rec.Action != "redact" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.Categories) != 1 || rec.Categories[0].Category != detector.CategorySecret {
		t.Fatalf("expected one secret category observation, got %+v", rec.Categories)
	}
}

func TestLocalLog_ReopenAppendsRatherThanTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	log1, err := OpenLocalLog(path)
	if err != nil {
		t.Fatalf("OpenLocalLog: %v", err)
	}
	_ = log1.Write(testRecord("req-1", "redact"))
	_ = log1.Close()

	log2, err := OpenLocalLog(path)
	if err != nil {
		t.Fatalf("reopen OpenLocalLog: %v", err)
	}
	_ = log2.Write(testRecord("req-2", "redact"))
	_ = log2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 lines after reopen, got %d", lines)
	}
}
