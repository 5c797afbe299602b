package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"elida/internal/audit"
	"elida/internal/classifier"
	"elida/internal/detector"
	"elida/internal/policy"
	"elida/internal/token"
)

func testHandler(t *testing.T) *Handler {
	t.Helper()
	pii := detector.CategoryPII
	doc := policy.Document{
		Version:        2,
		TrustedCallers: []string{"incident-mgr"},
		CallerRouting: map[string]policy.CallerRouting{
			"incident-mgr": {AllowCategories: []detector.Category{detector.CategoryPII}},
		},
		RegionRouting: map[string]policy.RegionRouting{
			"us": {AllowExternal: true, PreferredModels: []string{"gpt-4o"}},
		},
		Routes: []policy.Route{
			{
				Name:            "redact-pii",
				Match:           policy.RouteMatch{Category: &pii},
				Action:          policy.ActionRedact,
				AppliesTo:       policy.AppliesTo{Regions: []string{"*"}, Callers: []string{"*"}},
				AllowCategories: []detector.Category{detector.CategoryPII},
			},
		},
	}

	gen, err := token.NewGenerator([]byte("api-test-salt"))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	det := detector.New(detector.DefaultConfig())
	cls := classifier.New(classifier.DefaultConfig())
	engine := policy.NewEngine(doc)
	pipe := token.NewPipeline(det, cls, engine, token.NewMemoryStore(), gen, token.DefaultTTL)

	dir := t.TempDir()
	log, err := audit.OpenLocalLog(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("OpenLocalLog: %v", err)
	}
	store, err := audit.NewStore(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	auditor := audit.NewPipeline(log, store, nil)
	t.Cleanup(func() { auditor.Close() })

	return New(det, cls, engine, doc, pipe, auditor, "1.0.0-test", "memory", false)
}

func doJSON(t *testing.T, h *Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleHealth(t *testing.T) {
	h := testHandler(t)
	rr := doJSON(t, h, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.PolicyVersion != 2 || resp.TokenBackend != "memory" {
		t.Fatalf("unexpected health response: %+v", resp)
	}
}

func TestHandleClassify_FindsPIIWithoutMintingTokens(t *testing.T) {
	h := testHandler(t)
	rr := doJSON(t, h, http.MethodPost, "/classify", requestEnvelope{
		Payload: "reach me at jane@example.com",
		Context: policy.Context{Caller: "any-app", Region: "us", Env: "prod", ConversationID: "conv-1"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp classifyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.OK || len(resp.Categories) == 0 {
		t.Fatalf("expected at least one category, got %+v", resp)
	}
	if resp.Decision != string(policy.ActionRedact) {
		t.Fatalf("expected redact decision, got %q", resp.Decision)
	}
}

func TestHandleRedactThenDetokenize_RoundTrips(t *testing.T) {
	h := testHandler(t)

	redactRR := doJSON(t, h, http.MethodPost, "/redact", requestEnvelope{
		Payload: "reach me at jane@example.com",
		Context: policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "conv-1"},
	})
	if redactRR.Code != http.StatusOK {
		t.Fatalf("expected 200 from /redact, got %d: %s", redactRR.Code, redactRR.Body.String())
	}
	var redactResp redactResponse
	if err := json.Unmarshal(redactRR.Body.Bytes(), &redactResp); err != nil {
		t.Fatalf("decoding /redact response: %v", err)
	}
	if redactResp.TokenMapHandle == "" {
		t.Fatal("expected a non-empty token map handle")
	}
	if redactResp.SanitizedPayload == "reach me at jane@example.com" {
		t.Fatal("expected the email to be redacted")
	}

	detokRR := doJSON(t, h, http.MethodPost, "/detokenize", detokenizeRequest{
		Payload:         redactResp.SanitizedPayload,
		TokenMapHandle:  redactResp.TokenMapHandle,
		AllowCategories: []detector.Category{detector.CategoryPII},
		Context:         policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "conv-1"},
	})
	if detokRR.Code != http.StatusOK {
		t.Fatalf("expected 200 from /detokenize, got %d: %s", detokRR.Code, detokRR.Body.String())
	}
	var detokResp detokenizeResponse
	if err := json.Unmarshal(detokRR.Body.Bytes(), &detokResp); err != nil {
		t.Fatalf("decoding /detokenize response: %v", err)
	}
	if detokResp.RestoredPayload != "reach me at jane@example.com" {
		t.Fatalf("expected original payload restored, got %q", detokResp.RestoredPayload)
	}
}

func TestHandleDetokenize_UntrustedCallerForbidden(t *testing.T) {
	h := testHandler(t)

	redactRR := doJSON(t, h, http.MethodPost, "/redact", requestEnvelope{
		Payload: "reach me at jane@example.com",
		Context: policy.Context{Caller: "random-app", Region: "us", Env: "prod", ConversationID: "conv-2"},
	})
	var redactResp redactResponse
	_ = json.Unmarshal(redactRR.Body.Bytes(), &redactResp)

	detokRR := doJSON(t, h, http.MethodPost, "/detokenize", detokenizeRequest{
		Payload:         redactResp.SanitizedPayload,
		TokenMapHandle:  redactResp.TokenMapHandle,
		AllowCategories: []detector.Category{detector.CategoryPII},
		Context:         policy.Context{Caller: "random-app", Region: "us", Env: "prod", ConversationID: "conv-2"},
	})
	if detokRR.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for untrusted caller, got %d", detokRR.Code)
	}
}

func TestHandleDetokenize_UnknownHandleGone(t *testing.T) {
	h := testHandler(t)
	rr := doJSON(t, h, http.MethodPost, "/detokenize", detokenizeRequest{
		Payload:        "no placeholders here",
		TokenMapHandle: "does-not-exist",
		Context:        policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "conv-3"},
	})
	if rr.Code != http.StatusGone {
		t.Fatalf("expected 410 for unknown handle, got %d", rr.Code)
	}
}

func TestHandleRoute_ReportsPreAndPostSteps(t *testing.T) {
	h := testHandler(t)
	rr := doJSON(t, h, http.MethodPost, "/route", routeRequest{
		ModelRequest: struct {
			Text string `json:"text"`
		}{Text: "reach me at jane@example.com"},
		Context: policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "conv-4"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp routeResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.PreSteps) == 0 {
		t.Fatalf("expected at least one pre_step, got %+v", resp)
	}
}

func TestHandleClassify_MissingContextFieldRejected(t *testing.T) {
	h := testHandler(t)
	rr := doJSON(t, h, http.MethodPost, "/classify", requestEnvelope{
		Payload: "reach me at jane@example.com",
		Context: policy.Context{Caller: "any-app", Region: "us", Env: "prod"}, // conversation_id missing
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing conversation_id, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleRedact_MissingContextFieldRejected(t *testing.T) {
	h := testHandler(t)
	rr := doJSON(t, h, http.MethodPost, "/redact", requestEnvelope{
		Payload: "reach me at jane@example.com",
		Context: policy.Context{Region: "us", Env: "prod", ConversationID: "conv-6"}, // caller missing
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing caller, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleDetokenize_MissingContextFieldRejected(t *testing.T) {
	h := testHandler(t)
	rr := doJSON(t, h, http.MethodPost, "/detokenize", detokenizeRequest{
		Payload:        "no placeholders here",
		TokenMapHandle: "does-not-exist",
		Context:        policy.Context{Caller: "incident-mgr", Env: "prod", ConversationID: "conv-7"}, // region missing
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing region, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleRoute_MissingContextFieldRejected(t *testing.T) {
	h := testHandler(t)
	rr := doJSON(t, h, http.MethodPost, "/route", routeRequest{
		ModelRequest: struct {
			Text string `json:"text"`
		}{Text: "reach me at jane@example.com"},
		Context: policy.Context{Caller: "incident-mgr", Region: "us", ConversationID: "conv-8"}, // env missing
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing env, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleAuditQuery_FindsPriorRedactAction(t *testing.T) {
	h := testHandler(t)

	doJSON(t, h, http.MethodPost, "/redact", requestEnvelope{
		Payload: "reach me at jane@example.com",
		Context: policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "conv-5"},
	})

	// /redact itself does not audit (only the proxy path does); directly
	// exercise the query surface against a manually recorded entry instead.
	h.auditor.RecordAction(context.Background(), "req-9", "redact", policy.Context{Caller: "incident-mgr", ConversationID: "conv-5"}, nil, policy.Decision{Action: policy.ActionRedact, PolicyVersion: 2}, 10, 0)

	rr := doJSON(t, h, http.MethodPost, "/audit/query", auditQueryRequest{Q: "conv-5", Limit: 10})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp auditQueryResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(resp.Records))
	}
}
