// Package api implements the firewall's operator-facing HTTP surface:
// health, classify, redact, detokenize, route dry-run, and audit search. The
// three provider proxy routes are registered separately against
// internal/proxy's own handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"elida/internal/audit"
	"elida/internal/classifier"
	"elida/internal/detector"
	"elida/internal/policy"
	"elida/internal/proxy"
	"elida/internal/token"
)

// Handler serves the non-proxy control surface described by spec §6.
type Handler struct {
	detector   *detector.Detector
	classifier *classifier.Classifier
	engine     *policy.Engine
	doc        policy.Document
	pipeline   *token.Pipeline
	auditor    *audit.Pipeline

	version      string
	tokenBackend string
	siemEnabled  bool

	mux *http.ServeMux
}

func New(d *detector.Detector, c *classifier.Classifier, e *policy.Engine, doc policy.Document, p *token.Pipeline, auditor *audit.Pipeline, version, tokenBackend string, siemEnabled bool) *Handler {
	h := &Handler{
		detector:     d,
		classifier:   c,
		engine:       e,
		doc:          doc,
		pipeline:     p,
		auditor:      auditor,
		version:      version,
		tokenBackend: tokenBackend,
		siemEnabled:  siemEnabled,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/classify", h.handleClassify)
	h.mux.HandleFunc("/redact", h.handleRedact)
	h.mux.HandleFunc("/detokenize", h.handleDetokenize)
	h.mux.HandleFunc("/route", h.handleRoute)
	h.mux.HandleFunc("/audit/query", h.handleAuditQuery)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-MCP-Caller, X-MCP-Region, X-MCP-Env, X-MCP-Conversation-ID")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, kind, msg string) {
	writeJSON(w, proxy.StatusForKind(kind), map[string]string{"error": kind, "message": msg})
}

// validateContext rejects a request whose Context is missing any of the four
// fields spec §3/§7 require (caller, region, env, conversation_id). An empty
// conversation_id would silently change placeholder determinism, so it must
// be caught here rather than defaulted.
func validateContext(w http.ResponseWriter, ctx policy.Context) bool {
	var missing []string
	if ctx.Caller == "" {
		missing = append(missing, "caller")
	}
	if ctx.Region == "" {
		missing = append(missing, "region")
	}
	if ctx.Env == "" {
		missing = append(missing, "env")
	}
	if ctx.ConversationID == "" {
		missing = append(missing, "conversation_id")
	}
	if len(missing) > 0 {
		writeError(w, "invalid_input", "missing required context fields: "+strings.Join(missing, ", "))
		return false
	}
	return true
}

func writeDetectorError(w http.ResponseWriter, err error) {
	if derr, ok := err.(*detector.Error); ok {
		writeError(w, string(derr.Kind), derr.Msg)
		return
	}
	writeError(w, "detector_timeout", err.Error())
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	TokenBackend  string `json:"token_backend"`
	PolicyVersion int    `json:"policy_version"`
	SIEMEnabled   bool   `json:"siem_enabled"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       h.version,
		TokenBackend:  h.tokenBackend,
		PolicyVersion: h.doc.Version,
		SIEMEnabled:   h.siemEnabled,
	})
}

type requestEnvelope struct {
	Payload string         `json:"payload"`
	Context policy.Context `json:"context"`
}

type categoryOut struct {
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

type classifyResponse struct {
	OK              bool          `json:"ok"`
	Categories      []categoryOut `json:"categories"`
	Decision        string        `json:"decision"`
	SuggestedAction string        `json:"suggested_action"`
}

// handleClassify runs detection and classification only, never minting
// tokens or persisting anything — a read-only preview of what /redact would
// find.
func (h *Handler) handleClassify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req requestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_input", "malformed request body")
		return
	}
	if !validateContext(w, req.Context) {
		return
	}

	spans, err := h.detector.Detect(r.Context(), req.Payload)
	if err != nil {
		writeDetectorError(w, err)
		return
	}
	spans = append(spans, h.classifier.Classify(req.Payload)...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	decision := h.engine.Decide(spans, req.Context)

	cats := make([]categoryOut, len(spans))
	for i, s := range spans {
		cats[i] = categoryOut{Type: s.Type, Confidence: s.Confidence}
	}

	writeJSON(w, http.StatusOK, classifyResponse{
		OK:              true,
		Categories:      cats,
		Decision:        string(decision.Action),
		SuggestedAction: string(decision.Action),
	})
}

type redactResponse struct {
	SanitizedPayload string `json:"sanitized_payload"`
	TokenMapHandle   string `json:"token_map_handle"`
}

func (h *Handler) handleRedact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req requestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_input", "malformed request body")
		return
	}
	if !validateContext(w, req.Context) {
		return
	}

	result, err := h.pipeline.Redact(r.Context(), req.Payload, req.Context)
	if err != nil {
		if perr, ok := err.(*token.Error); ok {
			writeError(w, string(perr.Kind), perr.Msg)
			return
		}
		writeError(w, "upstream_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, redactResponse{
		SanitizedPayload: result.Sanitized,
		TokenMapHandle:   result.Handle,
	})
}

type detokenizeRequest struct {
	Payload         string              `json:"payload"`
	TokenMapHandle  string              `json:"token_map_handle"`
	AllowCategories []detector.Category `json:"allow_categories"`
	Context         policy.Context      `json:"context"`
}

type detokenizeResponse struct {
	RestoredPayload string `json:"restored_payload"`
}

func (h *Handler) handleDetokenize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req detokenizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_input", "malformed request body")
		return
	}
	if !validateContext(w, req.Context) {
		return
	}

	allow := make(map[detector.Category]bool, len(req.AllowCategories))
	for _, c := range req.AllowCategories {
		allow[c] = true
	}

	restored, err := h.pipeline.Detokenize(r.Context(), req.Payload, req.TokenMapHandle, allow, h.doc, req.Context.Caller)
	if err != nil {
		if perr, ok := err.(*token.Error); ok {
			writeError(w, string(perr.Kind), perr.Msg)
			return
		}
		writeError(w, "upstream_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, detokenizeResponse{RestoredPayload: restored})
}

type routeRequest struct {
	ModelRequest struct {
		Text string `json:"text"`
	} `json:"model_request"`
	Context policy.Context `json:"context"`
}

type routeResponse struct {
	Decision  string   `json:"decision"`
	PreSteps  []string `json:"pre_steps"`
	PostSteps []string `json:"post_steps"`
}

// handleRoute runs the same detect/classify/decide pipeline as /classify but
// reports it as pre_steps (categories that would trigger redaction) and
// post_steps (categories that would be allowed back on detokenize), without
// contacting any upstream or minting tokens.
func (h *Handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_input", "malformed request body")
		return
	}
	if !validateContext(w, req.Context) {
		return
	}

	spans, err := h.detector.Detect(r.Context(), req.ModelRequest.Text)
	if err != nil {
		writeDetectorError(w, err)
		return
	}
	spans = append(spans, h.classifier.Classify(req.ModelRequest.Text)...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	decision := h.engine.Decide(spans, req.Context)

	writeJSON(w, http.StatusOK, routeResponse{
		Decision:  string(decision.Action),
		PreSteps:  decision.SortedCategories(),
		PostSteps: sortedAllowedCategories(decision.AllowedDetokenizeCategories),
	})
}

func sortedAllowedCategories(m map[detector.Category]bool) []string {
	out := make([]string, 0, len(m))
	for c, ok := range m {
		if ok {
			out = append(out, string(c))
		}
	}
	sort.Strings(out)
	return out
}

type auditQueryRequest struct {
	Q     string `json:"q"`
	Limit int    `json:"limit"`
}

type auditQueryResponse struct {
	Records []audit.Record `json:"records"`
}

func (h *Handler) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.auditor == nil {
		writeError(w, "backend_unavailable", "audit store not configured")
		return
	}
	var req auditQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid_input", "malformed request body")
		return
	}

	records, err := h.auditor.Query(req.Q, req.Limit)
	if err != nil {
		writeError(w, "backend_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, auditQueryResponse{Records: records})
}
