// Package audit implements the two-stage audit pipeline: a durable
// append-only local log, a queryable SQLite secondary index, and an optional
// best-effort SIEM shipper.
package audit

import (
	"time"

	"elida/internal/detector"
	"elida/internal/policy"
)

// CategoryObservation is the type+confidence summary of one detected span,
// carried on an AuditRecord instead of the span's byte offsets or matched
// text — the record must never be able to reconstruct the original payload.
type CategoryObservation struct {
	Category   detector.Category `json:"category"`
	Type       string            `json:"type"`
	Confidence float64           `json:"confidence"`
}

// Record is one audit event. The raw payload is never stored — only counts,
// categories, and the policy decision that was reached.
type Record struct {
	RequestID      string                `json:"request_id"`
	Timestamp      time.Time             `json:"timestamp"`
	Action         string                `json:"action"`
	Caller         string                `json:"caller"`
	Region         string                `json:"region"`
	Env            string                `json:"env"`
	ConversationID string                `json:"conversation_id"`
	Categories     []CategoryObservation `json:"categories"`
	DecisionAction string                `json:"decision_action"`
	PolicyVersion  int                   `json:"policy_version"`
	RedactionCount int                   `json:"redaction_count"`
	PayloadBytes   int                   `json:"payload_bytes"`
	LatencyMs      int64                 `json:"latency_ms"`
}

// newRecord builds a Record from a proxy action, converting spans to their
// category/type/confidence summary and the raw latency.Duration to ms.
func newRecord(requestID, action string, pctx policy.Context, spans []detector.Span, decision policy.Decision, payloadBytes int, latency time.Duration) Record {
	cats := make([]CategoryObservation, len(spans))
	for i, s := range spans {
		cats[i] = CategoryObservation{Category: s.Category, Type: s.Type, Confidence: s.Confidence}
	}
	return Record{
		RequestID:      requestID,
		Timestamp:      time.Now().UTC(),
		Action:         action,
		Caller:         pctx.Caller,
		Region:         pctx.Region,
		Env:            pctx.Env,
		ConversationID: pctx.ConversationID,
		Categories:     cats,
		DecisionAction: string(decision.Action),
		PolicyVersion:  decision.PolicyVersion,
		RedactionCount: len(spans),
		PayloadBytes:   payloadBytes,
		LatencyMs:      latency.Milliseconds(),
	}
}
