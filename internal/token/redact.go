package token

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"elida/internal/classifier"
	"elida/internal/detector"
	"elida/internal/policy"
)

// Pipeline wires the detector, classifier, policy engine, and token store
// together into the redact/detokenize operations.
type Pipeline struct {
	detector   *detector.Detector
	classifier *classifier.Classifier
	engine     *policy.Engine
	store      Store
	generator  *Generator
	ttl        time.Duration
}

func NewPipeline(d *detector.Detector, c *classifier.Classifier, e *policy.Engine, store Store, gen *Generator, ttl time.Duration) *Pipeline {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Pipeline{detector: d, classifier: c, engine: e, store: store, generator: gen, ttl: ttl}
}

// ErrKind mirrors the error taxonomy's PolicyBlocked/TokenHandleMissing/
// Forbidden kinds as they surface from this package.
type ErrKind string

const (
	ErrPolicyBlocked      ErrKind = "policy_blocked"
	ErrTokenHandleMissing ErrKind = "token_handle_missing"
	ErrForbidden          ErrKind = "forbidden"
)

type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

// RedactResult is returned by Redact.
type RedactResult struct {
	Sanitized string
	Handle    string
	Decision  policy.Decision
	Spans     []detector.Span
}

// Redact runs the detector and classifier, applies the policy engine, and —
// if the decision is not block — replaces each span right-to-left with its
// placeholder, recording the mapping in a fresh Record.
func (p *Pipeline) Redact(ctx context.Context, payload string, pctx policy.Context) (RedactResult, error) {
	spans, err := p.detector.Detect(ctx, payload)
	if err != nil {
		return RedactResult{}, err
	}
	spans = append(spans, p.classifier.Classify(payload)...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	decision := p.engine.Decide(spans, pctx)

	if decision.Action == policy.ActionBlock {
		return RedactResult{Decision: decision, Spans: spans}, &Error{
			Kind: ErrPolicyBlocked,
			Msg:  fmt.Sprintf("blocked: %s", decision.Reason),
		}
	}

	if !decision.RequiresRedaction && decision.Action != policy.ActionRedact {
		// allow / internal_only without redaction: no tokens are minted.
		return RedactResult{Sanitized: payload, Decision: decision, Spans: spans}, nil
	}

	handle, err := NewHandle()
	if err != nil {
		return RedactResult{}, err
	}

	entries := make(map[string]Entry, len(spans))
	sanitized := payload
	now := time.Now()

	// Replace right-to-left so earlier offsets stay valid.
	for i := len(spans) - 1; i >= 0; i-- {
		s := spans[i]
		original := payload[s.Start:s.End]
		placeholder := p.generator.Placeholder(pctx.ConversationID, s.Type, original)
		sanitized = sanitized[:s.Start] + placeholder + sanitized[s.End:]
		entries[placeholder] = Entry{Type: s.Type, Original: original, CreatedAt: now}
	}

	rec := Record{
		Handle:         handle,
		ConversationID: pctx.ConversationID,
		Entries:        entries,
		ExpiresAt:      now.Add(p.ttl),
	}
	if err := p.store.Put(ctx, rec); err != nil {
		return RedactResult{}, err
	}

	return RedactResult{Sanitized: sanitized, Handle: handle, Decision: decision, Spans: spans}, nil
}

// Detokenize restores placeholders in text whose category is in the
// intersection of allowCategories and the Record's own entries, provided
// caller is trusted. secret is always excluded regardless of what the caller
// requests, as defense in depth alongside the policy engine's own exclusion.
func (p *Pipeline) Detokenize(ctx context.Context, text, handle string, allowCategories map[detector.Category]bool, doc policy.Document, caller string) (string, error) {
	rec, ok, err := p.store.Get(ctx, handle)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &Error{Kind: ErrTokenHandleMissing, Msg: fmt.Sprintf("handle %q not found or expired", handle)}
	}
	if !doc.IsTrustedCaller(caller) {
		return "", &Error{Kind: ErrForbidden, Msg: fmt.Sprintf("caller %q is not trusted for detokenize", caller)}
	}

	callerAllowed := doc.CallerRouting[caller].AllowCategories
	callerSet := make(map[detector.Category]bool, len(callerAllowed))
	for _, c := range callerAllowed {
		callerSet[c] = true
	}

	effective := make(map[detector.Category]bool)
	for c := range allowCategories {
		if callerSet[c] {
			effective[c] = true
		}
	}
	delete(effective, detector.CategorySecret)

	result := text
	for placeholder, entry := range rec.Entries {
		if !strings.Contains(result, placeholder) {
			continue
		}
		cat := categoryFromType(entry.Type)
		if effective[cat] {
			result = strings.ReplaceAll(result, placeholder, entry.Original)
		}
	}
	return result, nil
}

// categoryFromType derives a Category from a detector/classifier type label.
// It mirrors the category assignment in detector.defaultPatterns and
// classifier.Classify so a bare placeholder's category can be recovered
// without re-running detection.
func categoryFromType(typ string) detector.Category {
	switch typ {
	case "CREDIT_CARD", "SSN", "EMAIL", "PHONE":
		return detector.CategoryPII
	case "PRIVATE_IP", "IP_ADDRESS", "INTERNAL_DOMAIN":
		return detector.CategoryOpsSensitive
	case "EXPORT_CONTROL_ADVISORY":
		return detector.CategoryExportControl
	default:
		return detector.CategorySecret
	}
}
