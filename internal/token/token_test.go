package token

import (
	"context"
	"strings"
	"testing"
	"time"

	"elida/internal/classifier"
	"elida/internal/detector"
	"elida/internal/policy"
)

func testGenerator(t *testing.T) *Generator {
	t.Helper()
	gen, err := NewGenerator([]byte("test-salt-do-not-use-in-prod"))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return gen
}

func TestPlaceholder_DeterministicWithinConversation(t *testing.T) {
	gen := testGenerator(t)
	a := gen.Placeholder("conv-1", "EMAIL", "jane@example.com")
	b := gen.Placeholder("conv-1", "EMAIL", "jane@example.com")
	if a != b {
		t.Fatalf("expected identical placeholders for the same inputs, got %q and %q", a, b)
	}
}

func TestPlaceholder_CrossConversationIsolation(t *testing.T) {
	gen := testGenerator(t)
	a := gen.Placeholder("conv-1", "EMAIL", "jane@example.com")
	b := gen.Placeholder("conv-2", "EMAIL", "jane@example.com")
	if a == b {
		t.Fatalf("expected different conversation_ids to produce different placeholders")
	}
}

func TestPlaceholder_Format(t *testing.T) {
	gen := testGenerator(t)
	ph := gen.Placeholder("conv-1", "EMAIL", "jane@example.com")
	if !strings.HasPrefix(ph, "«token:EMAIL:") || !strings.HasSuffix(ph, "»") {
		t.Fatalf("unexpected placeholder format: %q", ph)
	}
}

func testPolicyDoc() policy.Document {
	pii := detector.CategoryPII
	return policy.Document{
		Version:        1,
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
}

func testPipeline(t *testing.T) (*Pipeline, policy.Document) {
	t.Helper()
	doc := testPolicyDoc()
	p := NewPipeline(
		detector.New(detector.DefaultConfig()),
		classifier.New(classifier.DefaultConfig()),
		policy.NewEngine(doc),
		NewMemoryStore(),
		testGenerator(t),
		DefaultTTL,
	)
	return p, doc
}

func TestRoundTrip_PIIOnly(t *testing.T) {
	p, doc := testPipeline(t)
	ctx := context.Background()
	pctx := policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "c2"}

	payload := "Email alice@ex.com, call 415-555-0133"
	res, err := p.Redact(ctx, payload, pctx)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	if res.Sanitized == payload {
		t.Fatalf("expected payload to be sanitized")
	}

	allow := map[detector.Category]bool{detector.CategoryPII: true}
	restored, err := p.Detokenize(ctx, res.Sanitized, res.Handle, allow, doc, "incident-mgr")
	if err != nil {
		t.Fatalf("Detokenize: %v", err)
	}
	if restored != payload {
		t.Fatalf("round-trip failed: got %q, want %q", restored, payload)
	}
}

func TestDetokenize_Idempotent(t *testing.T) {
	p, doc := testPipeline(t)
	ctx := context.Background()
	pctx := policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "c3"}

	res, err := p.Redact(ctx, "Email bob@ex.com", pctx)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	allow := map[detector.Category]bool{detector.CategoryPII: true}

	once, err := p.Detokenize(ctx, res.Sanitized, res.Handle, allow, doc, "incident-mgr")
	if err != nil {
		t.Fatalf("Detokenize: %v", err)
	}
	twice, err := p.Detokenize(ctx, once, res.Handle, allow, doc, "incident-mgr")
	if err != nil {
		t.Fatalf("Detokenize (second pass): %v", err)
	}
	if once != twice {
		t.Fatalf("expected idempotent detokenize, got %q then %q", once, twice)
	}
}

func TestDetokenize_UntrustedCallerForbidden(t *testing.T) {
	p, doc := testPipeline(t)
	ctx := context.Background()
	pctx := policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "c4"}

	res, err := p.Redact(ctx, "Email carol@ex.com", pctx)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}

	_, err = p.Detokenize(ctx, res.Sanitized, res.Handle, map[detector.Category]bool{detector.CategoryPII: true}, doc, "random-app")
	if err == nil {
		t.Fatalf("expected Forbidden error for untrusted caller")
	}
	terr, ok := err.(*Error)
	if !ok || terr.Kind != ErrForbidden {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestDetokenize_MissingHandle(t *testing.T) {
	p, doc := testPipeline(t)
	_, err := p.Detokenize(context.Background(), "irrelevant text", "does-not-exist", nil, doc, "incident-mgr")
	if err == nil {
		t.Fatalf("expected TokenHandleMissing error")
	}
	terr, ok := err.(*Error)
	if !ok || terr.Kind != ErrTokenHandleMissing {
		t.Fatalf("expected ErrTokenHandleMissing, got %v", err)
	}
}

func TestMemoryStore_ExtendTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec := Record{Handle: "h1", ConversationID: "c1", Entries: map[string]Entry{}, ExpiresAt: time.Now().Add(DefaultTTL)}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.ExtendTTL(ctx, "h1", DefaultTTL*2); err != nil {
		t.Fatalf("ExtendTTL: %v", err)
	}
	got, ok, err := s.Get(ctx, "h1")
	if err != nil || !ok {
		t.Fatalf("Get after ExtendTTL: ok=%v err=%v", ok, err)
	}
	if !got.ExpiresAt.After(rec.ExpiresAt) {
		t.Fatalf("expected ExpiresAt to move forward after ExtendTTL")
	}
	if got.LastExtendedAt.IsZero() {
		t.Fatalf("expected LastExtendedAt to be set after ExtendTTL")
	}
}
