package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"elida/internal/classifier"
	"elida/internal/detector"
	"elida/internal/policy"
	"elida/internal/token"
)

func TestSplitAtLastUnmatchedOpen_NoDelimiter(t *testing.T) {
	safe, holdback := splitAtLastUnmatchedOpen([]byte("plain text, nothing special"), rollingBufferSize)
	if string(safe) != "plain text, nothing special" || len(holdback) != 0 {
		t.Fatalf("expected entire buffer to be safe, got safe=%q holdback=%q", safe, holdback)
	}
}

func TestSplitAtLastUnmatchedOpen_MatchedPlaceholder(t *testing.T) {
	buf := []byte("hello «token:EMAIL:ab12» world")
	safe, holdback := splitAtLastUnmatchedOpen(buf, rollingBufferSize)
	if string(safe) != string(buf) || len(holdback) != 0 {
		t.Fatalf("expected fully matched placeholder to be entirely safe, got safe=%q holdback=%q", safe, holdback)
	}
}

func TestSplitAtLastUnmatchedOpen_UnmatchedOpener(t *testing.T) {
	buf := []byte("hello «token:EMAIL:ab")
	safe, holdback := splitAtLastUnmatchedOpen(buf, rollingBufferSize)
	if string(safe) != "hello " {
		t.Fatalf("expected safe prefix before the unmatched opener, got %q", safe)
	}
	if string(holdback) != "«token:EMAIL:ab" {
		t.Fatalf("expected holdback to start at the unmatched opener, got %q", holdback)
	}
}

func TestSplitAtLastUnmatchedOpen_UnmatchedOpenerAfterCompleteOne(t *testing.T) {
	buf := []byte("«token:EMAIL:ab12» and then «token:SSN:cd")
	safe, holdback := splitAtLastUnmatchedOpen(buf, rollingBufferSize)
	if string(safe) != "«token:EMAIL:ab12» and then " {
		t.Fatalf("expected the completed placeholder to stay in safe, got %q", safe)
	}
	if string(holdback) != "«token:SSN:cd" {
		t.Fatalf("expected holdback to be only the trailing unmatched opener, got %q", holdback)
	}
}

// fakeSrc dribbles out one caller-supplied chunk per Read call, splitting an
// SSE event across two reads the way a slow upstream connection would.
type fakeSrc struct {
	chunks [][]byte
	i      int
}

func (f *fakeSrc) Read(p []byte) (int, error) {
	if f.i >= len(f.chunks) {
		return 0, io.EOF
	}
	n := copy(p, f.chunks[f.i])
	f.i++
	return n, nil
}

func (f *fakeSrc) Close() error { return nil }

func testDetokenizePipeline(t *testing.T) (*token.Pipeline, policy.Document, string) {
	t.Helper()
	pii := detector.CategoryPII
	doc := policy.Document{
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
	gen, err := token.NewGenerator([]byte("streaming-test-salt"))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	pipe := token.NewPipeline(
		detector.New(detector.DefaultConfig()),
		classifier.New(classifier.DefaultConfig()),
		policy.NewEngine(doc),
		token.NewMemoryStore(),
		gen,
		token.DefaultTTL,
	)

	pctx := policy.Context{Caller: "incident-mgr", Region: "us", Env: "prod", ConversationID: "stream-1"}
	res, err := pipe.Redact(context.Background(), "contact jane@example.com for details", pctx)
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	return pipe, doc, res.Handle
}

// openAIDeltaEvent builds one SSE "data: ...\n\n" event carrying content as
// an OpenAI streaming delta, matching what openAIAdapter.ExtractStreamDeltaText
// expects.
func openAIDeltaEvent(content string) string {
	payload, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	})
	return "data: " + string(payload) + "\n\n"
}

// concatOpenAIDeltaText parses a stream of "data: {...}\n\n" events built by
// openAIDeltaEvent (or structurally compatible ones) and concatenates every
// delta.content field found, to compare against an expected fully-assembled
// text regardless of how the reader chose to chunk its output.
func concatOpenAIDeltaText(t *testing.T, stream string) string {
	t.Helper()
	var out strings.Builder
	for _, line := range strings.Split(stream, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(line[len("data: "):]), &evt); err != nil {
			t.Fatalf("unmarshal event %q: %v", line, err)
		}
		if len(evt.Choices) > 0 {
			out.WriteString(evt.Choices[0].Delta.Content)
		}
	}
	return out.String()
}

// TestDetokenizingReader_SplitPlaceholderAcrossChunks reproduces a streamed
// response whose placeholder is split across two distinct SSE text-delta
// events, and asserts the reassembled text-delta content restores the
// original value with no partial placeholder ever surfacing.
func TestDetokenizingReader_SplitPlaceholderAcrossChunks(t *testing.T) {
	pipe, doc, handle := testDetokenizePipeline(t)

	gen, err := token.NewGenerator([]byte("streaming-test-salt"))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	placeholder := gen.Placeholder("stream-1", "EMAIL", "jane@example.com")
	full := "reaching out to " + placeholder + " about the ticket"

	// Split strictly inside the placeholder's ASCII hex hash, never inside a
	// multi-byte guillemet, so the two halves remain valid UTF-8 once each is
	// independently JSON-marshaled into its own SSE event.
	split := strings.Index(full, "EMAIL:") + len("EMAIL:") + 4
	event1 := openAIDeltaEvent(full[:split])
	event2 := openAIDeltaEvent(full[split:])

	src := &fakeSrc{chunks: [][]byte{[]byte(event1), []byte(event2)}}
	allow := map[detector.Category]bool{detector.CategoryPII: true}
	reader := NewDetokenizingReader(context.Background(), src, pipe, doc, handle, "incident-mgr", allow, openAIAdapter{})

	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	want := "reaching out to jane@example.com about the ticket"
	if joined := concatOpenAIDeltaText(t, string(got)); joined != want {
		t.Fatalf("streamed detokenization mismatch:\n got: %q\nwant: %q\nraw: %q", joined, want, got)
	}
}

func TestDetokenizingReader_PlainTextPassesThroughUnmodified(t *testing.T) {
	pipe, doc, handle := testDetokenizePipeline(t)
	src := &fakeSrc{chunks: [][]byte{[]byte(openAIDeltaEvent("no placeholders here at all"))}}
	allow := map[detector.Category]bool{detector.CategoryPII: true}
	reader := NewDetokenizingReader(context.Background(), src, pipe, doc, handle, "incident-mgr", allow, openAIAdapter{})

	out, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if joined := concatOpenAIDeltaText(t, string(out)); joined != "no placeholders here at all" {
		t.Fatalf("expected plain text unchanged, got %q", joined)
	}
}

// TestDetokenizingReader_ToolCallArgumentsUntouched proves a tool-call delta
// event carrying a placeholder-looking substring in its function arguments
// passes through byte-for-byte: the reader must never run the category-aware
// replacer over anything but the adapter's own text-delta field.
func TestDetokenizingReader_ToolCallArgumentsUntouched(t *testing.T) {
	pipe, doc, handle := testDetokenizePipeline(t)

	gen, err := token.NewGenerator([]byte("streaming-test-salt"))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	placeholder := gen.Placeholder("stream-1", "EMAIL", "jane@example.com")

	toolEvent := fmt.Sprintf(`data: {"choices":[{"delta":{"tool_calls":[{"function":{"arguments":"{\"to\":\"%s\"}"}}]}}]}`, placeholder) + "\n\n"

	src := &fakeSrc{chunks: [][]byte{[]byte(toolEvent)}}
	allow := map[detector.Category]bool{detector.CategoryPII: true}
	reader := NewDetokenizingReader(context.Background(), src, pipe, doc, handle, "incident-mgr", allow, openAIAdapter{})

	out, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Contains(out, []byte(placeholder)) {
		t.Fatalf("expected tool_calls arguments to pass through with the placeholder intact, got %q", out)
	}
}
