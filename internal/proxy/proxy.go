package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"elida/internal/detector"
	"elida/internal/policy"
	"elida/internal/telemetry"
	"elida/internal/token"
)

const (
	connectTimeout = 10 * time.Second
	idleTimeout    = 60 * time.Second

	headerCaller         = "X-MCP-Caller"
	headerRegion         = "X-MCP-Region"
	headerEnv            = "X-MCP-Env"
	headerConversationID = "X-MCP-Conversation-ID"
)

// Auditor receives one event per logical action (classify/redact/detokenize/
// route) the proxy performs. Implemented by internal/audit.Pipeline; kept as
// a narrow interface here to avoid a dependency cycle.
type Auditor interface {
	RecordAction(ctx context.Context, requestID, action string, pctx policy.Context, spans []detector.Span, decision policy.Decision, payloadBytes int, latency time.Duration)
}

// UpstreamConfig carries the per-provider upstream base URL.
type UpstreamConfig struct {
	OpenAIURL    string
	AnthropicURL string
	GoogleURL    string
}

// Proxy is the transparent pre-flight/post-flight proxy: per provider route,
// it extracts messages, applies the redact/policy pipeline, forwards the
// sanitized request upstream, and incrementally detokenizes the response.
type Proxy struct {
	pipeline      *token.Pipeline
	doc           policy.Document
	upstream      UpstreamConfig
	auditor       Auditor
	client        *http.Client
	maxBytes      int64
	defaultRegion string

	// Tracer is optional; when set (and enabled), one span is recorded per
	// proxy request. Left nil, tracing is simply skipped.
	Tracer *telemetry.Provider
}

func New(pipeline *token.Pipeline, doc policy.Document, upstream UpstreamConfig, auditor Auditor, maxPayloadBytes int64, defaultRegion string) *Proxy {
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Proxy{
		pipeline:      pipeline,
		doc:           doc,
		upstream:      upstream,
		auditor:       auditor,
		maxBytes:      maxPayloadBytes,
		defaultRegion: defaultRegion,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				ResponseHeaderTimeout: connectTimeout,
				IdleConnTimeout:       idleTimeout,
			},
		},
	}
}

// providerUpstream resolves the configured upstream base URL for a provider.
func (p *Proxy) providerUpstream(provider string) string {
	switch provider {
	case "openai":
		return p.upstream.OpenAIURL
	case "anthropic":
		return p.upstream.AnthropicURL
	case "google":
		return p.upstream.GoogleURL
	default:
		return ""
	}
}

// contextFromHeaders derives the request Context from headers, applying the
// proxy's own defaulting rule: caller falls back to "<provider>-proxy",
// region falls back to the configured default region, conversation_id falls
// back to a fresh UUID. env has no default and is rejected at the boundary
// if absent, since the policy engine's region/caller routing still needs an
// explicit environment to key off.
func contextFromHeaders(r *http.Request, provider, defaultRegion string) (policy.Context, error) {
	pctx := policy.Context{
		Caller:         r.Header.Get(headerCaller),
		Region:         r.Header.Get(headerRegion),
		Env:            r.Header.Get(headerEnv),
		ConversationID: r.Header.Get(headerConversationID),
	}
	if pctx.Caller == "" {
		pctx.Caller = fmt.Sprintf("%s-proxy", provider)
	}
	if pctx.Region == "" {
		pctx.Region = defaultRegion
	}
	if pctx.ConversationID == "" {
		pctx.ConversationID = uuid.NewString()
	}
	if pctx.Env == "" {
		return pctx, fmt.Errorf("proxy: missing required context header %s", headerEnv)
	}
	return pctx, nil
}

// Handler returns the http.HandlerFunc for one provider's proxy route.
func (p *Proxy) Handler(provider string) http.HandlerFunc {
	adapter, err := AdapterFor(provider)
	if err != nil {
		panic(err) // programmer error: wired with an unsupported provider name
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
		defer cancel()

		requestID := uuid.NewString()
		start := time.Now()

		var span trace.Span
		var respStatus int
		var bytesIn int
		var bytesOut int
		var finalPctx policy.Context
		var finalDecision policy.Decision
		var spanErr error
		if p.Tracer != nil && p.Tracer.Enabled() {
			ctx, span = p.Tracer.StartRequestSpan(ctx, requestID, r.Method, r.URL.Path, r.URL.Query().Get("stream") == "true")
			defer func() {
				p.Tracer.EndRequestSpan(span, respStatus, int64(bytesIn), int64(bytesOut), finalPctx.ConversationID, string(finalDecision.Action), finalDecision.SortedCategories(), spanErr)
			}()
		}

		pctx, err := contextFromHeaders(r, provider, p.defaultRegion)
		finalPctx = pctx
		if err != nil {
			spanErr = err
			respStatus = StatusForKind("invalid_input")
			writeProviderError(w, provider, respStatus, err.Error(), "invalid_request_error")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBytes+1))
		if err != nil {
			spanErr = err
			respStatus = StatusForKind("invalid_input")
			writeProviderError(w, provider, respStatus, "failed to read request body", "invalid_request_error")
			return
		}
		bytesIn = len(body)
		if int64(len(body)) > p.maxBytes {
			spanErr = fmt.Errorf("proxy: payload of %d bytes exceeds configured limit", len(body))
			respStatus = StatusForKind("invalid_input")
			writeProviderError(w, provider, respStatus, "payload exceeds configured limit", "invalid_request_error")
			return
		}

		messages, err := adapter.ExtractMessages(body)
		if err != nil {
			spanErr = err
			respStatus = StatusForKind("invalid_input")
			writeProviderError(w, provider, respStatus, err.Error(), "invalid_request_error")
			return
		}

		sanitized := make([]string, len(messages))
		var lastDecision policy.Decision
		var handle string
		var allSpans []detector.Span
		for i, m := range messages {
			res, err := p.pipeline.Redact(ctx, m, pctx)
			if terr, ok := err.(*token.Error); ok && terr.Kind == token.ErrPolicyBlocked {
				finalDecision = res.Decision
				p.auditor.RecordAction(ctx, requestID, "redact", pctx, res.Spans, res.Decision, len(m), time.Since(start))
				spanErr = err
				respStatus = StatusForKind("policy_blocked")
				writeProviderError(w, provider, respStatus, "request blocked by data handling policy", "policy_violation")
				return
			}
			if err != nil {
				spanErr = err
				respStatus = http.StatusInternalServerError
				writeProviderError(w, provider, respStatus, err.Error(), "internal_error")
				return
			}
			sanitized[i] = res.Sanitized
			lastDecision = res.Decision
			allSpans = append(allSpans, res.Spans...)
			if res.Handle != "" {
				handle = res.Handle
			}
		}
		finalDecision = lastDecision
		p.auditor.RecordAction(ctx, requestID, "redact", pctx, allSpans, lastDecision, len(body), time.Since(start))

		outBody, err := adapter.Splice(body, sanitized)
		if err != nil {
			spanErr = err
			respStatus = http.StatusInternalServerError
			writeProviderError(w, provider, respStatus, err.Error(), "internal_error")
			return
		}

		base := p.providerUpstream(provider)
		upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, base+r.URL.Path, bytes.NewReader(outBody))
		if err != nil {
			spanErr = err
			respStatus = http.StatusInternalServerError
			writeProviderError(w, provider, respStatus, "failed to build upstream request", "internal_error")
			return
		}
		upstreamReq.Header = r.Header.Clone()
		upstreamReq.ContentLength = int64(len(outBody))

		resp, err := p.client.Do(upstreamReq)
		if err != nil {
			spanErr = err
			respStatus = StatusForKind("upstream_error")
			writeProviderError(w, provider, respStatus, "upstream request failed", "api_error")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			// Upstream error bodies are forwarded verbatim, without detokenization.
			respStatus = resp.StatusCode
			copyResponseHeaders(w.Header(), resp.Header)
			w.WriteHeader(resp.StatusCode)
			n, _ := io.Copy(w, resp.Body)
			bytesOut = int(n)
			return
		}

		allow := lastDecision.AllowedDetokenizeCategories
		if isStreaming(r, resp) {
			respStatus = resp.StatusCode
			n := p.streamDetokenized(w, resp, handle, pctx, allow, adapter)
			bytesOut = n
			p.auditor.RecordAction(ctx, requestID, "detokenize", pctx, nil, lastDecision, n, time.Since(start))
			return
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			spanErr = err
			respStatus = StatusForKind("upstream_error")
			writeProviderError(w, provider, respStatus, "failed reading upstream response", "api_error")
			return
		}

		// Detokenization is scoped to the adapter's own text fields, never the
		// whole response body — a placeholder-looking substring inside
		// tool-call arguments must pass through unchanged.
		outBody := respBody
		texts, err := adapter.ExtractResponseTexts(respBody)
		if err == nil && len(texts) > 0 {
			restoredTexts := make([]string, len(texts))
			for i, t := range texts {
				restored, derr := p.pipeline.Detokenize(ctx, t, handle, allow, p.doc, pctx.Caller)
				if derr != nil {
					restored = t
				}
				restoredTexts[i] = restored
			}
			if spliced, serr := adapter.SpliceResponseTexts(respBody, restoredTexts); serr == nil {
				outBody = spliced
			}
		}
		p.auditor.RecordAction(ctx, requestID, "detokenize", pctx, nil, lastDecision, len(outBody), time.Since(start))

		respStatus = resp.StatusCode
		bytesOut = len(outBody)
		copyResponseHeaders(w.Header(), resp.Header)
		w.Header().Set("Content-Length", strconv.Itoa(len(outBody)))
		w.WriteHeader(resp.StatusCode)
		w.Write(outBody)
	}
}

// hopByHopHeaders lists headers that must never be forwarded verbatim from
// upstream to the client (RFC 7230 §6.1), plus Content-Length: this proxy
// rewrites response bodies during detokenization, so any upstream-declared
// length is recomputed rather than copied.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

func copyResponseHeaders(dst, src http.Header) {
	for k, v := range src {
		if hopByHopHeaders[k] {
			continue
		}
		dst[k] = v
	}
}

func (p *Proxy) streamDetokenized(w http.ResponseWriter, resp *http.Response, handle string, pctx policy.Context, allow map[detector.Category]bool, adapter Adapter) int {
	flusher, _ := w.(http.Flusher)
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	reader := NewDetokenizingReader(context.Background(), resp.Body, p.pipeline, p.doc, handle, pctx.Caller, allow, adapter)
	defer reader.Close()

	idleTimer := time.AfterFunc(idleTimeout, func() {
		slog.Warn("streaming response idle timeout exceeded, closing upstream body")
		reader.Close()
	})
	defer idleTimer.Stop()

	var total int
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			total += n
			if flusher != nil {
				flusher.Flush()
			}
			idleTimer.Reset(idleTimeout)
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("streaming response ended with error", "error", err)
			}
			return total
		}
	}
}

func isStreaming(r *http.Request, resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return r.URL.Query().Get("stream") == "true" || strings.HasPrefix(ct, "text/event-stream")
}
