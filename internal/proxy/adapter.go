// Package proxy implements the transparent pre-flight/post-flight proxy:
// provider wire-format adapters, the redact-forward-detokenize pipeline, and
// SSE-safe streaming detokenization.
package proxy

import (
	"encoding/json"
	"fmt"
)

// Adapter translates between a provider's wire format and the plain text
// fields the redact/detokenize pipeline operates on.
//
// ExtractMessages/Splice cover the request side: the texts a payload carries
// (system prompt plus message content) and writing sanitized texts back into
// a copy of the original JSON body.
//
// ExtractResponseTexts/SpliceResponseTexts and ExtractStreamDeltaText/
// SpliceStreamDeltaText cover the response side, scoped deliberately to the
// provider's text-bearing fields only — never the whole response body or
// raw SSE bytes, so a placeholder-looking substring inside tool-call
// arguments or tool_use input is never rewritten.
type Adapter interface {
	Name() string
	ExtractMessages(body []byte) ([]string, error)
	Splice(body []byte, sanitized []string) ([]byte, error)

	// ExtractResponseTexts pulls the plain-text fields out of a complete,
	// non-streaming provider response body.
	ExtractResponseTexts(body []byte) ([]string, error)
	// SpliceResponseTexts writes restored texts back into a copy of a
	// non-streaming response body, in the same order ExtractResponseTexts
	// produced them.
	SpliceResponseTexts(body []byte, texts []string) ([]byte, error)

	// ExtractStreamDeltaText inspects one decoded SSE "data:" payload and, if
	// it carries incremental text (as opposed to a tool-call delta, a
	// lifecycle event, or anything else), returns that text and true.
	ExtractStreamDeltaText(payload []byte) (text string, ok bool)
	// SpliceStreamDeltaText rewrites payload's text-bearing field with text,
	// preserving the envelope's other fields untouched.
	SpliceStreamDeltaText(payload []byte, text string) ([]byte, error)
}

// textSplicer accumulates a replacement queue so a single flattened
// []string (from Extract*) can be written back to the matching positions in
// a Splice pass without the two ever drifting out of sync.
type textSplicer struct {
	values []string
	idx    int
}

func (s *textSplicer) next() (string, error) {
	if s.idx >= len(s.values) {
		return "", fmt.Errorf("proxy: ran out of sanitized texts during splice")
	}
	v := s.values[s.idx]
	s.idx++
	return v, nil
}

// openAIAdapter handles POST /v1/chat/completions. Request text lives at
// messages[*].content, which is either a bare string or an array of
// {type:"text", text} / {type:"image_url", ...} blocks. Response text lives
// at choices[*].message.content (non-streaming) or
// choices[*].delta.content (streaming).
type openAIAdapter struct{}

func (openAIAdapter) Name() string { return "openai" }

func (openAIAdapter) ExtractMessages(body []byte) ([]string, error) {
	var req struct {
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("proxy: parsing openai request: %w", err)
	}
	var out []string
	for _, m := range req.Messages {
		texts, err := extractOpenAIContentTexts(m.Content)
		if err != nil {
			return nil, err
		}
		out = append(out, texts...)
	}
	return out, nil
}

func extractOpenAIContentTexts(content json.RawMessage) ([]string, error) {
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return []string{asString}, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil, fmt.Errorf("proxy: openai content part not string or array: %w", err)
	}
	var out []string
	for _, p := range parts {
		if p.Type == "text" {
			out = append(out, p.Text)
		}
	}
	return out, nil
}

func (openAIAdapter) Splice(body []byte, sanitized []string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing openai request for splice: %w", err)
	}
	messages, ok := raw["messages"].([]any)
	if !ok {
		return nil, fmt.Errorf("proxy: openai request missing messages array")
	}
	sp := &textSplicer{values: sanitized}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			v, err := sp.next()
			if err != nil {
				return nil, err
			}
			msg["content"] = v
		case []any:
			for _, part := range content {
				block, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := block["type"].(string); t == "text" {
					v, err := sp.next()
					if err != nil {
						return nil, err
					}
					block["text"] = v
				}
			}
		}
	}
	return json.Marshal(raw)
}

func (openAIAdapter) ExtractResponseTexts(body []byte) ([]string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content *string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("proxy: parsing openai response: %w", err)
	}
	var out []string
	for _, c := range resp.Choices {
		if c.Message.Content != nil {
			out = append(out, *c.Message.Content)
		}
	}
	return out, nil
}

func (openAIAdapter) SpliceResponseTexts(body []byte, texts []string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing openai response for splice: %w", err)
	}
	choices, ok := raw["choices"].([]any)
	if !ok {
		return nil, fmt.Errorf("proxy: openai response missing choices array")
	}
	sp := &textSplicer{values: texts}
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]any)
		if !ok || message["content"] == nil {
			continue
		}
		v, err := sp.next()
		if err != nil {
			return nil, err
		}
		message["content"] = v
	}
	return json.Marshal(raw)
}

func (openAIAdapter) ExtractStreamDeltaText(payload []byte) (string, bool) {
	var evt struct {
		Choices []struct {
			Delta struct {
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return "", false
	}
	if len(evt.Choices) == 0 || evt.Choices[0].Delta.Content == nil {
		return "", false
	}
	return *evt.Choices[0].Delta.Content, true
}

func (openAIAdapter) SpliceStreamDeltaText(payload []byte, text string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing openai stream event for splice: %w", err)
	}
	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, fmt.Errorf("proxy: openai stream event missing choices")
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("proxy: openai stream event choice malformed")
	}
	delta, ok := choice["delta"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("proxy: openai stream event missing delta")
	}
	delta["content"] = text
	return json.Marshal(raw)
}

// anthropicAdapter handles POST /v1/messages. Request text lives at the
// top-level system field (string or array of {type:"text", text} blocks,
// per spec §4.5) and at messages[*].content (same two shapes). Response text
// lives at content[*] blocks with type=="text" (non-streaming) or
// content_block_delta events with delta.type=="text_delta" (streaming).
type anthropicAdapter struct{}

func (anthropicAdapter) Name() string { return "anthropic" }

func (anthropicAdapter) ExtractMessages(body []byte) ([]string, error) {
	var req struct {
		System   json.RawMessage `json:"system"`
		Messages []struct {
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("proxy: parsing anthropic request: %w", err)
	}
	var out []string
	if len(req.System) > 0 {
		texts, err := extractAnthropicContentTexts(req.System)
		if err != nil {
			return nil, fmt.Errorf("proxy: anthropic system field: %w", err)
		}
		out = append(out, texts...)
	}
	for _, m := range req.Messages {
		texts, err := extractAnthropicContentTexts(m.Content)
		if err != nil {
			return nil, err
		}
		out = append(out, texts...)
	}
	return out, nil
}

func extractAnthropicContentTexts(content json.RawMessage) ([]string, error) {
	var asString string
	if err := json.Unmarshal(content, &asString); err == nil {
		return []string{asString}, nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil, fmt.Errorf("proxy: anthropic content block not string or array: %w", err)
	}
	var out []string
	for _, b := range blocks {
		if b.Type == "text" {
			out = append(out, b.Text)
		}
	}
	return out, nil
}

func (anthropicAdapter) Splice(body []byte, sanitized []string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing anthropic request for splice: %w", err)
	}

	sp := &textSplicer{values: sanitized}

	if system, ok := raw["system"]; ok {
		switch v := system.(type) {
		case string:
			val, err := sp.next()
			if err != nil {
				return nil, err
			}
			raw["system"] = val
		case []any:
			for _, b := range v {
				block, ok := b.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := block["type"].(string); t == "text" {
					val, err := sp.next()
					if err != nil {
						return nil, err
					}
					block["text"] = val
				}
			}
		}
	}

	messages, ok := raw["messages"].([]any)
	if !ok {
		return nil, fmt.Errorf("proxy: anthropic request missing messages array")
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			v, err := sp.next()
			if err != nil {
				return nil, err
			}
			msg["content"] = v
		case []any:
			for _, b := range content {
				block, ok := b.(map[string]any)
				if !ok {
					continue
				}
				if t, _ := block["type"].(string); t == "text" {
					v, err := sp.next()
					if err != nil {
						return nil, err
					}
					block["text"] = v
				}
			}
		}
	}
	return json.Marshal(raw)
}

func (anthropicAdapter) ExtractResponseTexts(body []byte) ([]string, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("proxy: parsing anthropic response: %w", err)
	}
	var out []string
	for _, b := range resp.Content {
		if b.Type == "text" {
			out = append(out, b.Text)
		}
	}
	return out, nil
}

func (anthropicAdapter) SpliceResponseTexts(body []byte, texts []string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing anthropic response for splice: %w", err)
	}
	content, ok := raw["content"].([]any)
	if !ok {
		return nil, fmt.Errorf("proxy: anthropic response missing content array")
	}
	sp := &textSplicer{values: texts}
	for _, b := range content {
		block, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t != "text" {
			continue
		}
		v, err := sp.next()
		if err != nil {
			return nil, err
		}
		block["text"] = v
	}
	return json.Marshal(raw)
}

func (anthropicAdapter) ExtractStreamDeltaText(payload []byte) (string, bool) {
	var evt struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return "", false
	}
	if evt.Type != "content_block_delta" || evt.Delta.Type != "text_delta" {
		return "", false
	}
	return evt.Delta.Text, true
}

func (anthropicAdapter) SpliceStreamDeltaText(payload []byte, text string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing anthropic stream event for splice: %w", err)
	}
	delta, ok := raw["delta"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("proxy: anthropic stream event missing delta")
	}
	delta["text"] = text
	return json.Marshal(raw)
}

// googleAdapter handles POST /v1beta(/{version})?/models/{model}:generateContent.
// Request text lives at the top-level systemInstruction.parts[*].text
// (per spec §4.5) and at contents[*].parts[*].text. Response text lives at
// candidates[*].content.parts[*].text, for both the full response and each
// streamed chunk.
type googleAdapter struct{}

func (googleAdapter) Name() string { return "google" }

type googleParts struct {
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

func (googleAdapter) ExtractMessages(body []byte) ([]string, error) {
	var req struct {
		SystemInstruction *googleParts `json:"systemInstruction"`
		Contents          []googleParts `json:"contents"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("proxy: parsing google request: %w", err)
	}
	var out []string
	if req.SystemInstruction != nil {
		for _, p := range req.SystemInstruction.Parts {
			out = append(out, p.Text)
		}
	}
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			out = append(out, p.Text)
		}
	}
	return out, nil
}

func (googleAdapter) Splice(body []byte, sanitized []string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing google request for splice: %w", err)
	}
	sp := &textSplicer{values: sanitized}

	if si, ok := raw["systemInstruction"].(map[string]any); ok {
		if err := spliceGoogleParts(si, sp); err != nil {
			return nil, err
		}
	}

	contents, ok := raw["contents"].([]any)
	if !ok {
		return nil, fmt.Errorf("proxy: google request missing contents array")
	}
	for _, c := range contents {
		content, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if err := spliceGoogleParts(content, sp); err != nil {
			return nil, err
		}
	}
	return json.Marshal(raw)
}

func spliceGoogleParts(container map[string]any, sp *textSplicer) error {
	parts, ok := container["parts"].([]any)
	if !ok {
		return nil
	}
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		v, err := sp.next()
		if err != nil {
			return err
		}
		part["text"] = v
	}
	return nil
}

func (googleAdapter) ExtractResponseTexts(body []byte) ([]string, error) {
	var resp struct {
		Candidates []struct {
			Content googleParts `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("proxy: parsing google response: %w", err)
	}
	var out []string
	for _, c := range resp.Candidates {
		for _, p := range c.Content.Parts {
			out = append(out, p.Text)
		}
	}
	return out, nil
}

func (googleAdapter) SpliceResponseTexts(body []byte, texts []string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing google response for splice: %w", err)
	}
	candidates, ok := raw["candidates"].([]any)
	if !ok {
		return nil, fmt.Errorf("proxy: google response missing candidates array")
	}
	sp := &textSplicer{values: texts}
	for _, c := range candidates {
		candidate, ok := c.(map[string]any)
		if !ok {
			continue
		}
		content, ok := candidate["content"].(map[string]any)
		if !ok {
			continue
		}
		if err := spliceGoogleParts(content, sp); err != nil {
			return nil, err
		}
	}
	return json.Marshal(raw)
}

func (googleAdapter) ExtractStreamDeltaText(payload []byte) (string, bool) {
	var evt struct {
		Candidates []struct {
			Content googleParts `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return "", false
	}
	if len(evt.Candidates) == 0 || len(evt.Candidates[0].Content.Parts) == 0 {
		return "", false
	}
	return evt.Candidates[0].Content.Parts[0].Text, true
}

func (googleAdapter) SpliceStreamDeltaText(payload []byte, text string) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("proxy: parsing google stream event for splice: %w", err)
	}
	candidates, ok := raw["candidates"].([]any)
	if !ok || len(candidates) == 0 {
		return nil, fmt.Errorf("proxy: google stream event missing candidates")
	}
	candidate, ok := candidates[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("proxy: google stream event candidate malformed")
	}
	content, ok := candidate["content"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("proxy: google stream event missing content")
	}
	parts, ok := content["parts"].([]any)
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("proxy: google stream event missing parts")
	}
	part, ok := parts[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("proxy: google stream event part malformed")
	}
	part["text"] = text
	return json.Marshal(raw)
}

// AdapterFor returns the Adapter for a provider name ("openai", "anthropic",
// "google").
func AdapterFor(provider string) (Adapter, error) {
	switch provider {
	case "openai":
		return openAIAdapter{}, nil
	case "anthropic":
		return anthropicAdapter{}, nil
	case "google":
		return googleAdapter{}, nil
	default:
		return nil, fmt.Errorf("proxy: unknown provider %q", provider)
	}
}
