package proxy

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"elida/internal/detector"
	"elida/internal/policy"
	"elida/internal/token"
)

// rollingBufferSize bounds how much trailing text DetokenizingReader holds
// back before it has seen a closing delimiter for an in-progress placeholder.
// A placeholder is «token:TYPE:HASH4» — the longest TYPE label in the
// detector's battery is well under 32 bytes, so 128 bytes comfortably covers
// every placeholder the pipeline can mint, including its multi-byte
// guillemets.
const rollingBufferSize = 128

var (
	openDelim  = []byte("«")
	closeDelim = []byte("»")
)

// DetokenizingReader wraps an upstream SSE response body and restores
// «token:TYPE:HASH4» placeholders, scoped to the provider's own text-delta
// field (adapter.ExtractStreamDeltaText) rather than the raw byte stream.
// Non-text events — tool-call argument deltas, Anthropic input_json_delta,
// lifecycle/ping events — are copied through untouched, so a placeholder-
// looking substring inside structured tool-call data is never rewritten.
//
// Text is accumulated across consecutive text-delta events so a placeholder
// split across two small chunks is still recognized before being flushed:
// each round keeps back anything from the last unmatched opening delimiter
// onward, and emits the rest spliced into the most recently seen text
// event's own envelope shape.
type DetokenizingReader struct {
	src     io.ReadCloser
	ctx     context.Context
	doc     policy.Document
	caller  string
	handle  string
	allow   map[detector.Category]bool
	pipe    *token.Pipeline
	adapter Adapter

	br          *bufio.Reader
	textAccum   []byte
	lastPayload []byte

	out  bytes.Buffer
	done bool
	err  error
}

func NewDetokenizingReader(ctx context.Context, src io.ReadCloser, pipe *token.Pipeline, doc policy.Document, handle, caller string, allow map[detector.Category]bool, adapter Adapter) *DetokenizingReader {
	return &DetokenizingReader{
		src:     src,
		ctx:     ctx,
		doc:     doc,
		caller:  caller,
		handle:  handle,
		allow:   allow,
		pipe:    pipe,
		adapter: adapter,
		br:      bufio.NewReader(src),
	}
}

func (d *DetokenizingReader) Read(p []byte) (int, error) {
	for d.out.Len() == 0 && !d.done {
		if err := d.fill(); err != nil {
			d.done = true
			d.err = err
		}
	}
	if d.out.Len() > 0 {
		return d.out.Read(p)
	}
	return 0, d.err
}

// fill reads and processes one line of the SSE stream.
func (d *DetokenizingReader) fill() error {
	line, err := d.br.ReadBytes('\n')
	if len(line) > 0 {
		d.processLine(line)
	}
	if err != nil {
		if err == io.EOF {
			d.flushPending()
		}
		return err
	}
	return nil
}

// processLine routes a single SSE line: blank lines, comments, and non-"data:"
// fields pass straight through; a "data:" line is decoded by the adapter and
// either accumulated (text-bearing) or — marking the end of the current text
// run — causes any accumulated text to flush before passing through.
func (d *DetokenizingReader) processLine(line []byte) {
	trimmed := bytes.TrimRight(line, "\r\n")
	if len(trimmed) == 0 || trimmed[0] == ':' || !bytes.HasPrefix(trimmed, []byte("data: ")) {
		d.out.Write(line)
		return
	}

	payload := trimmed[len("data: "):]
	text, ok := d.adapter.ExtractStreamDeltaText(payload)
	if !ok {
		d.flushPending()
		d.out.Write(line)
		return
	}

	d.textAccum = append(d.textAccum, text...)
	d.lastPayload = payload
	safe, holdback := splitAtLastUnmatchedOpen(d.textAccum, rollingBufferSize)
	d.textAccum = holdback
	if len(safe) > 0 {
		d.emit(safe)
	}
}

// emit detokenizes text and writes it as one SSE "data:" event built from the
// most recently seen text-delta event's own envelope.
func (d *DetokenizingReader) emit(text []byte) {
	restored, err := d.pipe.Detokenize(d.ctx, string(text), d.handle, d.allow, d.doc, d.caller)
	if err != nil {
		restored = string(text)
	}
	spliced, err := d.adapter.SpliceStreamDeltaText(d.lastPayload, restored)
	if err != nil {
		d.out.WriteString("data: ")
		d.out.WriteString(restored)
		d.out.WriteString("\n")
		return
	}
	d.out.WriteString("data: ")
	d.out.Write(spliced)
	d.out.WriteString("\n")
}

func (d *DetokenizingReader) flushPending() {
	if len(d.textAccum) == 0 {
		return
	}
	text := d.textAccum
	d.textAccum = nil
	d.emit(text)
}

func (d *DetokenizingReader) Close() error {
	return d.src.Close()
}

// splitAtLastUnmatchedOpen returns (safe, holdback) where holdback starts at
// the last openDelim within buf that has no matching closeDelim after it. If
// no such unmatched opener exists, the whole buffer is safe and holdback is
// empty.
func splitAtLastUnmatchedOpen(buf []byte, window int) (safe, holdback []byte) {
	_ = window // documents the expected holdback bound; search always covers the whole buffer

	searchFrom := 0
	for {
		openIdx := bytes.Index(buf[searchFrom:], openDelim)
		if openIdx < 0 {
			break
		}
		absOpen := searchFrom + openIdx
		closeIdx := bytes.Index(buf[absOpen+len(openDelim):], closeDelim)
		if closeIdx < 0 {
			// Unmatched opener: everything from here is held back.
			return buf[:absOpen], buf[absOpen:]
		}
		// This opener is matched; keep scanning after its closer.
		searchFrom = absOpen + len(openDelim) + closeIdx + len(closeDelim)
	}
	return buf, nil
}
