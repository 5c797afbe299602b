package audit

import (
	"context"
	"log/slog"
	"time"

	"elida/internal/detector"
	"elida/internal/policy"
)

// Pipeline implements proxy.Auditor: every redact/detokenize action is
// written synchronously to the durable local log and the SQLite index, then
// handed off to the SIEM queue without blocking the request.
type Pipeline struct {
	log   *LocalLog
	store *Store
	queue *Queue
}

// NewPipeline wires a LocalLog and Store together with an optional SIEM
// queue. queue may be nil, in which case records are written locally and
// indexed but never shipped.
func NewPipeline(log *LocalLog, store *Store, queue *Queue) *Pipeline {
	return &Pipeline{log: log, store: store, queue: queue}
}

// RecordAction satisfies proxy.Auditor. Local log and index writes are
// synchronous and on the request's goroutine but off its critical path
// (they happen after the response has been sent); SIEM shipment is
// asynchronous via the queue.
func (p *Pipeline) RecordAction(ctx context.Context, requestID, action string, pctx policy.Context, spans []detector.Span, decision policy.Decision, payloadBytes int, latency time.Duration) {
	rec := newRecord(requestID, action, pctx, spans, decision, payloadBytes, latency)

	if err := p.log.Write(rec); err != nil {
		slog.Error("audit: failed to write local log", "error", err)
	}
	if err := p.store.Insert(rec); err != nil {
		slog.Error("audit: failed to index record", "error", err)
	}
	if p.queue != nil {
		p.queue.Enqueue(rec)
	}
}

// Query delegates to the SQLite index for POST /audit/query.
func (p *Pipeline) Query(q string, limit int) ([]Record, error) {
	return p.store.Query(q, limit)
}

// Close releases the local log and index's file handles. The SIEM queue's
// Run goroutine is stopped independently via its context.
func (p *Pipeline) Close() error {
	if err := p.log.Close(); err != nil {
		return err
	}
	return p.store.Close()
}
