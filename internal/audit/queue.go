package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	queueCapacity   = 1000
	batchMaxRecords = 100
	batchMaxWait    = 5 * time.Second
)

// Queue buffers records for best-effort shipment to a Shipper. It is
// deliberately out of the request's critical path: Enqueue never blocks the
// caller and drops the oldest-pending record when full, counting the drop so
// it can itself be audited.
type Queue struct {
	shipper Shipper
	ch      chan Record
	dropped atomic.Int64
	onDrop  func(count int64)
}

// NewQueue creates a bounded queue shipping to shipper. onDrop, if non-nil, is
// called with the running dropped-record total each time Enqueue drops a
// record; pipeline.go wires this to Store.RecordDropped.
func NewQueue(shipper Shipper, onDrop func(count int64)) *Queue {
	return &Queue{
		shipper: shipper,
		ch:      make(chan Record, queueCapacity),
		onDrop:  onDrop,
	}
}

// Enqueue offers rec to the queue. If the queue is full the record is
// dropped rather than blocking the request that produced it.
func (q *Queue) Enqueue(rec Record) {
	select {
	case q.ch <- rec:
	default:
		n := q.dropped.Add(1)
		slog.Warn("audit SIEM queue full, dropping record", "action", rec.Action, "dropped_total", n)
		if q.onDrop != nil {
			q.onDrop(n)
		}
	}
}

// Dropped returns the running count of records dropped for a full queue.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Run batches queued records — up to batchMaxRecords or every batchMaxWait,
// whichever comes first — and ships each batch to the configured Shipper.
// Shipper errors are logged and the batch is discarded; Run never retries
// against an in-flight request, since by the time a batch ships the request
// it originated from has already completed.
func (q *Queue) Run(ctx context.Context) {
	if q.shipper == nil {
		return
	}

	ticker := time.NewTicker(batchMaxWait)
	defer ticker.Stop()

	batch := make([]Record, 0, batchMaxRecords)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := q.shipper.Ship(ctx, batch); err != nil {
			slog.Warn("audit SIEM shipment failed", "shipper", q.shipper.Name(), "records", len(batch), "error", err)
		}
		batch = make([]Record, 0, batchMaxRecords)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			slog.Info("audit SIEM queue stopping", "shipper", q.shipper.Name())
			return
		case rec := <-q.ch:
			batch = append(batch, rec)
			if len(batch) >= batchMaxRecords {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
