package audit

import "context"

// Shipper posts a batch of records to an external SIEM. Shipping is best
// effort and out of the request's critical path — a Ship failure is logged
// and dropped, never retried against the in-flight request.
type Shipper interface {
	Name() string
	Ship(ctx context.Context, records []Record) error
}
