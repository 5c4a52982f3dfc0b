// Package transport turns batches of entries into Loki push requests and
// reports the outcome.
package transport

import (
	"context"

	"github.com/szibis/loki-courier/internal/entry"
)

// Transport delivers a batch to the log-aggregation endpoint.
//
// Send returns nil on success and a *SendError otherwise: KindPermanent
// when the server rejected the batch, KindTransient when the request never
// completed (including the per-request timeout, which the implementation
// enforces itself). Send never panics and never propagates raw transport
// errors.
type Transport interface {
	Send(ctx context.Context, batch []entry.Entry) error
	Close() error
}
