// Package ingest implements the two fan-in sources of SPEC_FULL.md
// §4.2-§4.4: a filesystem watcher and an HTTP PUT surface, both
// producing reconcile.AppFileInput onto a single bounded channel.
package ingest

import (
	"context"

	"github.com/estuary/glance/metrics"
	"github.com/estuary/glance/reconcile"
)

// channelCapacity bounds the change channel (SPEC_FULL §4.4, §5): a
// slow reconciler applies backpressure to both sources rather than
// letting either buffer unboundedly.
const channelCapacity = 16

// Channel is the single bounded fan-in queue shared by every ingest
// source and drained by the reconciler.
type Channel struct {
	c chan reconcile.AppFileInput
}

// NewChannel allocates a Channel with the standard capacity.
func NewChannel() *Channel {
	return &Channel{c: make(chan reconcile.AppFileInput, channelCapacity)}
}

// Send enqueues |ev|, blocking under backpressure until there's room
// or |ctx| is cancelled.
func (ch *Channel) Send(ctx context.Context, ev reconcile.AppFileInput) error {
	select {
	case ch.c <- ev:
		metrics.IngestChannelDepth.Set(float64(len(ch.c)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receiver exposes the channel's consuming end to the reconciler.
func (ch *Channel) Receiver() <-chan reconcile.AppFileInput {
	return ch.c
}

// Close closes the channel, signalling the reconciler to drain and stop.
func (ch *Channel) Close() {
	close(ch.c)
}
