// Package sink delivers drained events out of the process.
package sink

import (
	"context"

	"github.com/yairfalse/virta/pkg/domain"
)

// Sink receives events in the order the consumer drained them. Publish
// errors are counted by the caller; they never feed back into drop
// accounting because the event already left the buffers.
type Sink interface {
	Publish(ctx context.Context, ev domain.Event) error
	Close() error
}
