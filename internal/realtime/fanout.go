// ABOUTME: Fanout composes several publishers into one
// ABOUTME: Every publisher is attempted; failures are joined, counts are summed

package realtime

import (
	"context"
	"errors"
)

// Fanout publishes each event to every wrapped publisher in order.
type Fanout []Publisher

// NewFanout drops nil publishers so optional transports can be passed unconditionally.
func NewFanout(publishers ...Publisher) Fanout {
	out := make(Fanout, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, topic string, event *Event) (int, error) {
	var errs []error
	delivered := 0
	for _, p := range f {
		n, err := p.Publish(ctx, topic, event)
		delivered += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return delivered, errors.Join(errs...)
}

var _ Publisher = Fanout(nil)
