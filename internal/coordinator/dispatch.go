package coordinator

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/emergent-company/ocrfleet/internal/queue"
	"github.com/emergent-company/ocrfleet/pkg/protocol"
)

// Dispatcher fans a job's items out onto the worker task queue through a
// bounded pool of senders, optionally rate limited.
type Dispatcher struct {
	queue       queue.Client
	concurrency int
	limiter     *rate.Limiter
}

// NewDispatcher creates a dispatcher. A non-positive perSecond disables rate limiting.
func NewDispatcher(q queue.Client, concurrency int, perSecond float64) *Dispatcher {
	d := &Dispatcher{queue: q, concurrency: max(concurrency, 1)}
	if perSecond > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(int(perSecond), 1))
	}
	return d
}

// Dispatch sends one new_image_task per payload to taskURL. Nothing is sent
// if any payload cannot be encoded; the first send failure cancels the
// remaining sends and is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, taskURL, jobID string, payloads []string) error {
	bodies := make([]string, 0, len(payloads))
	for _, p := range payloads {
		body, err := protocol.Encode(protocol.NewImageTask{JobID: jobID, Payload: p})
		if err != nil {
			return err
		}
		bodies = append(bodies, body)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for _, body := range bodies {
		g.Go(func() error {
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			if err := d.queue.Send(ctx, taskURL, body); err != nil {
				return fmt.Errorf("enqueue item for job %s: %w", jobID, err)
			}
			ItemsDispatched.Inc()
			return nil
		})
	}
	return g.Wait()
}
