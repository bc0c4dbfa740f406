package taskruntime

import (
	"context"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

// ObserveExecution replays the last `backlog` events for taskID and then
// streams live ones until ctx is cancelled or the subscription closes,
// delivering both over a single channel so a caller (e.g. an SSE handler)
// only has to range over one source. The returned cleanup func must be
// called once the caller stops consuming, releasing the subscription.
func (r *Runtime) ObserveExecution(ctx context.Context, taskID domain.TaskID, userID string, backlog int) (<-chan ports.Event, func(), error) {
	if r.stream == nil {
		return nil, nil, apperr.New(apperr.DependencyUnavailable, "taskruntime: no event stream configured")
	}
	if _, err := r.authorize(ctx, taskID, userID); err != nil {
		return nil, nil, err
	}
	live, unsubscribe, err := r.stream.Subscribe(ctx, taskID)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: subscribe to event stream")
	}
	recent, err := r.stream.Recent(ctx, taskID, backlog)
	if err != nil {
		unsubscribe()
		return nil, nil, apperr.Wrap(apperr.DependencyUnavailable, err, "taskruntime: load recent events")
	}
	out := make(chan ports.Event, len(recent)+16)
	go func() {
		defer close(out)
		for _, evt := range recent {
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case evt, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, unsubscribe, nil
}
