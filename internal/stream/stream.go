// Package stream implements ports.EventStream by consuming the shared
// eventbus Pulse stream through a dedicated consumer group and fanning
// decoded events out to per-task subscriber channels via a sink
// consume-loop that decodes and acks each entry.
package stream

import (
	"container/ring"
	"context"
	"encoding/json"
	"sync"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/eventbus"
	"tentackl/internal/ports"
	"tentackl/internal/pulseclient"
	"tentackl/internal/telemetry"
)

const defaultRecentSize = 200

// Options configures a Hub.
type Options struct {
	Client pulseclient.Client
	// SourceStream is the Pulse stream consumed for events, normally the
	// eventbus's shared stream.
	SourceStream string
	// SinkName names this consumer group; distinct hubs must use distinct
	// names to each receive every event.
	SinkName string
	// RecentSize bounds how many events Recent replays per task.
	RecentSize int
	Logger     telemetry.Logger
}

// Hub implements ports.EventStream, replaying recent per-task events and
// fanning out live ones to subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[domain.TaskID]map[int]chan ports.Event
	recent      map[domain.TaskID]*ring.Ring
	nextID      int
	recentSize  int
	logger      telemetry.Logger
	cancel      context.CancelFunc
}

// New validates opts, opens the consumer group, and starts the background
// fan-out loop. Callers should call Close to release the underlying sink.
func New(ctx context.Context, opts Options) (*Hub, error) {
	if opts.Client == nil {
		return nil, apperr.New(apperr.ValidationError, "stream: Client is required")
	}
	source := opts.SourceStream
	if source == "" {
		source = eventbus.DefaultStreamName
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "tentackl_stream_hub"
	}
	size := opts.RecentSize
	if size <= 0 {
		size = defaultRecentSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	str, err := opts.Client.Stream(source)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "stream: open source stream")
	}
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, apperr.Wrap(apperr.DependencyUnavailable, err, "stream: open sink")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Hub{
		subscribers: make(map[domain.TaskID]map[int]chan ports.Event),
		recent:      make(map[domain.TaskID]*ring.Ring),
		recentSize:  size,
		logger:      logger,
		cancel:      cancel,
	}
	go h.consume(runCtx, sink)
	return h, nil
}

var _ ports.EventStream = (*Hub)(nil)

func (h *Hub) consume(ctx context.Context, sink pulseclient.Sink) {
	defer sink.Close(context.Background())
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var env eventbus.Envelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				h.logger.Warn(ctx, "stream: decode envelope failed", "error", err)
				continue
			}
			h.dispatch(env)
			if err := sink.Ack(ctx, evt); err != nil {
				h.logger.Warn(ctx, "stream: ack failed", "error", err)
			}
		}
	}
}

func (h *Hub) dispatch(env eventbus.Envelope) {
	var payload map[string]any
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &payload)
	}
	taskID := domain.TaskID(env.TaskID)
	var stepID *domain.StepID
	if env.StepID != nil {
		sid := domain.StepID(*env.StepID)
		stepID = &sid
	}
	out := ports.Event{
		Type:      env.Type,
		TaskID:    taskID,
		StepID:    stepID,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordRecent(taskID, out)
	for _, ch := range h.subscribers[taskID] {
		select {
		case ch <- out:
		default:
			h.logger.Warn(context.Background(), "stream: subscriber channel full, dropping event", "task_id", taskID)
		}
	}
}

func (h *Hub) recordRecent(taskID domain.TaskID, evt ports.Event) {
	r, ok := h.recent[taskID]
	if !ok {
		r = ring.New(h.recentSize)
		h.recent[taskID] = r
	}
	r.Value = evt
	h.recent[taskID] = r.Next()
}

// Subscribe opens a live channel for taskID's events. The returned
// cancel func must be called to release the subscription.
func (h *Hub) Subscribe(ctx context.Context, taskID domain.TaskID) (<-chan ports.Event, func(), error) {
	h.mu.Lock()
	if h.subscribers[taskID] == nil {
		h.subscribers[taskID] = make(map[int]chan ports.Event)
	}
	id := h.nextID
	h.nextID++
	ch := make(chan ports.Event, 32)
	h.subscribers[taskID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.subscribers[taskID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.subscribers, taskID)
			}
		}
		close(ch)
	}
	return ch, cancel, nil
}

// Recent returns up to limit of the most recently dispatched events for
// taskID, oldest first.
func (h *Hub) Recent(ctx context.Context, taskID domain.TaskID, limit int) ([]ports.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.recent[taskID]
	if !ok {
		return nil, nil
	}
	var out []ports.Event
	r.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(ports.Event))
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Close stops the background fan-out loop.
func (h *Hub) Close() {
	h.cancel()
}
