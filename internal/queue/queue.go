// Package queue implements the durable step-dispatch queue on top of
// internal/pulseclient: Enqueue writes a small dispatch envelope with
// Stream.Add, and pool workers consume it through a named Sink consumer
// group so that a crashed worker's pending entries are picked up by
// another.
package queue

import (
	"context"
	"encoding/json"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/pulseclient"
	"tentackl/internal/scheduler"
	"tentackl/internal/telemetry"
)

// DefaultStreamName is the Pulse stream carrying step dispatches.
const DefaultStreamName = "tentackl:queue:step_dispatch"

// DefaultConsumerGroup names the consumer group pool workers join by
// default.
const DefaultConsumerGroup = "tentackl_step_workers"

// dispatchEnvelope is the wire shape of one queued StepDispatch.
type dispatchEnvelope struct {
	TaskID string `json:"task_id"`
	StepID string `json:"step_id"`
}

// Options configures a Queue.
type Options struct {
	Client     pulseclient.Client
	StreamName string
	Logger     telemetry.Logger
}

// Queue implements scheduler.Queue, publishing each dispatch onto a shared
// Pulse stream for pool workers to consume.
type Queue struct {
	client     pulseclient.Client
	streamName string
	logger     telemetry.Logger
}

// New validates opts and constructs a Queue.
func New(opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, apperr.New(apperr.ValidationError, "queue: Client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStreamName
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Queue{client: opts.Client, streamName: name, logger: logger}, nil
}

var _ scheduler.Queue = (*Queue)(nil)

// Enqueue publishes dispatch onto the step-dispatch stream.
func (q *Queue) Enqueue(ctx context.Context, dispatch scheduler.StepDispatch) error {
	data, err := json.Marshal(dispatchEnvelope{TaskID: string(dispatch.TaskID), StepID: string(dispatch.StepID)})
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "queue: marshal dispatch")
	}
	str, err := q.client.Stream(q.streamName)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "queue: open stream")
	}
	if _, err := str.Add(ctx, "step_dispatch", data); err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "queue: enqueue")
	}
	return nil
}

// Handler processes one dispatched step. Returning an error leaves the
// entry unacked so another worker may retry it.
type Handler func(ctx context.Context, dispatch scheduler.StepDispatch) error

// Consumer pulls dispatches off the queue's stream through a named
// consumer group and invokes a Handler for each, acking only on success.
type Consumer struct {
	queue  *Queue
	group  string
	logger telemetry.Logger
}

// NewConsumer constructs a Consumer reading from q's stream under group
// (defaulting to DefaultConsumerGroup). Multiple pool worker processes
// should share the same group so each dispatch is handled exactly once.
func (q *Queue) NewConsumer(group string) *Consumer {
	if group == "" {
		group = DefaultConsumerGroup
	}
	return &Consumer{queue: q, group: group, logger: q.logger}
}

// Run opens the consumer group sink and invokes handle for every dispatch
// until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	str, err := c.queue.client.Stream(c.queue.streamName)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "queue: open stream")
	}
	sink, err := str.NewSink(ctx, c.group)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "queue: open sink")
	}
	defer sink.Close(context.Background())

	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			var env dispatchEnvelope
			if err := json.Unmarshal(evt.Payload, &env); err != nil {
				c.logger.Warn(ctx, "queue: decode dispatch failed", "error", err)
				continue
			}
			dispatch := scheduler.StepDispatch{TaskID: domain.TaskID(env.TaskID), StepID: domain.StepID(env.StepID)}
			if err := handle(ctx, dispatch); err != nil {
				c.logger.Warn(ctx, "queue: handler failed, leaving unacked", "task_id", dispatch.TaskID, "step_id", dispatch.StepID, "error", err)
				continue
			}
			if err := sink.Ack(ctx, evt); err != nil {
				c.logger.Warn(ctx, "queue: ack failed", "error", err)
			}
		}
	}
}
