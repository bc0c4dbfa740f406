// Package pulseclient provides a thin Tentackl-specific wrapper around
// goa.design/pulse streams: callers build a Redis client, pass it to New,
// and receive a typed interface exposing only the operations the event
// bus, the replay stream, and the step-dispatch queue need.
package pulseclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Options configures the Pulse client.
type Options struct {
	// Redis is the Redis connection backing Pulse streams. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries kept per stream. Zero uses
	// Pulse's defaults.
	StreamMaxLen int
	// OperationTimeout bounds individual Add operations. Zero means no
	// timeout.
	OperationTimeout time.Duration
}

// Client exposes the subset of Pulse operations Tentackl's transport
// packages need.
type Client interface {
	// Stream returns a handle to the named Pulse stream, creating it if
	// needed.
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	// Close releases client resources. Callers typically own the Redis
	// connection and this is a no-op.
	Close(ctx context.Context) error
}

// Stream publishes entries and opens consumer-group sinks on one Pulse
// stream.
type Stream interface {
	// Add publishes payload under event, returning the Redis-assigned entry
	// id.
	Add(ctx context.Context, event string, payload []byte) (string, error)
	// NewSink opens a consumer group named name on this stream.
	NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
	// Destroy deletes the stream and all its entries.
	Destroy(ctx context.Context) error
}

// Sink is a consumer group reading from a Pulse stream.
type Sink interface {
	// Subscribe returns a channel emitting events as they arrive.
	Subscribe() <-chan *streaming.Event
	// Ack acknowledges successful processing, removing the entry from the
	// pending list.
	Ack(context.Context, *streaming.Event) error
	// Close stops the sink.
	Close(context.Context)
}

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulseclient: redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulseclient: stream name is required")
	}
	var streamOptions []streamopts.Stream
	if c.maxLen > 0 {
		streamOptions = append(streamOptions, streamopts.WithStreamMaxLen(c.maxLen))
	}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("pulseclient: create stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (c *client) Close(ctx context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("pulseclient: event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulseclient: add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
