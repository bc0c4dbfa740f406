// Package eventbus implements ports.EventBus on top of internal/pulseclient,
// publishing every planning.* and task.* occurrence onto one shared Pulse
// stream: events are envelope-wrapped, JSON-encoded, and handed to
// Stream.Add.
package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"tentackl/internal/apperr"
	"tentackl/internal/ports"
	"tentackl/internal/pulseclient"
	"tentackl/internal/telemetry"
)

// DefaultStreamName is the shared channel every published event lands on.
const DefaultStreamName = "tentackl:eventbus:events:all"

// Envelope wraps a published event for transmission over Pulse.
type Envelope struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	StepID    *string         `json:"step_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Options configures a Bus.
type Options struct {
	Client pulseclient.Client
	// StreamName overrides the stream the bus publishes onto. Defaults to
	// DefaultStreamName.
	StreamName string
	Logger     telemetry.Logger
}

// Bus implements ports.EventBus.
type Bus struct {
	client     pulseclient.Client
	streamName string
	logger     telemetry.Logger
}

// New validates opts and constructs a Bus.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, apperr.New(apperr.ValidationError, "eventbus: Client is required")
	}
	name := opts.StreamName
	if name == "" {
		name = DefaultStreamName
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{client: opts.Client, streamName: name, logger: logger}, nil
}

var _ ports.EventBus = (*Bus)(nil)

// Publish envelopes event and writes it to the shared stream.
func (b *Bus) Publish(ctx context.Context, event ports.Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "eventbus: marshal payload")
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	env := Envelope{
		Type:      event.Type,
		TaskID:    string(event.TaskID),
		Payload:   payload,
		Timestamp: ts,
	}
	if event.StepID != nil {
		sid := string(*event.StepID)
		env.StepID = &sid
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperr.Wrap(apperr.ValidationError, err, "eventbus: marshal envelope")
	}
	str, err := b.client.Stream(b.streamName)
	if err != nil {
		return apperr.Wrap(apperr.DependencyUnavailable, err, "eventbus: open stream")
	}
	if _, err := str.Add(ctx, event.Type, data); err != nil {
		b.logger.Warn(ctx, "eventbus: publish failed", "event_type", event.Type, "task_id", event.TaskID, "error", err)
		return apperr.Wrap(apperr.DependencyUnavailable, err, "eventbus: add entry")
	}
	return nil
}
