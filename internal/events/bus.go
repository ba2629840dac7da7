// Package events implements per-execution append-only streams with a
// TTL-bounded lifetime, used to tail logs and results while a task runs.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/nbworkflows/labflow/internal/substrate"
	"github.com/nbworkflows/labflow/pkg/model"
)

// Stream field names. "msg" carries the payload, "event" the kind.
const (
	fieldMsg   = "msg"
	fieldEvent = "event"
)

// Bus publishes and reads per-execution event channels. Each channel has a
// single writer (the task that owns the execution); readers observe entries
// in insertion order.
type Bus struct {
	kv     substrate.KeyValueStore
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Bus whose channels expire ttl after the last publish.
func New(kv substrate.KeyValueStore, ttl time.Duration, logger *slog.Logger) *Bus {
	return &Bus{kv: kv, ttl: ttl, logger: logger.With("component", "events")}
}

// ChannelName builds the stream key for an execution, sanitizing both
// components.
func ChannelName(projectID, execID string) string {
	return model.SanitizeName(projectID) + "." + model.SanitizeName(execID)
}

// Publish appends the event to the channel and refreshes the channel TTL.
// The server-assigned entry id is returned.
func (b *Bus) Publish(ctx context.Context, channel string, ev *model.Event) (string, error) {
	fields := map[string]string{fieldMsg: ev.Data}
	if ev.Event != "" {
		fields[fieldEvent] = ev.Event
	}
	id, err := b.kv.XAdd(ctx, channel, fields, b.ttl)
	if err != nil {
		return "", err
	}
	b.logger.Debug("event published", "channel", channel, "id", id, "event", ev.Event)
	return id, nil
}

// Read blocks up to block for entries after cursor. It returns nil when
// nothing arrived in time. Callers must stop reading once they observe a
// control=exit event.
func (b *Bus) Read(ctx context.Context, channel, cursor string, block time.Duration) ([]model.Event, error) {
	entries, err := b.kv.XRead(ctx, channel, cursor, block)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]model.Event, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.Event{
			ID:    e.ID,
			Data:  e.Fields[fieldMsg],
			Event: e.Fields[fieldEvent],
		})
	}
	return out, nil
}

// PublishExit appends the terminal control event that ends the stream.
func (b *Bus) PublishExit(ctx context.Context, channel string) error {
	_, err := b.Publish(ctx, channel, &model.Event{
		Event: model.EventKindControl,
		Data:  model.EventExitData,
	})
	return err
}
