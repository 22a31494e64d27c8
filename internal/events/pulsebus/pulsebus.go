// Package pulsebus publishes Events onto goa.design/pulse Redis streams keyed
// "session/<id>", giving the Event Bus a cross-process binding so the
// WebSocket transport can subscribe from any process, not just the one that
// ran the pipeline.
package pulsebus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/cartorch/orchestrator/internal/model"
)

// Bus publishes Events to per-session Pulse streams and lets callers
// subscribe to them via consumer-group sinks.
type Bus struct {
	rdb *redis.Client

	mu      sync.Mutex
	streams map[string]*streaming.Stream
	maxLen  int
}

// New constructs a Bus backed by rdb. maxLen bounds the number of entries
// retained per stream (0 uses the Pulse default).
func New(rdb *redis.Client, maxLen int) *Bus {
	return &Bus{rdb: rdb, streams: make(map[string]*streaming.Stream), maxLen: maxLen}
}

func streamName(sessionID string) string { return "session/" + sessionID }

func (b *Bus) streamFor(sessionID string) (*streaming.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[sessionID]; ok {
		return s, nil
	}
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	s, err := streaming.NewStream(streamName(sessionID), b.rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulsebus: open stream: %w", err)
	}
	b.streams[sessionID] = s
	return s, nil
}

// Publish writes event onto its session's Pulse stream.
func (b *Bus) Publish(ctx context.Context, event model.Event) error {
	s, err := b.streamFor(event.SessionID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pulsebus: marshal event: %w", err)
	}
	_, err = s.Add(ctx, event.Type, payload)
	if err != nil {
		return fmt.Errorf("pulsebus: add: %w", err)
	}
	return nil
}

// Subscribe opens a consumer-group sink named groupName on the session's
// stream and returns the channel of decoded Events.
func (b *Bus) Subscribe(ctx context.Context, sessionID, groupName string) (<-chan model.Event, func(context.Context), error) {
	s, err := b.streamFor(sessionID)
	if err != nil {
		return nil, nil, err
	}
	sink, err := s.NewSink(ctx, groupName)
	if err != nil {
		return nil, nil, fmt.Errorf("pulsebus: new sink: %w", err)
	}
	out := make(chan model.Event, 64)
	go func() {
		defer close(out)
		for ev := range sink.Subscribe() {
			var decoded model.Event
			if err := json.Unmarshal(ev.Payload, &decoded); err == nil {
				select {
				case out <- decoded:
				case <-ctx.Done():
					return
				}
			}
			_ = sink.Ack(ctx, ev)
		}
	}()
	return out, sink.Close, nil
}
