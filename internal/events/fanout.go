package events

import (
	"context"

	"github.com/cartorch/orchestrator/internal/model"
)

// RemoteSink is a cross-process publish target, e.g. pulsebus.Bus. Kept as a
// narrow interface here so this package doesn't depend on a concrete
// Redis-backed implementation.
type RemoteSink interface {
	Publish(ctx context.Context, event model.Event) error
}

// FanOutBus wraps an in-process Bus and additionally forwards every
// published event to a RemoteSink, so WebSocket subscribers connected to a
// different process than the one running the pipeline still receive every
// event, per spec §4.2. Subscribe/Unsubscribe stay purely in-process:
// Subscription is process-local by design (its sessionID/id accessors are
// unexported outside this package), so only Publish needs a remote leg.
type FanOutBus struct {
	inner  Bus
	remote RemoteSink
	onErr  func(error)
}

// NewFanOutBus constructs a FanOutBus. onErr, if non-nil, is called with any
// error the remote sink's Publish returns; remote delivery never blocks or
// fails the in-process publish.
func NewFanOutBus(inner Bus, remote RemoteSink, onErr func(error)) *FanOutBus {
	return &FanOutBus{inner: inner, remote: remote, onErr: onErr}
}

// Publish implements Bus.
func (f *FanOutBus) Publish(event model.Event) {
	f.inner.Publish(event)
	if f.remote == nil {
		return
	}
	go func() {
		if err := f.remote.Publish(context.Background(), event); err != nil && f.onErr != nil {
			f.onErr(err)
		}
	}()
}

// Subscribe implements Bus.
func (f *FanOutBus) Subscribe(sessionID string) Subscription { return f.inner.Subscribe(sessionID) }

// Unsubscribe implements Bus.
func (f *FanOutBus) Unsubscribe(sub Subscription) { f.inner.Unsubscribe(sub) }

var _ Bus = (*FanOutBus)(nil)
