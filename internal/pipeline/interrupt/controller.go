// Package interrupt provides the run-scoped signal machinery the Pipeline
// Engine uses for cancellation and the await_confirmation rendezvous.
// Grounded on the teacher's runtime/agent/interrupt.Controller
// (PollPause/WaitResume over buffered signal channels) and the in-process
// harnessSignalChannel pattern from example/complete/runtime_harness.go,
// adapted from Temporal workflow signals to plain Go channels since this
// engine's Non-goals explicitly exclude a durable workflow runtime.
package interrupt

import (
	"context"
	"errors"
	"sync"

	"github.com/cartorch/orchestrator/internal/model"
)

// ErrAlreadyDelivered is returned by Deliver when the confirmation channel
// for a run has already been consumed or closed.
var ErrAlreadyDelivered = errors.New("interrupt: confirmation already delivered or closed")

// Controller owns the one-shot signal channels for a single run: a
// cancellation flag (PollCancel, checked at every stage boundary) and a
// one-shot confirmation rendezvous (WaitConfirmation / Deliver), keyed by
// run_id per spec §4.5.
type Controller struct {
	cancelOnce sync.Once
	cancelCh   chan struct{}

	mu        sync.Mutex
	confirmCh chan model.ConfirmationInput
	delivered bool
}

// NewController returns a Controller for one run.
func NewController() *Controller {
	return &Controller{
		cancelCh:  make(chan struct{}),
		confirmCh: make(chan model.ConfirmationInput, 1),
	}
}

// Cancel requests cancellation of the run. Idempotent.
func (c *Controller) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// PollCancel reports whether cancellation has been requested, without
// blocking.
func (c *Controller) PollCancel() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}

// CancelChannel exposes the cancellation signal for use in select statements
// alongside other suspension points (e.g. connector I/O, confirmation wait).
func (c *Controller) CancelChannel() <-chan struct{} { return c.cancelCh }

// Deliver places in into the run's confirmation rendezvous. Returns
// ErrAlreadyDelivered if a value was already delivered (the channel is
// one-shot, per spec §4.5 "a one-shot confirmation channel keyed by
// run_id").
func (c *Controller) Deliver(in model.ConfirmationInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered {
		return ErrAlreadyDelivered
	}
	c.delivered = true
	c.confirmCh <- in
	return nil
}

// WaitConfirmation blocks until a confirmation is delivered, ctx is done, or
// the run is cancelled. ok is false in every case other than a delivered
// confirmation value.
func (c *Controller) WaitConfirmation(ctx context.Context) (in model.ConfirmationInput, ok bool) {
	select {
	case in := <-c.confirmCh:
		return in, true
	case <-c.cancelCh:
		return model.ConfirmationInput{}, false
	case <-ctx.Done():
		return model.ConfirmationInput{}, false
	}
}
