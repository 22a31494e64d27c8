// Package connector defines the uniform merchant connector interface, the
// runtime registry of configured connectors, and the structured error
// taxonomy surfaced by search/order calls.
package connector

import (
	"context"
	"errors"
	"sync"

	"github.com/cartorch/orchestrator/internal/model"
)

// Capability names a connector-supported operation.
type Capability string

const (
	CapabilitySearch Capability = "search"
	CapabilityOrder  Capability = "order"
)

// OTPChannel is the one-shot request/reply port a connector uses to request
// an out-of-band confirmation code during order. The connector publishes
// Required() once and then blocks on Receive until ctx is done.
type OTPChannel interface {
	// Required signals to the caller that an OTP is needed; typically wired
	// to emit an otp_required event.
	Required(ctx context.Context, transientToken string)
	// Receive blocks for a caller-supplied code or ctx's deadline/cancellation.
	Receive(ctx context.Context) (code string, ok bool)
}

// Connector is the uniform contract implemented by each merchant adapter.
// Implementations need only support the capabilities they declare via
// Capabilities(); the Registry and fan-out never invoke an unsupported
// method.
type Connector interface {
	ID() string
	Capabilities() []Capability

	// Search returns the products the connector can offer for query/qty.
	// ctx carries the per-connector deadline; implementations must return
	// before it elapses or the caller treats them as Unavailable.
	Search(ctx context.Context, query string, qty float64, hints map[string]any) ([]model.Product, error)

	// Order places an order for product at the given quantity. otp may be
	// nil if the connector never requires one. ctx carries the deadline.
	Order(ctx context.Context, product model.Product, quantity float64, user model.UserContext, otp OTPChannel) (orderID string, err error)
}

// Kind is the error taxonomy surfaced to callers by connector operations.
type Kind string

const (
	KindUnavailable  Kind = "unavailable"
	KindAuthRequired Kind = "auth_required"
	KindOutOfStock   Kind = "out_of_stock"
	KindPriceChanged Kind = "price_changed"
	KindRateLimited  Kind = "rate_limited"
	KindTransient    Kind = "transient"
	KindPermanent    Kind = "permanent"
)

// Error is a structured connector failure. It chains to an underlying cause
// (if any) while remaining errors.Is/As-compatible via Unwrap, so stages and
// the purchase executor can dispatch on Kind without losing diagnostic
// detail.
type Error struct {
	Kind     Kind
	Message  string
	NewPrice *float64 // set when Kind == KindPriceChanged
	Cause    error
}

// New constructs a connector Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewWithCause constructs a connector Error wrapping cause.
func NewWithCause(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// PriceChanged constructs a KindPriceChanged error carrying the new price.
func PriceChanged(newPrice float64) *Error {
	return &Error{Kind: KindPriceChanged, Message: "price changed", NewPrice: &newPrice}
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind from err, defaulting to KindPermanent when err is
// not a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindPermanent
}

// Registry holds the set of configured connector handles keyed by id.
// Read-mostly; updates take a write lock; fan-out always reads an atomic
// snapshot of the current set, per spec §4.3/§5.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Add registers (or replaces) a connector.
func (r *Registry) Add(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.ID()] = c
}

// Remove unregisters a connector by id. No-op if absent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connectors, id)
}

// Get returns the connector with the given id, if registered.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

// Snapshot returns the current set of connectors supporting cap, as a slice
// taken atomically under the read lock; the order of the slice is not
// defined. A missing connector referenced elsewhere is never an error;
// fan-out simply never dispatches to it.
func (r *Registry) Snapshot(cap Capability) []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		for _, have := range c.Capabilities() {
			if have == cap {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Len returns the number of registered connectors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connectors)
}
