// Package memconn implements an in-memory, deterministic Connector used by
// the scenario tests in internal/pipeline and by local development. Behavior
// is entirely configured in Go, so tests can script exact failure sequences
// (e.g. "transient three times then unavailable").
package memconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cartorch/orchestrator/internal/connector"
	"github.com/cartorch/orchestrator/internal/model"
)

// OrderOutcome scripts one call to Order.
type OrderOutcome struct {
	OrderID string
	Err     *connector.Error
}

// Connector is a scriptable in-memory merchant connector.
type Connector struct {
	id           string
	capabilities []connector.Capability
	products     []model.Product

	mu            sync.Mutex
	orderOutcomes []OrderOutcome // consumed FIFO; last entry repeats once exhausted
	orderCalls    int32
	searchErr     *connector.Error
	searchDelay   func() // optional hook to simulate latency/cancellation in tests
}

// New constructs a Connector offering products for every search call.
func New(id string, capabilities []connector.Capability, products []model.Product) *Connector {
	return &Connector{id: id, capabilities: capabilities, products: products}
}

// WithOrderOutcomes scripts the sequence of Order results. Once exhausted,
// the last entry is returned for every subsequent call.
func (c *Connector) WithOrderOutcomes(outcomes ...OrderOutcome) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orderOutcomes = outcomes
	return c
}

// WithSearchError makes every Search call return err.
func (c *Connector) WithSearchError(err *connector.Error) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchErr = err
	return c
}

// WithSearchDelay installs a hook invoked at the top of Search, e.g. to block
// until ctx is cancelled in a cancellation test.
func (c *Connector) WithSearchDelay(fn func()) *Connector {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchDelay = fn
	return c
}

// OrderCallCount returns how many times Order has actually been invoked.
func (c *Connector) OrderCallCount() int { return int(atomic.LoadInt32(&c.orderCalls)) }

func (c *Connector) ID() string                       { return c.id }
func (c *Connector) Capabilities() []connector.Capability { return c.capabilities }

func (c *Connector) Search(ctx context.Context, _ string, _ float64, _ map[string]any) ([]model.Product, error) {
	c.mu.Lock()
	delay := c.searchDelay
	searchErr := c.searchErr
	c.mu.Unlock()
	if delay != nil {
		delay()
	}
	select {
	case <-ctx.Done():
		return nil, connector.New(connector.KindUnavailable, "deadline exceeded")
	default:
	}
	if searchErr != nil {
		return nil, searchErr
	}
	return c.products, nil
}

func (c *Connector) Order(ctx context.Context, product model.Product, _ float64, _ model.UserContext, _ connector.OTPChannel) (string, error) {
	atomic.AddInt32(&c.orderCalls, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.orderOutcomes) == 0 {
		return fmt.Sprintf("%s-order-%d", c.id, c.orderCalls), nil
	}
	idx := int(c.orderCalls) - 1
	if idx >= len(c.orderOutcomes) {
		idx = len(c.orderOutcomes) - 1
	}
	outcome := c.orderOutcomes[idx]
	if outcome.Err != nil {
		return "", outcome.Err
	}
	if outcome.OrderID == "" {
		return fmt.Sprintf("%s-order-%d", c.id, c.orderCalls), nil
	}
	return outcome.OrderID, nil
}
