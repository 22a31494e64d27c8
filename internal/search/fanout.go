// Package search implements the concurrent merchant-connector fan-out for
// the search stage: every registered connector with the search capability is
// queried concurrently, under a global in-flight cap and a per-connector
// request-rate throttle, with partial-failure tolerance. Results are merged
// only once every connector call has returned; each call's context expires
// at its deadline, and a call that keeps running past it holds back the
// merge until it returns.
package search

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cartorch/orchestrator/internal/connector"
	"github.com/cartorch/orchestrator/internal/model"
)

// ErrNoConnectorsAvailable is returned when every fanned-out connector
// failed (or none were registered), per spec §4.6.
var ErrNoConnectorsAvailable = errors.New("no_connectors_available")

// ErrOverloaded's message is recorded as a connector's result error when the
// system-wide in-flight search budget is exhausted and that connector's
// queued wait is aborted by its deadline, per spec §4.6's back-pressure rule.
var ErrOverloaded = errors.New("overloaded")

// semaphore is a context-aware counting semaphore bounding the system-wide
// number of in-flight connector searches (default 16, per spec §4.6). A
// token-bucket rate limiter has no acquire/release pair, so the concurrency
// cap is implemented directly with a buffered channel rather than forced
// onto golang.org/x/time/rate (see connRateLimiter below for where that
// dependency is actually exercised).
type semaphore struct {
	slots chan struct{}
}

func newSemaphore(n int) *semaphore { return &semaphore{slots: make(chan struct{}, n)} }

func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() { <-s.slots }

// FanOut issues search to every connector in reg with the search capability.
type FanOut struct {
	reg           *connector.Registry
	global        *semaphore
	perConnBudget time.Duration

	mu        sync.Mutex
	connLimit map[string]*rate.Limiter
	perConnQPS rate.Limit
}

// NewFanOut constructs a FanOut bounded by maxInFlight concurrent searches
// system-wide (default 16) with perConnectorBudget applied to each
// connector call's deadline. perConnectorQPS throttles how fast any single
// connector is called across overlapping runs (0 disables throttling).
func NewFanOut(reg *connector.Registry, maxInFlight int, perConnectorBudget time.Duration, perConnectorQPS float64) *FanOut {
	if maxInFlight <= 0 {
		maxInFlight = 16
	}
	qps := rate.Limit(perConnectorQPS)
	if perConnectorQPS <= 0 {
		qps = rate.Inf
	}
	return &FanOut{
		reg:           reg,
		global:        newSemaphore(maxInFlight),
		perConnBudget: perConnectorBudget,
		connLimit:     make(map[string]*rate.Limiter),
		perConnQPS:    qps,
	}
}

func (f *FanOut) limiterFor(connectorID string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.connLimit[connectorID]
	if !ok {
		l = rate.NewLimiter(f.perConnQPS, 1)
		f.connLimit[connectorID] = l
	}
	return l
}

// Search fans out query/qty to every search-capable connector. ctx carries
// the stage's remaining budget; each connector call is bounded by
// min(perConnectorBudget, time left on ctx). Results are only merged after
// every connector call has returned -- callers never observe a partial
// SearchHits. A connector that does not return when its context expires
// delays the merge and is not recorded as timed out.
func (f *FanOut) Search(ctx context.Context, query string, qty float64, hints map[string]any) (model.SearchHits, error) {
	connectors := f.reg.Snapshot(connector.CapabilitySearch)
	if len(connectors) == 0 {
		return model.SearchHits{}, ErrNoConnectorsAvailable
	}

	type result struct {
		id  string
		res model.ConnectorResult
	}
	results := make(chan result, len(connectors))
	var wg sync.WaitGroup

	for _, c := range connectors {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx := ctx
			if f.perConnBudget > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, f.perConnBudget)
				defer cancel()
			}
			if err := f.global.acquire(callCtx); err != nil {
				results <- result{id: c.ID(), res: model.ConnectorResult{Err: ErrOverloaded.Error()}}
				return
			}
			defer f.global.release()

			if err := f.limiterFor(c.ID()).Wait(callCtx); err != nil {
				results <- result{id: c.ID(), res: model.ConnectorResult{Err: string(connector.KindRateLimited)}}
				return
			}

			products, err := c.Search(callCtx, query, qty, hints)
			if err != nil {
				reason := connector.KindOf(err)
				if callCtx.Err() != nil {
					reason = connector.KindUnavailable
				}
				results <- result{id: c.ID(), res: model.ConnectorResult{Err: string(reason)}}
				return
			}
			results <- result{id: c.ID(), res: model.ConnectorResult{Products: products}}
		}()
	}

	wg.Wait()
	close(results)

	hits := make(map[string]model.ConnectorResult, len(connectors))
	okCount := 0
	for r := range results {
		hits[r.id] = r.res
		if r.res.Err == "" {
			okCount++
		}
	}
	if okCount == 0 {
		return model.SearchHits{}, ErrNoConnectorsAvailable
	}
	return model.SearchHits{Hits: hits}, nil
}
