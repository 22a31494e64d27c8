package purchase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartorch/orchestrator/internal/connector"
	"github.com/cartorch/orchestrator/internal/connector/memconn"
	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/retry"
)

func testProduct(connectorID string, price float64) model.Product {
	inStock := true
	return model.Product{
		ConnectorID: connectorID,
		ExternalID:  "sku-1",
		Title:       "widget",
		UnitPrice:   price,
		Currency:    "USD",
		DeliveryETA: 24 * time.Hour,
		Stock:       &inStock,
	}
}

func newTestExecutor(t *testing.T, reg *connector.Registry, cfg Config) *Executor {
	t.Helper()
	cfg.RetryConfig = retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	return New(cfg, NewMemoryIdempotencyStore(), nil, nil,
		func(ctx context.Context, sessionID, runID, reason string, score int) bool { return true },
		reg.Get,
	)
}

func TestExecuteSuccess(t *testing.T) {
	reg := connector.NewRegistry()
	conn := memconn.New("shopmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{testProduct("shopmart", 10)})
	reg.Add(conn)

	exec := newTestExecutor(t, reg, Config{})
	decision := model.Decision{Selected: ptr(testProduct("shopmart", 10))}

	result := exec.Execute(context.Background(), "run-1", "sess-1", decision, model.UserContext{UserID: "user-1"}, 1, nil)
	require.Equal(t, model.PurchaseSuccess, result.Status)
	assert.Equal(t, "shopmart", result.PlatformUsed)
	assert.NotEmpty(t, result.OrderID)
	assert.False(t, result.UsedFallback)
	assert.Equal(t, 1, conn.OrderCallCount())
}

func TestExecuteFallsBackOnExhaustedRetries(t *testing.T) {
	reg := connector.NewRegistry()
	primary := memconn.New("shopmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{testProduct("shopmart", 10)}).
		WithOrderOutcomes(
			memconn.OrderOutcome{Err: connector.New(connector.KindTransient, "timeout")},
			memconn.OrderOutcome{Err: connector.New(connector.KindTransient, "timeout")},
			memconn.OrderOutcome{Err: connector.New(connector.KindTransient, "timeout")},
		)
	fallback := memconn.New("fastmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{testProduct("fastmart", 12)})
	reg.Add(primary)
	reg.Add(fallback)

	exec := newTestExecutor(t, reg, Config{})
	decision := model.Decision{
		Selected:  ptr(testProduct("shopmart", 10)),
		Fallbacks: []model.Product{testProduct("fastmart", 12)},
	}

	result := exec.Execute(context.Background(), "run-1", "sess-1", decision, model.UserContext{UserID: "user-1"}, 1, nil)
	require.Equal(t, model.PurchaseSuccess, result.Status)
	assert.Equal(t, "fastmart", result.PlatformUsed)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, 3, primary.OrderCallCount())
	assert.Equal(t, 1, fallback.OrderCallCount())
}

func TestExecuteAbortsImmediatelyOnOutOfStock(t *testing.T) {
	reg := connector.NewRegistry()
	primary := memconn.New("shopmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{testProduct("shopmart", 10)}).
		WithOrderOutcomes(memconn.OrderOutcome{Err: connector.New(connector.KindOutOfStock, "sold out")})
	fallback := memconn.New("fastmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{testProduct("fastmart", 12)})
	reg.Add(primary)
	reg.Add(fallback)

	exec := newTestExecutor(t, reg, Config{})
	decision := model.Decision{
		Selected:  ptr(testProduct("shopmart", 10)),
		Fallbacks: []model.Product{testProduct("fastmart", 12)},
	}

	result := exec.Execute(context.Background(), "run-1", "sess-1", decision, model.UserContext{UserID: "user-1"}, 1, nil)
	require.Equal(t, model.PurchaseSuccess, result.Status)
	assert.Equal(t, "fastmart", result.PlatformUsed)
	assert.Equal(t, 1, primary.OrderCallCount(), "out_of_stock must not retry")
}

func TestExecuteDuplicateSuppressed(t *testing.T) {
	reg := connector.NewRegistry()
	conn := memconn.New("shopmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{testProduct("shopmart", 10)})
	reg.Add(conn)

	idem := NewMemoryIdempotencyStore()
	exec := New(Config{RetryConfig: retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}},
		idem, nil, nil, nil, reg.Get)

	decision := model.Decision{Selected: ptr(testProduct("shopmart", 10))}
	userCtx := model.UserContext{UserID: "user-1"}

	first := exec.Execute(context.Background(), "run-1", "sess-1", decision, userCtx, 1, nil)
	require.Equal(t, model.PurchaseSuccess, first.Status)
	assert.Equal(t, 1, conn.OrderCallCount())

	second := exec.Execute(context.Background(), "run-2", "sess-1", decision, userCtx, 1, nil)
	require.Equal(t, model.PurchaseSuccess, second.Status)
	assert.Equal(t, first.OrderID, second.OrderID, "replay within window returns the original order")
	assert.Equal(t, 1, conn.OrderCallCount(), "no second Order call for a suppressed duplicate")
}

func TestExecuteBlocksOnCriticalRisk(t *testing.T) {
	reg := connector.NewRegistry()
	notInStock := false
	conn := memconn.New("shopmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{{ConnectorID: "shopmart", ExternalID: "sku-1", Title: "widget", UnitPrice: 100, Stock: &notInStock}})
	reg.Add(conn)

	exec := New(
		Config{RetryConfig: retry.Config{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, BudgetLarge: 1},
		NewMemoryIdempotencyStore(), fakeHealth{score: 0.1}, nil,
		func(ctx context.Context, sessionID, runID, reason string, score int) bool { return true },
		reg.Get,
	)
	// Listed price 10, live price 100 -> spike; out of stock; unhealthy platform; total >= budget_large.
	decision := model.Decision{Selected: ptr(testProduct("shopmart", 10))}

	result := exec.Execute(context.Background(), "run-1", "sess-1", decision, model.UserContext{UserID: "user-1"}, 1, nil)
	assert.Equal(t, model.PurchaseBlocked, result.Status)
	assert.Equal(t, model.RiskCritical, result.RiskLevel)
	assert.Equal(t, 0, conn.OrderCallCount(), "blocked purchases never place an order")
}

func TestExecuteHighRiskReconfirmDeclined(t *testing.T) {
	reg := connector.NewRegistry()
	notInStock := false
	conn := memconn.New("shopmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{{ConnectorID: "shopmart", ExternalID: "sku-1", Title: "widget", UnitPrice: 15, Stock: &notInStock}})
	reg.Add(conn)

	// spike (15 vs 10 = 50%) + out_of_stock = 60, not >60 -> medium in isolation;
	// add an unhealthy platform to push into "high" (60 < score <= 80).
	health := fakeHealth{score: 0.1}
	var gotSessionID, gotRunID string
	exec := New(
		Config{RetryConfig: retry.Config{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}},
		NewMemoryIdempotencyStore(), health, nil,
		func(ctx context.Context, sessionID, runID, reason string, score int) bool {
			gotSessionID, gotRunID = sessionID, runID
			return false
		},
		reg.Get,
	)
	decision := model.Decision{Selected: ptr(testProduct("shopmart", 10))}

	result := exec.Execute(context.Background(), "run-1", "sess-1", decision, model.UserContext{UserID: "user-1"}, 1, nil)
	assert.Equal(t, "sess-1", gotSessionID, "reconfirm must receive the run's session id")
	assert.Equal(t, "run-1", gotRunID, "reconfirm must receive the run's id")
	assert.Equal(t, model.PurchaseBlocked, result.Status)
	assert.Equal(t, model.RiskHigh, result.RiskLevel)
	assert.Equal(t, 0, conn.OrderCallCount())
}

func TestExecuteDryRunSimulatesWithoutOrdering(t *testing.T) {
	reg := connector.NewRegistry()
	conn := memconn.New("shopmart", []connector.Capability{connector.CapabilitySearch, connector.CapabilityOrder},
		[]model.Product{testProduct("shopmart", 10)})
	reg.Add(conn)

	exec := newTestExecutor(t, reg, Config{DryRun: true})
	decision := model.Decision{Selected: ptr(testProduct("shopmart", 10))}

	result := exec.Execute(context.Background(), "run-1", "sess-1", decision, model.UserContext{UserID: "user-1"}, 1, nil)
	require.Equal(t, model.PurchaseSuccess, result.Status)
	assert.Contains(t, result.OrderID, "dryrun-")
	assert.Equal(t, 0, conn.OrderCallCount(), "dry run must never call connector.Order")
}

func TestExecuteUnknownConnectorFails(t *testing.T) {
	reg := connector.NewRegistry()
	exec := newTestExecutor(t, reg, Config{})
	decision := model.Decision{Selected: ptr(testProduct("ghostmart", 10))}

	result := exec.Execute(context.Background(), "run-1", "sess-1", decision, model.UserContext{UserID: "user-1"}, 1, nil)
	assert.Equal(t, model.PurchaseFailed, result.Status)
}

type fakeHealth struct{ score float64 }

func (f fakeHealth) Healthy(string) (float64, bool) { return f.score, true }

func ptr(p model.Product) *model.Product { return &p }
