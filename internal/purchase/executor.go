// Package purchase implements the Purchase Executor: pre-validation, risk
// assessment, idempotency, bounded retry, and fallback iteration against the
// selected connector, per spec §4.8.
package purchase

import (
	"context"
	"fmt"
	"time"

	"github.com/cartorch/orchestrator/internal/connector"
	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/retry"
)

// ConnectorHealth reports a connector's rolling-window health score in
// [0,1]; reused by the risk-assessment phase (platform_health factor).
type ConnectorHealth interface {
	Healthy(connectorID string) (score float64, known bool)
}

// Reconfirm is invoked when risk assessment escalates to "high": it must
// re-enter await_confirmation with the updated Decision detail and return
// whether the user re-confirmed before ctx's deadline. sessionID/runID
// identify which run's rendezvous to deliver the request on; the pipeline
// Engine routes this to a per-session reconfirmation channel registered the
// same way it registers an in-flight OTP wait (spec §9 Open Question #3).
type Reconfirm func(ctx context.Context, sessionID, runID, reason string, riskScore int) (accepted bool)

// AuditFunc appends one audit record for a purchase phase transition and
// returns the allocated audit record id.
type AuditFunc func(ctx context.Context, runID, sessionID, action string, detail map[string]any) (auditID string, err error)

// Config configures an Executor.
type Config struct {
	RetryConfig           retry.Config
	IdempotencyWindow     time.Duration // default 5 min
	BudgetLarge           float64
	DryRun                bool
	PriceDeltaThreshold   float64 // pre-validation escalation threshold, default 0.10
	RiskCriticalThreshold int     // RISK_CRITICAL_THRESHOLD, default 80
}

// DefaultConfig matches the spec §4.8/§6 defaults.
var DefaultConfig = Config{
	RetryConfig:         retry.DefaultPurchaseConfig,
	IdempotencyWindow:   5 * time.Minute,
	PriceDeltaThreshold: 0.10,
}

// ConnectorLookup resolves a connector id to its runtime handle, e.g.
// connector.Registry.Get.
type ConnectorLookup func(id string) (connector.Connector, bool)

// Executor effects purchases against connectors with the full six-phase
// contract.
type Executor struct {
	cfg       Config
	idemStore IdempotencyStore
	health    ConnectorHealth
	audit     AuditFunc
	reconfirm Reconfirm
	lookup    ConnectorLookup
	now       func() time.Time
}

// New constructs an Executor.
func New(cfg Config, idemStore IdempotencyStore, health ConnectorHealth, audit AuditFunc, reconfirm Reconfirm, lookup ConnectorLookup) *Executor {
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultPurchaseConfig
	}
	if cfg.IdempotencyWindow == 0 {
		cfg.IdempotencyWindow = 5 * time.Minute
	}
	if cfg.PriceDeltaThreshold == 0 {
		cfg.PriceDeltaThreshold = 0.10
	}
	return &Executor{cfg: cfg, idemStore: idemStore, health: health, audit: audit, reconfirm: reconfirm, lookup: lookup, now: time.Now}
}

// Execute runs the full purchase contract for decision: phases 1-4 against
// the selected product, then phase 5 fallback iteration through
// decision.Fallbacks in order (one attempt each, repeating phases 1-4,
// without recomputing ranking), per spec §4.8.
func (e *Executor) Execute(ctx context.Context, runID, sessionID string, decision model.Decision, userCtx model.UserContext, quantity float64, otp connector.OTPChannel) model.PurchaseResult {
	if decision.Selected == nil {
		return model.PurchaseResult{Status: model.PurchaseFailed}
	}

	candidates := append([]model.Product{*decision.Selected}, decision.Fallbacks...)
	var auditIDs []string
	recordAudit := func(action string, detail map[string]any) {
		if e.audit == nil {
			return
		}
		if id, err := e.audit(ctx, runID, sessionID, action, detail); err == nil && id != "" {
			auditIDs = append(auditIDs, id)
		}
	}

	usedFallback := false
	totalAttempts := 0
	var last model.PurchaseResult

	for i, product := range candidates {
		retryCfg := e.cfg.RetryConfig
		if i > 0 {
			retryCfg.MaxAttempts = 1 // fallbacks get a single attempt each
		}
		result, attempts := e.attemptOne(ctx, runID, sessionID, product, userCtx, quantity, otp, retryCfg, recordAudit)
		totalAttempts += attempts
		last = result
		if terminal(result) {
			result.Attempts = totalAttempts
			result.UsedFallback = usedFallback
			result.AuditIDs = auditIDs
			recordAudit("terminal_result", map[string]any{"status": string(result.Status), "platform_used": result.PlatformUsed})
			return result
		}
		if i < len(candidates)-1 {
			usedFallback = true
			recordAudit("fallback_chosen", map[string]any{"from": product.ConnectorID, "to": candidates[i+1].ConnectorID})
		}
	}

	last.Attempts = totalAttempts
	last.UsedFallback = usedFallback
	last.AuditIDs = auditIDs
	if last.Status == "" {
		last.Status = model.PurchaseFailed
	}
	recordAudit("terminal_result", map[string]any{"status": string(last.Status), "platform_used": last.PlatformUsed})
	return last
}

func terminal(r model.PurchaseResult) bool {
	return r.Status == model.PurchaseSuccess || r.Status == model.PurchaseBlocked
}

// attemptOne runs phases 1-4 against a single candidate product.
func (e *Executor) attemptOne(
	ctx context.Context,
	runID, sessionID string,
	product model.Product,
	userCtx model.UserContext,
	quantity float64,
	otp connector.OTPChannel,
	retryCfg retry.Config,
	recordAudit func(action string, detail map[string]any),
) (model.PurchaseResult, int) {
	conn, ok := e.lookup(product.ConnectorID)
	if !ok {
		return model.PurchaseResult{Status: model.PurchaseFailed, PlatformUsed: product.ConnectorID}, 0
	}

	// Phase 1: pre-validation.
	recordAudit("validation_start", map[string]any{"connector_id": product.ConnectorID, "external_id": product.ExternalID})
	priceDelta, outOfStock := e.preValidate(ctx, conn, product)

	// Phase 2: risk assessment.
	now := e.now()
	idemKey := IdempotencyKey(product.ConnectorID, product.ExternalID, userCtx.UserID, DayBucket(now))
	_, duplicate, _ := e.idemStore.Lookup(ctx, idemKey, e.cfg.IdempotencyWindow, now)

	platformHealth := 1.0
	if e.health != nil {
		if h, known := e.health.Healthy(product.ConnectorID); known {
			platformHealth = h
		}
	}
	score, level := Score(RiskFactors{
		PriceSpikePct:   priceDelta,
		OutOfStock:      outOfStock,
		PlatformHealth:  platformHealth,
		Total:             product.UnitPrice * quantity,
		BudgetLarge:       e.cfg.BudgetLarge,
		DuplicateWithin:   duplicate,
		CriticalThreshold: e.cfg.RiskCriticalThreshold,
	})
	recordAudit("risk_computed", map[string]any{"risk_score": score, "risk_level": string(level)})

	if level == model.RiskCritical {
		recordAudit("risk_blocked", map[string]any{"risk_score": score})
		return model.PurchaseResult{Status: model.PurchaseBlocked, RiskScore: score, RiskLevel: level, PlatformUsed: product.ConnectorID}, 0
	}
	if level == model.RiskHigh {
		recordAudit("confirmation_required", map[string]any{"risk_score": score})
		if e.reconfirm == nil || !e.reconfirm(ctx, sessionID, runID, "risk escalation", score) {
			return model.PurchaseResult{Status: model.PurchaseBlocked, RiskScore: score, RiskLevel: level, PlatformUsed: product.ConnectorID}, 0
		}
	}

	// Phase 3: idempotency replay.
	if cached, found, _ := e.idemStore.Lookup(ctx, idemKey, e.cfg.IdempotencyWindow, now); found {
		recordAudit("duplicate_suppressed", map[string]any{"idempotency_key": idemKey})
		return cached, 0
	}

	// Phase 4: execute (with retry), or simulate under dry-run.
	var orderID string
	var attempts int
	var execErr error
	if e.cfg.DryRun {
		orderID = fmt.Sprintf("dryrun-%s-%d", product.ConnectorID, now.UnixNano())
		attempts = 1
		recordAudit("attempt_start", map[string]any{"connector_id": product.ConnectorID, "dry_run": true})
		recordAudit("attempt_outcome", map[string]any{"connector_id": product.ConnectorID, "order_id": orderID, "dry_run": true})
	} else {
		attempts, execErr = retry.Do(ctx, retryCfg, isRetryableOrderErr, func(attemptCtx context.Context, attempt int) error {
			recordAudit("attempt_start", map[string]any{"connector_id": product.ConnectorID, "attempt": attempt})
			id, err := conn.Order(attemptCtx, product, quantity, userCtx, otp)
			if err != nil {
				recordAudit("attempt_outcome", map[string]any{"connector_id": product.ConnectorID, "attempt": attempt, "error": err.Error()})
				return err
			}
			orderID = id
			recordAudit("attempt_outcome", map[string]any{"connector_id": product.ConnectorID, "attempt": attempt, "order_id": id})
			return nil
		})
	}

	if execErr != nil {
		kind := connector.KindOf(execErr)
		result := model.PurchaseResult{Status: model.PurchaseFailed, RiskScore: score, RiskLevel: level, PlatformUsed: product.ConnectorID, Attempts: attempts}
		if kind == connector.KindOutOfStock || kind == connector.KindPriceChanged {
			return result, attempts
		}
		return result, attempts // exhausted retries; caller advances to fallback
	}

	result := model.PurchaseResult{
		Status:       model.PurchaseSuccess,
		PlatformUsed: product.ConnectorID,
		OrderID:      orderID,
		RiskScore:    score,
		RiskLevel:    level,
		Attempts:     attempts,
	}
	if err := e.idemStore.Record(ctx, idemKey, result, now, e.cfg.IdempotencyWindow); err != nil {
		// Recording failure doesn't unwind a successful purchase; a future
		// replay within the window will simply place a duplicate order,
		// which is the same risk any idempotency-store outage carries.
		recordAudit("idempotency_record_failed", map[string]any{"error": err.Error()})
	}
	return result, attempts
}

// preValidate re-queries the connector for the product's current price and
// availability by searching on its title and matching external id (the
// connector interface exposes no narrower "check one product" capability;
// see DESIGN.md). Returns the price delta fraction (new-old)/old and whether
// the product is now out of stock.
func (e *Executor) preValidate(ctx context.Context, conn connector.Connector, product model.Product) (priceDeltaPct float64, outOfStock bool) {
	validateCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	products, err := conn.Search(validateCtx, product.Title, 1, nil)
	if err != nil {
		return 0, true
	}
	for _, p := range products {
		if p.ExternalID == product.ExternalID {
			if p.Stock != nil && !*p.Stock {
				outOfStock = true
			}
			if product.UnitPrice > 0 {
				priceDeltaPct = (p.UnitPrice - product.UnitPrice) / product.UnitPrice
			}
			return priceDeltaPct, outOfStock
		}
	}
	return 0, true // no longer listed -> treat as out of stock
}

func isRetryableOrderErr(err error) bool {
	switch connector.KindOf(err) {
	case connector.KindTransient, connector.KindUnavailable:
		return true
	default:
		return false
	}
}
