package purchase

import "github.com/cartorch/orchestrator/internal/model"

// RiskFactors carries the inputs to the risk score per spec §4.8 phase 2.
type RiskFactors struct {
	PriceSpikePct   float64 // (new-old)/old, e.g. 1.2 for a 120% increase
	OutOfStock      bool
	PlatformHealth  float64 // [0,1], connector health score
	Total           float64
	BudgetLarge     float64 // threshold above which Total counts as "large"
	DuplicateWithin bool    // duplicate_request within the idempotency window

	// CriticalThreshold overrides the score above which level is "critical"
	// (RISK_CRITICAL_THRESHOLD, default 80 when zero). The medium/high splits
	// scale with it, at 3/8 and 3/4 of the threshold (30 and 60 by default).
	CriticalThreshold int
}

// Score computes the risk score and level per spec §4.8 phase 2:
//
//	price_spike >= 50% -> +40
//	out_of_stock       -> +20
//	platform_health<0.5-> +20
//	total >= budget_large -> +20
//	duplicate_request  -> +30
func Score(f RiskFactors) (score int, level model.RiskLevel) {
	if f.PriceSpikePct >= 0.5 {
		score += 40
	}
	if f.OutOfStock {
		score += 20
	}
	if f.PlatformHealth < 0.5 {
		score += 20
	}
	if f.BudgetLarge > 0 && f.Total >= f.BudgetLarge {
		score += 20
	}
	if f.DuplicateWithin {
		score += 30
	}
	if score > 100 {
		score = 100
	}

	critical := f.CriticalThreshold
	if critical <= 0 {
		critical = 80
	}
	switch {
	case score > critical:
		level = model.RiskCritical
	case score > critical*3/4:
		level = model.RiskHigh
	case score > critical*3/8:
		level = model.RiskMedium
	default:
		level = model.RiskLow
	}
	return score, level
}
