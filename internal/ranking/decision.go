package ranking

import (
	"sort"
	"time"

	"github.com/cartorch/orchestrator/internal/model"
)

// DecisionInput bundles the context the policy gate needs beyond the ranked
// list itself.
type DecisionInput struct {
	Urgency         model.Urgency
	Budget          *float64 // nil => no budget constraint
	UrgentThreshold time.Duration // 0 => urgentThreshold default
	Health          ConnectorHealth
}

// policy is one named, ordered gate. It returns true if p passes.
type policy struct {
	name string
	fn   func(p model.RankedProduct, ranked []model.RankedProduct, in DecisionInput) bool
}

// Decide enforces the six ordered policies from spec §4.7 against ranking
// and returns the first product that passes every policy 1-5, plus the next
// two passing products as fallbacks (diversified by connector when
// possible, per policy 6). If no product passes 1-5, Decision.Selected is
// nil and Reasoning explains why.
func Decide(ranking model.Ranking, in DecisionInput) model.Decision {
	if len(ranking.Products) == 0 {
		return model.Decision{Reasoning: "no candidates"}
	}

	median := medianPrice(ranking.Products)
	policies := []policy{
		{"in_stock", func(p model.RankedProduct, _ []model.RankedProduct, _ DecisionInput) bool {
			return p.Product.Stock == nil || *p.Product.Stock
		}},
		{"price_sanity", func(p model.RankedProduct, _ []model.RankedProduct, _ DecisionInput) bool {
			if median == 0 {
				return true
			}
			return p.Product.UnitPrice >= 0.5*median && p.Product.UnitPrice <= 1.5*median
		}},
		{"delivery_meets_urgency", func(p model.RankedProduct, all []model.RankedProduct, in DecisionInput) bool {
			if in.Urgency != model.UrgencyHigh {
				return true
			}
			threshold := in.UrgentThreshold
			if threshold == 0 {
				threshold = urgentThreshold
			}
			if p.Product.DeliveryETA <= threshold {
				return true
			}
			// If no product anywhere meets the threshold, this gate
			// disables itself so every other-policy-passing candidate is
			// still eligible; the caller then forces selection of the
			// literal lowest-ETA candidate among them instead of letting
			// weighted Score order pick the winner (spec §4.7 "if no
			// product qualifies, policy falls back to lowest eta").
			return !anyMeetsUrgency(all, threshold)
		}},
		{"budget", func(p model.RankedProduct, _ []model.RankedProduct, in DecisionInput) bool {
			if in.Budget == nil {
				return true
			}
			return p.Product.UnitPrice <= *in.Budget
		}},
		{"connector_health", func(p model.RankedProduct, _ []model.RankedProduct, in DecisionInput) bool {
			if in.Health == nil {
				return true
			}
			score, known := in.Health.Healthy(p.Product.ConnectorID)
			return !known || score >= 0.5
		}},
	}

	var passing []model.RankedProduct
	for _, p := range ranking.Products {
		ok := true
		for _, pol := range policies {
			if !pol.fn(p, ranking.Products, in) {
				ok = false
				break
			}
		}
		if ok {
			passing = append(passing, p)
		}
	}

	if len(passing) == 0 {
		return model.Decision{Reasoning: "no suitable option"}
	}

	selected, rest := passing[0], passing[1:]
	degraded := false
	if in.Urgency == model.UrgencyHigh {
		threshold := in.UrgentThreshold
		if threshold == 0 {
			threshold = urgentThreshold
		}
		if !anyMeetsUrgency(ranking.Products, threshold) {
			selected, rest = lowestETA(passing)
			degraded = true
		}
	}
	fallbacks := diversify(rest, selected.Product.ConnectorID, 2)

	flags := map[string]any{}
	if in.Urgency == model.UrgencyHigh {
		flags["urgency_degraded"] = degraded
	}

	return model.Decision{
		Selected:    &selected.Product,
		Fallbacks:   toProducts(fallbacks),
		Reasoning:   "passed all policies",
		PolicyFlags: flags,
	}
}

// diversify prefers fallbacks from a connector different from excludeID
// (policy 6), falling back to same-connector candidates only if there are
// not enough diverse ones.
func diversify(candidates []model.RankedProduct, excludeID string, n int) []model.RankedProduct {
	var diverse, same []model.RankedProduct
	for _, c := range candidates {
		if c.Product.ConnectorID != excludeID {
			diverse = append(diverse, c)
		} else {
			same = append(same, c)
		}
	}
	out := append(diverse, same...)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func toProducts(ranked []model.RankedProduct) []model.Product {
	out := make([]model.Product, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.Product)
	}
	return out
}

// lowestETA returns the candidate with the minimum DeliveryETA and the
// remaining candidates in their original relative order, used when the
// delivery_meets_urgency policy has degraded because no candidate meets the
// urgency threshold (spec §4.7).
func lowestETA(candidates []model.RankedProduct) (model.RankedProduct, []model.RankedProduct) {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Product.DeliveryETA < candidates[best].Product.DeliveryETA {
			best = i
		}
	}
	rest := make([]model.RankedProduct, 0, len(candidates)-1)
	rest = append(rest, candidates[:best]...)
	rest = append(rest, candidates[best+1:]...)
	return candidates[best], rest
}

func anyMeetsUrgency(all []model.RankedProduct, threshold time.Duration) bool {
	for _, p := range all {
		if p.Product.DeliveryETA <= threshold {
			return true
		}
	}
	return false
}

func medianPrice(products []model.RankedProduct) float64 {
	prices := make([]float64, len(products))
	for i, p := range products {
		prices[i] = p.Product.UnitPrice
	}
	sort.Float64s(prices)
	n := len(prices)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return prices[n/2]
	}
	return (prices[n/2-1] + prices[n/2]) / 2
}
