// Package ranking implements the pure scoring function and policy gate that
// turn SearchHits into a Ranking and a Decision. No third-party dependency
// fits a pure scalar-scoring function over an in-memory slice; this package
// is intentionally standard-library only (see DESIGN.md).
package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/cartorch/orchestrator/internal/model"
)

// Weights configures the relative contribution of each scoring component.
// Resolves spec's Open Question #1: delivery is weighted highest because
// scenario S1 requires delivery-driven selection between two otherwise
// similar offers.
type Weights struct {
	Delivery    float64
	Price       float64
	Reliability float64
}

// DefaultWeights are the weights used absent an explicit override.
var DefaultWeights = Weights{Delivery: 0.45, Price: 0.35, Reliability: 0.20}

// ConnectorHealth reports whether a connector has been healthy within the
// ranking's rolling window; used by both scoring (reliability component)
// and the connector_health policy.
type ConnectorHealth interface {
	// Healthy returns the connector's rolling-window health in [0,1] and
	// whether it is known at all (false => treat as neutral/unknown).
	Healthy(connectorID string) (score float64, known bool)
}

// Score computes a Ranking from SearchHits. Products are normalized within
// the candidate set: delivery and price are smaller-better, reliability is
// connector rating (from health) times product rating (default 1 if
// unknown). Deterministic: re-scoring the same input yields the same
// ordering (spec §8 round-trip law); products enter in connector-id order,
// which is the insertion order used for full ties.
func Score(hits model.SearchHits, weights Weights, health ConnectorHealth) model.Ranking {
	ids := make([]string, 0, len(hits.Hits))
	for id := range hits.Hits {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var products []model.Product
	for _, id := range ids {
		products = append(products, hits.Hits[id].Products...)
	}
	if len(products) == 0 {
		return model.Ranking{}
	}

	minETA, maxETA := products[0].DeliveryETA, products[0].DeliveryETA
	minPrice, maxPrice := products[0].UnitPrice, products[0].UnitPrice
	for _, p := range products {
		if p.DeliveryETA < minETA {
			minETA = p.DeliveryETA
		}
		if p.DeliveryETA > maxETA {
			maxETA = p.DeliveryETA
		}
		if p.UnitPrice < minPrice {
			minPrice = p.UnitPrice
		}
		if p.UnitPrice > maxPrice {
			maxPrice = p.UnitPrice
		}
	}

	ranked := make([]model.RankedProduct, 0, len(products))
	for _, p := range products {
		deliveryNorm := normalizeSmallerBetter(float64(p.DeliveryETA), float64(minETA), float64(maxETA))
		priceNorm := normalizeSmallerBetter(p.UnitPrice, minPrice, maxPrice)

		reliability := 1.0
		if health != nil {
			if h, known := health.Healthy(p.ConnectorID); known {
				reliability = h
			}
		}
		if p.Rating != nil {
			reliability *= clamp01(*p.Rating / 5.0)
		}

		score := weights.Delivery*deliveryNorm + weights.Price*priceNorm + weights.Reliability*reliability
		ranked = append(ranked, model.RankedProduct{
			Product: p,
			Score:   score,
			ScoreComponents: model.ScoreComponents{
				Delivery:    deliveryNorm,
				Price:       priceNorm,
				Reliability: reliability,
			},
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Product.DeliveryETA != b.Product.DeliveryETA {
			return a.Product.DeliveryETA < b.Product.DeliveryETA
		}
		if a.Product.UnitPrice != b.Product.UnitPrice {
			return a.Product.UnitPrice < b.Product.UnitPrice
		}
		return false // stable sort preserves insertion order for remaining ties
	})

	return model.Ranking{Products: ranked}
}

func normalizeSmallerBetter(v, min, max float64) float64 {
	if max == min {
		return 1.0
	}
	return 1.0 - (v-min)/(max-min)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// urgentThreshold is the default delivery ETA ceiling for urgency==high,
// per spec §4.7 policy 3.
const urgentThreshold = 60 * time.Minute
