package ranking

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cartorch/orchestrator/internal/model"
)

// genProduct generates an in-stock product with a positive price and
// delivery ETA, the only shape Score's normalization math assumes.
func genProduct(connID string) gopter.Gen {
	return gopter.CombineGens(
		gen.Float64Range(1, 500),
		gen.IntRange(1, 10_000),
	).Map(func(vals []any) model.Product {
		price := vals[0].(float64)
		etaMinutes := vals[1].(int)
		inStock := true
		return model.Product{
			ConnectorID: connID,
			ExternalID:  "sku",
			UnitPrice:   price,
			DeliveryETA: time.Duration(etaMinutes) * time.Minute,
			Stock:       &inStock,
		}
	})
}

func genHits() gopter.Gen {
	return gen.IntRange(1, 8).FlatMap(func(n any) gopter.Gen {
		count := n.(int)
		gens := make([]gopter.Gen, count)
		for i := range gens {
			gens[i] = genProduct(productConnID(i))
		}
		return gopter.CombineGens(gens...).Map(func(vals []any) model.SearchHits {
			products := make([]model.Product, len(vals))
			for i, v := range vals {
				products[i] = v.(model.Product)
			}
			return hitsOf(products...)
		})
	}, reflect.TypeOf(model.SearchHits{}))
}

func productConnID(i int) string {
	return string(rune('a' + i))
}

// TestScoreIsDeterministicUnderRepeatedCalls asserts Score's round-trip law
// from spec §8: re-scoring the same SearchHits always yields the same
// ordering and identical per-product scores.
func TestScoreIsDeterministicUnderRepeatedCalls(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("scoring the same hits twice yields identical ranking order and scores", prop.ForAll(
		func(hits model.SearchHits) bool {
			first := Score(hits, DefaultWeights, nil)
			second := Score(hits, DefaultWeights, nil)
			if len(first.Products) != len(second.Products) {
				return false
			}
			for i := range first.Products {
				if first.Products[i].Product.ConnectorID != second.Products[i].Product.ConnectorID {
					return false
				}
				if first.Products[i].Score != second.Products[i].Score {
					return false
				}
			}
			return true
		},
		genHits(),
	))

	properties.TestingRun(t)
}

// TestScoreComponentsStayWithinUnitRange asserts every normalized component
// Score produces is bounded to [0,1], the invariant the ranking and decision
// policies (budget/price-sanity thresholds) both depend on.
func TestScoreComponentsStayWithinUnitRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("delivery/price/reliability components are always in [0,1]", prop.ForAll(
		func(hits model.SearchHits) bool {
			ranked := Score(hits, DefaultWeights, nil)
			for _, p := range ranked.Products {
				if p.ScoreComponents.Delivery < 0 || p.ScoreComponents.Delivery > 1 {
					return false
				}
				if p.ScoreComponents.Price < 0 || p.ScoreComponents.Price > 1 {
					return false
				}
				if p.ScoreComponents.Reliability < 0 || p.ScoreComponents.Reliability > 1 {
					return false
				}
			}
			return true
		},
		genHits(),
	))

	properties.TestingRun(t)
}
