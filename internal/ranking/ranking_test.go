package ranking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartorch/orchestrator/internal/model"
)

func hitsOf(products ...model.Product) model.SearchHits {
	hits := model.SearchHits{Hits: map[string]model.ConnectorResult{}}
	for _, p := range products {
		res := hits.Hits[p.ConnectorID]
		res.Products = append(res.Products, p)
		hits.Hits[p.ConnectorID] = res
	}
	return hits
}

func inStock(connID string, price float64, eta time.Duration) model.Product {
	s := true
	return model.Product{ConnectorID: connID, ExternalID: "sku-" + connID, UnitPrice: price, DeliveryETA: eta, Stock: &s}
}

func TestScoreEmptyHitsReturnsEmptyRanking(t *testing.T) {
	r := Score(model.SearchHits{}, DefaultWeights, nil)
	assert.Empty(t, r.Products)
}

func TestScoreDeliveryWeightDominatesWhenPriceIsClose(t *testing.T) {
	hits := hitsOf(
		inStock("fast", 60, 15*time.Minute),
		inStock("slow", 55, 90*time.Minute),
	)
	r := Score(hits, DefaultWeights, nil)
	require.Len(t, r.Products, 2)
	assert.Equal(t, "fast", r.Products[0].Product.ConnectorID, "delivery weight 0.45 beats a small price gap")
}

func TestScoreIsDeterministic(t *testing.T) {
	hits := hitsOf(
		inStock("a", 10, time.Hour),
		inStock("b", 20, 30*time.Minute),
		inStock("c", 15, 45*time.Minute),
	)
	first := Score(hits, DefaultWeights, nil)
	second := Score(hits, DefaultWeights, nil)
	require.Equal(t, len(first.Products), len(second.Products))
	for i := range first.Products {
		assert.Equal(t, first.Products[i].Product.ConnectorID, second.Products[i].Product.ConnectorID)
		assert.Equal(t, first.Products[i].Score, second.Products[i].Score)
	}
}

func TestScoreSingleProductNormalizesToOne(t *testing.T) {
	hits := hitsOf(inStock("only", 42, time.Hour))
	r := Score(hits, DefaultWeights, nil)
	require.Len(t, r.Products, 1)
	assert.Equal(t, 1.0, r.Products[0].ScoreComponents.Delivery)
	assert.Equal(t, 1.0, r.Products[0].ScoreComponents.Price)
}

type stubHealth struct{ scores map[string]float64 }

func (h stubHealth) Healthy(id string) (float64, bool) {
	s, ok := h.scores[id]
	return s, ok
}

func TestScoreAppliesConnectorHealthToReliability(t *testing.T) {
	hits := hitsOf(inStock("flaky", 10, time.Hour))
	r := Score(hits, DefaultWeights, stubHealth{scores: map[string]float64{"flaky": 0.2}})
	require.Len(t, r.Products, 1)
	assert.Equal(t, 0.2, r.Products[0].ScoreComponents.Reliability)
}

func TestDecideSelectsFirstPassingAndDiversifiesFallbacks(t *testing.T) {
	hits := hitsOf(
		inStock("a", 10, time.Hour),
		inStock("a", 11, 90*time.Minute),
		inStock("b", 12, 2*time.Hour),
	)
	r := Score(hits, DefaultWeights, nil)
	d := Decide(r, DecisionInput{Urgency: model.UrgencyNormal})
	require.NotNil(t, d.Selected)
	require.Len(t, d.Fallbacks, 2)
	assert.NotEqual(t, d.Selected.ConnectorID, d.Fallbacks[0].ConnectorID, "diversify prefers a different connector first")
}

func TestDecideRejectsOutOfStock(t *testing.T) {
	notInStock := false
	p := inStock("a", 10, time.Hour)
	p.Stock = &notInStock
	r := Score(hitsOf(p), DefaultWeights, nil)
	d := Decide(r, DecisionInput{})
	assert.Nil(t, d.Selected)
	assert.Equal(t, "no suitable option", d.Reasoning)
}

func TestDecidePriceSanityExcludesOutliers(t *testing.T) {
	hits := hitsOf(
		inStock("cheap", 10, time.Hour),
		inStock("fair", 11, time.Hour),
		inStock("scalper", 100, time.Hour), // > 1.5x median(11) -> excluded
	)
	r := Score(hits, DefaultWeights, nil)
	d := Decide(r, DecisionInput{})
	require.NotNil(t, d.Selected)
	assert.NotEqual(t, "scalper", d.Selected.ConnectorID)
	for _, f := range d.Fallbacks {
		assert.NotEqual(t, "scalper", f.ConnectorID)
	}
}

func TestDecideBudgetExcludesOverBudget(t *testing.T) {
	budget := 15.0
	hits := hitsOf(
		inStock("cheap", 10, time.Hour),
		inStock("pricey", 20, time.Hour),
	)
	r := Score(hits, DefaultWeights, nil)
	d := Decide(r, DecisionInput{Budget: &budget})
	require.NotNil(t, d.Selected)
	assert.Equal(t, "cheap", d.Selected.ConnectorID)
}

func TestDecideUrgentDegradesToLowestETAWhenNoneMeetsThreshold(t *testing.T) {
	hits := hitsOf(
		inStock("a", 10, 2*time.Hour),
		inStock("b", 10, 3*time.Hour),
	)
	r := Score(hits, DefaultWeights, nil)
	d := Decide(r, DecisionInput{Urgency: model.UrgencyHigh, UrgentThreshold: time.Hour})
	require.NotNil(t, d.Selected, "urgency policy degrades to lowest-eta rather than rejecting everything")
	assert.Equal(t, "a", d.Selected.ConnectorID)
	assert.Equal(t, true, d.PolicyFlags["urgency_degraded"])
}

// TestDecideUrgentDegradesToTrueLowestETAEvenWhenScoreDisagrees is the
// adversarial case the two-candidate version above cannot catch: a cheap,
// reliable, slow candidate ("d") out-scores an expensive, unreliable, fast
// candidate ("e") under weighted Score, but once the urgency policy
// degrades (no candidate meets the threshold) the literal lowest-ETA
// candidate must still win, not whichever candidate Score ranks first.
func TestDecideUrgentDegradesToTrueLowestETAEvenWhenScoreDisagrees(t *testing.T) {
	hits := hitsOf(
		inStock("d", 40, 200*time.Minute), // cheapest, best reliability, slowest
		inStock("c", 50, 120*time.Minute), // middling on every factor
		inStock("e", 60, 10*time.Minute),  // priciest, worst reliability, fastest
	)
	health := stubHealth{scores: map[string]float64{"d": 0.95, "c": 0.5, "e": 0.05}}
	r := Score(hits, DefaultWeights, health)

	require.Equal(t, "d", r.Products[0].Product.ConnectorID, "sanity check: weighted Score ranks d first despite e's far lower ETA")

	d := Decide(r, DecisionInput{Urgency: model.UrgencyHigh, UrgentThreshold: 5 * time.Minute})
	require.NotNil(t, d.Selected)
	assert.Equal(t, "e", d.Selected.ConnectorID, "degraded urgency policy must pick the true lowest-eta candidate, not Score's winner")
	assert.Equal(t, true, d.PolicyFlags["urgency_degraded"])
}

func TestDecideConnectorHealthExcludesUnhealthy(t *testing.T) {
	hits := hitsOf(
		inStock("healthy", 10, time.Hour),
		inStock("unhealthy", 9, time.Hour),
	)
	r := Score(hits, DefaultWeights, stubHealth{scores: map[string]float64{"unhealthy": 0.1, "healthy": 0.9}})
	d := Decide(r, DecisionInput{Health: stubHealth{scores: map[string]float64{"unhealthy": 0.1, "healthy": 0.9}}})
	require.NotNil(t, d.Selected)
	assert.Equal(t, "healthy", d.Selected.ConnectorID)
}

func TestDecideEmptyRankingReturnsNoCandidates(t *testing.T) {
	d := Decide(model.Ranking{}, DecisionInput{})
	assert.Nil(t, d.Selected)
	assert.Equal(t, "no candidates", d.Reasoning)
}
