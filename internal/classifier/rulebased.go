package classifier

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/cartorch/orchestrator/internal/model"
)

// RuleBased is a deterministic, keyword/regex classifier used by default and
// by tests. It recognizes a small purchase-intent vocabulary ("buy", "order",
// "get me", a trailing quantity + unit) and otherwise treats the request as
// an info query.
type RuleBased struct{}

// NewRuleBased constructs the default deterministic Classifier.
func NewRuleBased() *RuleBased { return &RuleBased{} }

var (
	purchaseVerbs = []string{"buy", "order", "get me", "purchase", "i need", "i want"}
	urgentWords   = []string{"urgent", "asap", "now", "immediately", "emergency"}
	qtyPattern    = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(kg|g|litre|liter|l|ml|dozen|pack|packs|pcs|piece|pieces)?`)
)

// Classify implements Classifier.
func (RuleBased) Classify(_ context.Context, requestText string) (model.Intent, error) {
	text := strings.ToLower(strings.TrimSpace(requestText))
	if text == "" {
		return model.Intent{Kind: model.IntentClarify, Urgency: model.UrgencyNormal, Confidence: 0, LanguageTag: "und"}, nil
	}

	kind := model.IntentInfo
	confidence := 0.55
	for _, v := range purchaseVerbs {
		if strings.Contains(text, v) {
			kind = model.IntentPurchase
			confidence = 0.8
			break
		}
	}
	// A bare "<qty> <unit> <item>" utterance with no verb ("milk 1 litre")
	// still reads as a purchase per scenario S1.
	if kind == model.IntentInfo && qtyPattern.MatchString(text) && !strings.HasPrefix(text, "what") && !strings.HasPrefix(text, "how") {
		kind = model.IntentPurchase
		confidence = 0.7
	}

	urgency := model.UrgencyNormal
	for _, w := range urgentWords {
		if strings.Contains(text, w) {
			urgency = model.UrgencyHigh
			break
		}
	}

	var item string
	var quantity float64
	if loc := qtyPattern.FindStringSubmatchIndex(text); loc != nil {
		match := qtyPattern.FindStringSubmatch(text)
		if q, err := strconv.ParseFloat(match[1], 64); err == nil {
			quantity = q
		}
		item = strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	} else {
		item = text
	}
	if kind != model.IntentPurchase {
		item = ""
		quantity = 0
	}

	return model.Intent{
		Kind:        kind,
		Item:        item,
		Quantity:    quantity,
		Urgency:     urgency,
		Confidence:  confidence,
		LanguageTag: "en",
	}, nil
}
