// Package classifier implements the intent_extraction stage contract: a pure
// function from request text to a typed Intent. The stage's *intelligence*
// is explicitly an external collaborator per spec.md §1; this package owns
// only the interface and a deterministic reference implementation, plus three
// LLM-backed bindings (the llm, openaillm and bedrockllm subpackages) to
// exercise it end-to-end.
package classifier

import (
	"context"

	"github.com/cartorch/orchestrator/internal/model"
)

// Classifier turns free-form request text into an Intent.
type Classifier interface {
	Classify(ctx context.Context, requestText string) (model.Intent, error)
}
