// Package llm implements classifier.Classifier against the Anthropic Messages
// API, giving the intent_extraction stage's external-collaborator contract
// one grounded binding in-repo.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cartorch/orchestrator/internal/model"
)

// MessagesClient captures the subset of the Anthropic SDK used by Classifier.
// It is satisfied by *anthropic.MessageService so callers can pass either a
// real client's Messages field or a stub in tests.
type MessagesClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Classifier calls an Anthropic model to extract a structured Intent from
// free-form request text.
type Classifier struct {
	client MessagesClient
	model  anthropic.Model
}

// New constructs a Classifier using client (typically &anthropicClient.Messages).
// modelName defaults to Claude Haiku, a fast tier appropriate for a
// single-turn classification call.
func New(client MessagesClient, modelName anthropic.Model) *Classifier {
	if modelName == "" {
		modelName = anthropic.ModelClaude3_5HaikuLatest
	}
	return &Classifier{client: client, model: modelName}
}

const systemPrompt = `You classify a shopping assistant's incoming user utterance.
Respond with ONLY a JSON object matching this shape, no prose:
{"kind":"purchase|info|clarify","item":"string","quantity":number,"urgency":"low|normal|high","confidence":number,"language_tag":"BCP-47 tag"}`

// Classify implements classifier.Classifier.
func (c *Classifier) Classify(ctx context.Context, requestText string) (model.Intent, error) {
	resp, err := c.client.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(requestText)),
		},
	})
	if err != nil {
		return model.Intent{}, fmt.Errorf("llm classifier: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var out model.Intent
	if err := json.Unmarshal([]byte(extractJSON(text.String())), &out); err != nil {
		return model.Intent{}, fmt.Errorf("llm classifier: malformed response: %w", err)
	}
	return out, nil
}

// extractJSON trims leading/trailing prose the model may add despite
// instructions, keeping only the outermost JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
